/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements every persistence interface the engine defines (Store,
  MemberStore, RunStore, HistoryStore, TxStore) on a single-file SQLite
  database. Suitable for a local's single-office deployment; the Postgres
  store covers shared installations.

KEY TABLES:
  calendars:       Leave pools (one division's PLD calendar, ...)
  members:         The roster the matcher resolves against
  leave_requests:  One row per member per day per leave type
  allotment_rules: Per-date capacity, daily override and yearly default
  run_records:     Reconciliation run lifecycle summaries
  run_decisions:   Append-only audit log of applied decisions

ONE-ACTIVE-REQUEST ENFORCEMENT:
  idx_requests_one_active is a partial unique index over
  (member_id, calendar_id, date, leave_type) WHERE status is active.
  Storage rejects a second active row even if engine-level checks are
  bypassed; violations surface as ErrDuplicateActiveRequest.

DATE ENCODING:
  Calendar days are TEXT in ISO form (2006-01-02), so lexicographic
  range scans equal chronological ones. Timestamps are RFC3339 TEXT.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety; SQLite allows one writer at a
  time. WAL mode keeps readers unblocked during writes.

USAGE:
  store, err := sqlite.New("./data/allotment.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - reconcile/store.go: Interface definitions
  - store/postgres: Same contracts on pgx
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/unionhall/allotment-engine/reconcile"
)

// Store implements the engine storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS calendars (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		division TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		pin TEXT,
		name TEXT NOT NULL,
		division TEXT NOT NULL DEFAULT '',
		seniority_date TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_members_division ON members(division);

	CREATE TABLE IF NOT EXISTS leave_requests (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		calendar_id TEXT NOT NULL,
		date TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		status TEXT NOT NULL,
		waitlist_position INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT 'database',
		submitted_at TEXT NOT NULL,
		responded_at TEXT
	);

	-- CRITICAL: at most one active request per member, calendar, day,
	-- and leave type. Denied/cancelled rows stay behind for history and
	-- never block a new request.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_one_active
		ON leave_requests(member_id, calendar_id, date, leave_type)
		WHERE status IN ('pending', 'approved', 'waitlisted');

	CREATE INDEX IF NOT EXISTS idx_requests_calendar_date
		ON leave_requests(calendar_id, date);
	CREATE INDEX IF NOT EXISTS idx_requests_member
		ON leave_requests(member_id);
	CREATE INDEX IF NOT EXISTS idx_requests_status
		ON leave_requests(status);

	CREATE TABLE IF NOT EXISTS allotment_rules (
		calendar_id TEXT NOT NULL,
		date TEXT NOT NULL,
		max_allotment INTEGER NOT NULL,
		source TEXT NOT NULL,
		PRIMARY KEY (calendar_id, date, source)
	);

	CREATE TABLE IF NOT EXISTS run_records (
		id TEXT PRIMARY KEY,
		calendar_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		policy TEXT NOT NULL DEFAULT 'submission',
		actor TEXT NOT NULL DEFAULT '',
		row_count INTEGER NOT NULL DEFAULT 0,
		candidates INTEGER NOT NULL DEFAULT 0,
		unmatched INTEGER NOT NULL DEFAULT 0,
		conflicts INTEGER NOT NULL DEFAULT 0,
		dates INTEGER NOT NULL DEFAULT 0,
		applied INTEGER NOT NULL DEFAULT 0,
		noops INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		committed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_run_records_calendar
		ON run_records(calendar_id, created_at DESC);

	-- Append-only; ordering is rowid.
	CREATE TABLE IF NOT EXISTS run_decisions (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		calendar_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		date TEXT NOT NULL,
		kind TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		actor TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_run_decisions_run ON run_decisions(run_id);
	CREATE INDEX IF NOT EXISTS idx_run_decisions_request ON run_decisions(request_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx, so every operation
// works directly and inside WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// CALENDARS
// =============================================================================

func (s *Store) GetCalendar(ctx context.Context, id reconcile.CalendarID) (*reconcile.Calendar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCalendar(ctx, s.db, id)
}

func getCalendar(ctx context.Context, q querier, id reconcile.CalendarID) (*reconcile.Calendar, error) {
	var c reconcile.Calendar
	err := q.QueryRowContext(ctx,
		`SELECT id, name, division, active FROM calendars WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Division, &c.Active)
	if err == sql.ErrNoRows {
		return nil, reconcile.ErrCalendarNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get calendar: %w", err)
	}
	return &c, nil
}

func (s *Store) PutCalendar(ctx context.Context, cal reconcile.Calendar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putCalendar(ctx, s.db, cal)
}

func putCalendar(ctx context.Context, q querier, cal reconcile.Calendar) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO calendars (id, name, division, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			division = excluded.division,
			active = excluded.active
	`, cal.ID, cal.Name, cal.Division, cal.Active)
	if err != nil {
		return fmt.Errorf("failed to save calendar: %w", err)
	}
	return nil
}

func (s *Store) ListCalendars(ctx context.Context) ([]reconcile.Calendar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listCalendars(ctx, s.db)
}

func listCalendars(ctx context.Context, q querier) ([]reconcile.Calendar, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, name, division, active FROM calendars ORDER BY active DESC, name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	defer rows.Close()

	var out []reconcile.Calendar
	for rows.Next() {
		var c reconcile.Calendar
		if err := rows.Scan(&c.ID, &c.Name, &c.Division, &c.Active); err != nil {
			return nil, fmt.Errorf("failed to scan calendar: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// LEAVE REQUESTS
// =============================================================================

const requestColumns = `id, member_id, calendar_id, date, leave_type, status,
	waitlist_position, source, submitted_at, responded_at`

func (s *Store) GetRequest(ctx context.Context, id reconcile.RequestID) (*reconcile.LeaveRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRequest(ctx, s.db, id)
}

func getRequest(ctx context.Context, q querier, id reconcile.RequestID) (*reconcile.LeaveRequest, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM leave_requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, reconcile.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return &r, nil
}

func (s *Store) PutRequest(ctx context.Context, r reconcile.LeaveRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putRequest(ctx, s.db, r)
}

func putRequest(ctx context.Context, q querier, r reconcile.LeaveRequest) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO leave_requests
		(id, member_id, calendar_id, date, leave_type, status,
		 waitlist_position, source, submitted_at, responded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.MemberID, r.CalendarID, r.Date.String(), r.Type, r.Status,
		r.WaitlistPosition, r.Source,
		r.SubmittedAt.UTC().Format(time.RFC3339),
		nullTime(r.RespondedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "idx_requests_one_active") {
				return reconcile.ErrDuplicateActiveRequest
			}
			return fmt.Errorf("request %s already exists", r.ID)
		}
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

func (s *Store) UpdateRequest(ctx context.Context, r reconcile.LeaveRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateRequest(ctx, s.db, r)
}

func updateRequest(ctx context.Context, q querier, r reconcile.LeaveRequest) error {
	res, err := q.ExecContext(ctx, `
		UPDATE leave_requests SET
			member_id = ?, calendar_id = ?, date = ?, leave_type = ?,
			status = ?, waitlist_position = ?, source = ?,
			submitted_at = ?, responded_at = ?
		WHERE id = ?
	`,
		r.MemberID, r.CalendarID, r.Date.String(), r.Type,
		r.Status, r.WaitlistPosition, r.Source,
		r.SubmittedAt.UTC().Format(time.RFC3339),
		nullTime(r.RespondedAt),
		r.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return reconcile.ErrDuplicateActiveRequest
		}
		return fmt.Errorf("failed to update request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	if n == 0 {
		return reconcile.ErrRequestNotFound
	}
	return nil
}

func (s *Store) ListActiveRequests(ctx context.Context, cal reconcile.CalendarID, from, to reconcile.Date) ([]reconcile.LeaveRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listActiveRequests(ctx, s.db, cal, from, to)
}

func listActiveRequests(ctx context.Context, q querier, cal reconcile.CalendarID, from, to reconcile.Date) ([]reconcile.LeaveRequest, error) {
	query := `SELECT ` + requestColumns + `
		FROM leave_requests
		WHERE calendar_id = ? AND date >= ? AND date <= ?
		  AND status IN ('pending', 'approved', 'waitlisted')
		ORDER BY date ASC, submitted_at ASC, id ASC`
	return queryRequests(ctx, q, query, cal, from.String(), to.String())
}

func (s *Store) ListRequestsForDate(ctx context.Context, cal reconcile.CalendarID, d reconcile.Date) ([]reconcile.LeaveRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRequestsForDate(ctx, s.db, cal, d)
}

func listRequestsForDate(ctx context.Context, q querier, cal reconcile.CalendarID, d reconcile.Date) ([]reconcile.LeaveRequest, error) {
	query := `SELECT ` + requestColumns + `
		FROM leave_requests
		WHERE calendar_id = ? AND date = ?
		ORDER BY submitted_at ASC, id ASC`
	return queryRequests(ctx, q, query, cal, d.String())
}

func (s *Store) CountApproved(ctx context.Context, cal reconcile.CalendarID, d reconcile.Date) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countApproved(ctx, s.db, cal, d)
}

func countApproved(ctx context.Context, q querier, cal reconcile.CalendarID, d reconcile.Date) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM leave_requests WHERE calendar_id = ? AND date = ? AND status = 'approved'`,
		cal, d.String(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count approved: %w", err)
	}
	return n, nil
}

func queryRequests(ctx context.Context, q querier, query string, args ...any) ([]reconcile.LeaveRequest, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var out []reconcile.LeaveRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (reconcile.LeaveRequest, error) {
	var (
		r           reconcile.LeaveRequest
		date        string
		submittedAt string
		respondedAt sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.MemberID, &r.CalendarID, &date, &r.Type, &r.Status,
		&r.WaitlistPosition, &r.Source, &submittedAt, &respondedAt,
	)
	if err != nil {
		return r, err
	}

	if r.Date, err = reconcile.ParseDate(date); err != nil {
		return r, fmt.Errorf("stored date %q: %w", date, err)
	}
	if r.SubmittedAt, err = time.Parse(time.RFC3339, submittedAt); err != nil {
		return r, fmt.Errorf("stored submitted_at %q: %w", submittedAt, err)
	}
	if respondedAt.Valid && respondedAt.String != "" {
		if r.RespondedAt, err = time.Parse(time.RFC3339, respondedAt.String); err != nil {
			return r, fmt.Errorf("stored responded_at %q: %w", respondedAt.String, err)
		}
	}
	return r, nil
}

// =============================================================================
// ALLOTMENT RULES
// =============================================================================

func (s *Store) UpsertRule(ctx context.Context, rule reconcile.AllotmentRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertRule(ctx, s.db, rule)
}

func upsertRule(ctx context.Context, q querier, rule reconcile.AllotmentRule) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO allotment_rules (calendar_id, date, max_allotment, source)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(calendar_id, date, source) DO UPDATE SET
			max_allotment = excluded.max_allotment
	`, rule.CalendarID, rule.Date.String(), rule.MaxAllotment, rule.Source)
	if err != nil {
		return fmt.Errorf("failed to upsert rule: %w", err)
	}
	return nil
}

func (s *Store) ListRules(ctx context.Context, cal reconcile.CalendarID, from, to reconcile.Date) ([]reconcile.AllotmentRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRules(ctx, s.db, cal, from, to)
}

func listRules(ctx context.Context, q querier, cal reconcile.CalendarID, from, to reconcile.Date) ([]reconcile.AllotmentRule, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT calendar_id, date, max_allotment, source
		FROM allotment_rules
		WHERE calendar_id = ? AND date >= ? AND date <= ?
		ORDER BY date ASC, source ASC
	`, cal, from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []reconcile.AllotmentRule
	for rows.Next() {
		var (
			r    reconcile.AllotmentRule
			date string
		)
		if err := rows.Scan(&r.CalendarID, &date, &r.MaxAllotment, &r.Source); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		if r.Date, err = reconcile.ParseDate(date); err != nil {
			return nil, fmt.Errorf("stored date %q: %w", date, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// MEMBERS
// =============================================================================

func (s *Store) PutMember(ctx context.Context, m reconcile.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (id, pin, name, division, seniority_date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pin = excluded.pin,
			name = excluded.name,
			division = excluded.division,
			seniority_date = excluded.seniority_date
	`, m.ID, nullString(m.PIN), m.Name, m.Division, nullDate(m.SeniorityDate))
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

func (s *Store) GetMember(ctx context.Context, id reconcile.MemberID) (*reconcile.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, pin, name, division, seniority_date FROM members WHERE id = ?`, id)
	m, err := scanMember(row)
	if err == sql.ErrNoRows {
		return nil, reconcile.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return &m, nil
}

func (s *Store) ListMembers(ctx context.Context, division string) ([]reconcile.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, pin, name, division, seniority_date FROM members ORDER BY name ASC, id ASC`
	args := []any{}
	if division != "" {
		query = `SELECT id, pin, name, division, seniority_date FROM members
			WHERE division = ? ORDER BY name ASC, id ASC`
		args = append(args, division)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	var out []reconcile.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMember(row rowScanner) (reconcile.Member, error) {
	var (
		m         reconcile.Member
		pin       sql.NullString
		seniority sql.NullString
	)
	if err := row.Scan(&m.ID, &pin, &m.Name, &m.Division, &seniority); err != nil {
		return m, err
	}
	m.PIN = pin.String
	if seniority.Valid && seniority.String != "" {
		d, err := reconcile.ParseDate(seniority.String)
		if err != nil {
			return m, fmt.Errorf("stored seniority_date %q: %w", seniority.String, err)
		}
		m.SeniorityDate = d
	}
	return m, nil
}

// =============================================================================
// RUN RECORDS
// =============================================================================

func (s *Store) PutRunRecord(ctx context.Context, rec reconcile.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_records
		(id, calendar_id, stage, policy, actor, row_count, candidates,
		 unmatched, conflicts, dates, applied, noops, skipped, failed,
		 created_at, updated_at, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stage = excluded.stage,
			policy = excluded.policy,
			actor = excluded.actor,
			row_count = excluded.row_count,
			candidates = excluded.candidates,
			unmatched = excluded.unmatched,
			conflicts = excluded.conflicts,
			dates = excluded.dates,
			applied = excluded.applied,
			noops = excluded.noops,
			skipped = excluded.skipped,
			failed = excluded.failed,
			updated_at = excluded.updated_at,
			committed_at = excluded.committed_at
	`,
		rec.ID, rec.CalendarID, rec.Stage, rec.Policy, rec.Actor,
		rec.Rows, rec.Candidates, rec.Unmatched, rec.Conflicts, rec.Dates,
		rec.Applied, rec.NoOps, rec.Skipped, rec.Failed,
		rec.CreatedAt.UTC().Format(time.RFC3339),
		rec.UpdatedAt.UTC().Format(time.RFC3339),
		nullTime(rec.CommittedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run record: %w", err)
	}
	return nil
}

func (s *Store) GetRunRecord(ctx context.Context, id reconcile.RunID) (*reconcile.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, calendar_id, stage, policy, actor, row_count, candidates,
		       unmatched, conflicts, dates, applied, noops, skipped, failed,
		       created_at, updated_at, committed_at
		FROM run_records WHERE id = ?`, id)
	rec, err := scanRunRecord(row)
	if err == sql.ErrNoRows {
		return nil, reconcile.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run record: %w", err)
	}
	return &rec, nil
}

func (s *Store) ListRunRecords(ctx context.Context, cal reconcile.CalendarID) ([]reconcile.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, calendar_id, stage, policy, actor, row_count, candidates,
		       unmatched, conflicts, dates, applied, noops, skipped, failed,
		       created_at, updated_at, committed_at
		FROM run_records ORDER BY created_at DESC, id ASC`
	args := []any{}
	if cal != "" {
		query = `
		SELECT id, calendar_id, stage, policy, actor, row_count, candidates,
		       unmatched, conflicts, dates, applied, noops, skipped, failed,
		       created_at, updated_at, committed_at
		FROM run_records WHERE calendar_id = ? ORDER BY created_at DESC, id ASC`
		args = append(args, cal)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query run records: %w", err)
	}
	defer rows.Close()

	var out []reconcile.RunRecord
	for rows.Next() {
		rec, err := scanRunRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRunRecord(row rowScanner) (reconcile.RunRecord, error) {
	var (
		rec         reconcile.RunRecord
		createdAt   string
		updatedAt   string
		committedAt sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.CalendarID, &rec.Stage, &rec.Policy, &rec.Actor,
		&rec.Rows, &rec.Candidates, &rec.Unmatched, &rec.Conflicts, &rec.Dates,
		&rec.Applied, &rec.NoOps, &rec.Skipped, &rec.Failed,
		&createdAt, &updatedAt, &committedAt,
	)
	if err != nil {
		return rec, err
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return rec, fmt.Errorf("stored created_at %q: %w", createdAt, err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return rec, fmt.Errorf("stored updated_at %q: %w", updatedAt, err)
	}
	if committedAt.Valid && committedAt.String != "" {
		if rec.CommittedAt, err = time.Parse(time.RFC3339, committedAt.String); err != nil {
			return rec, fmt.Errorf("stored committed_at %q: %w", committedAt.String, err)
		}
	}
	return rec, nil
}

// =============================================================================
// DECISION LOG
// =============================================================================

func (s *Store) AppendDecisions(ctx context.Context, entries []reconcile.DecisionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendDecisions(ctx, s.db, entries)
}

func appendDecisions(ctx context.Context, q querier, entries []reconcile.DecisionLogEntry) error {
	for _, e := range entries {
		_, err := q.ExecContext(ctx, `
			INSERT INTO run_decisions
			(id, run_id, calendar_id, request_id, member_id, date, kind,
			 position, actor, detail, at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.ID, e.RunID, e.CalendarID, e.RequestID, e.MemberID,
			e.Date.String(), e.Kind, e.Position, e.Actor, e.Detail,
			e.At.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to append decision: %w", err)
		}
	}
	return nil
}

const decisionColumns = `id, run_id, calendar_id, request_id, member_id, date, kind,
	position, actor, detail, at`

func (s *Store) ListDecisionsForRun(ctx context.Context, id reconcile.RunID) ([]reconcile.DecisionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryDecisions(ctx, s.db,
		`SELECT `+decisionColumns+` FROM run_decisions WHERE run_id = ? ORDER BY rowid ASC`, id)
}

func (s *Store) ListDecisionsForRequest(ctx context.Context, id reconcile.RequestID) ([]reconcile.DecisionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryDecisions(ctx, s.db,
		`SELECT `+decisionColumns+` FROM run_decisions WHERE request_id = ? ORDER BY rowid ASC`, id)
}

func queryDecisions(ctx context.Context, q querier, query string, args ...any) ([]reconcile.DecisionLogEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []reconcile.DecisionLogEntry
	for rows.Next() {
		var (
			e    reconcile.DecisionLogEntry
			date string
			at   string
		)
		err := rows.Scan(
			&e.ID, &e.RunID, &e.CalendarID, &e.RequestID, &e.MemberID,
			&date, &e.Kind, &e.Position, &e.Actor, &e.Detail, &at,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		if e.Date, err = reconcile.ParseDate(date); err != nil {
			return nil, fmt.Errorf("stored date %q: %w", date, err)
		}
		if e.At, err = time.Parse(time.RFC3339, at); err != nil {
			return nil, fmt.Errorf("stored at %q: %w", at, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// Reset deletes every row from every table. The schema survives.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	tables := []string{
		"run_decisions", "run_records", "leave_requests",
		"allotment_rules", "members", "calendars",
	}
	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("failed to clear %s: %w", t, err)
		}
	}
	return tx.Commit()
}

// =============================================================================
// TRANSACTIONAL STORE (reconcile.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store reconcile.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore routes every operation through the open transaction. It also
// implements HistoryStore, so decision log entries commit with the
// decisions they describe.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetCalendar(ctx context.Context, id reconcile.CalendarID) (*reconcile.Calendar, error) {
	return getCalendar(ctx, ts.tx, id)
}

func (ts *txStore) PutCalendar(ctx context.Context, cal reconcile.Calendar) error {
	return putCalendar(ctx, ts.tx, cal)
}

func (ts *txStore) ListCalendars(ctx context.Context) ([]reconcile.Calendar, error) {
	return listCalendars(ctx, ts.tx)
}

func (ts *txStore) GetRequest(ctx context.Context, id reconcile.RequestID) (*reconcile.LeaveRequest, error) {
	return getRequest(ctx, ts.tx, id)
}

func (ts *txStore) PutRequest(ctx context.Context, r reconcile.LeaveRequest) error {
	return putRequest(ctx, ts.tx, r)
}

func (ts *txStore) UpdateRequest(ctx context.Context, r reconcile.LeaveRequest) error {
	return updateRequest(ctx, ts.tx, r)
}

func (ts *txStore) ListActiveRequests(ctx context.Context, cal reconcile.CalendarID, from, to reconcile.Date) ([]reconcile.LeaveRequest, error) {
	return listActiveRequests(ctx, ts.tx, cal, from, to)
}

func (ts *txStore) ListRequestsForDate(ctx context.Context, cal reconcile.CalendarID, d reconcile.Date) ([]reconcile.LeaveRequest, error) {
	return listRequestsForDate(ctx, ts.tx, cal, d)
}

func (ts *txStore) CountApproved(ctx context.Context, cal reconcile.CalendarID, d reconcile.Date) (int, error) {
	return countApproved(ctx, ts.tx, cal, d)
}

func (ts *txStore) UpsertRule(ctx context.Context, rule reconcile.AllotmentRule) error {
	return upsertRule(ctx, ts.tx, rule)
}

func (ts *txStore) ListRules(ctx context.Context, cal reconcile.CalendarID, from, to reconcile.Date) ([]reconcile.AllotmentRule, error) {
	return listRules(ctx, ts.tx, cal, from, to)
}

func (ts *txStore) AppendDecisions(ctx context.Context, entries []reconcile.DecisionLogEntry) error {
	return appendDecisions(ctx, ts.tx, entries)
}

func (ts *txStore) ListDecisionsForRun(ctx context.Context, id reconcile.RunID) ([]reconcile.DecisionLogEntry, error) {
	return queryDecisions(ctx, ts.tx,
		`SELECT `+decisionColumns+` FROM run_decisions WHERE run_id = ? ORDER BY rowid ASC`, id)
}

func (ts *txStore) ListDecisionsForRequest(ctx context.Context, id reconcile.RequestID) ([]reconcile.DecisionLogEntry, error) {
	return queryDecisions(ctx, ts.tx,
		`SELECT `+decisionColumns+` FROM run_decisions WHERE request_id = ? ORDER BY rowid ASC`, id)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func nullDate(d reconcile.Date) sql.NullString {
	if d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
