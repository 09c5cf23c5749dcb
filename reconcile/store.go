/*
store.go - Persistence interfaces for requests, rules, and run bookkeeping

PURPOSE:
  Defines the boundary between the engine and the database. The engine's
  pipeline stages are pure; everything that touches storage goes through
  these interfaces, so SQLite, Postgres, and in-memory implementations are
  interchangeable.

KEY INTERFACES:
  Store:        Calendars, leave requests, allotment rules
  MemberStore:  Roster persistence backing the member directory
  TxStore:      Atomic multi-write operations (the executor requires one)
  RunStore:     Reconciliation run lifecycle records
  HistoryStore: Append-only decision audit log

ACTIVE-UNIQUENESS CONTRACT:
  PutRequest rejects a second active request for one (member, calendar,
  date, leave type) with ErrDuplicateActiveRequest. Denied and cancelled
  rows never block a new one.

IMPLEMENTATIONS:
  - store/sqlite: production single-file database
  - store/postgres: production shared database
  - store/memory: in-process, for tests and demos

SEE ALSO:
  - executor.go: Applies decision batches through TxStore
  - run.go: Loads snapshots through SnapshotSource
*/
package reconcile

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Calendars, requests, allotment rules
// =============================================================================

// Store is the engine's core persistence interface.
type Store interface {
	// GetCalendar returns a calendar by id, ErrCalendarNotFound if absent.
	GetCalendar(ctx context.Context, id CalendarID) (*Calendar, error)

	// PutCalendar inserts or replaces a calendar.
	PutCalendar(ctx context.Context, cal Calendar) error

	// ListCalendars returns all calendars, active first, then by name.
	ListCalendars(ctx context.Context) ([]Calendar, error)

	// GetRequest returns a request by id, ErrRequestNotFound if absent.
	GetRequest(ctx context.Context, id RequestID) (*LeaveRequest, error)

	// PutRequest inserts a new request. Returns ErrDuplicateActiveRequest
	// when an active request already exists for the same key.
	PutRequest(ctx context.Context, r LeaveRequest) error

	// UpdateRequest replaces a stored request by id. Returns
	// ErrRequestNotFound if absent. The active-uniqueness rule applies to
	// the updated row as well.
	UpdateRequest(ctx context.Context, r LeaveRequest) error

	// ListActiveRequests returns active requests for a calendar with dates
	// in [from, to], ordered by date then submission time.
	ListActiveRequests(ctx context.Context, cal CalendarID, from, to Date) ([]LeaveRequest, error)

	// ListRequestsForDate returns every request row for one calendar day,
	// any status, ordered by submission time.
	ListRequestsForDate(ctx context.Context, cal CalendarID, d Date) ([]LeaveRequest, error)

	// CountApproved returns the number of approved requests for one
	// calendar day. The executor calls this inside the apply transaction
	// to re-check capacity.
	CountApproved(ctx context.Context, cal CalendarID, d Date) (int, error)

	// UpsertRule inserts or replaces the rule for (calendar, date, source).
	UpsertRule(ctx context.Context, rule AllotmentRule) error

	// ListRules returns rules for a calendar with dates in [from, to],
	// both sources.
	ListRules(ctx context.Context, cal CalendarID, from, to Date) ([]AllotmentRule, error)
}

// =============================================================================
// MEMBER STORE - Roster persistence
// =============================================================================

// MemberStore persists the member roster. The roster package adapts this
// into its Directory with caching on top.
type MemberStore interface {
	// PutMember inserts or replaces a member.
	PutMember(ctx context.Context, m Member) error

	// GetMember returns a member by id, ErrMemberNotFound if absent.
	GetMember(ctx context.Context, id MemberID) (*Member, error)

	// ListMembers returns members, filtered to one division when division
	// is non-empty, ordered by name.
	ListMembers(ctx context.Context, division string) ([]Member, error)
}

// =============================================================================
// TRANSACTIONAL STORE - Atomic multi-write operations
// =============================================================================

// TxStore wraps Store with transaction support. The executor requires one:
// a date's decisions apply atomically or not at all.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. A non-nil error from fn
	// rolls back; nil commits.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// RUN RECORDS - Reconciliation run lifecycle
// =============================================================================

// RunRecord is the persisted summary of one reconciliation run. The live
// Run value holds the working state; the record is what survives for the
// run list and audit trail.
type RunRecord struct {
	ID         RunID
	CalendarID CalendarID
	Stage      Stage
	Policy     string
	Actor      string

	Rows       int
	Candidates int
	Unmatched  int
	Conflicts  int
	Dates      int

	Applied int
	NoOps   int
	Skipped int
	Failed  int

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CommittedAt time.Time
}

// RunStore persists run records.
type RunStore interface {
	// PutRunRecord inserts or replaces a run record.
	PutRunRecord(ctx context.Context, rec RunRecord) error

	// GetRunRecord returns a record by id, ErrRunNotFound if absent.
	GetRunRecord(ctx context.Context, id RunID) (*RunRecord, error)

	// ListRunRecords returns records for a calendar, newest first. An
	// empty calendar id returns all.
	ListRunRecords(ctx context.Context, cal CalendarID) ([]RunRecord, error)
}

// =============================================================================
// DECISION LOG - Append-only audit of what the executor did
// =============================================================================

// DecisionLogEntry records one applied decision: who ended up where, under
// which run, decided by whom. Append-only; corrections appear as newer
// entries, never edits.
type DecisionLogEntry struct {
	ID         string
	RunID      RunID
	CalendarID CalendarID
	RequestID  RequestID
	MemberID   MemberID
	Date       Date
	Kind       DecisionKind
	Position   int
	Actor      string
	Detail     string
	At         time.Time
}

// HistoryStore is the decision audit log.
type HistoryStore interface {
	// AppendDecisions persists entries. Within a TxStore transaction the
	// entries commit or roll back with the decisions they describe.
	AppendDecisions(ctx context.Context, entries []DecisionLogEntry) error

	// ListDecisionsForRun returns a run's entries in append order.
	ListDecisionsForRun(ctx context.Context, id RunID) ([]DecisionLogEntry, error)

	// ListDecisionsForRequest returns a request's entries in append order.
	ListDecisionsForRequest(ctx context.Context, id RequestID) ([]DecisionLogEntry, error)
}

// =============================================================================
// SNAPSHOTS - Point-in-time reads for a run
// =============================================================================

// Snapshot is the engine's working copy of storage for one run: loaded at
// a stage boundary, computed over in memory. Staleness is caught by the
// executor's commit-time re-check, not by locking.
type Snapshot struct {
	Calendar Calendar
	Requests []LeaveRequest
	Rules    *RuleSet
}

// SnapshotSource loads run inputs. The roster loads before row parsing;
// the request/rule window loads after, once candidate dates are known.
type SnapshotSource interface {
	Roster(ctx context.Context, division string) ([]Member, error)
	Window(ctx context.Context, cal CalendarID, from, to Date) (*Snapshot, error)
}

// StoreSource is the production SnapshotSource, reading from persistent
// storage.
type StoreSource struct {
	Store   Store
	Members MemberStore
}

func (s StoreSource) Roster(ctx context.Context, division string) ([]Member, error) {
	return s.Members.ListMembers(ctx, division)
}

func (s StoreSource) Window(ctx context.Context, cal CalendarID, from, to Date) (*Snapshot, error) {
	c, err := s.Store.GetCalendar(ctx, cal)
	if err != nil {
		return nil, err
	}
	reqs, err := s.Store.ListActiveRequests(ctx, cal, from, to)
	if err != nil {
		return nil, err
	}
	rules, err := s.Store.ListRules(ctx, cal, from, to)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Calendar: *c, Requests: reqs, Rules: NewRuleSet(rules)}, nil
}
