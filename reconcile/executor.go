/*
executor.go - Stage 6: apply a decision batch to storage

PURPOSE:
  Takes the run's final decisions and makes storage match them. Each date
  applies inside its own transaction; one date's failure never poisons
  another. Within a date it re-validates capacity against live data, so a
  concurrent writer who grabbed seats between review and commit turns into
  a clean per-date conflict instead of an over-allotted calendar.

IDEMPOTENCY:
  Re-applying a batch is safe. Every decision compares against the stored
  row first: already-approved accepts, already-cancelled cancels, and
  waitlist rows already at their target position count as no-ops, write
  nothing, and log nothing.

ORDER WITHIN A DATE:
  1. Upsert the capacity adjustment as a daily override rule
  2. Cancels and amends (frees seats before they are counted)
  3. Capacity re-check: approved-now + newly-planned accepts <= capacity,
     enforced only when the batch adds approvals. A batch that only cancels
     or renumbers always applies, even on a date already over capacity.
  4. Accepts, waitlists, denies, in batch order
  5. Decision log entries, inside the same transaction when the store
     supports it

FAILURE SCOPE:
  - Item errors (row vanished, duplicate active request) fail that item
    and keep going.
  - A capacity conflict fails the whole date and rolls it back.
  - Storage errors abort the run; the batch is safe to re-apply.
  - AllOrNothing runs every date in one transaction and any failure
    rolls back everything.

SEE ALSO:
  - waitlist.go: ComputePromotions feeds PromoteForDate below
  - store.go: TxStore and HistoryStore contracts
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// BATCH & OPTIONS
// =============================================================================

// Batch is the commit unit: every decision of a run plus the capacity
// adjustments to persist as daily override rules.
type Batch struct {
	CalendarID CalendarID
	Decisions  []Decision
	// Adjustments maps adjusted dates to their new capacity.
	Adjustments map[Date]int
}

// ExecOptions tune one Apply call.
type ExecOptions struct {
	// AllOrNothing applies the whole batch in a single transaction; any
	// failure rolls back every date.
	AllOrNothing bool
	// RunID and Actor flow into the decision log.
	RunID RunID
	Actor string
}

// ItemFailure scopes an error to one decision.
type ItemFailure struct {
	Decision Decision
	Err      error
}

// DateFailure scopes an error to one date whose transaction rolled back.
type DateFailure struct {
	Date Date
	Err  error
}

// Notification is an outbound "your request changed" event. The engine
// emits them; delivery belongs to the caller.
type Notification struct {
	MemberID   MemberID
	CalendarID CalendarID
	Date       Date
	Kind       DecisionKind
	Position   int
}

// ExecResult summarizes one Apply call.
type ExecResult struct {
	Applied int
	NoOps   int
	Skipped int

	Items []ItemFailure
	Dates []DateFailure

	Notifications []Notification
}

// Failed reports whether any item or date failed.
func (r *ExecResult) Failed() bool { return len(r.Items) > 0 || len(r.Dates) > 0 }

func (r *ExecResult) merge(other *ExecResult) {
	r.Applied += other.Applied
	r.NoOps += other.NoOps
	r.Skipped += other.Skipped
	r.Items = append(r.Items, other.Items...)
	r.Notifications = append(r.Notifications, other.Notifications...)
}

// =============================================================================
// EXECUTOR
// =============================================================================

// Executor applies decision batches. Store is required; History is used
// when the transactional store doesn't itself implement HistoryStore.
type Executor struct {
	Store   TxStore
	History HistoryStore

	// Clock and NewID exist for tests. Nil means time.Now / random uuid.
	Clock func() time.Time
	NewID func() string
}

func (e *Executor) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now().UTC()
}

func (e *Executor) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// Apply makes storage match the batch. Per-item and per-date failures come
// back in the result; only storage-level errors return a non-nil error, and
// those leave the batch safe to re-apply.
func (e *Executor) Apply(ctx context.Context, b Batch, opts ExecOptions) (*ExecResult, error) {
	if e.Store == nil {
		return nil, ErrStoreRequired
	}
	if opts.Actor == "" {
		opts.Actor = "system"
	}

	byDate := make(map[Date][]Decision)
	var dates []Date
	for _, d := range b.Decisions {
		if _, ok := byDate[d.Date]; !ok {
			dates = append(dates, d.Date)
		}
		byDate[d.Date] = append(byDate[d.Date], d)
	}
	// Adjustments for dates with no decisions still persist.
	for d := range b.Adjustments {
		if _, ok := byDate[d]; !ok {
			dates = append(dates, d)
		}
	}
	SortDates(dates)

	if opts.AllOrNothing {
		return e.applyAtomic(ctx, b, dates, byDate, opts)
	}

	res := &ExecResult{}
	for _, d := range dates {
		day := d
		var staged *ExecResult
		err := e.Store.WithTx(ctx, func(s Store) error {
			st, err := e.applyDate(ctx, s, b, day, byDate[day], opts)
			staged = st
			return err
		})
		switch {
		case err == nil:
			res.merge(staged)
		case isCapacityConflict(err):
			res.Dates = append(res.Dates, DateFailure{Date: day, Err: err})
		default:
			return nil, fmt.Errorf("apply %s: %w", day, err)
		}
	}
	return res, nil
}

// applyAtomic is the AllOrNothing path: one transaction, and a failure of
// any kind rolls the whole batch back.
func (e *Executor) applyAtomic(ctx context.Context, b Batch, dates []Date, byDate map[Date][]Decision, opts ExecOptions) (*ExecResult, error) {
	res := &ExecResult{}
	err := e.Store.WithTx(ctx, func(s Store) error {
		for _, day := range dates {
			staged, err := e.applyDate(ctx, s, b, day, byDate[day], opts)
			if err != nil {
				return err
			}
			if len(staged.Items) > 0 {
				return fmt.Errorf("decision for %s on %s: %w",
					staged.Items[0].Decision.MemberID, day, staged.Items[0].Err)
			}
			res.merge(staged)
		}
		return nil
	})
	if err != nil {
		if isCapacityConflict(err) {
			var conflict *CapacityConflictError
			errors.As(err, &conflict)
			return &ExecResult{Dates: []DateFailure{{Date: conflict.Date, Err: err}}}, nil
		}
		return nil, err
	}
	return res, nil
}

func isCapacityConflict(err error) bool {
	var conflict *CapacityConflictError
	return errors.As(err, &conflict)
}

// applyDate runs one date's slice of the batch inside the caller's
// transaction and returns its staged result. A capacity conflict or
// storage error returns non-nil, rolling the date back.
func (e *Executor) applyDate(ctx context.Context, s Store, b Batch, day Date, decisions []Decision, opts ExecOptions) (*ExecResult, error) {
	// 1. Persist the adjustment; it is the capacity the re-check uses.
	capacity, hasAdj := b.Adjustments[day]
	if hasAdj {
		rule := AllotmentRule{
			CalendarID:   b.CalendarID,
			Date:         day,
			MaxAllotment: capacity,
			Source:       RuleDailyOverride,
		}
		if err := s.UpsertRule(ctx, rule); err != nil {
			return nil, fmt.Errorf("upsert adjustment: %w", err)
		}
	} else {
		rules, err := s.ListRules(ctx, b.CalendarID, day, day)
		if err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		capacity, _ = NewRuleSet(rules).Capacity(day)
	}

	staged := &ExecResult{}
	var logged []Decision

	// 2. Cancels and amends first, so freed seats count.
	rest := make([]Decision, 0, len(decisions))
	for _, dec := range decisions {
		switch dec.Kind {
		case DecideCancel, DecideAmend:
			if e.applyOne(ctx, s, dec, staged) == outcomeApplied {
				logged = append(logged, dec)
			}
		default:
			rest = append(rest, dec)
		}
	}

	// 3. Re-check capacity against live rows before adding approvals.
	planned := 0
	for _, dec := range rest {
		if dec.Kind != DecideAccept {
			continue
		}
		adds, err := e.addsApproval(ctx, s, dec)
		if err != nil {
			return nil, err
		}
		if adds {
			planned++
		}
	}
	if planned > 0 {
		approved, err := s.CountApproved(ctx, b.CalendarID, day)
		if err != nil {
			return nil, fmt.Errorf("count approved: %w", err)
		}
		if approved+planned > capacity {
			return nil, &CapacityConflictError{
				Date:     day,
				Capacity: capacity,
				Approved: approved,
				Planned:  planned,
			}
		}
	}

	// 4. Everything else in batch order.
	for _, dec := range rest {
		switch e.applyOne(ctx, s, dec, staged) {
		case outcomeApplied, outcomeSkipped:
			logged = append(logged, dec)
		}
	}

	// 5. Log inside the transaction when the store can.
	if err := e.logDecisions(ctx, s, b.CalendarID, logged, opts); err != nil {
		return nil, err
	}
	return staged, nil
}

// addsApproval reports whether an accept decision would create a new
// approved row, as opposed to finding one already in place.
func (e *Executor) addsApproval(ctx context.Context, s Store, dec Decision) (bool, error) {
	stored, err := s.GetRequest(ctx, dec.RequestID)
	if errors.Is(err, ErrRequestNotFound) {
		return dec.New, nil
	}
	if err != nil {
		return false, fmt.Errorf("load request %s: %w", dec.RequestID, err)
	}
	return stored.Status != StatusApproved, nil
}

type applyOutcome int

const (
	outcomeApplied applyOutcome = iota
	outcomeNoOp
	outcomeSkipped
	outcomeFailed
)

// applyOne executes a single decision. Item-scoped errors land in res and
// never abort the date.
func (e *Executor) applyOne(ctx context.Context, s Store, dec Decision, res *ExecResult) applyOutcome {
	if dec.Kind == DecideSkip {
		res.Skipped++
		return outcomeSkipped
	}

	stored, err := s.GetRequest(ctx, dec.RequestID)
	switch {
	case errors.Is(err, ErrRequestNotFound):
		stored = nil
	case err != nil:
		res.Items = append(res.Items, ItemFailure{Decision: dec, Err: err})
		return outcomeFailed
	}

	if stored == nil && (!dec.New || dec.Kind == DecideCancel || dec.Kind == DecideAmend) {
		res.Items = append(res.Items, ItemFailure{Decision: dec, Err: ErrRequestNotFound})
		return outcomeFailed
	}

	now := e.now()
	switch dec.Kind {
	case DecideAccept, DecideWaitlist, DecideDeny:
		status, pos := decisionOutcome(dec)
		if stored != nil && stored.Status == status && stored.WaitlistPosition == pos {
			res.NoOps++
			return outcomeNoOp
		}
		var werr error
		if stored == nil {
			werr = s.PutRequest(ctx, LeaveRequest{
				ID:               dec.RequestID,
				MemberID:         dec.MemberID,
				CalendarID:       dec.CalendarID,
				Date:             dec.Date,
				Type:             dec.Type,
				Status:           status,
				WaitlistPosition: pos,
				Source:           SourceImport,
				SubmittedAt:      dec.SubmittedAt,
				RespondedAt:      now,
			})
		} else {
			next := *stored
			next.Status = status
			next.WaitlistPosition = pos
			next.RespondedAt = now
			werr = s.UpdateRequest(ctx, next)
		}
		if werr != nil {
			res.Items = append(res.Items, ItemFailure{Decision: dec, Err: werr})
			return outcomeFailed
		}
		res.Applied++
		res.Notifications = append(res.Notifications, Notification{
			MemberID:   dec.MemberID,
			CalendarID: dec.CalendarID,
			Date:       dec.Date,
			Kind:       dec.Kind,
			Position:   pos,
		})
		return outcomeApplied

	case DecideCancel:
		if stored.Status == StatusCancelled {
			res.NoOps++
			return outcomeNoOp
		}
		next := *stored
		next.Status = StatusCancelled
		next.WaitlistPosition = 0
		next.RespondedAt = now
		if err := s.UpdateRequest(ctx, next); err != nil {
			res.Items = append(res.Items, ItemFailure{Decision: dec, Err: err})
			return outcomeFailed
		}
		res.Applied++
		return outcomeApplied

	case DecideAmend:
		if stored.SubmittedAt.Equal(dec.SubmittedAt) {
			res.NoOps++
			return outcomeNoOp
		}
		next := *stored
		next.SubmittedAt = dec.SubmittedAt
		if err := s.UpdateRequest(ctx, next); err != nil {
			res.Items = append(res.Items, ItemFailure{Decision: dec, Err: err})
			return outcomeFailed
		}
		res.Applied++
		return outcomeApplied

	default:
		res.Items = append(res.Items, ItemFailure{Decision: dec, Err: fmt.Errorf("unknown decision kind %q", dec.Kind)})
		return outcomeFailed
	}
}

func decisionOutcome(dec Decision) (RequestStatus, int) {
	switch dec.Kind {
	case DecideAccept:
		return StatusApproved, 0
	case DecideWaitlist:
		return StatusWaitlisted, dec.Position
	default:
		return StatusDenied, 0
	}
}

// logDecisions appends audit entries for the decisions that changed
// something or recorded a skip. Prefers the transactional store; falls
// back to the standalone history store.
func (e *Executor) logDecisions(ctx context.Context, s Store, cal CalendarID, logged []Decision, opts ExecOptions) error {
	if len(logged) == 0 {
		return nil
	}
	sink, ok := s.(HistoryStore)
	if !ok {
		sink = e.History
	}
	if sink == nil {
		return nil
	}

	now := e.now()
	entries := make([]DecisionLogEntry, 0, len(logged))
	for _, dec := range logged {
		detail := ""
		if dec.Kind == DecideSkip {
			detail = "duplicate of stored request"
		}
		entries = append(entries, DecisionLogEntry{
			ID:         e.newID(),
			RunID:      opts.RunID,
			CalendarID: cal,
			RequestID:  dec.RequestID,
			MemberID:   dec.MemberID,
			Date:       dec.Date,
			Kind:       dec.Kind,
			Position:   dec.Position,
			Actor:      opts.Actor,
			Detail:     detail,
			At:         now,
		})
	}
	if err := sink.AppendDecisions(ctx, entries); err != nil {
		return fmt.Errorf("append decision log: %w", err)
	}
	return nil
}

// =============================================================================
// STANDALONE PROMOTION
// =============================================================================

// PromoteForDate promotes a date's standing waitlist into free capacity
// outside any run: the follow-up to a cancellation or a raised allotment.
// No-op when the waitlist already matches storage.
func PromoteForDate(ctx context.Context, store TxStore, cal CalendarID, day Date, actor string) (*ExecResult, error) {
	rules, err := store.ListRules(ctx, cal, day, day)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	capacity, _ := NewRuleSet(rules).Capacity(day)

	rows, err := store.ListRequestsForDate(ctx, cal, day)
	if err != nil {
		return nil, fmt.Errorf("load requests: %w", err)
	}

	decisions := ComputePromotions(capacity, rows)
	if len(decisions) == 0 {
		return &ExecResult{}, nil
	}

	ex := &Executor{Store: store}
	return ex.Apply(ctx, Batch{CalendarID: cal, Decisions: decisions}, ExecOptions{Actor: actor})
}
