/*
Package reconcile implements the leave-allotment reconciliation and
waitlist-priority engine.

PURPOSE:
  Given a calendar's per-date capacity, the requests already on file, and a
  batch of externally-sourced candidate requests (an iCal export, a paper
  sign-up sheet keyed in by a local officer), the engine detects duplicates,
  resolves member identity, computes true over-allotment per date, orders
  candidates by priority, assigns contiguous waitlist positions, and applies
  the outcome as one idempotent batch.

KEY CONCEPTS IN THIS FILE (types.go):
  - LeaveRequest: one member, one calendar day, one leave type
  - CandidateRequest: a not-yet-persisted request produced by normalization
  - AllotmentRule: per-date capacity, daily override or yearly default
  - DateAllotmentState: computed capacity/demand picture for one date
  - Decision: the executor's unit of work (accept, waitlist-at, skip, ...)

DESIGN PRINCIPLES:
  1. Stages are pure functions over explicit snapshots; the Run value owns
     all mutable state and nothing lives at module level.
  2. Errors scope to the smallest unit (row, date, item) and travel beside
     successful results, never as a run-wide abort.
  3. Strong typing for IDs prevents mixing member/calendar/request handles.

USAGE:
  run := reconcile.NewRun(cal, snapshot, reconcile.RunOptions{})
  report := run.Normalize(rows, rosterSnap)
  ...
  result, err := run.Commit(ctx, executor)

SEE ALSO:
  - normalize.go .. executor.go: the six pipeline stages
  - run.go: the wizard state machine driving them
*/
package reconcile

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type CalendarID string
type RequestID string
type RunID string

// =============================================================================
// ENUMERATIONS
// =============================================================================

// LeaveType enumerates the request pools the engine reconciles.
type LeaveType string

const (
	LeavePLD LeaveType = "PLD" // personal leave day
	LeaveSDV LeaveType = "SDV" // single-day vacation
)

func (lt LeaveType) Valid() bool { return lt == LeavePLD || lt == LeaveSDV }

// RequestStatus is the persisted lifecycle state of a LeaveRequest.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusApproved   RequestStatus = "approved"
	StatusWaitlisted RequestStatus = "waitlisted"
	StatusDenied     RequestStatus = "denied"
	StatusCancelled  RequestStatus = "cancelled"
)

// Active reports whether the status still occupies the member's slot for
// its day. Denied and cancelled requests may coexist with a new active one.
func (s RequestStatus) Active() bool {
	return s == StatusPending || s == StatusApproved || s == StatusWaitlisted
}

// RequestSource records where a request row came from.
type RequestSource string

const (
	SourceDatabase RequestSource = "database"
	SourceImport   RequestSource = "import-candidate"
)

// MatchStatus is the normalizer's identity verdict for a candidate.
type MatchStatus string

const (
	MatchMatched   MatchStatus = "matched"
	MatchUnmatched MatchStatus = "unmatched"
	MatchSkipped   MatchStatus = "skipped"
)

// DuplicateStatus is the duplicate detector's verdict for a candidate.
type DuplicateStatus string

const (
	DupUnique      DuplicateStatus = "unique"
	DupExact       DuplicateStatus = "exact_duplicate"
	DupConflicting DuplicateStatus = "conflicting_duplicate"
)

// RuleSource distinguishes how a date's capacity was configured.
type RuleSource string

const (
	RuleDailyOverride RuleSource = "daily_override"
	RuleYearlyDefault RuleSource = "yearly_default"
	// RuleNone marks a date with no rule at all; capacity resolves to zero,
	// never to unlimited.
	RuleNone RuleSource = "none"
)

// =============================================================================
// CALENDAR & ALLOTMENT RULES
// =============================================================================

// Calendar scopes requests and allotments to one leave pool, e.g. a
// division's PLD calendar. Created and managed outside the engine.
type Calendar struct {
	ID       CalendarID
	Name     string
	Division string
	Active   bool
}

// AllotmentRule is the capacity for one (calendar, date) pair. A daily
// override REPLACES the yearly default for its date; resolution never sums
// the two.
type AllotmentRule struct {
	CalendarID   CalendarID
	Date         Date
	MaxAllotment int
	Source       RuleSource
}

// RuleSet answers capacity questions for one calendar from a snapshot of
// its rules.
type RuleSet struct {
	overrides map[Date]int
	defaults  map[Date]int
}

// NewRuleSet indexes a rule snapshot. Later rules of the same source for
// the same date win, matching storage upsert behavior.
func NewRuleSet(rules []AllotmentRule) *RuleSet {
	rs := &RuleSet{
		overrides: make(map[Date]int),
		defaults:  make(map[Date]int),
	}
	for _, r := range rules {
		switch r.Source {
		case RuleDailyOverride:
			rs.overrides[r.Date] = r.MaxAllotment
		case RuleYearlyDefault:
			rs.defaults[r.Date] = r.MaxAllotment
		}
	}
	return rs
}

// Capacity resolves the effective max allotment for a date: daily override
// if present, else yearly default, else zero (fully allotted).
func (rs *RuleSet) Capacity(d Date) (int, RuleSource) {
	if n, ok := rs.overrides[d]; ok {
		return n, RuleDailyOverride
	}
	if n, ok := rs.defaults[d]; ok {
		return n, RuleYearlyDefault
	}
	return 0, RuleNone
}

// =============================================================================
// LEAVE REQUESTS
// =============================================================================

// RequestKey is the identity under the one-active-request invariant: at most
// one active request may exist per key.
type RequestKey struct {
	MemberID   MemberID
	CalendarID CalendarID
	Date       Date
	Type       LeaveType
}

// LeaveRequest is a request for one leave-day by one member.
type LeaveRequest struct {
	ID         RequestID
	MemberID   MemberID
	CalendarID CalendarID
	Date       Date
	Type       LeaveType
	Status     RequestStatus
	// WaitlistPosition is 1-based and present only while Status is
	// waitlisted; zero otherwise.
	WaitlistPosition int
	Source           RequestSource
	SubmittedAt      time.Time
	RespondedAt      time.Time
}

func (r LeaveRequest) Active() bool { return r.Status.Active() }

func (r LeaveRequest) Key() RequestKey {
	return RequestKey{MemberID: r.MemberID, CalendarID: r.CalendarID, Date: r.Date, Type: r.Type}
}

// =============================================================================
// IMPORT ROWS & CANDIDATES
// =============================================================================

// ImportRow is one loosely-typed record from the import collaborator. All
// fields arrive as raw strings; the normalizer owns parsing and matching.
// Status is the imported record's intent: granted-leave exports carry
// "approved"; sign-up batches say "pending". Empty means approved, the
// common case for calendar exports.
type ImportRow struct {
	Row         int // 1-based position in the source batch
	Name        string
	PIN         string
	Date        string
	Type        string
	Status      string
	SubmittedAt string
}

// CandidateRequest is the normalizer's output: a LeaveRequest that exists
// only within one reconciliation run, annotated with identity and duplicate
// verdicts. Candidates are keyed by their pre-assigned RequestID; Row links
// back to the source record for error display.
type CandidateRequest struct {
	LeaveRequest

	Row     int
	RawName string
	RawPIN  string

	MatchStatus     MatchStatus
	DuplicateStatus DuplicateStatus
	// ExistingID names the stored row this candidate duplicates, when
	// DuplicateStatus is not unique.
	ExistingID RequestID
}

// Survives reports whether the candidate participates in capacity math:
// matched identity and not excluded as a duplicate.
func (c CandidateRequest) Survives() bool {
	return c.MatchStatus == MatchMatched &&
		(c.DuplicateStatus == DupUnique || c.DuplicateStatus == "")
}

// =============================================================================
// DATE STATE & DECISIONS
// =============================================================================

// AdjustmentKind is the admin's per-date capacity choice during review.
type AdjustmentKind string

const (
	AdjustKeep          AdjustmentKind = "keep"
	AdjustIncreaseToFit AdjustmentKind = "increase-to-fit"
	AdjustCustom        AdjustmentKind = "custom"
)

// Adjustment pairs a kind with its custom value (used only by AdjustCustom).
type Adjustment struct {
	Kind  AdjustmentKind
	Value int
}

// DecisionKind is what the executor will do for one request.
type DecisionKind string

const (
	DecideAccept   DecisionKind = "accepted"
	DecideWaitlist DecisionKind = "waitlisted"
	DecideDeny     DecisionKind = "denied"
	DecideSkip     DecisionKind = "skipped"
	// DecideCancel retires a stored row superseded by a keep-candidate
	// duplicate resolution.
	DecideCancel DecisionKind = "cancelled"
	// DecideAmend rewrites a stored row's submission timestamp after a
	// merge duplicate resolution; status and position are untouched.
	DecideAmend DecisionKind = "amended"
)

// Decision is one item of the final batch. Self-contained so the executor
// needs no run state: inserts carry everything required to create the row.
type Decision struct {
	RequestID  RequestID
	MemberID   MemberID
	CalendarID CalendarID
	Date       Date
	Type       LeaveType
	Kind       DecisionKind
	// Position is set only for DecideWaitlist.
	Position int
	// New marks an insert (import candidate) rather than an update of a
	// stored row.
	New         bool
	SubmittedAt time.Time
}

// DateAllotmentState is the computed picture for one (calendar, date)
// during a run. Entries is filled by the resolver and position manager;
// Err marks a date excluded from the commit batch.
type DateAllotmentState struct {
	CalendarID     CalendarID
	Date           Date
	Capacity       int
	CapacitySource RuleSource
	// Adjustment records the admin's capacity choice so the executor can
	// persist it as a daily override. Zero value means keep.
	Adjustment Adjustment

	ExistingApproved   int
	ExistingWaitlisted int
	IncomingDemand     int
	OverAllotted       bool

	Entries []Decision
	Err     error
}

// Valid reports whether the date may enter the commit batch.
func (s DateAllotmentState) Valid() bool { return s.Err == nil }
