/*
run.go - The reconciliation run: a stateful wizard over the pure stages

PURPOSE:
  One Run walks an administrator through reconciling one import batch
  against one calendar: load rows, resolve identity, settle duplicates,
  review allotments, commit. The pipeline stages themselves are pure; the
  Run owns the working state, loads snapshots at stage boundaries, and
  enforces stage order.

STAGES:
  normalizing -> duplicate-review -> allotment-review -> final-review
      -> committing -> done

  Advance moves forward one stage at a time and gates on unfinished
  business: unmatched rows block leaving normalizing, unresolved
  conflicting duplicates block leaving duplicate-review. Commit drives
  final-review through committing to done.

EDITS REWIND:
  Editing an earlier stage (assigning a member, resolving a conflict,
  changing an adjustment) rewinds the run to that stage and discards
  everything computed after it. Downstream results are never patched in
  place; they are recomputed on the next Advance. A run that has started
  committing no longer accepts edits.

CONCURRENCY:
  All methods hold the run's mutex. One Run serves one import batch;
  concurrent runs against the same calendar are reconciled by the
  executor's commit-time capacity re-check, not by run-level locking.

SEE ALSO:
  - normalize.go .. executor.go: the stages this file sequences
  - api/: HTTP wizard built on top of Run
*/
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// STAGES
// =============================================================================

// Stage is a wizard position. Stages advance strictly in order.
type Stage string

const (
	StageNormalizing     Stage = "normalizing"
	StageDuplicateReview Stage = "duplicate-review"
	StageAllotmentReview Stage = "allotment-review"
	StageFinalReview     Stage = "final-review"
	StageCommitting      Stage = "committing"
	StageDone            Stage = "done"
)

var stageOrder = map[Stage]int{
	StageNormalizing:     0,
	StageDuplicateReview: 1,
	StageAllotmentReview: 2,
	StageFinalReview:     3,
	StageCommitting:      4,
	StageDone:            5,
}

// AtLeast reports whether s sits at or past other in wizard order.
func (s Stage) AtLeast(other Stage) bool {
	return stageOrder[s] >= stageOrder[other]
}

// =============================================================================
// RUN
// =============================================================================

// RunOptions configure a new run. The zero value works: random id,
// submission ordering, default matcher, wall clock.
type RunOptions struct {
	ID     RunID
	Actor  string
	Policy string
	// Matcher overrides the identity matcher, mainly for tests.
	Matcher NameMatcher
	// Clock and NewID exist for tests. Nil means time.Now / random uuid.
	Clock func() time.Time
	NewID func() string
}

// Run is one reconciliation in progress. Create with NewRun; drive with
// LoadRows, the stage-specific edit methods, Advance, and Commit.
type Run struct {
	mu sync.Mutex

	id     RunID
	cal    Calendar
	source SnapshotSource
	actor  string
	clock  func() time.Time
	genID  func() string

	stage       Stage
	createdAt   time.Time
	updatedAt   time.Time
	committedAt time.Time

	// Stage 1 working state.
	rows        []ImportRow
	receivedAt  time.Time
	roster      []Member
	matcher     NameMatcher
	assignments map[int]MemberID
	skips       map[int]bool
	norm        *NormalizeResult
	// candIDs keeps candidate ids stable across re-normalization, so
	// conflict resolutions keyed by id survive row edits.
	candIDs  []RequestID
	idCursor int

	// Stage 2 working state.
	snap        *Snapshot
	resolutions map[RequestID]DuplicateResolution
	dup         *DuplicateReport

	// Stage 3-5 working state.
	policyName  string
	adjustments map[Date]Adjustment
	orderings   map[Date][]RequestID
	states      []DateAllotmentState

	// Stage 6 result.
	result *ExecResult
}

// NewRun starts a reconciliation for one calendar.
func NewRun(cal Calendar, source SnapshotSource, opts RunOptions) *Run {
	r := &Run{
		id:          opts.ID,
		cal:         cal,
		source:      source,
		actor:       opts.Actor,
		clock:       opts.Clock,
		genID:       opts.NewID,
		stage:       StageNormalizing,
		matcher:     opts.Matcher,
		policyName:  opts.Policy,
		assignments: make(map[int]MemberID),
		skips:       make(map[int]bool),
		resolutions: make(map[RequestID]DuplicateResolution),
		adjustments: make(map[Date]Adjustment),
		orderings:   make(map[Date][]RequestID),
	}
	if r.clock == nil {
		r.clock = func() time.Time { return time.Now().UTC() }
	}
	if r.genID == nil {
		r.genID = uuid.NewString
	}
	if r.id == "" {
		r.id = RunID(r.genID())
	}
	if r.actor == "" {
		r.actor = "system"
	}
	r.createdAt = r.clock()
	r.updatedAt = r.createdAt
	return r
}

func (r *Run) ID() RunID      { return r.id }
func (r *Run) Actor() string  { return r.actor }
func (r *Run) Policy() string { r.mu.Lock(); defer r.mu.Unlock(); return r.policyName }

func (r *Run) Stage() Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// =============================================================================
// STAGE 1: LOAD & NORMALIZE
// =============================================================================

// LoadRows starts (or restarts) the run with an import batch. Loading new
// rows resets all working state; assignments, skips, and resolutions from
// a previous batch do not carry over.
func (r *Run) LoadRows(ctx context.Context, rows []ImportRow) (NormalizeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed() {
		return NormalizeResult{}, &StageError{Op: "load rows", Current: r.stage, Required: StageNormalizing}
	}

	roster, err := r.source.Roster(ctx, r.cal.Division)
	if err != nil {
		return NormalizeResult{}, fmt.Errorf("load roster: %w", err)
	}

	r.rewind(StageNormalizing)
	r.rows = rows
	r.roster = roster
	r.receivedAt = r.clock()
	r.assignments = make(map[int]MemberID)
	r.skips = make(map[int]bool)
	r.resolutions = make(map[RequestID]DuplicateResolution)
	r.adjustments = make(map[Date]Adjustment)
	r.orderings = make(map[Date][]RequestID)
	r.candIDs = nil

	r.normalize()
	r.touch()
	return *r.norm, nil
}

// AssignMember records a human identity decision for one unmatched row and
// re-normalizes. Rewinds to normalizing when invoked later in the wizard.
func (r *Run) AssignMember(row int, id MemberID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed() {
		return &StageError{Op: "assign member", Current: r.stage, Required: StageNormalizing}
	}
	if err := r.knownRow(row); err != nil {
		return err
	}
	r.rewind(StageNormalizing)
	delete(r.skips, row)
	r.assignments[row] = id
	r.normalize()
	r.touch()
	return nil
}

// SkipRow excludes one row from the run entirely and re-normalizes.
func (r *Run) SkipRow(row int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed() {
		return &StageError{Op: "skip row", Current: r.stage, Required: StageNormalizing}
	}
	if err := r.knownRow(row); err != nil {
		return err
	}
	r.rewind(StageNormalizing)
	delete(r.assignments, row)
	r.skips[row] = true
	r.normalize()
	r.touch()
	return nil
}

func (r *Run) knownRow(row int) error {
	for _, ir := range r.rows {
		if ir.Row == row {
			return nil
		}
	}
	return fmt.Errorf("row %d is not part of this batch", row)
}

// normalize re-runs stage 1 over the current rows and human decisions,
// reusing previously issued candidate ids in row order.
func (r *Run) normalize() {
	r.idCursor = 0
	res := Normalize(r.cal, r.rows, r.roster, r.receivedAt, NormalizeOptions{
		Matcher:     r.matcher,
		NewID:       r.nextCandID,
		Assignments: r.assignments,
		Skips:       r.skips,
	})
	r.norm = &res
}

func (r *Run) nextCandID() RequestID {
	if r.idCursor < len(r.candIDs) {
		id := r.candIDs[r.idCursor]
		r.idCursor++
		return id
	}
	id := RequestID(r.genID())
	r.candIDs = append(r.candIDs, id)
	r.idCursor++
	return id
}

// =============================================================================
// STAGE 2: DUPLICATE RESOLUTION
// =============================================================================

// ResolveConflict records the human decision for one conflicting duplicate
// and re-runs detection. Rewinds to duplicate-review when invoked later.
func (r *Run) ResolveConflict(candidate RequestID, res DuplicateResolution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed() {
		return &StageError{Op: "resolve conflict", Current: r.stage, Required: StageDuplicateReview}
	}
	if stageOrder[r.stage] < stageOrder[StageDuplicateReview] {
		return &StageError{Op: "resolve conflict", Current: r.stage, Required: StageDuplicateReview}
	}
	if !res.Valid() {
		return fmt.Errorf("unknown duplicate resolution %q", res)
	}

	found := false
	for _, c := range r.dup.Candidates {
		if c.ID == candidate && c.DuplicateStatus == DupConflicting {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("candidate %s: %w (not a conflicting duplicate)", candidate, ErrRequestNotFound)
	}

	r.rewind(StageDuplicateReview)
	r.resolutions[candidate] = res
	r.detectDuplicates()
	r.touch()
	return nil
}

func (r *Run) detectDuplicates() {
	rep := DetectDuplicates(r.norm.Candidates, r.snap.Requests, r.resolutions)
	r.dup = &rep
}

// =============================================================================
// STAGE 3-5 EDITS: ALLOTMENT REVIEW
// =============================================================================

// SetPolicy switches the ordering policy for resolution. Rewinds to
// allotment-review so the split is recomputed.
func (r *Run) SetPolicy(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed() {
		return &StageError{Op: "set policy", Current: r.stage, Required: StageAllotmentReview}
	}
	if _, err := PolicyByName(name, nil); err != nil {
		return err
	}
	r.rewind(StageAllotmentReview)
	r.policyName = name
	r.touch()
	return nil
}

// SetAdjustment records the capacity decision for one reviewed date.
func (r *Run) SetAdjustment(d Date, adj Adjustment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed() {
		return &StageError{Op: "set adjustment", Current: r.stage, Required: StageAllotmentReview}
	}
	if stageOrder[r.stage] < stageOrder[StageAllotmentReview] {
		return &StageError{Op: "set adjustment", Current: r.stage, Required: StageAllotmentReview}
	}
	switch adj.Kind {
	case AdjustKeep, AdjustIncreaseToFit:
	case AdjustCustom:
		if adj.Value < 0 {
			return fmt.Errorf("custom allotment %d is negative", adj.Value)
		}
	default:
		return fmt.Errorf("unknown adjustment kind %q", adj.Kind)
	}
	if err := r.knownDate(d); err != nil {
		return err
	}
	r.rewind(StageAllotmentReview)
	r.adjustments[d] = adj
	r.touch()
	return nil
}

// SetOrdering records a manual candidate ordering for one date, replacing
// the policy there. Nil restores the policy for the date.
func (r *Run) SetOrdering(d Date, ids []RequestID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed() {
		return &StageError{Op: "set ordering", Current: r.stage, Required: StageAllotmentReview}
	}
	if stageOrder[r.stage] < stageOrder[StageAllotmentReview] {
		return &StageError{Op: "set ordering", Current: r.stage, Required: StageAllotmentReview}
	}
	if err := r.knownDate(d); err != nil {
		return err
	}
	r.rewind(StageAllotmentReview)
	if ids == nil {
		delete(r.orderings, d)
	} else {
		cp := make([]RequestID, len(ids))
		copy(cp, ids)
		r.orderings[d] = cp
	}
	r.touch()
	return nil
}

func (r *Run) knownDate(d Date) error {
	for _, st := range r.states {
		if st.Date == d {
			return nil
		}
	}
	return fmt.Errorf("date %s is not part of this run", d)
}

// =============================================================================
// ADVANCE
// =============================================================================

// Advance moves the run forward one stage, loading fresh data at the
// boundary and gating on unfinished business.
func (r *Run) Advance(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.stage {
	case StageNormalizing:
		return r.advanceToDuplicateReview(ctx)
	case StageDuplicateReview:
		return r.advanceToAllotmentReview()
	case StageAllotmentReview:
		return r.advanceToFinalReview()
	case StageFinalReview:
		return &StageError{Op: "advance (commit instead)", Current: r.stage, Required: StageFinalReview}
	default:
		return &StageError{Op: "advance", Current: r.stage, Required: StageFinalReview}
	}
}

func (r *Run) advanceToDuplicateReview(ctx context.Context) error {
	if r.norm == nil {
		return fmt.Errorf("no import rows loaded")
	}
	if n := len(r.norm.UnresolvedRows()); n > 0 {
		return fmt.Errorf("%d rows await assign-or-skip: %w", n, ErrUnmatchedMember)
	}

	from, to, ok := candidateWindow(r.norm.Candidates)
	if !ok {
		r.snap = &Snapshot{Calendar: r.cal, Rules: NewRuleSet(nil)}
	} else {
		snap, err := r.source.Window(ctx, r.cal.ID, from, to)
		if err != nil {
			return fmt.Errorf("load window: %w", err)
		}
		r.snap = snap
	}

	r.detectDuplicates()
	r.stage = StageDuplicateReview
	r.touch()
	return nil
}

func (r *Run) advanceToAllotmentReview() error {
	r.detectDuplicates()
	if n := len(r.dup.Conflicts); n > 0 {
		return fmt.Errorf("%d conflicting duplicates unresolved: %w", n, ErrUnresolvedConflict)
	}

	r.states = r.computeStates()
	r.stage = StageAllotmentReview
	r.touch()
	return nil
}

func (r *Run) computeStates() []DateAllotmentState {
	return ComputeAllotments(CalcInput{
		CalendarID: r.cal.ID,
		Dates:      TouchedDates(r.dup.Candidates),
		Existing:   r.snap.Requests,
		Rules:      r.snap.Rules,
		Survivors:  r.dup.Surviving(),
		Cancels:    r.dup.Cancels,
	})
}

func (r *Run) advanceToFinalReview() error {
	policy, err := PolicyByName(r.policyName, r.roster)
	if err != nil {
		return err
	}

	byDate := make(map[Date][]CandidateRequest)
	for _, c := range r.dup.Surviving() {
		byDate[c.Date] = append(byDate[c.Date], c)
	}
	waitlists := make(map[Date][]LeaveRequest)
	for _, ex := range r.snap.Requests {
		if ex.Status == StatusWaitlisted && !r.dup.Cancels[ex.ID] {
			waitlists[ex.Date] = append(waitlists[ex.Date], ex)
		}
	}

	final := make([]DateAllotmentState, 0, len(r.states))
	for _, st := range r.states {
		cands := byDate[st.Date]
		ordering, hasOrdering := r.orderings[st.Date]
		adj, hasAdj := r.adjustments[st.Date]

		// A date with no surviving candidates and no admin decision is
		// report-only: standing problems surface but nothing changes.
		if len(cands) == 0 && !hasOrdering && !hasAdj {
			final = append(final, st)
			continue
		}

		rd := ResolveDate(DateInput{
			State:      st,
			Candidates: cands,
			Override:   ordering,
			Adjustment: adj,
		}, policy)
		final = append(final, AssignPositions(PositionInput{
			State:            rd.State,
			ExistingWaitlist: waitlists[st.Date],
			Accepted:         rd.Accepted,
			Waitlisted:       rd.Waitlisted,
		}))
	}

	r.states = final
	r.stage = StageFinalReview
	r.touch()
	return nil
}

// candidateWindow returns the inclusive date span of matched candidates.
func candidateWindow(cands []CandidateRequest) (Date, Date, bool) {
	var from, to Date
	found := false
	for _, c := range cands {
		if c.MatchStatus != MatchMatched {
			continue
		}
		if !found {
			from, to = c.Date, c.Date
			found = true
			continue
		}
		if c.Date.Before(from) {
			from = c.Date
		}
		if c.Date.After(to) {
			to = c.Date
		}
	}
	return from, to, found
}

// =============================================================================
// STAGE 6: COMMIT
// =============================================================================

// Commit builds the decision batch and applies it. Valid at final-review,
// and again at committing to retry after a storage failure; re-applying is
// idempotent. Per-date conflicts come back inside the result, storage
// errors leave the run at committing.
func (r *Run) Commit(ctx context.Context, ex *Executor) (*ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stage != StageFinalReview && r.stage != StageCommitting {
		return nil, &StageError{Op: "commit", Current: r.stage, Required: StageFinalReview}
	}

	batch := r.buildBatch()
	r.stage = StageCommitting
	r.touch()

	res, err := ex.Apply(ctx, batch, ExecOptions{RunID: r.id, Actor: r.actor})
	if err != nil {
		return nil, err
	}

	r.result = res
	r.committedAt = r.clock()
	r.stage = StageDone
	r.touch()
	return res, nil
}

// buildBatch assembles the commit unit from the final states plus the
// duplicate-resolution side effects. Invalid dates contribute nothing.
func (r *Run) buildBatch() Batch {
	b := Batch{CalendarID: r.cal.ID, Adjustments: make(map[Date]int)}

	valid := make(map[Date]bool, len(r.states))
	for _, st := range r.states {
		if !st.Valid() {
			continue
		}
		valid[st.Date] = true
		b.Decisions = append(b.Decisions, st.Entries...)
		if st.Adjustment.Kind == AdjustIncreaseToFit || st.Adjustment.Kind == AdjustCustom {
			b.Adjustments[st.Date] = st.Capacity
		}
	}

	byID := make(map[RequestID]LeaveRequest, len(r.snap.Requests))
	for _, ex := range r.snap.Requests {
		byID[ex.ID] = ex
	}
	for id := range r.dup.Cancels {
		ex, ok := byID[id]
		if !ok || !valid[ex.Date] {
			continue
		}
		b.Decisions = append(b.Decisions, Decision{
			RequestID:   ex.ID,
			MemberID:    ex.MemberID,
			CalendarID:  ex.CalendarID,
			Date:        ex.Date,
			Type:        ex.Type,
			Kind:        DecideCancel,
			SubmittedAt: ex.SubmittedAt,
		})
	}
	for id, earlier := range r.dup.Amends {
		ex, ok := byID[id]
		if !ok || !valid[ex.Date] {
			continue
		}
		b.Decisions = append(b.Decisions, Decision{
			RequestID:   ex.ID,
			MemberID:    ex.MemberID,
			CalendarID:  ex.CalendarID,
			Date:        ex.Date,
			Type:        ex.Type,
			Kind:        DecideAmend,
			SubmittedAt: earlier,
		})
	}
	for _, c := range r.dup.Candidates {
		if c.MatchStatus != MatchMatched || !r.dup.Excluded[c.ID] || !valid[c.Date] {
			continue
		}
		b.Decisions = append(b.Decisions, Decision{
			RequestID:   c.ID,
			MemberID:    c.MemberID,
			CalendarID:  c.CalendarID,
			Date:        c.Date,
			Type:        c.Type,
			Kind:        DecideSkip,
			New:         true,
			SubmittedAt: c.SubmittedAt,
		})
	}
	return b
}

// =============================================================================
// VIEWS
// =============================================================================

// NormalizeReport returns the stage 1 output, zero value before LoadRows.
func (r *Run) NormalizeReport() NormalizeResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.norm == nil {
		return NormalizeResult{}
	}
	return *r.norm
}

// DuplicateView returns the stage 2 output, zero value before the run
// reaches duplicate-review.
func (r *Run) DuplicateView() DuplicateReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dup == nil {
		return DuplicateReport{}
	}
	return *r.dup
}

// DateStates returns the per-date review picture, nil before the run
// reaches allotment-review.
func (r *Run) DateStates() []DateAllotmentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DateAllotmentState, len(r.states))
	copy(out, r.states)
	return out
}

// Result returns the commit outcome, nil until the run is done.
func (r *Run) Result() *ExecResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Record summarizes the run for persistence and listings.
func (r *Run) Record() RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := RunRecord{
		ID:          r.id,
		CalendarID:  r.cal.ID,
		Stage:       r.stage,
		Policy:      r.policyName,
		Actor:       r.actor,
		Rows:        len(r.rows),
		Dates:       len(r.states),
		CreatedAt:   r.createdAt,
		UpdatedAt:   r.updatedAt,
		CommittedAt: r.committedAt,
	}
	if rec.Policy == "" {
		rec.Policy = "submission"
	}
	if r.norm != nil {
		rec.Candidates = len(r.norm.Candidates)
		rec.Unmatched = len(r.norm.UnresolvedRows())
	}
	if r.dup != nil {
		rec.Conflicts = len(r.dup.Conflicts)
	}
	if r.result != nil {
		rec.Applied = r.result.Applied
		rec.NoOps = r.result.NoOps
		rec.Skipped = r.result.Skipped
		rec.Failed = len(r.result.Items) + len(r.result.Dates)
	}
	return rec
}

// =============================================================================
// INTERNALS
// =============================================================================

// sealed reports whether the run stopped accepting edits.
func (r *Run) sealed() bool {
	return r.stage == StageCommitting || r.stage == StageDone
}

// rewind drops the run back to an earlier stage and discards everything
// computed after it. No-op when the run is already at or before the target.
func (r *Run) rewind(to Stage) {
	if stageOrder[r.stage] <= stageOrder[to] {
		return
	}
	r.stage = to
	r.result = nil
	if stageOrder[to] < stageOrder[StageFinalReview] && r.dup != nil {
		// Positions and splits are stale; rebuild the raw per-date states.
		r.states = r.computeStates()
	}
	if stageOrder[to] < stageOrder[StageAllotmentReview] {
		r.states = nil
	}
	if stageOrder[to] < stageOrder[StageDuplicateReview] {
		r.dup = nil
		r.snap = nil
	}
}

func (r *Run) touch() { r.updatedAt = r.clock() }
