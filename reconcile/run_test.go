package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/unionhall/allotment-engine/reconcile"
	"github.com/unionhall/allotment-engine/store/memory"
)

// =============================================================================
// FIXTURE
// =============================================================================

// newRunStore seeds an in-memory store with the test calendar, the shared
// roster pool, and a capacity-2 override for July 3rd.
func newRunStore(t *testing.T) *memory.TxMemory {
	t.Helper()
	ctx := context.Background()
	mem := memory.NewTxMemory()

	if err := mem.PutCalendar(ctx, testCal()); err != nil {
		t.Fatalf("seed calendar: %v", err)
	}
	for _, m := range testPool() {
		if err := mem.PutMember(ctx, m); err != nil {
			t.Fatalf("seed member %s: %v", m.ID, err)
		}
	}
	rule := reconcile.AllotmentRule{
		CalendarID: "cal-1", Date: july(3), MaxAllotment: 2, Source: reconcile.RuleDailyOverride,
	}
	if err := mem.UpsertRule(ctx, rule); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	return mem
}

func newRunOver(mem *memory.TxMemory) *reconcile.Run {
	n := 0
	return reconcile.NewRun(testCal(), reconcile.StoreSource{Store: mem, Members: mem}, reconcile.RunOptions{
		ID:    "run-1",
		Actor: "tester",
		Clock: func() time.Time { return time.Date(2026, time.May, 1, 12, 0, 0, 0, time.UTC) },
		NewID: func() string { n++; return fmt.Sprintf("id-%d", n) },
	})
}

func mustLoad(t *testing.T, run *reconcile.Run, rows []reconcile.ImportRow) reconcile.NormalizeResult {
	t.Helper()
	res, err := run.LoadRows(context.Background(), rows)
	if err != nil {
		t.Fatalf("LoadRows: %v", err)
	}
	return res
}

func mustAdvance(t *testing.T, run *reconcile.Run) {
	t.Helper()
	if err := run.Advance(context.Background()); err != nil {
		t.Fatalf("Advance from %s: %v", run.Stage(), err)
	}
}

// =============================================================================
// WIZARD FLOW
// =============================================================================

func TestRun_FullWizard(t *testing.T) {
	// GIVEN: Capacity 2 on July 3 with one member already waitlisted, and
	//        an import of three requests for that day
	// WHEN: Walking the wizard end to end
	// THEN: One candidate is accepted, the standing waitlist row promotes
	//       into the second seat, and the rest queue contiguously

	ctx := context.Background()
	mem := newRunStore(t)
	t0 := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

	held := stored("db-w1", "m-4", reconcile.StatusWaitlisted, t0.Add(-time.Hour))
	held.WaitlistPosition = 1
	if err := mem.PutRequest(ctx, held); err != nil {
		t.Fatalf("seed waitlisted row: %v", err)
	}

	run := newRunOver(mem)
	res := mustLoad(t, run, []reconcile.ImportRow{
		{Row: 1, Name: "Ruth Okafor", Date: "2026-07-03", Type: "PLD", SubmittedAt: "2026-03-01T09:00:00Z"},
		{Row: 2, Name: "Miguel Santos", Date: "2026-07-03", Type: "PLD", SubmittedAt: "2026-03-01T10:00:00Z"},
		{Row: 3, Name: "Dana Whitfield", Date: "2026-07-03", Type: "PLD", SubmittedAt: "2026-03-01T11:00:00Z"},
	})

	// Row 3 is ambiguous between m-3 and m-4 and must gate the advance.
	if got := res.UnresolvedRows(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("UnresolvedRows = %v, want [3]", got)
	}
	err := run.Advance(ctx)
	if !errors.Is(err, reconcile.ErrUnmatchedMember) {
		t.Fatalf("advance with unmatched rows: %v, want ErrUnmatchedMember", err)
	}

	if err := run.AssignMember(3, "m-3"); err != nil {
		t.Fatalf("AssignMember: %v", err)
	}
	mustAdvance(t, run)
	if run.Stage() != reconcile.StageDuplicateReview {
		t.Fatalf("stage = %s, want duplicate-review", run.Stage())
	}

	mustAdvance(t, run)
	states := run.DateStates()
	if len(states) != 1 {
		t.Fatalf("got %d date states, want 1", len(states))
	}
	st := states[0]
	if st.Capacity != 2 || st.ExistingWaitlisted != 1 || st.IncomingDemand != 3 || !st.OverAllotted {
		t.Fatalf("July 3 state = %+v", st)
	}

	mustAdvance(t, run)
	if run.Stage() != reconcile.StageFinalReview {
		t.Fatalf("stage = %s, want final-review", run.Stage())
	}

	ex := &reconcile.Executor{Store: mem, History: mem}
	result, err := run.Commit(ctx, ex)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if run.Stage() != reconcile.StageDone {
		t.Errorf("stage after commit = %s, want done", run.Stage())
	}
	if result.Failed() {
		t.Fatalf("commit reported failures: %+v", result)
	}
	// Ruth's insert, the stored row's promotion, and two waitlist inserts.
	if result.Applied != 4 {
		t.Errorf("Applied = %d, want 4", result.Applied)
	}

	assertStatus := func(id string, status reconcile.RequestStatus, pos int) {
		t.Helper()
		req, err := mem.GetRequest(ctx, reconcile.RequestID(id))
		if err != nil {
			t.Fatalf("GetRequest(%s): %v", id, err)
		}
		if req.Status != status || req.WaitlistPosition != pos {
			t.Errorf("%s = %s/%d, want %s/%d", id, req.Status, req.WaitlistPosition, status, pos)
		}
	}
	assertStatus("id-1", reconcile.StatusApproved, 0)   // Ruth, 09:00
	assertStatus("db-w1", reconcile.StatusApproved, 0)  // promoted from the line
	assertStatus("id-2", reconcile.StatusWaitlisted, 1) // Miguel, 10:00
	assertStatus("id-3", reconcile.StatusWaitlisted, 2) // Dana, 11:00

	log, err := mem.ListDecisionsForRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListDecisionsForRun: %v", err)
	}
	if len(log) != 4 {
		t.Errorf("decision log has %d entries, want 4", len(log))
	}
	for _, e := range log {
		if e.Actor != "tester" {
			t.Errorf("log entry actor = %q, want tester", e.Actor)
		}
	}

	rec := run.Record()
	if rec.Rows != 3 || rec.Candidates != 3 || rec.Applied != 4 || rec.Stage != reconcile.StageDone {
		t.Errorf("record = %+v", rec)
	}
}

func TestRun_ConflictGatesAndKeepCandidate(t *testing.T) {
	// GIVEN: A stored pending request and an import row claiming approval
	// WHEN: Advancing past duplicate review
	// THEN: The conflict gates until resolved; keep-candidate retires the
	//       stored row and the candidate takes the seat

	ctx := context.Background()
	mem := newRunStore(t)
	t0 := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	if err := mem.PutRequest(ctx, stored("db-pend", "m-1", reconcile.StatusPending, t0)); err != nil {
		t.Fatalf("seed pending row: %v", err)
	}

	run := newRunOver(mem)
	mustLoad(t, run, []reconcile.ImportRow{
		{Row: 1, Name: "Ruth Okafor", Date: "2026-07-03", Type: "PLD", SubmittedAt: "2026-03-01T08:00:00Z"},
	})
	mustAdvance(t, run)

	view := run.DuplicateView()
	if len(view.Conflicts) != 1 {
		t.Fatalf("conflicts = %+v, want 1", view.Conflicts)
	}
	err := run.Advance(ctx)
	if !errors.Is(err, reconcile.ErrUnresolvedConflict) {
		t.Fatalf("advance with open conflict: %v, want ErrUnresolvedConflict", err)
	}

	if err := run.ResolveConflict("id-1", reconcile.ResolveKeepCandidate); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	mustAdvance(t, run)
	mustAdvance(t, run)

	if _, err := run.Commit(ctx, &reconcile.Executor{Store: mem, History: mem}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	old, err := mem.GetRequest(ctx, "db-pend")
	if err != nil {
		t.Fatalf("GetRequest(db-pend): %v", err)
	}
	if old.Status != reconcile.StatusCancelled {
		t.Errorf("stored row = %s, want cancelled", old.Status)
	}
	kept, err := mem.GetRequest(ctx, "id-1")
	if err != nil {
		t.Fatalf("GetRequest(id-1): %v", err)
	}
	if kept.Status != reconcile.StatusApproved {
		t.Errorf("kept candidate = %s, want approved", kept.Status)
	}
}

func TestRun_ResolveUnknownCandidate(t *testing.T) {
	mem := newRunStore(t)
	run := newRunOver(mem)
	mustLoad(t, run, []reconcile.ImportRow{
		{Row: 1, Name: "Ruth Okafor", Date: "2026-07-03", Type: "PLD"},
	})
	mustAdvance(t, run)

	err := run.ResolveConflict("no-such-candidate", reconcile.ResolveMerge)
	if !reconcile.IsNotFound(err) {
		t.Errorf("resolving a non-conflict: %v, want not-found", err)
	}
}

// =============================================================================
// EDITS & REWIND
// =============================================================================

func TestRun_EditRewindsToItsStage(t *testing.T) {
	mem := newRunStore(t)
	run := newRunOver(mem)
	mustLoad(t, run, []reconcile.ImportRow{
		{Row: 1, Name: "Ruth Okafor", Date: "2026-07-03", Type: "PLD"},
		{Row: 2, Name: "Miguel Santos", Date: "2026-07-03", Type: "PLD"},
	})
	mustAdvance(t, run)
	mustAdvance(t, run)
	if run.Stage() != reconcile.StageAllotmentReview {
		t.Fatalf("stage = %s", run.Stage())
	}

	// A stage 1 edit discards everything computed after normalization.
	if err := run.SkipRow(2); err != nil {
		t.Fatalf("SkipRow: %v", err)
	}
	if run.Stage() != reconcile.StageNormalizing {
		t.Errorf("stage after edit = %s, want normalizing", run.Stage())
	}
	if len(run.DateStates()) != 0 {
		t.Error("date states must be discarded by the rewind")
	}

	// The skipped row no longer counts as demand after re-advancing.
	mustAdvance(t, run)
	mustAdvance(t, run)
	if st := run.DateStates()[0]; st.IncomingDemand != 1 {
		t.Errorf("incoming demand = %d, want 1", st.IncomingDemand)
	}
}

func TestRun_AdjustmentAndOrderingValidation(t *testing.T) {
	mem := newRunStore(t)
	run := newRunOver(mem)
	mustLoad(t, run, []reconcile.ImportRow{
		{Row: 1, Name: "Ruth Okafor", Date: "2026-07-03", Type: "PLD"},
	})
	mustAdvance(t, run)
	mustAdvance(t, run)

	if err := run.SetAdjustment(july(9), reconcile.Adjustment{Kind: reconcile.AdjustKeep}); err == nil {
		t.Error("adjusting a date outside the run must fail")
	}
	if err := run.SetAdjustment(july(3), reconcile.Adjustment{Kind: "triple"}); err == nil {
		t.Error("unknown adjustment kind must fail")
	}
	if err := run.SetAdjustment(july(3), reconcile.Adjustment{Kind: reconcile.AdjustCustom, Value: -1}); err == nil {
		t.Error("negative custom allotment must fail")
	}
	if err := run.SetOrdering(july(9), []reconcile.RequestID{"id-1"}); err == nil {
		t.Error("ordering a date outside the run must fail")
	}
	if err := run.SetAdjustment(july(3), reconcile.Adjustment{Kind: reconcile.AdjustCustom, Value: 5}); err != nil {
		t.Errorf("valid custom adjustment: %v", err)
	}
}

func TestRun_CustomAdjustmentPersistsAsOverride(t *testing.T) {
	ctx := context.Background()
	mem := newRunStore(t)
	run := newRunOver(mem)
	mustLoad(t, run, []reconcile.ImportRow{
		{Row: 1, Name: "Ruth Okafor", Date: "2026-07-03", Type: "PLD"},
	})
	mustAdvance(t, run)
	mustAdvance(t, run)
	if err := run.SetAdjustment(july(3), reconcile.Adjustment{Kind: reconcile.AdjustCustom, Value: 6}); err != nil {
		t.Fatalf("SetAdjustment: %v", err)
	}
	mustAdvance(t, run)
	if _, err := run.Commit(ctx, &reconcile.Executor{Store: mem, History: mem}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rules, err := mem.ListRules(ctx, "cal-1", july(3), july(3))
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if n, src := reconcile.NewRuleSet(rules).Capacity(july(3)); n != 6 || src != reconcile.RuleDailyOverride {
		t.Errorf("capacity after commit = %d from %s, want 6 from daily_override", n, src)
	}
}

// =============================================================================
// STAGE ORDER
// =============================================================================

func TestRun_StageOrderEnforced(t *testing.T) {
	mem := newRunStore(t)
	run := newRunOver(mem)

	// Commit before final review.
	_, err := run.Commit(context.Background(), &reconcile.Executor{Store: mem})
	if !errors.Is(err, reconcile.ErrStageOrder) {
		t.Errorf("early commit: %v, want ErrStageOrder", err)
	}

	// Stage 2+ edits before their stage.
	mustLoad(t, run, []reconcile.ImportRow{
		{Row: 1, Name: "Ruth Okafor", Date: "2026-07-03", Type: "PLD"},
	})
	if err := run.ResolveConflict("id-1", reconcile.ResolveMerge); !errors.Is(err, reconcile.ErrStageOrder) {
		t.Errorf("early resolve: %v, want ErrStageOrder", err)
	}
	if err := run.SetAdjustment(july(3), reconcile.Adjustment{Kind: reconcile.AdjustKeep}); !errors.Is(err, reconcile.ErrStageOrder) {
		t.Errorf("early adjustment: %v, want ErrStageOrder", err)
	}
}

func TestRun_SealedAfterCommit(t *testing.T) {
	ctx := context.Background()
	mem := newRunStore(t)
	run := newRunOver(mem)
	mustLoad(t, run, []reconcile.ImportRow{
		{Row: 1, Name: "Ruth Okafor", Date: "2026-07-03", Type: "PLD"},
	})
	mustAdvance(t, run)
	mustAdvance(t, run)
	mustAdvance(t, run)
	if _, err := run.Commit(ctx, &reconcile.Executor{Store: mem, History: mem}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := run.LoadRows(ctx, nil); !errors.Is(err, reconcile.ErrStageOrder) {
		t.Errorf("LoadRows after commit: %v, want ErrStageOrder", err)
	}
	if err := run.AssignMember(1, "m-1"); !errors.Is(err, reconcile.ErrStageOrder) {
		t.Errorf("AssignMember after commit: %v, want ErrStageOrder", err)
	}
	if err := run.SetPolicy("seniority"); !errors.Is(err, reconcile.ErrStageOrder) {
		t.Errorf("SetPolicy after commit: %v, want ErrStageOrder", err)
	}
}

func TestNewRun_Defaults(t *testing.T) {
	run := reconcile.NewRun(testCal(), reconcile.StoreSource{}, reconcile.RunOptions{})
	if run.ID() == "" {
		t.Error("missing id must be generated")
	}
	if run.Actor() != "system" {
		t.Errorf("actor = %q, want system", run.Actor())
	}
	if run.Stage() != reconcile.StageNormalizing {
		t.Errorf("stage = %s, want normalizing", run.Stage())
	}
	rec := run.Record()
	if rec.Policy != "submission" {
		t.Errorf("record policy = %q, want submission", rec.Policy)
	}
}

func TestStage_AtLeast(t *testing.T) {
	if !reconcile.StageFinalReview.AtLeast(reconcile.StageDuplicateReview) {
		t.Error("final-review is past duplicate-review")
	}
	if reconcile.StageNormalizing.AtLeast(reconcile.StageCommitting) {
		t.Error("normalizing is not past committing")
	}
	if !reconcile.StageDone.AtLeast(reconcile.StageDone) {
		t.Error("a stage is at least itself")
	}
}
