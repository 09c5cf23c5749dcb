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

// execStore seeds an in-memory store with the test calendar and one
// capacity rule per date in caps.
func execStore(t *testing.T, caps map[reconcile.Date]int) *memory.TxMemory {
	t.Helper()
	ctx := context.Background()
	mem := memory.NewTxMemory()
	if err := mem.PutCalendar(ctx, testCal()); err != nil {
		t.Fatalf("seed calendar: %v", err)
	}
	for d, n := range caps {
		rule := reconcile.AllotmentRule{
			CalendarID: "cal-1", Date: d, MaxAllotment: n, Source: reconcile.RuleDailyOverride,
		}
		if err := mem.UpsertRule(ctx, rule); err != nil {
			t.Fatalf("seed rule for %s: %v", d, err)
		}
	}
	return mem
}

// decide builds a batch decision for the shared calendar.
func decide(id, member string, kind reconcile.DecisionKind, d reconcile.Date, pos int, isNew bool) reconcile.Decision {
	return reconcile.Decision{
		RequestID:   reconcile.RequestID(id),
		MemberID:    reconcile.MemberID(member),
		CalendarID:  "cal-1",
		Date:        d,
		Type:        reconcile.LeavePLD,
		Kind:        kind,
		Position:    pos,
		New:         isNew,
		SubmittedAt: time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC),
	}
}

func fixedExecutor(mem *memory.TxMemory, at time.Time) *reconcile.Executor {
	n := 0
	return &reconcile.Executor{
		Store: mem,
		Clock: func() time.Time { return at },
		NewID: func() string { n++; return fmt.Sprintf("log-%d", n) },
	}
}

// =============================================================================
// APPLY
// =============================================================================

func TestApply_WritesRowsAndIsIdempotent(t *testing.T) {
	// GIVEN: A batch accepting one new request and waitlisting another
	// WHEN: Applying it twice
	// THEN: The first pass writes both rows, the second is all no-ops

	ctx := context.Background()
	now := time.Date(2026, time.May, 2, 8, 0, 0, 0, time.UTC)
	mem := execStore(t, map[reconcile.Date]int{july(3): 2})
	ex := fixedExecutor(mem, now)

	batch := reconcile.Batch{
		CalendarID: "cal-1",
		Decisions: []reconcile.Decision{
			decide("c1", "m-1", reconcile.DecideAccept, july(3), 0, true),
			decide("c2", "m-2", reconcile.DecideWaitlist, july(3), 1, true),
		},
	}

	res, err := ex.Apply(ctx, batch, reconcile.ExecOptions{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Applied != 2 || res.Failed() {
		t.Fatalf("first apply = %+v", res)
	}

	appr, err := mem.GetRequest(ctx, "c1")
	if err != nil {
		t.Fatalf("GetRequest(c1): %v", err)
	}
	if appr.Status != reconcile.StatusApproved || appr.Source != reconcile.SourceImport {
		t.Errorf("c1 = %s/%s, want approved import row", appr.Status, appr.Source)
	}
	if !appr.RespondedAt.Equal(now) {
		t.Errorf("c1 responded at %v, want %v", appr.RespondedAt, now)
	}
	wl, err := mem.GetRequest(ctx, "c2")
	if err != nil {
		t.Fatalf("GetRequest(c2): %v", err)
	}
	if wl.Status != reconcile.StatusWaitlisted || wl.WaitlistPosition != 1 {
		t.Errorf("c2 = %s/%d, want waitlisted at 1", wl.Status, wl.WaitlistPosition)
	}

	if len(res.Notifications) != 2 {
		t.Fatalf("got %d notifications, want 2", len(res.Notifications))
	}
	if res.Notifications[0].Kind != reconcile.DecideAccept || res.Notifications[1].Position != 1 {
		t.Errorf("notifications = %+v", res.Notifications)
	}

	again, err := ex.Apply(ctx, batch, reconcile.ExecOptions{})
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if again.Applied != 0 || again.NoOps != 2 || len(again.Notifications) != 0 {
		t.Errorf("second apply = %+v, want pure no-ops", again)
	}
}

func TestApply_CapacityConflictFailsOnlyThatDate(t *testing.T) {
	// GIVEN: A concurrent writer filled July 3 between review and commit
	// WHEN: Applying accepts for July 3 and July 4
	// THEN: July 3 rolls back as a date failure, July 4 still lands

	ctx := context.Background()
	mem := execStore(t, map[reconcile.Date]int{july(3): 1, july(4): 1})
	if err := mem.PutRequest(ctx, stored("taken", "m-4", reconcile.StatusApproved, time.Now())); err != nil {
		t.Fatalf("seed approved row: %v", err)
	}

	batch := reconcile.Batch{
		CalendarID: "cal-1",
		Decisions: []reconcile.Decision{
			decide("c1", "m-1", reconcile.DecideAccept, july(3), 0, true),
			decide("c2", "m-2", reconcile.DecideAccept, july(4), 0, true),
		},
	}

	ex := &reconcile.Executor{Store: mem}
	res, err := ex.Apply(ctx, batch, reconcile.ExecOptions{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Dates) != 1 || res.Dates[0].Date != july(3) {
		t.Fatalf("date failures = %+v, want one for July 3", res.Dates)
	}
	var conflict *reconcile.CapacityConflictError
	if !errors.As(res.Dates[0].Err, &conflict) {
		t.Fatalf("date failure error = %v, want CapacityConflictError", res.Dates[0].Err)
	}
	if conflict.Capacity != 1 || conflict.Approved != 1 || conflict.Planned != 1 {
		t.Errorf("conflict = %+v", conflict)
	}

	if _, err := mem.GetRequest(ctx, "c1"); !reconcile.IsNotFound(err) {
		t.Error("July 3 accept must roll back")
	}
	if kept, err := mem.GetRequest(ctx, "c2"); err != nil || kept.Status != reconcile.StatusApproved {
		t.Errorf("July 4 accept must land: %+v, %v", kept, err)
	}
	if res.Applied != 1 {
		t.Errorf("Applied = %d, want 1", res.Applied)
	}
}

func TestApply_AllOrNothingRollsBackEveryDate(t *testing.T) {
	ctx := context.Background()
	mem := execStore(t, map[reconcile.Date]int{july(3): 1, july(4): 1})
	if err := mem.PutRequest(ctx, stored("taken", "m-4", reconcile.StatusApproved, time.Now())); err != nil {
		t.Fatalf("seed approved row: %v", err)
	}

	batch := reconcile.Batch{
		CalendarID: "cal-1",
		Decisions: []reconcile.Decision{
			decide("c1", "m-1", reconcile.DecideAccept, july(3), 0, true),
			decide("c2", "m-2", reconcile.DecideAccept, july(4), 0, true),
		},
	}

	ex := &reconcile.Executor{Store: mem}
	res, err := ex.Apply(ctx, batch, reconcile.ExecOptions{AllOrNothing: true})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Dates) != 1 || res.Dates[0].Date != july(3) {
		t.Fatalf("date failures = %+v", res.Dates)
	}
	if res.Applied != 0 {
		t.Errorf("Applied = %d, want 0", res.Applied)
	}
	if _, err := mem.GetRequest(ctx, "c2"); !reconcile.IsNotFound(err) {
		t.Error("the clean date must roll back with the failing one")
	}
}

func TestApply_CancelFreesSeatBeforeRecheck(t *testing.T) {
	// GIVEN: July 3 is full, and the batch both cancels the holder and
	//        accepts a newcomer
	// WHEN: Applying
	// THEN: The cancel runs first, so the accept fits

	ctx := context.Background()
	mem := execStore(t, map[reconcile.Date]int{july(3): 1})
	if err := mem.PutRequest(ctx, stored("db1", "m-1", reconcile.StatusApproved, time.Now())); err != nil {
		t.Fatalf("seed approved row: %v", err)
	}

	batch := reconcile.Batch{
		CalendarID: "cal-1",
		Decisions: []reconcile.Decision{
			decide("c1", "m-2", reconcile.DecideAccept, july(3), 0, true),
			decide("db1", "m-1", reconcile.DecideCancel, july(3), 0, false),
		},
	}

	ex := &reconcile.Executor{Store: mem}
	res, err := ex.Apply(ctx, batch, reconcile.ExecOptions{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Failed() || res.Applied != 2 {
		t.Fatalf("result = %+v", res)
	}

	old, _ := mem.GetRequest(ctx, "db1")
	if old.Status != reconcile.StatusCancelled {
		t.Errorf("db1 = %s, want cancelled", old.Status)
	}
	kept, _ := mem.GetRequest(ctx, "c1")
	if kept.Status != reconcile.StatusApproved {
		t.Errorf("c1 = %s, want approved", kept.Status)
	}
}

func TestApply_RenumberingSkipsCapacityCheck(t *testing.T) {
	// A date already over capacity still accepts pure renumbering; the
	// re-check only guards batches that add approvals.
	ctx := context.Background()
	mem := execStore(t, map[reconcile.Date]int{july(3): 1})
	for _, r := range []reconcile.LeaveRequest{
		stored("a1", "m-1", reconcile.StatusApproved, time.Now()),
		stored("a2", "m-2", reconcile.StatusApproved, time.Now()),
		waiting("w1", 3, time.Now()),
	} {
		if err := mem.PutRequest(ctx, r); err != nil {
			t.Fatalf("seed %s: %v", r.ID, err)
		}
	}

	batch := reconcile.Batch{
		CalendarID: "cal-1",
		Decisions: []reconcile.Decision{
			decide("w1", "m-w1", reconcile.DecideWaitlist, july(3), 1, false),
		},
	}
	res, err := (&reconcile.Executor{Store: mem}).Apply(ctx, batch, reconcile.ExecOptions{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Failed() || res.Applied != 1 {
		t.Fatalf("result = %+v", res)
	}
	row, _ := mem.GetRequest(ctx, "w1")
	if row.WaitlistPosition != 1 {
		t.Errorf("w1 position = %d, want 1", row.WaitlistPosition)
	}
}

func TestApply_SkipCountsAndLogsWithoutWriting(t *testing.T) {
	ctx := context.Background()
	mem := execStore(t, map[reconcile.Date]int{july(3): 2})

	batch := reconcile.Batch{
		CalendarID: "cal-1",
		Decisions: []reconcile.Decision{
			decide("dup", "m-1", reconcile.DecideSkip, july(3), 0, true),
		},
	}
	res, err := (&reconcile.Executor{Store: mem}).Apply(ctx, batch, reconcile.ExecOptions{RunID: "run-9", Actor: "steward"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Skipped != 1 || res.Applied != 0 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := mem.GetRequest(ctx, "dup"); !reconcile.IsNotFound(err) {
		t.Error("a skipped candidate must not be written")
	}

	log, err := mem.ListDecisionsForRun(ctx, "run-9")
	if err != nil {
		t.Fatalf("ListDecisionsForRun: %v", err)
	}
	if len(log) != 1 || log[0].Kind != reconcile.DecideSkip {
		t.Fatalf("log = %+v", log)
	}
	if log[0].Detail != "duplicate of stored request" || log[0].Actor != "steward" {
		t.Errorf("log entry = %+v", log[0])
	}
}

func TestApply_MissingRowFailsItemOnly(t *testing.T) {
	ctx := context.Background()
	mem := execStore(t, map[reconcile.Date]int{july(3): 2})

	batch := reconcile.Batch{
		CalendarID: "cal-1",
		Decisions: []reconcile.Decision{
			decide("ghost", "m-1", reconcile.DecideCancel, july(3), 0, false),
			decide("c1", "m-2", reconcile.DecideAccept, july(3), 0, true),
		},
	}
	res, err := (&reconcile.Executor{Store: mem}).Apply(ctx, batch, reconcile.ExecOptions{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Items) != 1 || !errors.Is(res.Items[0].Err, reconcile.ErrRequestNotFound) {
		t.Fatalf("item failures = %+v", res.Items)
	}
	if res.Applied != 1 || !res.Failed() {
		t.Errorf("result = %+v", res)
	}
	if kept, err := mem.GetRequest(ctx, "c1"); err != nil || kept.Status != reconcile.StatusApproved {
		t.Error("the healthy item must still apply")
	}
}

func TestApply_AdjustmentPersistsWithoutDecisions(t *testing.T) {
	ctx := context.Background()
	mem := execStore(t, map[reconcile.Date]int{july(3): 2})

	batch := reconcile.Batch{
		CalendarID:  "cal-1",
		Adjustments: map[reconcile.Date]int{july(3): 7},
	}
	res, err := (&reconcile.Executor{Store: mem}).Apply(ctx, batch, reconcile.ExecOptions{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Applied != 0 || res.Failed() {
		t.Fatalf("result = %+v", res)
	}

	rules, err := mem.ListRules(ctx, "cal-1", july(3), july(3))
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if n, src := reconcile.NewRuleSet(rules).Capacity(july(3)); n != 7 || src != reconcile.RuleDailyOverride {
		t.Errorf("capacity = %d from %s, want 7 from daily_override", n, src)
	}
}

func TestApply_AmendAdoptsEarlierStamp(t *testing.T) {
	ctx := context.Background()
	mem := execStore(t, map[reconcile.Date]int{july(3): 2})
	t0 := time.Date(2026, time.February, 1, 8, 0, 0, 0, time.UTC)
	t1 := t0.Add(48 * time.Hour)
	if err := mem.PutRequest(ctx, stored("db1", "m-1", reconcile.StatusApproved, t1)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	amend := decide("db1", "m-1", reconcile.DecideAmend, july(3), 0, false)
	amend.SubmittedAt = t0
	batch := reconcile.Batch{CalendarID: "cal-1", Decisions: []reconcile.Decision{amend}}

	ex := &reconcile.Executor{Store: mem}
	res, err := ex.Apply(ctx, batch, reconcile.ExecOptions{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Applied != 1 {
		t.Fatalf("result = %+v", res)
	}
	row, _ := mem.GetRequest(ctx, "db1")
	if !row.SubmittedAt.Equal(t0) {
		t.Errorf("submitted at %v, want %v", row.SubmittedAt, t0)
	}

	again, err := ex.Apply(ctx, batch, reconcile.ExecOptions{})
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if again.NoOps != 1 || again.Applied != 0 {
		t.Errorf("second apply = %+v, want a no-op", again)
	}
}

func TestApply_RequiresStore(t *testing.T) {
	ex := &reconcile.Executor{}
	_, err := ex.Apply(context.Background(), reconcile.Batch{}, reconcile.ExecOptions{})
	if !errors.Is(err, reconcile.ErrStoreRequired) {
		t.Errorf("err = %v, want ErrStoreRequired", err)
	}
}

// =============================================================================
// STANDALONE PROMOTION
// =============================================================================

func TestPromoteForDate_FillsFreedCapacity(t *testing.T) {
	// GIVEN: A cancellation left July 3 with two free seats and a
	//        two-deep waitlist
	// WHEN: Running standalone promotion
	// THEN: Both waiting members approve, and a second pass is a no-op

	ctx := context.Background()
	mem := execStore(t, map[reconcile.Date]int{july(3): 3})
	for _, r := range []reconcile.LeaveRequest{
		stored("a1", "m-1", reconcile.StatusApproved, time.Now()),
		waiting("w1", 1, time.Now()),
		waiting("w2", 2, time.Now()),
	} {
		if err := mem.PutRequest(ctx, r); err != nil {
			t.Fatalf("seed %s: %v", r.ID, err)
		}
	}

	res, err := reconcile.PromoteForDate(ctx, mem, "cal-1", july(3), "steward")
	if err != nil {
		t.Fatalf("PromoteForDate: %v", err)
	}
	if res.Applied != 2 || res.Failed() {
		t.Fatalf("result = %+v", res)
	}
	for _, id := range []reconcile.RequestID{"w1", "w2"} {
		row, err := mem.GetRequest(ctx, id)
		if err != nil {
			t.Fatalf("GetRequest(%s): %v", id, err)
		}
		if row.Status != reconcile.StatusApproved || row.WaitlistPosition != 0 {
			t.Errorf("%s = %s/%d, want approved", id, row.Status, row.WaitlistPosition)
		}
	}

	again, err := reconcile.PromoteForDate(ctx, mem, "cal-1", july(3), "steward")
	if err != nil {
		t.Fatalf("second PromoteForDate: %v", err)
	}
	if again.Applied != 0 {
		t.Errorf("second pass = %+v, want nothing to do", again)
	}
}

func TestPromoteForDate_RenumbersWithoutFreeSeats(t *testing.T) {
	ctx := context.Background()
	mem := execStore(t, map[reconcile.Date]int{july(3): 1})
	for _, r := range []reconcile.LeaveRequest{
		stored("a1", "m-1", reconcile.StatusApproved, time.Now()),
		waiting("w4", 4, time.Now()),
		waiting("w9", 9, time.Now()),
	} {
		if err := mem.PutRequest(ctx, r); err != nil {
			t.Fatalf("seed %s: %v", r.ID, err)
		}
	}

	res, err := reconcile.PromoteForDate(ctx, mem, "cal-1", july(3), "steward")
	if err != nil {
		t.Fatalf("PromoteForDate: %v", err)
	}
	if res.Applied != 2 {
		t.Fatalf("result = %+v", res)
	}
	first, _ := mem.GetRequest(ctx, "w4")
	second, _ := mem.GetRequest(ctx, "w9")
	if first.WaitlistPosition != 1 || second.WaitlistPosition != 2 {
		t.Errorf("positions = %d, %d, want 1, 2", first.WaitlistPosition, second.WaitlistPosition)
	}
}
