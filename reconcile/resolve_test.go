package reconcile_test

import (
	"errors"
	"testing"
	"time"

	"github.com/unionhall/allotment-engine/reconcile"
)

func dateState(capacity, approved, waitlisted, incoming int) reconcile.DateAllotmentState {
	return reconcile.DateAllotmentState{
		CalendarID:         "cal-1",
		Date:               july(3),
		Capacity:           capacity,
		CapacitySource:     reconcile.RuleDailyOverride,
		ExistingApproved:   approved,
		ExistingWaitlisted: waitlisted,
		IncomingDemand:     incoming,
	}
}

func threeCandidates() []reconcile.CandidateRequest {
	t0 := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	return []reconcile.CandidateRequest{
		cand("late", "m-3", 3, t0.Add(2*time.Hour)),
		cand("first", "m-1", 1, t0),
		cand("second", "m-2", 2, t0.Add(time.Hour)),
	}
}

func TestResolveDate_FillsCapacityInPolicyOrder(t *testing.T) {
	rd := reconcile.ResolveDate(reconcile.DateInput{
		State:      dateState(2, 0, 0, 3),
		Candidates: threeCandidates(),
	}, reconcile.SubmissionOrder())

	if rd.State.Err != nil {
		t.Fatalf("unexpected error: %v", rd.State.Err)
	}
	if len(rd.Accepted) != 2 || len(rd.Waitlisted) != 1 {
		t.Fatalf("split = %d/%d, want 2 accepted 1 waitlisted", len(rd.Accepted), len(rd.Waitlisted))
	}
	if rd.Accepted[0].ID != "first" || rd.Accepted[1].ID != "second" || rd.Waitlisted[0].ID != "late" {
		t.Errorf("order wrong: %s, %s / %s", rd.Accepted[0].ID, rd.Accepted[1].ID, rd.Waitlisted[0].ID)
	}
}

func TestResolveDate_ExistingWaitlistHoldsItsPlace(t *testing.T) {
	// GIVEN: Capacity 3 with 1 approved and 1 already waitlisted
	// WHEN: Three candidates arrive
	// THEN: Only one seat is available; candidates never jump the line

	rd := reconcile.ResolveDate(reconcile.DateInput{
		State:      dateState(3, 1, 1, 3),
		Candidates: threeCandidates(),
	}, reconcile.SubmissionOrder())

	if len(rd.Accepted) != 1 || len(rd.Waitlisted) != 2 {
		t.Fatalf("split = %d/%d, want 1 accepted 2 waitlisted", len(rd.Accepted), len(rd.Waitlisted))
	}
	if rd.Accepted[0].ID != "first" {
		t.Errorf("accepted %s, want first", rd.Accepted[0].ID)
	}
}

func TestResolveDate_NoFreeSeatsWaitlistsEverybody(t *testing.T) {
	// Approved demand already exceeds capacity; available clamps at zero.
	rd := reconcile.ResolveDate(reconcile.DateInput{
		State:      dateState(1, 2, 0, 3),
		Candidates: threeCandidates(),
	}, reconcile.SubmissionOrder())

	if len(rd.Accepted) != 0 || len(rd.Waitlisted) != 3 {
		t.Fatalf("split = %d/%d, want 0 accepted 3 waitlisted", len(rd.Accepted), len(rd.Waitlisted))
	}
	if !rd.State.OverAllotted {
		t.Error("date must remain flagged over-allotted")
	}
}

func TestResolveDate_IncreaseToFitSeatsEveryone(t *testing.T) {
	rd := reconcile.ResolveDate(reconcile.DateInput{
		State:      dateState(2, 1, 1, 3),
		Candidates: threeCandidates(),
		Adjustment: reconcile.Adjustment{Kind: reconcile.AdjustIncreaseToFit},
	}, reconcile.SubmissionOrder())

	if rd.State.Capacity != 5 {
		t.Errorf("capacity = %d, want 1+1+3 = 5", rd.State.Capacity)
	}
	if rd.State.CapacitySource != reconcile.RuleDailyOverride {
		t.Errorf("source = %s, want daily_override", rd.State.CapacitySource)
	}
	if rd.State.Adjustment.Kind != reconcile.AdjustIncreaseToFit || rd.State.Adjustment.Value != 5 {
		t.Errorf("adjustment = %+v", rd.State.Adjustment)
	}
	if len(rd.Accepted) != 3 || len(rd.Waitlisted) != 0 {
		t.Errorf("split = %d/%d, want everyone accepted", len(rd.Accepted), len(rd.Waitlisted))
	}
	if rd.State.OverAllotted {
		t.Error("after increase-to-fit nothing is over-allotted")
	}
}

func TestResolveDate_CustomBelowApprovedIsRejected(t *testing.T) {
	rd := reconcile.ResolveDate(reconcile.DateInput{
		State:      dateState(5, 3, 0, 1),
		Candidates: threeCandidates()[:1],
		Adjustment: reconcile.Adjustment{Kind: reconcile.AdjustCustom, Value: 2},
	}, reconcile.SubmissionOrder())

	var cve *reconcile.CapacityValidationError
	if !errors.As(rd.State.Err, &cve) {
		t.Fatalf("err = %v, want CapacityValidationError", rd.State.Err)
	}
	if cve.Requested != 2 || cve.Floor != 3 {
		t.Errorf("error detail = %+v", cve)
	}
	if len(rd.Accepted) != 0 && len(rd.Waitlisted) != 0 {
		t.Error("invalid date must produce no split")
	}
	if rd.State.Valid() {
		t.Error("invalid date must be excluded from the batch")
	}
}

func TestResolveDate_CustomAdjustmentApplies(t *testing.T) {
	rd := reconcile.ResolveDate(reconcile.DateInput{
		State:      dateState(1, 0, 0, 3),
		Candidates: threeCandidates(),
		Adjustment: reconcile.Adjustment{Kind: reconcile.AdjustCustom, Value: 2},
	}, reconcile.SubmissionOrder())

	if rd.State.Capacity != 2 {
		t.Errorf("capacity = %d, want 2", rd.State.Capacity)
	}
	if len(rd.Accepted) != 2 || len(rd.Waitlisted) != 1 {
		t.Errorf("split = %d/%d, want 2/1", len(rd.Accepted), len(rd.Waitlisted))
	}
}

func TestResolveDate_ManualOrderingReplacesPolicy(t *testing.T) {
	rd := reconcile.ResolveDate(reconcile.DateInput{
		State:      dateState(1, 0, 0, 3),
		Candidates: threeCandidates(),
		Override:   []reconcile.RequestID{"late", "first", "second"},
	}, reconcile.SubmissionOrder())

	if rd.State.Err != nil {
		t.Fatalf("unexpected error: %v", rd.State.Err)
	}
	if rd.Accepted[0].ID != "late" {
		t.Errorf("accepted %s, want the manually promoted late", rd.Accepted[0].ID)
	}
}

func TestResolveDate_PartialOrderingFailsTheDate(t *testing.T) {
	rd := reconcile.ResolveDate(reconcile.DateInput{
		State:      dateState(2, 0, 0, 3),
		Candidates: threeCandidates(),
		Override:   []reconcile.RequestID{"late", "no-such-id"},
	}, reconcile.SubmissionOrder())

	var oerr *reconcile.OrderingError
	if !errors.As(rd.State.Err, &oerr) {
		t.Fatalf("err = %v, want OrderingError", rd.State.Err)
	}
	if len(oerr.Unknown) != 1 || oerr.Unknown[0] != "no-such-id" {
		t.Errorf("Unknown = %v", oerr.Unknown)
	}
	if len(oerr.Missing) != 2 {
		t.Errorf("Missing = %v, want first and second", oerr.Missing)
	}
}
