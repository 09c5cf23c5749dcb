package reconcile_test

import (
	"errors"
	"testing"
	"time"

	"github.com/unionhall/allotment-engine/reconcile"
)

func waiting(id string, pos int, submitted time.Time) reconcile.LeaveRequest {
	r := stored(id, "m-"+id, reconcile.StatusWaitlisted, submitted)
	r.WaitlistPosition = pos
	return r
}

func TestAssignPositions_PromotesHeadAndRenumbersTail(t *testing.T) {
	// GIVEN: Capacity 4, 1 approved, 1 candidate accepted, stored waitlist
	//        of two, one new waitlisted candidate
	// WHEN: Assigning positions
	// THEN: Two free seats promote the stored head of the line; the new
	//       candidate holds position 1 of the remaining queue

	t0 := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	st := dateState(4, 1, 2, 2)
	accepted := []reconcile.CandidateRequest{cand("acc", "m-10", 1, t0)}
	newWait := []reconcile.CandidateRequest{cand("new", "m-11", 2, t0)}
	existing := []reconcile.LeaveRequest{
		waiting("w-second", 2, t0),
		waiting("w-first", 1, t0),
	}

	out := reconcile.AssignPositions(reconcile.PositionInput{
		State:            st,
		ExistingWaitlist: existing,
		Accepted:         accepted,
		Waitlisted:       newWait,
	})

	if len(out.Entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(out.Entries))
	}

	byID := map[reconcile.RequestID]reconcile.Decision{}
	for _, e := range out.Entries {
		byID[e.RequestID] = e
	}
	if d := byID["acc"]; d.Kind != reconcile.DecideAccept || !d.New {
		t.Errorf("acc = %+v, want new accept", d)
	}
	// seats = 4 - 1 approved - 1 accepted = 2: both stored rows promote.
	if d := byID["w-first"]; d.Kind != reconcile.DecideAccept || d.New {
		t.Errorf("w-first = %+v, want stored promotion", d)
	}
	if d := byID["w-second"]; d.Kind != reconcile.DecideAccept {
		t.Errorf("w-second = %+v, want promotion", d)
	}
	if d := byID["new"]; d.Kind != reconcile.DecideWaitlist || d.Position != 1 {
		t.Errorf("new = %+v, want waitlist position 1", d)
	}
}

func TestAssignPositions_QueueStaysContiguous(t *testing.T) {
	// No free seats: stored gaps close and new arrivals append.
	t0 := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	st := dateState(1, 1, 2, 1)
	existing := []reconcile.LeaveRequest{
		waiting("w-five", 5, t0),
		waiting("w-two", 2, t0),
	}
	newWait := []reconcile.CandidateRequest{cand("new", "m-11", 1, t0)}

	out := reconcile.AssignPositions(reconcile.PositionInput{
		State:            st,
		ExistingWaitlist: existing,
		Waitlisted:       newWait,
	})

	wantPos := map[reconcile.RequestID]int{"w-two": 1, "w-five": 2, "new": 3}
	for _, e := range out.Entries {
		if e.Kind != reconcile.DecideWaitlist {
			t.Errorf("%s: kind = %s, want waitlisted", e.RequestID, e.Kind)
		}
		if e.Position != wantPos[e.RequestID] {
			t.Errorf("%s at position %d, want %d", e.RequestID, e.Position, wantPos[e.RequestID])
		}
	}
}

func TestAssignPositions_ZeroPositionRowsJoinTheBack(t *testing.T) {
	t0 := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	st := dateState(0, 0, 2, 0)
	existing := []reconcile.LeaveRequest{
		waiting("w-unplaced", 0, t0),
		waiting("w-one", 1, t0.Add(time.Hour)),
	}

	out := reconcile.AssignPositions(reconcile.PositionInput{
		State:            st,
		ExistingWaitlist: existing,
	})

	byID := map[reconcile.RequestID]reconcile.Decision{}
	for _, e := range out.Entries {
		byID[e.RequestID] = e
	}
	if byID["w-one"].Position != 1 || byID["w-unplaced"].Position != 2 {
		t.Errorf("positions = %+v, want placed row first", out.Entries)
	}
}

func TestAssignPositions_InvalidStatePassesThrough(t *testing.T) {
	st := dateState(2, 0, 0, 1)
	st.Err = errors.New("bad ordering")

	out := reconcile.AssignPositions(reconcile.PositionInput{
		State:    st,
		Accepted: []reconcile.CandidateRequest{cand("acc", "m-1", 1, time.Now())},
	})

	if len(out.Entries) != 0 {
		t.Error("invalid dates must not produce decisions")
	}
}

func TestComputePromotions_FillsFreedSeats(t *testing.T) {
	// GIVEN: Capacity raised to 4 over 1 approved and 3 waiting
	// WHEN: Computing promotions
	// THEN: The whole line promotes in position order

	t0 := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	rows := []reconcile.LeaveRequest{
		stored("appr", "m-1", reconcile.StatusApproved, t0),
		waiting("w1", 1, t0),
		waiting("w2", 2, t0),
		waiting("w3", 3, t0),
	}

	decisions := reconcile.ComputePromotions(4, rows)

	if len(decisions) != 3 {
		t.Fatalf("got %d decisions, want 3 promotions", len(decisions))
	}
	wantOrder := []reconcile.RequestID{"w1", "w2", "w3"}
	for i, d := range decisions {
		if d.RequestID != wantOrder[i] || d.Kind != reconcile.DecideAccept {
			t.Errorf("decision %d = %+v, want accept %s", i, d, wantOrder[i])
		}
	}
}

func TestComputePromotions_PartialPromotionRenumbersRest(t *testing.T) {
	t0 := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	rows := []reconcile.LeaveRequest{
		stored("a1", "m-1", reconcile.StatusApproved, t0),
		stored("a2", "m-2", reconcile.StatusApproved, t0),
		waiting("w1", 1, t0),
		waiting("w2", 2, t0),
		waiting("w3", 3, t0),
	}

	decisions := reconcile.ComputePromotions(3, rows)

	if len(decisions) != 3 {
		t.Fatalf("got %d decisions, want 1 promotion + 2 renumbers", len(decisions))
	}
	if decisions[0].RequestID != "w1" || decisions[0].Kind != reconcile.DecideAccept {
		t.Errorf("first = %+v, want w1 promoted", decisions[0])
	}
	if decisions[1].RequestID != "w2" || decisions[1].Position != 1 {
		t.Errorf("second = %+v, want w2 to position 1", decisions[1])
	}
	if decisions[2].RequestID != "w3" || decisions[2].Position != 2 {
		t.Errorf("third = %+v, want w3 to position 2", decisions[2])
	}
}

func TestComputePromotions_NoOpWhenStorageMatches(t *testing.T) {
	t0 := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	rows := []reconcile.LeaveRequest{
		stored("a1", "m-1", reconcile.StatusApproved, t0),
		stored("a2", "m-2", reconcile.StatusApproved, t0),
		waiting("w1", 1, t0),
		waiting("w2", 2, t0),
	}

	if decisions := reconcile.ComputePromotions(2, rows); len(decisions) != 0 {
		t.Errorf("contiguous waitlist at full capacity: got %v, want none", decisions)
	}
}

func TestComputePromotions_ClosesGaps(t *testing.T) {
	t0 := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	rows := []reconcile.LeaveRequest{
		stored("a1", "m-1", reconcile.StatusApproved, t0),
		waiting("w-two", 2, t0),
		waiting("w-seven", 7, t0),
	}

	decisions := reconcile.ComputePromotions(1, rows)

	if len(decisions) != 2 {
		t.Fatalf("got %d decisions, want 2 renumbers", len(decisions))
	}
	if decisions[0].RequestID != "w-two" || decisions[0].Position != 1 {
		t.Errorf("first = %+v, want w-two to 1", decisions[0])
	}
	if decisions[1].RequestID != "w-seven" || decisions[1].Position != 2 {
		t.Errorf("second = %+v, want w-seven to 2", decisions[1])
	}
}
