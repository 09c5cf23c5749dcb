package reconcile_test

import (
	"testing"
	"time"

	"github.com/unionhall/allotment-engine/reconcile"
)

func cand(id, member string, row int, submitted time.Time) reconcile.CandidateRequest {
	return reconcile.CandidateRequest{
		LeaveRequest: reconcile.LeaveRequest{
			ID:          reconcile.RequestID(id),
			MemberID:    reconcile.MemberID(member),
			CalendarID:  "cal-1",
			Date:        reconcile.NewDate(2026, time.July, 3),
			Type:        reconcile.LeavePLD,
			SubmittedAt: submitted,
		},
		Row:         row,
		MatchStatus: reconcile.MatchMatched,
	}
}

func TestSubmissionOrder_EarliestWins(t *testing.T) {
	t0 := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	cands := []reconcile.CandidateRequest{
		cand("c", "m-3", 3, t0.Add(2*time.Hour)),
		cand("a", "m-1", 1, t0),
		cand("b", "m-2", 2, t0.Add(time.Hour)),
	}

	got := reconcile.SortCandidates(cands, reconcile.SubmissionOrder())

	for i, want := range []reconcile.RequestID{"a", "b", "c"} {
		if got[i].ID != want {
			t.Errorf("position %d = %s, want %s", i, got[i].ID, want)
		}
	}
	// Input order is preserved.
	if cands[0].ID != "c" {
		t.Error("SortCandidates mutated its input")
	}
}

func TestSubmissionOrder_TiesBreakByMemberThenRow(t *testing.T) {
	t0 := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	cands := []reconcile.CandidateRequest{
		cand("x", "m-2", 5, t0),
		cand("y", "m-1", 9, t0),
		cand("z", "m-1", 2, t0),
	}

	got := reconcile.SortCandidates(cands, reconcile.SubmissionOrder())

	for i, want := range []reconcile.RequestID{"z", "y", "x"} {
		if got[i].ID != want {
			t.Errorf("position %d = %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestSeniorityOrder_LongestServingFirst(t *testing.T) {
	// GIVEN: Three candidates; m-1 hired 2003, m-2 2007, m-9 not on roster
	// WHEN: Ordering by seniority
	// THEN: Roster members lead by hire date; the unknown member sorts last

	t0 := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	cands := []reconcile.CandidateRequest{
		cand("ghost", "m-9", 1, t0),
		cand("junior", "m-2", 2, t0),
		cand("senior", "m-1", 3, t0),
	}

	got := reconcile.SortCandidates(cands, reconcile.SeniorityOrder(testPool()))

	for i, want := range []reconcile.RequestID{"senior", "junior", "ghost"} {
		if got[i].ID != want {
			t.Errorf("position %d = %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestPolicyByName(t *testing.T) {
	p, err := reconcile.PolicyByName("", nil)
	if err != nil || p.Name() != "submission" {
		t.Errorf("empty name: got %v, %v; want submission policy", p, err)
	}
	p, err = reconcile.PolicyByName("seniority", testPool())
	if err != nil || p.Name() != "seniority" {
		t.Errorf("seniority: got %v, %v", p, err)
	}
	if _, err := reconcile.PolicyByName("coin-flip", nil); err == nil {
		t.Error("unknown policy name should error")
	}
}
