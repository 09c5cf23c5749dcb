/*
waitlist.go - Stage 5: contiguous waitlist positions and promotion

PURPOSE:
  Turns a date's accept/waitlist split into a final ordered entry list.
  Existing waitlisted rows and newly waitlisted candidates form one queue,
  existing rows first in their stored order; the head of the queue promotes
  into any seats still free, and whoever remains is renumbered 1..N with no
  gaps and no ties.

WHY EXISTING ROWS RENUMBER:
  Stored positions can be stale: gaps from cancellations, or rows left
  waiting while capacity sat open. Emitting a waitlist decision for every
  remaining row makes the final sequence contiguous regardless of what
  storage held before. Unchanged rows become no-ops at apply time.

SEE ALSO:
  - resolve.go: Produces the accept/waitlist split consumed here
  - executor.go: PromoteForDate applies ComputePromotions to storage
*/
package reconcile

import "sort"

// PositionInput is the position manager's per-date input.
type PositionInput struct {
	State DateAllotmentState
	// ExistingWaitlist are the stored waitlisted rows still active for the
	// date, net of rows being cancelled this run. Any order.
	ExistingWaitlist []LeaveRequest
	Accepted         []CandidateRequest
	Waitlisted       []CandidateRequest
}

// AssignPositions fills State.Entries with the date's final decisions:
// accepted candidates, promotions from the waitlist head, and the
// renumbered waitlist tail. Pure. An invalid state passes through intact.
func AssignPositions(in PositionInput) DateAllotmentState {
	st := in.State
	if st.Err != nil {
		return st
	}

	entries := make([]Decision, 0, len(in.Accepted)+len(in.ExistingWaitlist)+len(in.Waitlisted))

	// 1. Accepted candidates, already in priority order.
	for _, c := range in.Accepted {
		entries = append(entries, candidateDecision(c, DecideAccept, 0))
	}

	// 2. Queue: existing waitlist in stored order, then new arrivals.
	queue := make([]Decision, 0, len(in.ExistingWaitlist)+len(in.Waitlisted))
	for _, r := range sortedWaitlist(in.ExistingWaitlist) {
		queue = append(queue, storedDecision(r, DecideWaitlist, 0))
	}
	for _, c := range in.Waitlisted {
		queue = append(queue, candidateDecision(c, DecideWaitlist, 0))
	}

	// 3. Promote the head into free seats, renumber the rest from 1.
	seats := st.Capacity - st.ExistingApproved - len(in.Accepted)
	if seats < 0 {
		seats = 0
	}
	for i := range queue {
		if i < seats {
			queue[i].Kind = DecideAccept
			queue[i].Position = 0
		} else {
			queue[i].Position = i - seats + 1
		}
	}

	st.Entries = append(entries, queue...)
	return st
}

// ComputePromotions finds seats a date's standing waitlist can move into,
// outside any reconciliation run: after a cancellation or a capacity raise,
// approved count may sit under capacity while members wait. Returns the
// decisions needed to promote and close ranks; empty when storage already
// matches. Pure.
func ComputePromotions(capacity int, rows []LeaveRequest) []Decision {
	approved := 0
	var waiting []LeaveRequest
	for _, r := range rows {
		switch r.Status {
		case StatusApproved:
			approved++
		case StatusWaitlisted:
			waiting = append(waiting, r)
		}
	}

	seats := capacity - approved
	if seats < 0 {
		seats = 0
	}

	var decisions []Decision
	for i, r := range sortedWaitlist(waiting) {
		if i < seats {
			decisions = append(decisions, storedDecision(r, DecideAccept, 0))
			continue
		}
		if want := i - seats + 1; want != r.WaitlistPosition {
			decisions = append(decisions, storedDecision(r, DecideWaitlist, want))
		}
	}
	return decisions
}

// sortedWaitlist orders stored rows by position, zero positions last, ties
// broken by submission time then id.
func sortedWaitlist(rows []LeaveRequest) []LeaveRequest {
	out := make([]LeaveRequest, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].WaitlistPosition, out[j].WaitlistPosition
		if pi != pj {
			if pi == 0 {
				return false
			}
			if pj == 0 {
				return true
			}
			return pi < pj
		}
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func candidateDecision(c CandidateRequest, kind DecisionKind, pos int) Decision {
	return Decision{
		RequestID:   c.ID,
		MemberID:    c.MemberID,
		CalendarID:  c.CalendarID,
		Date:        c.Date,
		Type:        c.Type,
		Kind:        kind,
		Position:    pos,
		New:         true,
		SubmittedAt: c.SubmittedAt,
	}
}

func storedDecision(r LeaveRequest, kind DecisionKind, pos int) Decision {
	return Decision{
		RequestID:   r.ID,
		MemberID:    r.MemberID,
		CalendarID:  r.CalendarID,
		Date:        r.Date,
		Type:        r.Type,
		Kind:        kind,
		Position:    pos,
		New:         false,
		SubmittedAt: r.SubmittedAt,
	}
}
