/*
allotment.go - Stage 3: per-date capacity and demand

PURPOSE:
  Computes the true per-date picture: resolved capacity (daily override
  beats yearly default, missing rule means zero), existing demand from
  storage, incoming demand from surviving candidates, and the resulting
  over-allotment flag.

INVARIANTS HONORED HERE:
  - A daily override REPLACES the yearly default; the two never sum.
  - A date with no rule resolves to capacity 0, never unlimited.
  - Rows being cancelled by a keep-candidate resolution no longer count
    as existing demand.

SEE ALSO:
  - types.go: RuleSet.Capacity resolution
  - resolve.go: Turns over-allotted states into accept/waitlist splits
*/
package reconcile

// CalcInput is an explicit snapshot for one calculation pass.
type CalcInput struct {
	CalendarID CalendarID
	// Dates lists every date the batch touched, including dates whose
	// candidates were all excluded as duplicates: those still surface for
	// review even though they carry no incoming demand.
	Dates    []Date
	Existing []LeaveRequest
	Rules    *RuleSet
	// Survivors are the candidates that count as incoming demand.
	Survivors []CandidateRequest
	// Cancels are stored row ids retiring in this run's batch.
	Cancels map[RequestID]bool
}

// ComputeAllotments builds one DateAllotmentState per touched date, in date
// order, without decisions. Pure.
func ComputeAllotments(in CalcInput) []DateAllotmentState {
	// 1. Index existing active demand by date, skipping retiring rows.
	approved := make(map[Date]int)
	waitlisted := make(map[Date]int)
	for _, ex := range in.Existing {
		if in.Cancels[ex.ID] {
			continue
		}
		switch ex.Status {
		case StatusApproved:
			approved[ex.Date]++
		case StatusWaitlisted:
			waitlisted[ex.Date]++
		}
	}

	// 2. Index incoming demand.
	incoming := make(map[Date]int)
	for _, c := range in.Survivors {
		incoming[c.Date]++
	}

	// 3. Resolve each touched date.
	dates := make([]Date, len(in.Dates))
	copy(dates, in.Dates)
	SortDates(dates)

	states := make([]DateAllotmentState, 0, len(dates))
	for _, d := range dates {
		capacity, source := in.Rules.Capacity(d)
		st := DateAllotmentState{
			CalendarID:         in.CalendarID,
			Date:               d,
			Capacity:           capacity,
			CapacitySource:     source,
			ExistingApproved:   approved[d],
			ExistingWaitlisted: waitlisted[d],
			IncomingDemand:     incoming[d],
		}
		st.OverAllotted = st.ExistingApproved+st.ExistingWaitlisted+st.IncomingDemand > capacity
		states = append(states, st)
	}
	return states
}

// TouchedDates derives the date set for a batch from every matched
// candidate, excluded or not: a date whose candidates were all skipped as
// duplicates is still reported, it just produces no decisions.
func TouchedDates(cands []CandidateRequest) []Date {
	set := make(map[Date]bool)
	for _, c := range cands {
		if c.MatchStatus == MatchMatched {
			set[c.Date] = true
		}
	}
	dates := make([]Date, 0, len(set))
	for d := range set {
		dates = append(dates, d)
	}
	return SortDates(dates)
}
