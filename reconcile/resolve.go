/*
resolve.go - Stage 4: split each date's candidates into accepted and waitlisted

PURPOSE:
  Where demand exceeds capacity, somebody wins and somebody waits. This
  stage applies the date's allotment adjustment, orders candidates by the
  run's policy or an administrator's manual ordering, and fills available
  capacity in that order.

CAPACITY MATH:
  available = max(0, capacity - existing approved - existing waitlisted)

  Existing waitlisted rows hold their place in line: candidates never jump
  ahead of them, so a date with a standing waitlist admits new candidates
  only past the end of it. The position manager then promotes the line into
  whatever seats remain (waitlist.go).

ADJUSTMENTS (mutually exclusive, applied before acceptance):
  keep             no change
  increase-to-fit  capacity := existing demand + incoming demand; nobody waits
  custom n         n below already-accepted demand is rejected - capacity can
                   never drop under seats already granted

FAILURE SCOPE:
  A date whose manual ordering omits or invents candidates, or whose custom
  allotment fails validation, is marked invalid (State.Err) and excluded
  from the commit batch. It never proceeds partially, and it never affects
  other dates.

SEE ALSO:
  - policy.go: Default ordering policies
  - waitlist.go: Position assignment and promotion over this stage's output
*/
package reconcile

// DateInput is the resolver's per-date input.
type DateInput struct {
	State DateAllotmentState
	// Candidates are the surviving candidates for this date, any order.
	Candidates []CandidateRequest
	// Override, when non-nil, is the administrator's full explicit ordering
	// for this date's candidates. It replaces the policy for this date only.
	Override []RequestID
	// Adjustment is the administrator's capacity choice for this date.
	Adjustment Adjustment
}

// ResolvedDate is the per-date output: the (possibly adjusted) state plus
// the accepted/waitlisted split in priority order. Positions come later.
type ResolvedDate struct {
	State      DateAllotmentState
	Accepted   []CandidateRequest
	Waitlisted []CandidateRequest
}

// ResolveDate applies adjustment, ordering, and acceptance for one date.
// Pure. An invalid date comes back with State.Err set and empty splits.
func ResolveDate(in DateInput, policy OrderingPolicy) ResolvedDate {
	st := in.State

	// 1. Apply the allotment adjustment.
	switch in.Adjustment.Kind {
	case "", AdjustKeep:
		st.Adjustment = Adjustment{Kind: AdjustKeep}
	case AdjustIncreaseToFit:
		st.Capacity = st.ExistingApproved + st.ExistingWaitlisted + st.IncomingDemand
		st.CapacitySource = RuleDailyOverride
		st.Adjustment = Adjustment{Kind: AdjustIncreaseToFit, Value: st.Capacity}
	case AdjustCustom:
		if in.Adjustment.Value < st.ExistingApproved {
			st.Err = &CapacityValidationError{
				Date:      st.Date,
				Requested: in.Adjustment.Value,
				Floor:     st.ExistingApproved,
			}
			return ResolvedDate{State: st}
		}
		st.Capacity = in.Adjustment.Value
		st.CapacitySource = RuleDailyOverride
		st.Adjustment = in.Adjustment
	}

	// 2. Order the candidates: manual override replaces the policy.
	var ordered []CandidateRequest
	if in.Override != nil {
		var err error
		ordered, err = applyOverride(st.Date, in.Candidates, in.Override)
		if err != nil {
			st.Err = err
			return ResolvedDate{State: st}
		}
	} else {
		ordered = SortCandidates(in.Candidates, policy)
	}

	// 3. Fill available capacity in priority order.
	available := st.Capacity - st.ExistingApproved - st.ExistingWaitlisted
	if available < 0 {
		available = 0
	}
	cut := min(available, len(ordered))
	st.OverAllotted = st.ExistingApproved+st.ExistingWaitlisted+st.IncomingDemand > st.Capacity

	return ResolvedDate{
		State:      st,
		Accepted:   ordered[:cut],
		Waitlisted: ordered[cut:],
	}
}

// applyOverride validates that the manual ordering covers exactly the
// date's candidate set and returns the candidates in that order.
func applyOverride(d Date, cands []CandidateRequest, order []RequestID) ([]CandidateRequest, error) {
	byID := make(map[RequestID]CandidateRequest, len(cands))
	for _, c := range cands {
		byID[c.ID] = c
	}

	oerr := &OrderingError{Date: d}
	seen := make(map[RequestID]bool, len(order))
	ordered := make([]CandidateRequest, 0, len(cands))
	for _, id := range order {
		c, ok := byID[id]
		if !ok || seen[id] {
			oerr.Unknown = append(oerr.Unknown, id)
			continue
		}
		seen[id] = true
		ordered = append(ordered, c)
	}
	for _, c := range cands {
		if !seen[c.ID] {
			oerr.Missing = append(oerr.Missing, c.ID)
		}
	}

	if len(oerr.Missing) > 0 || len(oerr.Unknown) > 0 {
		return nil, oerr
	}
	return ordered, nil
}
