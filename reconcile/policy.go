/*
policy.go - Priority ordering policies for over-allotment resolution

PURPOSE:
  When a date has more candidates than seats, somebody wins and somebody
  waits. The ordering that decides this is policy, not a hard-coded rule:
  locals differ on whether first-come-first-served or seniority governs
  allotment priority.

POLICIES:
  submission (default): submission timestamp ascending - the earliest
    request wins available capacity. Ties break by member id, then by
    source row, so the order is total and repeatable.
  seniority: roster seniority date ascending (longest-serving first),
    ties by member id.

  A manual per-date ordering supplied by an administrator replaces the
  policy entirely for that date (see resolve.go).

SEE ALSO:
  - resolve.go: Applies the policy per over-allotted date
  - config/: Selects the policy by name at startup
*/
package reconcile

import (
	"fmt"
	"sort"
)

// OrderingPolicy decides candidate priority within one date. Implementations
// must define a total order so resolution is deterministic.
type OrderingPolicy interface {
	Name() string
	Less(a, b CandidateRequest) bool
}

// =============================================================================
// SUBMISSION ORDER - Default: earliest request wins
// =============================================================================

type submissionOrder struct{}

// SubmissionOrder orders by submission timestamp ascending, ties by member
// id, then source row.
func SubmissionOrder() OrderingPolicy { return submissionOrder{} }

func (submissionOrder) Name() string { return "submission" }

func (submissionOrder) Less(a, b CandidateRequest) bool {
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	if a.MemberID != b.MemberID {
		return a.MemberID < b.MemberID
	}
	return a.Row < b.Row
}

// =============================================================================
// SENIORITY ORDER - Longest-serving member wins
// =============================================================================

type seniorityOrder struct {
	seniority map[MemberID]Date
}

// SeniorityOrder orders by roster seniority date ascending. Members missing
// from the roster snapshot sort last, then by member id, then row.
func SeniorityOrder(roster []Member) OrderingPolicy {
	idx := make(map[MemberID]Date, len(roster))
	for _, m := range roster {
		idx[m.ID] = m.SeniorityDate
	}
	return seniorityOrder{seniority: idx}
}

func (seniorityOrder) Name() string { return "seniority" }

func (p seniorityOrder) Less(a, b CandidateRequest) bool {
	sa, oka := p.seniority[a.MemberID]
	sb, okb := p.seniority[b.MemberID]
	switch {
	case oka && !okb:
		return true
	case !oka && okb:
		return false
	case oka && okb && sa != sb:
		return sa.Before(sb)
	}
	if a.MemberID != b.MemberID {
		return a.MemberID < b.MemberID
	}
	return a.Row < b.Row
}

// =============================================================================
// SELECTION & SORTING
// =============================================================================

// PolicyByName builds the named policy. The roster is only consulted by
// seniority ordering.
func PolicyByName(name string, roster []Member) (OrderingPolicy, error) {
	switch name {
	case "", "submission":
		return SubmissionOrder(), nil
	case "seniority":
		return SeniorityOrder(roster), nil
	default:
		return nil, fmt.Errorf("unknown ordering policy %q", name)
	}
}

// SortCandidates returns a new slice ordered by the policy; the input is
// left untouched.
func SortCandidates(cands []CandidateRequest, policy OrderingPolicy) []CandidateRequest {
	out := make([]CandidateRequest, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool { return policy.Less(out[i], out[j]) })
	return out
}
