/*
duplicate.go - Stage 2: classify candidates against stored requests

PURPOSE:
  A candidate that duplicates a stored active request must never count as
  new demand - it would inflate over-allotment detection and corrupt the
  waitlist math. This stage classifies every matched candidate before any
  capacity is evaluated.

CLASSIFICATION:
  unique               no stored active request with the same
                       (member, calendar, date, leave type)
  exact_duplicate      same key, same status intent; the default action is
                       skip - it is the same logical request already on file
  conflicting_duplicate same key, differing attributes; a human must pick
                       keep-database, keep-candidate, or merge before the
                       candidate participates in allotment calculation

RESOLUTION EFFECTS:
  keep-database   candidate is skipped, nothing changes
  keep-candidate  stored row is cancelled in the commit batch and the
                  candidate re-competes as new demand
  merge           stored row stays active; its submission timestamp is
                  amended to the earlier of the two

  Duplicates inside the batch itself (two rows, same key) are classified
  exact against the first occurrence, which proceeds alone.

SEE ALSO:
  - allotment.go: Consumes only surviving candidates
  - executor.go: Applies the cancel/amend decisions resolutions produce
*/
package reconcile

import "time"

// DuplicateResolution is the human decision for one conflicting duplicate,
// keyed by candidate id.
type DuplicateResolution string

const (
	ResolveKeepDatabase  DuplicateResolution = "keep-database"
	ResolveKeepCandidate DuplicateResolution = "keep-candidate"
	ResolveMerge         DuplicateResolution = "merge"
)

func (r DuplicateResolution) Valid() bool {
	return r == ResolveKeepDatabase || r == ResolveKeepCandidate || r == ResolveMerge
}

// DuplicateReport is the detector's output: candidates annotated with their
// verdicts plus the exclusion and side-effect sets downstream stages need.
type DuplicateReport struct {
	Candidates []CandidateRequest
	// Conflicts lists conflicting duplicates still awaiting resolution.
	Conflicts []*ConflictError
	// Excluded holds every candidate id that must not count as demand:
	// exact duplicates, keep-database and merge resolutions, and
	// unresolved conflicts.
	Excluded map[RequestID]bool
	// Cancels holds stored row ids retired by keep-candidate resolutions.
	Cancels map[RequestID]bool
	// Amends maps stored row ids to the earlier submission timestamp a
	// merge resolution adopted.
	Amends map[RequestID]time.Time
}

// Surviving returns the candidates that participate in capacity math:
// matched and not excluded.
func (r DuplicateReport) Surviving() []CandidateRequest {
	var out []CandidateRequest
	for _, c := range r.Candidates {
		if c.MatchStatus == MatchMatched && !r.Excluded[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

// DetectDuplicates classifies candidates against the stored active requests
// and applies any resolutions already recorded. Pure: inputs are never
// mutated; annotated copies are returned.
func DetectDuplicates(cands []CandidateRequest, existing []LeaveRequest, resolutions map[RequestID]DuplicateResolution) DuplicateReport {
	report := DuplicateReport{
		Excluded: make(map[RequestID]bool),
		Cancels:  make(map[RequestID]bool),
		Amends:   make(map[RequestID]time.Time),
	}

	stored := make(map[RequestKey]LeaveRequest, len(existing))
	for _, ex := range existing {
		if ex.Active() {
			stored[ex.Key()] = ex
		}
	}
	// First matched occurrence of each key within the batch itself.
	seen := make(map[RequestKey]RequestID, len(cands))

	report.Candidates = make([]CandidateRequest, 0, len(cands))
	for _, c := range cands {
		if c.MatchStatus != MatchMatched {
			// Unmatched and skipped rows pass through untouched; they are
			// already outside capacity math.
			report.Candidates = append(report.Candidates, c)
			continue
		}

		key := c.Key()

		// 1. Within-batch duplicate: same key as an earlier row. The first
		// row proceeds; repeats classify exact against it and skip.
		if firstID, dup := seen[key]; dup {
			c.DuplicateStatus = DupExact
			c.ExistingID = firstID
			report.Excluded[c.ID] = true
			report.Candidates = append(report.Candidates, c)
			continue
		}
		seen[key] = c.ID

		// 2. Compare against storage.
		ex, found := stored[key]
		if !found {
			c.DuplicateStatus = DupUnique
			report.Candidates = append(report.Candidates, c)
			continue
		}
		c.ExistingID = ex.ID

		if ex.Status == c.Status {
			c.DuplicateStatus = DupExact
			report.Excluded[c.ID] = true
			report.Candidates = append(report.Candidates, c)
			continue
		}

		// 3. Conflicting: same logical request, different attributes.
		c.DuplicateStatus = DupConflicting
		switch resolutions[c.ID] {
		case ResolveKeepDatabase:
			report.Excluded[c.ID] = true
		case ResolveKeepCandidate:
			// The stored row retires; the candidate re-competes as new
			// demand under the current ordering.
			report.Cancels[ex.ID] = true
		case ResolveMerge:
			report.Excluded[c.ID] = true
			if c.SubmittedAt.Before(ex.SubmittedAt) {
				report.Amends[ex.ID] = c.SubmittedAt
			}
		default:
			report.Excluded[c.ID] = true
			report.Conflicts = append(report.Conflicts, &ConflictError{
				CandidateID: c.ID,
				ExistingID:  ex.ID,
				Date:        c.Date,
			})
		}
		report.Candidates = append(report.Candidates, c)
	}
	return report
}
