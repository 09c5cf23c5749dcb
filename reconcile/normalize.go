/*
normalize.go - Stage 1: raw import rows to canonical candidates

PURPOSE:
  Import rows arrive as loose strings from whatever format the source
  system exported. This stage parses dates, leave types, and timestamps,
  resolves member identity against the division roster, and emits
  CandidateRequests ready for duplicate detection.

FAILURE SCOPE:
  A malformed row produces one RowError and no candidate; it never fails
  the batch. A row that parses but cannot be matched to a member becomes
  a candidate with MatchStatus unmatched - it is excluded from all
  capacity math until a human assigns a member or skips it.

PURITY:
  Pure transformation over the inputs. ID generation is injected via
  NormalizeOptions so runs are reproducible under test.

SEE ALSO:
  - member.go: The matcher this stage delegates identity to
  - duplicate.go: The next stage; consumes matched candidates only
*/
package reconcile

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NormalizeOptions tune one normalization pass. The zero value is usable:
// default matcher threshold, uuid request ids.
type NormalizeOptions struct {
	Matcher NameMatcher
	// NewID generates ids for candidates; they become the persisted row ids
	// if the candidate is accepted or waitlisted at commit.
	NewID func() RequestID
	// Assignments maps source rows to members chosen by a human after an
	// unmatched verdict. Applied before the matcher runs.
	Assignments map[int]MemberID
	// Skips marks source rows a human excluded from the run entirely.
	Skips map[int]bool
}

func (o NormalizeOptions) newID() RequestID {
	if o.NewID != nil {
		return o.NewID()
	}
	return RequestID(uuid.NewString())
}

// NormalizeResult carries candidates and row-scoped failures side by side.
type NormalizeResult struct {
	Candidates []CandidateRequest
	RowErrors  []*RowError
	// Unmatched details every identity failure for the resolution UI,
	// including the ambiguous-candidates list when there was one.
	Unmatched []*MatchError
}

// UnresolvedRows lists rows still awaiting a human assign-or-skip decision.
func (r NormalizeResult) UnresolvedRows() []int {
	var rows []int
	for _, c := range r.Candidates {
		if c.MatchStatus == MatchUnmatched {
			rows = append(rows, c.Row)
		}
	}
	return rows
}

// Normalize converts raw import rows into candidates for one calendar.
// receivedAt stamps rows that carry no submission timestamp, so they order
// after rows that do.
func Normalize(cal Calendar, rows []ImportRow, pool []Member, receivedAt time.Time, opts NormalizeOptions) NormalizeResult {
	byID := make(map[MemberID]*Member, len(pool))
	for i := range pool {
		byID[pool[i].ID] = &pool[i]
	}

	var res NormalizeResult
	for _, row := range rows {
		// 1. Parse the typed fields; each failure rejects only this row.
		date, err := ParseDate(row.Date)
		if err != nil {
			res.RowErrors = append(res.RowErrors, &RowError{Row: row.Row, Field: "date", Value: row.Date, Err: ErrMalformedRow})
			continue
		}
		ltype, err := ParseLeaveType(row.Type)
		if err != nil {
			res.RowErrors = append(res.RowErrors, &RowError{Row: row.Row, Field: "type", Value: row.Type, Err: ErrMalformedRow})
			continue
		}
		status, err := parseStatusIntent(row.Status)
		if err != nil {
			res.RowErrors = append(res.RowErrors, &RowError{Row: row.Row, Field: "status", Value: row.Status, Err: ErrMalformedRow})
			continue
		}
		submitted := receivedAt
		if row.SubmittedAt != "" {
			submitted, err = ParseStamp(row.SubmittedAt)
			if err != nil {
				res.RowErrors = append(res.RowErrors, &RowError{Row: row.Row, Field: "timestamp", Value: row.SubmittedAt, Err: ErrMalformedRow})
				continue
			}
		}

		cand := CandidateRequest{
			LeaveRequest: LeaveRequest{
				ID:          opts.newID(),
				CalendarID:  cal.ID,
				Date:        date,
				Type:        ltype,
				Status:      status,
				Source:      SourceImport,
				SubmittedAt: submitted,
			},
			Row:     row.Row,
			RawName: row.Name,
			RawPIN:  row.PIN,
		}

		// 2. Human decisions recorded against the row win over matching.
		if opts.Skips[row.Row] {
			cand.MatchStatus = MatchSkipped
			res.Candidates = append(res.Candidates, cand)
			continue
		}
		if id, ok := opts.Assignments[row.Row]; ok {
			if m, known := byID[id]; known {
				cand.MemberID = m.ID
				cand.MatchStatus = MatchMatched
				res.Candidates = append(res.Candidates, cand)
				continue
			}
			// Assignment points at nobody on the roster; treat as still
			// unmatched rather than trusting a stale id.
			cand.MatchStatus = MatchUnmatched
			res.Unmatched = append(res.Unmatched, &MatchError{Row: row.Row, RawName: row.Name})
			res.Candidates = append(res.Candidates, cand)
			continue
		}

		// 3. Resolve identity: PIN first, then fuzzy name.
		outcome := opts.Matcher.Match(row.PIN, row.Name, pool)
		if outcome.Matched() {
			cand.MemberID = outcome.Member.ID
			cand.MatchStatus = MatchMatched
		} else {
			cand.MatchStatus = MatchUnmatched
			me := &MatchError{Row: row.Row, RawName: row.Name}
			for _, s := range outcome.Candidates {
				me.Candidates = append(me.Candidates, s.Member.ID)
			}
			res.Unmatched = append(res.Unmatched, me)
		}
		res.Candidates = append(res.Candidates, cand)
	}
	return res
}

// parseStatusIntent reads the imported record's status. Calendar exports of
// granted leave usually omit it, so empty means approved.
func parseStatusIntent(s string) (RequestStatus, error) {
	switch normalizeName(s) {
	case "", "approved", "granted":
		return StatusApproved, nil
	case "pending", "requested":
		return StatusPending, nil
	case "waitlisted", "waitlist":
		return StatusWaitlisted, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// ParseLeaveType maps raw leave-type codes onto the enumerated types.
// Accepts the short codes and the spelled-out names, case-insensitively.
func ParseLeaveType(s string) (LeaveType, error) {
	switch normalizeName(s) {
	case "pld", "personal leave day":
		return LeavePLD, nil
	case "sdv", "single day vacation":
		return LeaveSDV, nil
	default:
		return "", fmt.Errorf("unknown leave type %q", s)
	}
}
