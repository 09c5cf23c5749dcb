/*
errors.go - Centralized error types for the reconciliation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is/errors.As; the structured types carry the
  row, date, or item the failure is scoped to.

ERROR CATEGORIES:
  1. Identity errors   - Unmatched or ambiguous member resolution
  2. Parse errors      - Malformed import rows (row-scoped, never batch-fatal)
  3. Duplicate errors  - Conflicting duplicates awaiting a human decision
  4. Capacity errors   - Invalid custom allotments, incomplete orderings
  5. Concurrency errors- Commit-time capacity re-check failures
  6. Stage errors      - Run operations invoked out of wizard order

USAGE:
  if errors.Is(err, reconcile.ErrCapacityBelowAccepted) {
      var cve *reconcile.CapacityValidationError
      errors.As(err, &cve)
      // cve.Date, cve.Requested, cve.Floor
  }

SEE ALSO:
  - run.go: Stage gating returns StageError
  - executor.go: Per-item failures wrap these errors
*/
package reconcile

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnmatchedMember is returned when no roster member matches an
	// import row's identity fields.
	ErrUnmatchedMember = errors.New("member could not be matched")

	// ErrAmbiguousMember is returned when fuzzy matching finds more than
	// one plausible roster member for a row.
	ErrAmbiguousMember = errors.New("multiple roster members match")

	// ErrMalformedRow is returned when an import row's date, type, or
	// timestamp cannot be parsed. Always scoped to the single row.
	ErrMalformedRow = errors.New("malformed import row")

	// ErrUnresolvedConflict is returned when a conflicting duplicate still
	// awaits a keep-database / keep-candidate / merge decision.
	ErrUnresolvedConflict = errors.New("conflicting duplicate requires resolution")

	// ErrCapacityBelowAccepted is returned when a custom allotment is set
	// below demand that is already accepted. Capacity can never drop under
	// seats already granted.
	ErrCapacityBelowAccepted = errors.New("custom allotment below accepted demand")

	// ErrIncompleteOrdering is returned when a manual ordering for a date
	// omits or invents candidates. The date never proceeds partially.
	ErrIncompleteOrdering = errors.New("manual ordering does not cover the date's candidates")

	// ErrConcurrentModification is returned when the commit-time capacity
	// re-check detects that another writer changed a date's demand or
	// capacity. Recoverable by re-running the pipeline for that date.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateActiveRequest is returned when storage rejects a write
	// that would create a second active request for one (member, calendar,
	// date, leave type).
	ErrDuplicateActiveRequest = errors.New("active request already exists for member and date")

	// ErrStageOrder is returned when a run operation is invoked outside
	// the stage that permits it.
	ErrStageOrder = errors.New("operation not valid in current run stage")

	// ErrRequestNotFound is returned when a referenced request row doesn't exist.
	ErrRequestNotFound = errors.New("request not found")

	// ErrCalendarNotFound is returned when a referenced calendar doesn't exist.
	ErrCalendarNotFound = errors.New("calendar not found")

	// ErrMemberNotFound is returned when a referenced roster member doesn't exist.
	ErrMemberNotFound = errors.New("member not found")

	// ErrRunNotFound is returned when a referenced reconciliation run doesn't exist.
	ErrRunNotFound = errors.New("reconciliation run not found")

	// ErrStoreRequired is returned when an operation needs transactional
	// storage but was handed a plain Store.
	ErrStoreRequired = errors.New("operation requires transactional store")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RowError scopes a normalization failure to one import row.
type RowError struct {
	Row   int
	Field string // "date", "type", "timestamp", "member"
	Value string
	Err   error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %s %q: %v", e.Row, e.Field, e.Value, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// MatchError details an identity failure: zero or multiple roster hits.
type MatchError struct {
	Row        int
	RawName    string
	Candidates []MemberID // non-empty when the match was ambiguous
}

func (e *MatchError) Error() string {
	if len(e.Candidates) > 0 {
		return fmt.Sprintf("row %d: name %q matches %d roster members", e.Row, e.RawName, len(e.Candidates))
	}
	return fmt.Sprintf("row %d: name %q matches no roster member", e.Row, e.RawName)
}

func (e *MatchError) Unwrap() error {
	if len(e.Candidates) > 0 {
		return ErrAmbiguousMember
	}
	return ErrUnmatchedMember
}

// ConflictError details a conflicting duplicate awaiting resolution.
type ConflictError struct {
	CandidateID RequestID
	ExistingID  RequestID
	Date        Date
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("candidate %s conflicts with stored request %s on %s", e.CandidateID, e.ExistingID, e.Date)
}

func (e *ConflictError) Unwrap() error { return ErrUnresolvedConflict }

// CapacityValidationError details a rejected custom allotment.
type CapacityValidationError struct {
	Date      Date
	Requested int
	Floor     int // seats already accepted for the date
}

func (e *CapacityValidationError) Error() string {
	return fmt.Sprintf("custom allotment %d for %s below accepted demand %d", e.Requested, e.Date, e.Floor)
}

func (e *CapacityValidationError) Unwrap() error { return ErrCapacityBelowAccepted }

// OrderingError details an invalid manual ordering for a date.
type OrderingError struct {
	Date    Date
	Missing []RequestID // candidates the ordering omitted
	Unknown []RequestID // ids the ordering named that aren't candidates
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("ordering for %s: %d candidates missing, %d unknown ids", e.Date, len(e.Missing), len(e.Unknown))
}

func (e *OrderingError) Unwrap() error { return ErrIncompleteOrdering }

// CapacityConflictError details a commit-time re-check failure for a date.
type CapacityConflictError struct {
	Date     Date
	Capacity int
	Approved int // approved rows found at commit time
	Planned  int // accepts the batch wanted to add
}

func (e *CapacityConflictError) Error() string {
	return fmt.Sprintf("capacity re-check failed for %s: %d approved + %d planned > capacity %d",
		e.Date, e.Approved, e.Planned, e.Capacity)
}

func (e *CapacityConflictError) Unwrap() error { return ErrConcurrentModification }

// StageError reports a run operation attempted in the wrong stage.
type StageError struct {
	Op       string
	Current  Stage
	Required Stage
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s requires stage %s, run is at %s", e.Op, e.Required, e.Current)
}

func (e *StageError) Unwrap() error { return ErrStageOrder }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry with a fresh
// snapshot.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid caller input
// and human resolution is the fix.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnmatchedMember) ||
		errors.Is(err, ErrAmbiguousMember) ||
		errors.Is(err, ErrMalformedRow) ||
		errors.Is(err, ErrUnresolvedConflict) ||
		errors.Is(err, ErrCapacityBelowAccepted) ||
		errors.Is(err, ErrIncompleteOrdering) ||
		errors.Is(err, ErrStageOrder)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRequestNotFound) ||
		errors.Is(err, ErrCalendarNotFound) ||
		errors.Is(err, ErrMemberNotFound) ||
		errors.Is(err, ErrRunNotFound)
}
