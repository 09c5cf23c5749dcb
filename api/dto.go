/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

CONVENTIONS:
  Calendar days are ISO strings ("2006-01-02"); timestamps are RFC3339.
  Optional fields carry omitempty and render as absent, not zero.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - reconcile/types.go: The domain types these mirror
*/
package api

import (
	"sort"
	"time"

	"github.com/unionhall/allotment-engine/reconcile"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// CalendarDTO represents a leave calendar.
type CalendarDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Division string `json:"division,omitempty"`
	Active   bool   `json:"active"`
}

// MemberDTO represents a roster member.
type MemberDTO struct {
	ID            string `json:"id"`
	PIN           string `json:"pin,omitempty"`
	Name          string `json:"name"`
	Division      string `json:"division,omitempty"`
	SeniorityDate string `json:"seniority_date,omitempty"`
}

// RequestDTO represents a stored leave request.
type RequestDTO struct {
	ID               string `json:"id"`
	MemberID         string `json:"member_id"`
	CalendarID       string `json:"calendar_id"`
	Date             string `json:"date"`
	LeaveType        string `json:"leave_type"`
	Status           string `json:"status"`
	WaitlistPosition int    `json:"waitlist_position,omitempty"`
	Source           string `json:"source"`
	SubmittedAt      string `json:"submitted_at"`
	RespondedAt      string `json:"responded_at,omitempty"`
}

// RuleDTO represents an allotment rule.
type RuleDTO struct {
	CalendarID   string `json:"calendar_id"`
	Date         string `json:"date"`
	MaxAllotment int    `json:"max_allotment"`
	Source       string `json:"source"`
}

// RunDTO summarizes a reconciliation run, live or persisted.
type RunDTO struct {
	ID         string `json:"id"`
	CalendarID string `json:"calendar_id"`
	Stage      string `json:"stage"`
	Policy     string `json:"policy"`
	Actor      string `json:"actor,omitempty"`

	Rows       int `json:"rows"`
	Candidates int `json:"candidates"`
	Unmatched  int `json:"unmatched"`
	Conflicts  int `json:"conflicts"`
	Dates      int `json:"dates"`

	Applied int `json:"applied"`
	NoOps   int `json:"noops"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`

	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	CommittedAt string `json:"committed_at,omitempty"`

	// Live marks a run still in the registry: its detail view and edit
	// endpoints work. Expired runs keep only this summary.
	Live bool `json:"live"`
}

// RunDetailDTO is the stage-aware view of a live run.
type RunDetailDTO struct {
	RunDTO
	Normalize  *NormalizeReportDTO `json:"normalize,omitempty"`
	Duplicates *DuplicateViewDTO   `json:"duplicates,omitempty"`
	DateStates []DateStateDTO      `json:"date_states,omitempty"`
	Result     *ExecResultDTO      `json:"result,omitempty"`
}

// CandidateDTO represents one run-scoped candidate request.
type CandidateDTO struct {
	ID              string `json:"id"`
	Row             int    `json:"row"`
	RawName         string `json:"raw_name"`
	RawPIN          string `json:"raw_pin,omitempty"`
	MemberID        string `json:"member_id,omitempty"`
	Date            string `json:"date"`
	LeaveType       string `json:"leave_type"`
	StatusIntent    string `json:"status_intent"`
	SubmittedAt     string `json:"submitted_at"`
	MatchStatus     string `json:"match_status"`
	DuplicateStatus string `json:"duplicate_status,omitempty"`
	ExistingID      string `json:"existing_id,omitempty"`
}

// RowErrorDTO scopes a parse failure to one import row.
type RowErrorDTO struct {
	Row    int    `json:"row"`
	Field  string `json:"field"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// UnmatchedDTO details one identity failure for the resolution UI.
type UnmatchedDTO struct {
	Row        int      `json:"row"`
	RawName    string   `json:"raw_name"`
	Candidates []string `json:"candidates,omitempty"` // member ids, best first
}

// NormalizeReportDTO is the stage 1 output.
type NormalizeReportDTO struct {
	Candidates     []CandidateDTO `json:"candidates"`
	RowErrors      []RowErrorDTO  `json:"row_errors"`
	Unmatched      []UnmatchedDTO `json:"unmatched"`
	UnresolvedRows []int          `json:"unresolved_rows"`
}

// ConflictDTO is one conflicting duplicate awaiting resolution.
type ConflictDTO struct {
	CandidateID string `json:"candidate_id"`
	ExistingID  string `json:"existing_id"`
	Date        string `json:"date"`
}

// DuplicateViewDTO is the stage 2 output.
type DuplicateViewDTO struct {
	Candidates []CandidateDTO    `json:"candidates"`
	Conflicts  []ConflictDTO     `json:"conflicts"`
	Excluded   []string          `json:"excluded,omitempty"`
	Cancels    []string          `json:"cancels,omitempty"`
	Amends     map[string]string `json:"amends,omitempty"`
}

// AdjustmentDTO is the admin's capacity choice for one date.
type AdjustmentDTO struct {
	Kind  string `json:"kind"`
	Value int    `json:"value,omitempty"`
}

// DecisionDTO is one planned or applied decision.
type DecisionDTO struct {
	RequestID string `json:"request_id"`
	MemberID  string `json:"member_id"`
	Date      string `json:"date"`
	LeaveType string `json:"leave_type"`
	Kind      string `json:"kind"`
	Position  int    `json:"position,omitempty"`
	New       bool   `json:"new,omitempty"`
}

// DateStateDTO is the per-date review picture.
type DateStateDTO struct {
	Date           string         `json:"date"`
	Capacity       int            `json:"capacity"`
	CapacitySource string         `json:"capacity_source"`
	Adjustment     *AdjustmentDTO `json:"adjustment,omitempty"`

	ExistingApproved   int  `json:"existing_approved"`
	ExistingWaitlisted int  `json:"existing_waitlisted"`
	IncomingDemand     int  `json:"incoming_demand"`
	OverAllotted       bool `json:"over_allotted"`

	Entries []DecisionDTO `json:"entries,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// ItemFailureDTO scopes an apply error to one decision.
type ItemFailureDTO struct {
	RequestID string `json:"request_id"`
	MemberID  string `json:"member_id"`
	Date      string `json:"date"`
	Kind      string `json:"kind"`
	Error     string `json:"error"`
}

// DateFailureDTO scopes an apply error to one rolled-back date.
type DateFailureDTO struct {
	Date  string `json:"date"`
	Error string `json:"error"`
}

// NotificationDTO is one outbound "your request changed" event.
type NotificationDTO struct {
	MemberID   string `json:"member_id"`
	CalendarID string `json:"calendar_id"`
	Date       string `json:"date"`
	Kind       string `json:"kind"`
	Position   int    `json:"position,omitempty"`
}

// ExecResultDTO summarizes a commit or promotion.
type ExecResultDTO struct {
	Applied int `json:"applied"`
	NoOps   int `json:"noops"`
	Skipped int `json:"skipped"`

	ItemFailures  []ItemFailureDTO  `json:"item_failures,omitempty"`
	DateFailures  []DateFailureDTO  `json:"date_failures,omitempty"`
	Notifications []NotificationDTO `json:"notifications,omitempty"`
}

// DecisionLogDTO is one audit log entry.
type DecisionLogDTO struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id,omitempty"`
	RequestID string `json:"request_id"`
	MemberID  string `json:"member_id"`
	Date      string `json:"date"`
	Kind      string `json:"kind"`
	Position  int    `json:"position,omitempty"`
	Actor     string `json:"actor,omitempty"`
	Detail    string `json:"detail,omitempty"`
	At        string `json:"at"`
}

// DateDetailDTO is the standing picture for one calendar day.
type DateDetailDTO struct {
	CalendarID     string       `json:"calendar_id"`
	Date           string       `json:"date"`
	Capacity       int          `json:"capacity"`
	CapacitySource string       `json:"capacity_source"`
	Approved       int          `json:"approved"`
	Waitlisted     int          `json:"waitlisted"`
	Requests       []RequestDTO `json:"requests"`
}

// CreateCalendarRequest creates a calendar.
type CreateCalendarRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Division string `json:"division,omitempty"`
	Active   *bool  `json:"active,omitempty"` // defaults to true
}

// CreateMemberRequest creates or replaces a roster member.
type CreateMemberRequest struct {
	ID            string `json:"id,omitempty"` // defaults to pin
	PIN           string `json:"pin,omitempty"`
	Name          string `json:"name"`
	Division      string `json:"division,omitempty"`
	SeniorityDate string `json:"seniority_date,omitempty"`
}

// CreateRunRequest starts a reconciliation run.
type CreateRunRequest struct {
	CalendarID string `json:"calendar_id"`
	Actor      string `json:"actor,omitempty"`
	Policy     string `json:"policy,omitempty"`
}

// ImportRowDTO is one loosely-typed import record.
type ImportRowDTO struct {
	Row         int    `json:"row,omitempty"`
	Name        string `json:"name"`
	PIN         string `json:"pin,omitempty"`
	Date        string `json:"date"`
	LeaveType   string `json:"leave_type"`
	Status      string `json:"status,omitempty"`
	SubmittedAt string `json:"submitted_at,omitempty"`
}

// UploadRowsRequest loads an import batch into a run.
type UploadRowsRequest struct {
	Rows []ImportRowDTO `json:"rows"`
}

// AssignRowRequest resolves one unmatched row to a member.
type AssignRowRequest struct {
	Row      int    `json:"row"`
	MemberID string `json:"member_id"`
}

// SkipRowRequest excludes one row from the run.
type SkipRowRequest struct {
	Row int `json:"row"`
}

// ResolveConflictRequest decides one conflicting duplicate.
type ResolveConflictRequest struct {
	Resolution string `json:"resolution"` // keep-database, keep-candidate, merge
}

// SetPolicyRequest changes the run's ordering policy.
type SetPolicyRequest struct {
	Policy string `json:"policy"` // submission or seniority
}

// SetAdjustmentRequest sets a date's capacity choice.
type SetAdjustmentRequest struct {
	Kind  string `json:"kind"` // keep, increase-to-fit, custom
	Value int    `json:"value,omitempty"`
}

// SetOrderingRequest replaces a date's candidate ordering. A null
// request_ids restores the policy ordering.
type SetOrderingRequest struct {
	RequestIDs *[]string `json:"request_ids"`
}

// UpsertRuleRequest writes one allotment rule.
type UpsertRuleRequest struct {
	Date         string `json:"date"`
	MaxAllotment int    `json:"max_allotment"`
	Source       string `json:"source,omitempty"` // defaults to daily_override
}

// PromoteRequest triggers waitlist promotion for one date.
type PromoteRequest struct {
	Actor string `json:"actor,omitempty"`
}

// RosterUploadResponse reports a roster sync.
type RosterUploadResponse struct {
	Loaded int `json:"loaded"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toCalendarDTO(c reconcile.Calendar) CalendarDTO {
	return CalendarDTO{ID: string(c.ID), Name: c.Name, Division: c.Division, Active: c.Active}
}

func toMemberDTO(m reconcile.Member) MemberDTO {
	dto := MemberDTO{
		ID:       string(m.ID),
		PIN:      m.PIN,
		Name:     m.Name,
		Division: m.Division,
	}
	if !m.SeniorityDate.IsZero() {
		dto.SeniorityDate = m.SeniorityDate.String()
	}
	return dto
}

func toRequestDTO(r reconcile.LeaveRequest) RequestDTO {
	return RequestDTO{
		ID:               string(r.ID),
		MemberID:         string(r.MemberID),
		CalendarID:       string(r.CalendarID),
		Date:             r.Date.String(),
		LeaveType:        string(r.Type),
		Status:           string(r.Status),
		WaitlistPosition: r.WaitlistPosition,
		Source:           string(r.Source),
		SubmittedAt:      fmtTime(r.SubmittedAt),
		RespondedAt:      fmtTime(r.RespondedAt),
	}
}

func toRequestDTOs(rows []reconcile.LeaveRequest) []RequestDTO {
	dtos := make([]RequestDTO, len(rows))
	for i, r := range rows {
		dtos[i] = toRequestDTO(r)
	}
	return dtos
}

func toRuleDTO(r reconcile.AllotmentRule) RuleDTO {
	return RuleDTO{
		CalendarID:   string(r.CalendarID),
		Date:         r.Date.String(),
		MaxAllotment: r.MaxAllotment,
		Source:       string(r.Source),
	}
}

func toRunDTO(rec reconcile.RunRecord, live bool) RunDTO {
	return RunDTO{
		ID:          string(rec.ID),
		CalendarID:  string(rec.CalendarID),
		Stage:       string(rec.Stage),
		Policy:      rec.Policy,
		Actor:       rec.Actor,
		Rows:        rec.Rows,
		Candidates:  rec.Candidates,
		Unmatched:   rec.Unmatched,
		Conflicts:   rec.Conflicts,
		Dates:       rec.Dates,
		Applied:     rec.Applied,
		NoOps:       rec.NoOps,
		Skipped:     rec.Skipped,
		Failed:      rec.Failed,
		CreatedAt:   fmtTime(rec.CreatedAt),
		UpdatedAt:   fmtTime(rec.UpdatedAt),
		CommittedAt: fmtTime(rec.CommittedAt),
		Live:        live,
	}
}

func toCandidateDTO(c reconcile.CandidateRequest) CandidateDTO {
	return CandidateDTO{
		ID:              string(c.ID),
		Row:             c.Row,
		RawName:         c.RawName,
		RawPIN:          c.RawPIN,
		MemberID:        string(c.MemberID),
		Date:            c.Date.String(),
		LeaveType:       string(c.Type),
		StatusIntent:    string(c.Status),
		SubmittedAt:     fmtTime(c.SubmittedAt),
		MatchStatus:     string(c.MatchStatus),
		DuplicateStatus: string(c.DuplicateStatus),
		ExistingID:      string(c.ExistingID),
	}
}

func toNormalizeReportDTO(res reconcile.NormalizeResult) *NormalizeReportDTO {
	dto := &NormalizeReportDTO{
		Candidates:     make([]CandidateDTO, len(res.Candidates)),
		RowErrors:      make([]RowErrorDTO, len(res.RowErrors)),
		Unmatched:      make([]UnmatchedDTO, len(res.Unmatched)),
		UnresolvedRows: res.UnresolvedRows(),
	}
	for i, c := range res.Candidates {
		dto.Candidates[i] = toCandidateDTO(c)
	}
	for i, re := range res.RowErrors {
		dto.RowErrors[i] = RowErrorDTO{Row: re.Row, Field: re.Field, Value: re.Value, Reason: re.Err.Error()}
	}
	for i, me := range res.Unmatched {
		u := UnmatchedDTO{Row: me.Row, RawName: me.RawName}
		for _, id := range me.Candidates {
			u.Candidates = append(u.Candidates, string(id))
		}
		dto.Unmatched[i] = u
	}
	return dto
}

func toDuplicateViewDTO(rep reconcile.DuplicateReport) *DuplicateViewDTO {
	dto := &DuplicateViewDTO{
		Candidates: make([]CandidateDTO, len(rep.Candidates)),
		Conflicts:  make([]ConflictDTO, len(rep.Conflicts)),
	}
	for i, c := range rep.Candidates {
		dto.Candidates[i] = toCandidateDTO(c)
	}
	for i, conf := range rep.Conflicts {
		dto.Conflicts[i] = ConflictDTO{
			CandidateID: string(conf.CandidateID),
			ExistingID:  string(conf.ExistingID),
			Date:        conf.Date.String(),
		}
	}
	for id := range rep.Excluded {
		dto.Excluded = append(dto.Excluded, string(id))
	}
	sort.Strings(dto.Excluded)
	for id := range rep.Cancels {
		dto.Cancels = append(dto.Cancels, string(id))
	}
	sort.Strings(dto.Cancels)
	if len(rep.Amends) > 0 {
		dto.Amends = make(map[string]string, len(rep.Amends))
		for id, ts := range rep.Amends {
			dto.Amends[string(id)] = fmtTime(ts)
		}
	}
	return dto
}

func toDecisionDTO(d reconcile.Decision) DecisionDTO {
	return DecisionDTO{
		RequestID: string(d.RequestID),
		MemberID:  string(d.MemberID),
		Date:      d.Date.String(),
		LeaveType: string(d.Type),
		Kind:      string(d.Kind),
		Position:  d.Position,
		New:       d.New,
	}
}

func toDateStateDTO(st reconcile.DateAllotmentState) DateStateDTO {
	dto := DateStateDTO{
		Date:               st.Date.String(),
		Capacity:           st.Capacity,
		CapacitySource:     string(st.CapacitySource),
		ExistingApproved:   st.ExistingApproved,
		ExistingWaitlisted: st.ExistingWaitlisted,
		IncomingDemand:     st.IncomingDemand,
		OverAllotted:       st.OverAllotted,
	}
	if st.Adjustment.Kind != "" && st.Adjustment.Kind != reconcile.AdjustKeep {
		dto.Adjustment = &AdjustmentDTO{Kind: string(st.Adjustment.Kind), Value: st.Adjustment.Value}
	}
	for _, e := range st.Entries {
		dto.Entries = append(dto.Entries, toDecisionDTO(e))
	}
	if st.Err != nil {
		dto.Error = st.Err.Error()
	}
	return dto
}

func toDateStateDTOs(states []reconcile.DateAllotmentState) []DateStateDTO {
	dtos := make([]DateStateDTO, len(states))
	for i, st := range states {
		dtos[i] = toDateStateDTO(st)
	}
	return dtos
}

func toExecResultDTO(res *reconcile.ExecResult) *ExecResultDTO {
	if res == nil {
		return nil
	}
	dto := &ExecResultDTO{Applied: res.Applied, NoOps: res.NoOps, Skipped: res.Skipped}
	for _, f := range res.Items {
		dto.ItemFailures = append(dto.ItemFailures, ItemFailureDTO{
			RequestID: string(f.Decision.RequestID),
			MemberID:  string(f.Decision.MemberID),
			Date:      f.Decision.Date.String(),
			Kind:      string(f.Decision.Kind),
			Error:     f.Err.Error(),
		})
	}
	for _, f := range res.Dates {
		dto.DateFailures = append(dto.DateFailures, DateFailureDTO{Date: f.Date.String(), Error: f.Err.Error()})
	}
	for _, n := range res.Notifications {
		dto.Notifications = append(dto.Notifications, NotificationDTO{
			MemberID:   string(n.MemberID),
			CalendarID: string(n.CalendarID),
			Date:       n.Date.String(),
			Kind:       string(n.Kind),
			Position:   n.Position,
		})
	}
	return dto
}

func toDecisionLogDTOs(entries []reconcile.DecisionLogEntry) []DecisionLogDTO {
	dtos := make([]DecisionLogDTO, len(entries))
	for i, e := range entries {
		dtos[i] = DecisionLogDTO{
			ID:        e.ID,
			RunID:     string(e.RunID),
			RequestID: string(e.RequestID),
			MemberID:  string(e.MemberID),
			Date:      e.Date.String(),
			Kind:      string(e.Kind),
			Position:  e.Position,
			Actor:     e.Actor,
			Detail:    e.Detail,
			At:        fmtTime(e.At),
		}
	}
	return dtos
}

func toImportRows(dtos []ImportRowDTO) []reconcile.ImportRow {
	rows := make([]reconcile.ImportRow, len(dtos))
	for i, d := range dtos {
		row := d.Row
		if row == 0 {
			row = i + 1
		}
		rows[i] = reconcile.ImportRow{
			Row:         row,
			Name:        d.Name,
			PIN:         d.PIN,
			Date:        d.Date,
			Type:        d.LeaveType,
			Status:      d.Status,
			SubmittedAt: d.SubmittedAt,
		}
	}
	return rows
}
