/*
handlers.go - HTTP API handlers for the allotment reconciliation engine

PURPOSE:
  Exposes calendars, requests, the member roster, and the reconciliation
  run wizard via REST. Handles HTTP request/response, JSON serialization,
  and delegates to the engine in reconcile/.

ENDPOINTS:
  Runs (the reconciliation wizard):
    GET    /api/runs                    List runs (persisted + live)
    POST   /api/runs                    Start a run for a calendar
    GET    /api/runs/{id}               Stage-aware run detail
    DELETE /api/runs/{id}               Abandon a live run
    POST   /api/runs/{id}/rows          Load (or reload) the import batch
    POST   /api/runs/{id}/assign        Assign an unmatched row to a member
    POST   /api/runs/{id}/skip          Skip a row
    POST   /api/runs/{id}/advance       Advance one stage
    POST   /api/runs/{id}/conflicts/{candidate}  Resolve a duplicate conflict
    PUT    /api/runs/{id}/policy        Switch the ordering policy
    PUT    /api/runs/{id}/dates/{date}/adjustment  Set a capacity decision
    PUT    /api/runs/{id}/dates/{date}/ordering    Set a manual ordering
    POST   /api/runs/{id}/commit        Apply the final states
    GET    /api/runs/{id}/decisions     Audit log entries for a run

  Calendars:
    GET    /api/calendars               List calendars
    POST   /api/calendars               Create calendar
    GET    /api/calendars/{id}          Get calendar
    GET    /api/calendars/{id}/rules    Allotment rules in a window
    PUT    /api/calendars/{id}/rules    Upsert one rule
    GET    /api/calendars/{id}/requests Active requests in a window
    GET    /api/calendars/{id}/dates/{date}          Standing state of a day
    POST   /api/calendars/{id}/dates/{date}/promote  Promote the waitlist

  Requests:
    GET    /api/requests/{id}           Get one leave request
    GET    /api/requests/{id}/decisions Audit log entries for a request

  Members:
    GET    /api/members                 List roster members
    POST   /api/members                 Create or replace a member
    POST   /api/members/roster          Upload a roster CSV

  Scenarios:
    GET    /api/scenarios               List demo scenarios
    POST   /api/scenarios/load          Load a demo scenario

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Persistent storage (requests, rules, runs, audit log)
  - Roster: Member directory, normally the cached wrapper
  - Registry: Live runs in progress

  Runs live in the Registry until committed or expired; only the
  RunRecord summary and the decision log persist. Every run edit
  endpoint resolves {id} through the registry and fails with 404 once
  the run has aged out.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found, expired run
  - 409: Stage violations, unresolved conflicts, duplicate requests
  - 500: Storage and other internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.
  The actor strings recorded in runs and the audit log are client-supplied.

SEE ALSO:
  - dto.go: Request/response data structures
  - registry.go: Live run tracking
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/unionhall/allotment-engine/reconcile"
	"github.com/unionhall/allotment-engine/roster"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Storage is everything the handlers need from persistence. Both SQL
// backends and the in-memory store satisfy it.
type Storage interface {
	reconcile.TxStore
	reconcile.MemberStore
	reconcile.RunStore
	reconcile.HistoryStore

	// Reset clears all data. Used by scenario loads and tests.
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    Storage
	Roster   reconcile.MemberStore
	Registry *Registry

	// DefaultPolicy and Matcher seed new runs. NewHandler sets engine
	// defaults; main overrides them from config.
	DefaultPolicy string
	Matcher       reconcile.NameMatcher

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a handler. The roster argument is usually the
// cached wrapper around the same store.
func NewHandler(store Storage, members reconcile.MemberStore, registry *Registry) *Handler {
	return &Handler{
		Store:         store,
		Roster:        members,
		Registry:      registry,
		DefaultPolicy: "submission",
		Matcher:       reconcile.NewNameMatcher(),
	}
}

// source builds the snapshot source runs read from: persistent storage
// for requests and rules, the (cached) roster for members.
func (h *Handler) source() reconcile.SnapshotSource {
	return reconcile.StoreSource{Store: h.Store, Members: h.Roster}
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// ListRuns returns persisted run records merged with live runs that have
// not committed yet. Live state wins for runs present in both.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	cal := reconcile.CalendarID(r.URL.Query().Get("calendar_id"))

	records, err := h.Store.ListRunRecords(r.Context(), cal)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}

	type row struct {
		rec  reconcile.RunRecord
		live bool
	}

	live := make(map[reconcile.RunID]reconcile.RunRecord)
	for _, run := range h.Registry.Live() {
		rec := run.Record()
		live[rec.ID] = rec
	}

	rows := make([]row, 0, len(records)+len(live))
	for _, rec := range records {
		if fresh, ok := live[rec.ID]; ok {
			rec = fresh
			delete(live, rec.ID)
			rows = append(rows, row{rec: rec, live: true})
			continue
		}
		rows = append(rows, row{rec: rec})
	}
	// Uncommitted runs have no persisted record yet.
	for _, rec := range live {
		if cal != "" && rec.CalendarID != cal {
			continue
		}
		rows = append(rows, row{rec: rec, live: true})
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].rec.CreatedAt.After(rows[j].rec.CreatedAt)
	})

	dtos := make([]RunDTO, len(rows))
	for i, rw := range rows {
		dtos[i] = toRunDTO(rw.rec, rw.live)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateRun starts a reconciliation run for one calendar.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.CalendarID == "" {
		writeError(w, http.StatusBadRequest, "calendar_id is required", nil)
		return
	}

	cal, err := h.Store.GetCalendar(r.Context(), reconcile.CalendarID(req.CalendarID))
	if err != nil {
		writeEngineError(w, "Failed to load calendar", err)
		return
	}

	policy := req.Policy
	if policy == "" {
		policy = h.DefaultPolicy
	}
	if _, err := reconcile.PolicyByName(policy, nil); err != nil {
		writeError(w, http.StatusBadRequest, "Unknown ordering policy (use submission or seniority)", err)
		return
	}

	run := reconcile.NewRun(*cal, h.source(), reconcile.RunOptions{
		Actor:   req.Actor,
		Policy:  policy,
		Matcher: h.Matcher,
	})
	h.Registry.Put(run)

	writeJSON(w, http.StatusCreated, toRunDTO(run.Record(), true))
}

// GetRun returns the stage-aware detail for a live run, or the persisted
// summary once the run has expired from the registry.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := reconcile.RunID(chi.URLParam(r, "id"))

	if run, ok := h.Registry.Get(id); ok {
		writeJSON(w, http.StatusOK, h.runDetail(run))
		return
	}

	rec, err := h.Store.GetRunRecord(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to load run", err)
		return
	}
	writeJSON(w, http.StatusOK, RunDetailDTO{RunDTO: toRunDTO(*rec, false)})
}

// AbandonRun drops a live run without committing anything.
func (h *Handler) AbandonRun(w http.ResponseWriter, r *http.Request) {
	id := reconcile.RunID(chi.URLParam(r, "id"))
	if !h.Registry.Remove(id) {
		writeError(w, http.StatusNotFound, "Run not found or expired", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "abandoned"})
}

// UploadRows loads (or reloads) the import batch into a run.
func (h *Handler) UploadRows(w http.ResponseWriter, r *http.Request) {
	run := h.liveRun(w, r)
	if run == nil {
		return
	}

	var req UploadRowsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "At least one row is required", nil)
		return
	}

	report, err := run.LoadRows(r.Context(), toImportRows(req.Rows))
	if err != nil {
		writeEngineError(w, "Failed to load rows", err)
		return
	}

	writeJSON(w, http.StatusOK, toNormalizeReportDTO(report))
}

// AssignRow resolves one unmatched row to a roster member.
func (h *Handler) AssignRow(w http.ResponseWriter, r *http.Request) {
	run := h.liveRun(w, r)
	if run == nil {
		return
	}

	var req AssignRowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.MemberID == "" {
		writeError(w, http.StatusBadRequest, "member_id is required", nil)
		return
	}

	if _, err := h.Roster.GetMember(r.Context(), reconcile.MemberID(req.MemberID)); err != nil {
		writeEngineError(w, "Failed to load member", err)
		return
	}

	if err := run.AssignMember(req.Row, reconcile.MemberID(req.MemberID)); err != nil {
		writeEditError(w, "Failed to assign row", err)
		return
	}
	writeJSON(w, http.StatusOK, toNormalizeReportDTO(run.NormalizeReport()))
}

// SkipRow excludes one row from the run.
func (h *Handler) SkipRow(w http.ResponseWriter, r *http.Request) {
	run := h.liveRun(w, r)
	if run == nil {
		return
	}

	var req SkipRowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := run.SkipRow(req.Row); err != nil {
		writeEditError(w, "Failed to skip row", err)
		return
	}
	writeJSON(w, http.StatusOK, toNormalizeReportDTO(run.NormalizeReport()))
}

// AdvanceRun moves the run forward one stage.
func (h *Handler) AdvanceRun(w http.ResponseWriter, r *http.Request) {
	run := h.liveRun(w, r)
	if run == nil {
		return
	}

	if err := run.Advance(r.Context()); err != nil {
		writeEngineError(w, "Cannot advance run", err)
		return
	}
	writeJSON(w, http.StatusOK, h.runDetail(run))
}

// ResolveConflict records the decision for one conflicting duplicate.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	run := h.liveRun(w, r)
	if run == nil {
		return
	}
	candidate := reconcile.RequestID(chi.URLParam(r, "candidate"))

	var req ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res := reconcile.DuplicateResolution(req.Resolution)
	if !res.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown resolution (use keep-database, keep-candidate, or merge)", nil)
		return
	}

	if err := run.ResolveConflict(candidate, res); err != nil {
		writeEditError(w, "Failed to resolve conflict", err)
		return
	}
	writeJSON(w, http.StatusOK, toDuplicateViewDTO(run.DuplicateView()))
}

// SetRunPolicy switches a run's ordering policy.
func (h *Handler) SetRunPolicy(w http.ResponseWriter, r *http.Request) {
	run := h.liveRun(w, r)
	if run == nil {
		return
	}

	var req SetPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := run.SetPolicy(req.Policy); err != nil {
		writeEditError(w, "Failed to set policy", err)
		return
	}
	writeJSON(w, http.StatusOK, h.runDetail(run))
}

// SetAdjustment records the capacity decision for one reviewed date.
func (h *Handler) SetAdjustment(w http.ResponseWriter, r *http.Request) {
	run := h.liveRun(w, r)
	if run == nil {
		return
	}
	day, ok := dateParam(w, r)
	if !ok {
		return
	}

	var req SetAdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	adj := reconcile.Adjustment{Kind: reconcile.AdjustmentKind(req.Kind), Value: req.Value}
	if err := run.SetAdjustment(day, adj); err != nil {
		writeEditError(w, "Failed to set adjustment", err)
		return
	}
	writeJSON(w, http.StatusOK, h.runDetail(run))
}

// SetOrdering replaces the candidate ordering for one date. A null
// request_ids restores the policy ordering.
func (h *Handler) SetOrdering(w http.ResponseWriter, r *http.Request) {
	run := h.liveRun(w, r)
	if run == nil {
		return
	}
	day, ok := dateParam(w, r)
	if !ok {
		return
	}

	var req SetOrderingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var ids []reconcile.RequestID
	if req.RequestIDs != nil {
		ids = make([]reconcile.RequestID, len(*req.RequestIDs))
		for i, s := range *req.RequestIDs {
			ids[i] = reconcile.RequestID(s)
		}
	}

	if err := run.SetOrdering(day, ids); err != nil {
		writeEditError(w, "Failed to set ordering", err)
		return
	}
	writeJSON(w, http.StatusOK, h.runDetail(run))
}

// CommitRun applies the final per-date states to storage. Retrying a
// failed commit is safe; already-applied decisions become no-ops.
func (h *Handler) CommitRun(w http.ResponseWriter, r *http.Request) {
	run := h.liveRun(w, r)
	if run == nil {
		return
	}

	ex := &reconcile.Executor{Store: h.Store, History: h.Store}
	result, err := run.Commit(r.Context(), ex)
	if err != nil {
		writeEngineError(w, "Commit failed", err)
		return
	}

	if err := h.Store.PutRunRecord(r.Context(), run.Record()); err != nil {
		// The decisions are applied; only the summary row failed. A retry
		// of the commit is idempotent and rewrites the record.
		writeError(w, http.StatusInternalServerError, "Decisions applied but run record not saved", err)
		return
	}

	writeJSON(w, http.StatusOK, toExecResultDTO(result))
}

// GetRunDecisions returns the audit log entries written under a run.
func (h *Handler) GetRunDecisions(w http.ResponseWriter, r *http.Request) {
	id := reconcile.RunID(chi.URLParam(r, "id"))

	entries, err := h.Store.ListDecisionsForRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list decisions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": toDecisionLogDTOs(entries)})
}

// runDetail builds the stage-aware view: each wizard screen's data
// appears once the run has reached the stage that produces it.
func (h *Handler) runDetail(run *reconcile.Run) RunDetailDTO {
	dto := RunDetailDTO{RunDTO: toRunDTO(run.Record(), true)}

	norm := run.NormalizeReport()
	if len(norm.Candidates) > 0 || len(norm.RowErrors) > 0 || len(norm.Unmatched) > 0 {
		dto.Normalize = toNormalizeReportDTO(norm)
	}

	stage := run.Stage()
	if stage.AtLeast(reconcile.StageDuplicateReview) {
		dto.Duplicates = toDuplicateViewDTO(run.DuplicateView())
	}
	if stage.AtLeast(reconcile.StageAllotmentReview) {
		dto.DateStates = toDateStateDTOs(run.DateStates())
	}
	dto.Result = toExecResultDTO(run.Result())
	return dto
}

// =============================================================================
// CALENDAR HANDLERS
// =============================================================================

// ListCalendars returns all calendars.
func (h *Handler) ListCalendars(w http.ResponseWriter, r *http.Request) {
	cals, err := h.Store.ListCalendars(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list calendars", err)
		return
	}

	dtos := make([]CalendarDTO, len(cals))
	for i, c := range cals {
		dtos[i] = toCalendarDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCalendar creates a new calendar.
func (h *Handler) CreateCalendar(w http.ResponseWriter, r *http.Request) {
	var req CreateCalendarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	cal := reconcile.Calendar{
		ID:       reconcile.CalendarID(req.ID),
		Name:     req.Name,
		Division: req.Division,
		Active:   active,
	}

	if err := h.Store.PutCalendar(r.Context(), cal); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create calendar", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCalendarDTO(cal))
}

// GetCalendar returns a single calendar.
func (h *Handler) GetCalendar(w http.ResponseWriter, r *http.Request) {
	id := reconcile.CalendarID(chi.URLParam(r, "id"))

	cal, err := h.Store.GetCalendar(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to load calendar", err)
		return
	}
	writeJSON(w, http.StatusOK, toCalendarDTO(*cal))
}

// ListRules returns a calendar's allotment rules. The window defaults to
// the current year.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	id := reconcile.CalendarID(chi.URLParam(r, "id"))
	from, to, err := windowParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid window (use YYYY-MM-DD)", err)
		return
	}

	rules, err := h.Store.ListRules(r.Context(), id, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rules", err)
		return
	}

	dtos := make([]RuleDTO, len(rules))
	for i, rule := range rules {
		dtos[i] = toRuleDTO(rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// UpsertRule writes one allotment rule for a calendar.
func (h *Handler) UpsertRule(w http.ResponseWriter, r *http.Request) {
	id := reconcile.CalendarID(chi.URLParam(r, "id"))

	var req UpsertRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	day, err := reconcile.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date (use YYYY-MM-DD)", err)
		return
	}
	if req.MaxAllotment < 0 {
		writeError(w, http.StatusBadRequest, "max_allotment cannot be negative", nil)
		return
	}

	source := reconcile.RuleSource(req.Source)
	if req.Source == "" {
		source = reconcile.RuleDailyOverride
	}
	if source != reconcile.RuleDailyOverride && source != reconcile.RuleYearlyDefault {
		writeError(w, http.StatusBadRequest, "Unknown source (use daily_override or yearly_default)", nil)
		return
	}

	if _, err := h.Store.GetCalendar(r.Context(), id); err != nil {
		writeEngineError(w, "Failed to load calendar", err)
		return
	}

	rule := reconcile.AllotmentRule{
		CalendarID:   id,
		Date:         day,
		MaxAllotment: req.MaxAllotment,
		Source:       source,
	}
	if err := h.Store.UpsertRule(r.Context(), rule); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rule))
}

// ListCalendarRequests returns a calendar's active requests. The window
// defaults to the current year.
func (h *Handler) ListCalendarRequests(w http.ResponseWriter, r *http.Request) {
	id := reconcile.CalendarID(chi.URLParam(r, "id"))
	from, to, err := windowParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid window (use YYYY-MM-DD)", err)
		return
	}

	rows, err := h.Store.ListActiveRequests(r.Context(), id, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list requests", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(rows))
}

// GetDateDetail returns the standing picture for one calendar day: the
// effective capacity and every request row regardless of status.
func (h *Handler) GetDateDetail(w http.ResponseWriter, r *http.Request) {
	id := reconcile.CalendarID(chi.URLParam(r, "id"))
	day, ok := dateParam(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if _, err := h.Store.GetCalendar(ctx, id); err != nil {
		writeEngineError(w, "Failed to load calendar", err)
		return
	}

	rules, err := h.Store.ListRules(ctx, id, day, day)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load rules", err)
		return
	}
	capacity, capSource := reconcile.NewRuleSet(rules).Capacity(day)

	rows, err := h.Store.ListRequestsForDate(ctx, id, day)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load requests", err)
		return
	}

	approved, waitlisted := 0, 0
	for _, row := range rows {
		switch row.Status {
		case reconcile.StatusApproved:
			approved++
		case reconcile.StatusWaitlisted:
			waitlisted++
		}
	}

	writeJSON(w, http.StatusOK, DateDetailDTO{
		CalendarID:     string(id),
		Date:           day.String(),
		Capacity:       capacity,
		CapacitySource: string(capSource),
		Approved:       approved,
		Waitlisted:     waitlisted,
		Requests:       toRequestDTOs(rows),
	})
}

// PromoteDate promotes a date's standing waitlist into free capacity,
// outside any run. The follow-up to a cancellation or a raised rule.
func (h *Handler) PromoteDate(w http.ResponseWriter, r *http.Request) {
	id := reconcile.CalendarID(chi.URLParam(r, "id"))
	day, ok := dateParam(w, r)
	if !ok {
		return
	}

	var req PromoteRequest
	json.NewDecoder(r.Body).Decode(&req)
	actor := req.Actor
	if actor == "" {
		actor = "admin"
	}

	res, err := reconcile.PromoteForDate(r.Context(), h.Store, id, day, actor)
	if err != nil {
		writeEngineError(w, "Promotion failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toExecResultDTO(res))
}

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

// GetRequest returns a single leave request.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := reconcile.RequestID(chi.URLParam(r, "id"))

	req, err := h.Store.GetRequest(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to load request", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

// GetRequestDecisions returns the audit log entries for a request.
func (h *Handler) GetRequestDecisions(w http.ResponseWriter, r *http.Request) {
	id := reconcile.RequestID(chi.URLParam(r, "id"))

	entries, err := h.Store.ListDecisionsForRequest(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list decisions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": toDecisionLogDTOs(entries)})
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// ListMembers returns roster members, optionally filtered by division.
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	division := r.URL.Query().Get("division")

	members, err := h.Roster.ListMembers(r.Context(), division)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list members", err)
		return
	}

	dtos := make([]MemberDTO, len(members))
	for i, m := range members {
		dtos[i] = toMemberDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateMember creates or replaces one roster member.
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req CreateMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	id := req.ID
	if id == "" {
		id = req.PIN
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "id or pin is required", nil)
		return
	}

	var seniority reconcile.Date
	if req.SeniorityDate != "" {
		d, err := reconcile.ParseDate(req.SeniorityDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid seniority_date (use YYYY-MM-DD)", err)
			return
		}
		seniority = d
	}

	m := reconcile.Member{
		ID:            reconcile.MemberID(id),
		PIN:           req.PIN,
		Name:          req.Name,
		Division:      req.Division,
		SeniorityDate: seniority,
	}

	if err := h.Roster.PutMember(r.Context(), m); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save member", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberDTO(m))
}

// UploadRoster replaces roster members from a CSV body.
func (h *Handler) UploadRoster(w http.ResponseWriter, r *http.Request) {
	members, err := roster.LoadCSV(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid roster CSV", err)
		return
	}
	if len(members) == 0 {
		writeError(w, http.StatusBadRequest, "Roster CSV has no member rows", nil)
		return
	}

	if err := roster.Sync(r.Context(), h.Roster, members); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to sync roster", err)
		return
	}
	writeJSON(w, http.StatusOK, RosterUploadResponse{Loaded: len(members)})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ResetDatabase clears all data and drops every live run.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	for _, run := range h.Registry.Live() {
		h.Registry.Remove(run.ID())
	}
	h.flushRoster()
	h.currentScenario = ""

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// flushRoster invalidates the roster cache after writes that bypass it.
func (h *Handler) flushRoster() {
	if c, ok := h.Roster.(interface{ Flush() }); ok {
		c.Flush()
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case reconcile.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, reconcile.ErrStageOrder),
		errors.Is(err, reconcile.ErrDuplicateActiveRequest),
		errors.Is(err, reconcile.ErrConcurrentModification),
		errors.Is(err, reconcile.ErrUnresolvedConflict),
		errors.Is(err, reconcile.ErrUnmatchedMember):
		writeError(w, http.StatusConflict, message, err)
	case reconcile.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

// writeEditError maps run edit failures. Edits never touch storage, so
// anything that is not a stage violation or a missing reference is a bad
// request.
func writeEditError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, reconcile.ErrStageOrder):
		writeError(w, http.StatusConflict, message, err)
	case reconcile.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	default:
		writeError(w, http.StatusBadRequest, message, err)
	}
}

// liveRun resolves {id} to a registry run, writing 404 when absent. The
// caller returns immediately on nil.
func (h *Handler) liveRun(w http.ResponseWriter, r *http.Request) *reconcile.Run {
	id := reconcile.RunID(chi.URLParam(r, "id"))
	run, ok := h.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Run not found or expired", nil)
		return nil
	}
	return run
}

// dateParam parses the {date} path segment, writing 400 when malformed.
func dateParam(w http.ResponseWriter, r *http.Request) (reconcile.Date, bool) {
	d, err := reconcile.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date (use YYYY-MM-DD)", err)
		return reconcile.Date{}, false
	}
	return d, true
}

// windowParams reads the optional from/to query window, defaulting to
// the current calendar year.
func windowParams(r *http.Request) (reconcile.Date, reconcile.Date, error) {
	now := reconcile.Today()
	from := reconcile.NewDate(now.Year, time.January, 1)
	to := reconcile.NewDate(now.Year, time.December, 31)

	if s := r.URL.Query().Get("from"); s != "" {
		d, err := reconcile.ParseDate(s)
		if err != nil {
			return from, to, err
		}
		from = d
	}
	if s := r.URL.Query().Get("to"); s != "" {
		d, err := reconcile.ParseDate(s)
		if err != nil {
			return from, to, err
		}
		to = d
	}
	return from, to, nil
}
