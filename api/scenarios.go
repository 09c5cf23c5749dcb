/* scenarios.go - Demo scenario management endpoints

PURPOSE:
Provides pre-built data scenarios for demos and manual testing. Each
scenario wipes the database, seeds a known roster and calendar, and
primes requests and rules so a specific engine behavior is one click
away (an over-allotted date, a conflicting import, a promotable
waitlist).

ENDPOINTS:
- GET  /api/scenarios         - List available scenarios
- GET  /api/scenarios/current - Get currently loaded scenario
- POST /api/scenarios/load    - Load a scenario (wipes all data first)
- POST /api/scenarios/reset   - Reset to empty database

SCENARIOS:
1. june-crunch     - Summer peak: defaults, overrides, and an
   over-allotted holiday week ready for an import run
2. holiday-overlap - Stored requests primed to collide with a typical
   import (exact and conflicting duplicates)
3. stale-waitlist  - A raised allotment with a standing waitlist ready
   for promotion by hand or by the sweeper
4. clean-slate     - Calendar, roster, and default rules only

ARCHITECTURE:
Loading always runs Store.Reset first, drops every live run from the
registry, then seeds through the same store methods the API uses.
Members are written directly to the store, so the roster cache is
flushed afterwards. The current scenario is tracked in memory only and
clears on restart.

NOTE:
Scenarios reset the database. Only wire these routes in development
and demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase shares the wipe path
  - reconcile/store.go: the seeding surface
*/

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/unionhall/allotment-engine/reconcile"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "june-crunch",
		Name:        "June Crunch",
		Description: "Summer peak with yearly defaults, holiday overrides, and a fully booked week",
		Category:    "reconciliation",
	},
	{
		ID:          "holiday-overlap",
		Name:        "Holiday Overlap",
		Description: "Stored requests primed to collide with a typical Thanksgiving import",
		Category:    "reconciliation",
	},
	{
		ID:          "stale-waitlist",
		Name:        "Stale Waitlist",
		Description: "A raised allotment three weeks out with a standing waitlist ready to promote",
		Category:    "waitlist",
	},
	{
		ID:          "clean-slate",
		Name:        "Clean Slate",
		Description: "Calendar, roster, and ninety days of default rules, nothing else",
		Category:    "setup",
	},
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns all available demo scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, or null if
// none has been loaded since startup.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: h.currentScenario, Name: h.currentScenario})
}

// LoadScenario wipes the database and seeds the requested scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	for _, run := range h.Registry.Live() {
		h.Registry.Remove(run.ID())
	}
	h.currentScenario = ""

	var err error
	switch req.ScenarioID {
	case "june-crunch":
		err = h.loadJuneCrunchScenario(r.Context())
	case "holiday-overlap":
		err = h.loadHolidayOverlapScenario(r.Context())
	case "stale-waitlist":
		err = h.loadStaleWaitlistScenario(r.Context())
	case "clean-slate":
		err = h.loadCleanSlateScenario(r.Context())
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario: "+req.ScenarioID, nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.flushRoster()
	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

// =============================================================================
// SHARED FIXTURES
// =============================================================================

const demoCalendarID = reconcile.CalendarID("cal-transport-pld")

func demoCalendar() reconcile.Calendar {
	return reconcile.Calendar{
		ID:       demoCalendarID,
		Name:     "Transportation PLD",
		Division: "transportation",
		Active:   true,
	}
}

// demoRoster spans two decades of seniority, so the seniority policy
// and the submission policy order the same requests differently.
func demoRoster() []reconcile.Member {
	return []reconcile.Member{
		{ID: "m-4117", PIN: "4117", Name: "Ruth Okafor", Division: "transportation", SeniorityDate: reconcile.NewDate(2003, time.June, 2)},
		{ID: "m-5230", PIN: "5230", Name: "Miguel Santos", Division: "transportation", SeniorityDate: reconcile.NewDate(2007, time.September, 17)},
		{ID: "m-6104", PIN: "6104", Name: "Dana Whitfield", Division: "transportation", SeniorityDate: reconcile.NewDate(2011, time.February, 23)},
		{ID: "m-7442", PIN: "7442", Name: "Pete Kowalski", Division: "transportation", SeniorityDate: reconcile.NewDate(2013, time.November, 4)},
		{ID: "m-8315", PIN: "8315", Name: "Janelle Brooks", Division: "transportation", SeniorityDate: reconcile.NewDate(2016, time.May, 9)},
		{ID: "m-9021", PIN: "9021", Name: "Omar Haddad", Division: "transportation", SeniorityDate: reconcile.NewDate(2018, time.July, 30)},
		{ID: "m-9530", PIN: "9530", Name: "Grace Lindqvist", Division: "transportation", SeniorityDate: reconcile.NewDate(2021, time.January, 11)},
		{ID: "m-9788", PIN: "9788", Name: "Tyrone Washington", Division: "transportation", SeniorityDate: reconcile.NewDate(2023, time.August, 21)},
	}
}

// seedBase creates the demo calendar and roster shared by every scenario.
func (h *Handler) seedBase(ctx context.Context) error {
	if err := h.Store.PutCalendar(ctx, demoCalendar()); err != nil {
		return fmt.Errorf("seed calendar: %w", err)
	}
	for _, m := range demoRoster() {
		if err := h.Store.PutMember(ctx, m); err != nil {
			return fmt.Errorf("seed member %s: %w", m.ID, err)
		}
	}
	return nil
}

// seedRules writes one rule per day over [from, to] inclusive.
func (h *Handler) seedRules(ctx context.Context, from, to reconcile.Date, capacity int, source reconcile.RuleSource) error {
	for d := from; !d.After(to); d = d.AddDays(1) {
		rule := reconcile.AllotmentRule{
			CalendarID:   demoCalendarID,
			Date:         d,
			MaxAllotment: capacity,
			Source:       source,
		}
		if err := h.Store.UpsertRule(ctx, rule); err != nil {
			return fmt.Errorf("seed rule %s: %w", d, err)
		}
	}
	return nil
}

type seededRequest struct {
	id        string
	member    reconcile.MemberID
	date      reconcile.Date
	leaveType reconcile.LeaveType
	status    reconcile.RequestStatus
	position  int
	submitted time.Time
}

func (h *Handler) seedRequests(ctx context.Context, reqs []seededRequest) error {
	for _, s := range reqs {
		req := reconcile.LeaveRequest{
			ID:               reconcile.RequestID(s.id),
			MemberID:         s.member,
			CalendarID:       demoCalendarID,
			Date:             s.date,
			Type:             s.leaveType,
			Status:           s.status,
			WaitlistPosition: s.position,
			Source:           reconcile.SourceDatabase,
			SubmittedAt:      s.submitted,
		}
		if s.status != reconcile.StatusPending {
			req.RespondedAt = s.submitted.Add(48 * time.Hour)
		}
		if err := h.Store.PutRequest(ctx, req); err != nil {
			return fmt.Errorf("seed request %s: %w", s.id, err)
		}
	}
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadJuneCrunchScenario seeds the summer peak: a month of yearly
// defaults, two holiday overrides, and enough standing approvals that
// the July 3rd override is already full. An import against this data
// exercises waitlisting and the allotment review screen.
func (h *Handler) loadJuneCrunchScenario(ctx context.Context) error {
	if err := h.seedBase(ctx); err != nil {
		return err
	}

	year := time.Now().UTC().Year()
	from := reconcile.NewDate(year, time.June, 15)
	to := reconcile.NewDate(year, time.July, 15)
	if err := h.seedRules(ctx, from, to, 4, reconcile.RuleYearlyDefault); err != nil {
		return err
	}
	// Holiday week: squeeze July 3rd, open up June 30th.
	july3 := reconcile.NewDate(year, time.July, 3)
	june30 := reconcile.NewDate(year, time.June, 30)
	if err := h.seedRules(ctx, july3, july3, 2, reconcile.RuleDailyOverride); err != nil {
		return err
	}
	if err := h.seedRules(ctx, june30, june30, 6, reconcile.RuleDailyOverride); err != nil {
		return err
	}

	at := func(month time.Month, day, hour int) time.Time {
		return time.Date(year, month, day, hour, 0, 0, 0, time.UTC)
	}
	return h.seedRequests(ctx, []seededRequest{
		// July 3rd holds exactly its override of two.
		{id: "req-jc-001", member: "m-4117", date: july3, leaveType: reconcile.LeavePLD, status: reconcile.StatusApproved, submitted: at(time.March, 2, 9)},
		{id: "req-jc-002", member: "m-5230", date: july3, leaveType: reconcile.LeavePLD, status: reconcile.StatusApproved, submitted: at(time.March, 4, 14)},
		{id: "req-jc-003", member: "m-6104", date: july3, leaveType: reconcile.LeavePLD, status: reconcile.StatusWaitlisted, position: 1, submitted: at(time.March, 10, 8)},
		// June 30th has headroom under its override of six.
		{id: "req-jc-004", member: "m-8315", date: june30, leaveType: reconcile.LeavePLD, status: reconcile.StatusApproved, submitted: at(time.April, 1, 11)},
		{id: "req-jc-005", member: "m-9021", date: june30, leaveType: reconcile.LeaveSDV, status: reconcile.StatusApproved, submitted: at(time.April, 3, 16)},
		// One request still awaiting a decision.
		{id: "req-jc-006", member: "m-7442", date: reconcile.NewDate(year, time.July, 6), leaveType: reconcile.LeavePLD, status: reconcile.StatusPending, submitted: at(time.May, 20, 10)},
	})
}

// loadHolidayOverlapScenario seeds stored requests around Thanksgiving
// that a typical import will hit head on: one exact duplicate, one
// status conflict, and a cancelled request that must not block a fresh
// submission for the same day.
func (h *Handler) loadHolidayOverlapScenario(ctx context.Context) error {
	if err := h.seedBase(ctx); err != nil {
		return err
	}

	year := time.Now().UTC().Year()
	from := reconcile.NewDate(year, time.November, 20)
	to := reconcile.NewDate(year, time.December, 5)
	if err := h.seedRules(ctx, from, to, 3, reconcile.RuleYearlyDefault); err != nil {
		return err
	}

	nov25 := reconcile.NewDate(year, time.November, 25)
	nov27 := reconcile.NewDate(year, time.November, 27)
	at := func(day, hour int) time.Time {
		return time.Date(year, time.September, day, hour, 0, 0, 0, time.UTC)
	}
	return h.seedRequests(ctx, []seededRequest{
		// Already approved; an import row with the same outcome is an
		// exact duplicate and drops out of the batch.
		{id: "req-ho-001", member: "m-4117", date: nov25, leaveType: reconcile.LeavePLD, status: reconcile.StatusApproved, submitted: at(2, 9)},
		// Still pending; an import row claiming approval conflicts and
		// forces a resolution during duplicate review.
		{id: "req-ho-002", member: "m-5230", date: nov25, leaveType: reconcile.LeavePLD, status: reconcile.StatusPending, submitted: at(5, 13)},
		{id: "req-ho-003", member: "m-6104", date: nov27, leaveType: reconcile.LeavePLD, status: reconcile.StatusPending, submitted: at(8, 10)},
		// Cancelled requests are not active and never collide.
		{id: "req-ho-004", member: "m-8315", date: nov27, leaveType: reconcile.LeaveSDV, status: reconcile.StatusCancelled, submitted: at(1, 15)},
	})
}

// loadStaleWaitlistScenario anchors three weeks out from today so the
// date is always promotable. The default allotment of two is already
// spoken for and a daily override has since raised it to five, leaving
// three seats for a four-deep waitlist. Promote by hand from the date
// detail screen, or let the sweeper pick it up.
func (h *Handler) loadStaleWaitlistScenario(ctx context.Context) error {
	if err := h.seedBase(ctx); err != nil {
		return err
	}

	d := reconcile.Today().AddDays(21)
	if err := h.seedRules(ctx, d.AddDays(-7), d.AddDays(7), 2, reconcile.RuleYearlyDefault); err != nil {
		return err
	}
	if err := h.seedRules(ctx, d, d, 5, reconcile.RuleDailyOverride); err != nil {
		return err
	}

	now := time.Now().UTC()
	at := func(daysAgo, hour int) time.Time {
		return time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC).AddDate(0, 0, -daysAgo)
	}
	return h.seedRequests(ctx, []seededRequest{
		{id: "req-sw-001", member: "m-4117", date: d, leaveType: reconcile.LeavePLD, status: reconcile.StatusApproved, submitted: at(40, 9)},
		{id: "req-sw-002", member: "m-5230", date: d, leaveType: reconcile.LeavePLD, status: reconcile.StatusApproved, submitted: at(38, 11)},
		{id: "req-sw-003", member: "m-6104", date: d, leaveType: reconcile.LeavePLD, status: reconcile.StatusWaitlisted, position: 1, submitted: at(35, 8)},
		{id: "req-sw-004", member: "m-7442", date: d, leaveType: reconcile.LeavePLD, status: reconcile.StatusWaitlisted, position: 2, submitted: at(33, 14)},
		{id: "req-sw-005", member: "m-8315", date: d, leaveType: reconcile.LeaveSDV, status: reconcile.StatusWaitlisted, position: 3, submitted: at(30, 10)},
		{id: "req-sw-006", member: "m-9021", date: d, leaveType: reconcile.LeavePLD, status: reconcile.StatusWaitlisted, position: 4, submitted: at(28, 16)},
	})
}

// loadCleanSlateScenario seeds only the calendar, the roster, and
// ninety days of default rules. Everything else starts from the UI.
func (h *Handler) loadCleanSlateScenario(ctx context.Context) error {
	if err := h.seedBase(ctx); err != nil {
		return err
	}
	today := reconcile.Today()
	return h.seedRules(ctx, today, today.AddDays(90), 3, reconcile.RuleYearlyDefault)
}
