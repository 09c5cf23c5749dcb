package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unionhall/allotment-engine/reconcile"
	"github.com/unionhall/allotment-engine/store/memory"
)

func day(d int) reconcile.Date {
	return reconcile.NewDate(2026, time.July, d)
}

func request(id, member string, d reconcile.Date, status reconcile.RequestStatus, submitted time.Time) reconcile.LeaveRequest {
	return reconcile.LeaveRequest{
		ID:          reconcile.RequestID(id),
		MemberID:    reconcile.MemberID(member),
		CalendarID:  "cal-1",
		Date:        d,
		Type:        reconcile.LeavePLD,
		Status:      status,
		Source:      reconcile.SourceDatabase,
		SubmittedAt: submitted,
	}
}

// =============================================================================
// REQUESTS
// =============================================================================

func TestMemory_ActiveUniqueness(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewMemory()
	t0 := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, mem.PutRequest(ctx, request("r1", "m-1", day(3), reconcile.StatusApproved, t0)))

	// A second active row for the same member, day, and leave type is the
	// double-booking the partial unique index guards against.
	err := mem.PutRequest(ctx, request("r2", "m-1", day(3), reconcile.StatusPending, t0))
	assert.ErrorIs(t, err, reconcile.ErrDuplicateActiveRequest)

	// Terminal rows never collide.
	cancelled := request("r2", "m-1", day(3), reconcile.StatusCancelled, t0)
	require.NoError(t, mem.PutRequest(ctx, cancelled))

	// Reactivating the cancelled row collides again.
	cancelled.Status = reconcile.StatusPending
	err = mem.UpdateRequest(ctx, cancelled)
	assert.ErrorIs(t, err, reconcile.ErrDuplicateActiveRequest)
}

func TestMemory_PutRejectsExistingID(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewMemory()
	t0 := time.Now()

	require.NoError(t, mem.PutRequest(ctx, request("r1", "m-1", day(3), reconcile.StatusPending, t0)))
	assert.Error(t, mem.PutRequest(ctx, request("r1", "m-2", day(4), reconcile.StatusPending, t0)))

	err := mem.UpdateRequest(ctx, request("ghost", "m-1", day(3), reconcile.StatusPending, t0))
	assert.ErrorIs(t, err, reconcile.ErrRequestNotFound)
}

func TestMemory_ListActiveRequestsWindow(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewMemory()
	t0 := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, mem.PutRequest(ctx, request("late", "m-1", day(5), reconcile.StatusApproved, t0.Add(time.Hour))))
	require.NoError(t, mem.PutRequest(ctx, request("early", "m-2", day(5), reconcile.StatusApproved, t0)))
	require.NoError(t, mem.PutRequest(ctx, request("prior", "m-3", day(2), reconcile.StatusWaitlisted, t0)))
	require.NoError(t, mem.PutRequest(ctx, request("outside", "m-4", day(20), reconcile.StatusApproved, t0)))
	require.NoError(t, mem.PutRequest(ctx, request("gone", "m-5", day(5), reconcile.StatusCancelled, t0)))

	rows, err := mem.ListActiveRequests(ctx, "cal-1", day(1), day(10))
	require.NoError(t, err)

	ids := make([]reconcile.RequestID, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	// Date ascending, then submission time; cancelled and out-of-window
	// rows stay out.
	assert.Equal(t, []reconcile.RequestID{"prior", "early", "late"}, ids)

	n, err := mem.CountApproved(ctx, "cal-1", day(5))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestTxMemory_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewTxMemory()
	t0 := time.Now()

	require.NoError(t, mem.PutRequest(ctx, request("keep", "m-1", day(3), reconcile.StatusApproved, t0)))

	boom := errors.New("boom")
	err := mem.WithTx(ctx, func(s reconcile.Store) error {
		require.NoError(t, s.PutRequest(ctx, request("lost", "m-2", day(3), reconcile.StatusApproved, t0)))
		require.NoError(t, s.UpsertRule(ctx, reconcile.AllotmentRule{
			CalendarID: "cal-1", Date: day(3), MaxAllotment: 9, Source: reconcile.RuleDailyOverride,
		}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = mem.GetRequest(ctx, "lost")
	assert.ErrorIs(t, err, reconcile.ErrRequestNotFound)
	rules, err := mem.ListRules(ctx, "cal-1", day(3), day(3))
	require.NoError(t, err)
	assert.Empty(t, rules)

	// The pre-transaction row survives.
	kept, err := mem.GetRequest(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, reconcile.StatusApproved, kept.Status)
}

func TestTxMemory_CommitsOnNil(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewTxMemory()
	t0 := time.Now()

	err := mem.WithTx(ctx, func(s reconcile.Store) error {
		return s.PutRequest(ctx, request("r1", "m-1", day(3), reconcile.StatusApproved, t0))
	})
	require.NoError(t, err)

	row, err := mem.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.RequestID("r1"), row.ID)
}

// =============================================================================
// CALENDARS, MEMBERS, RULES
// =============================================================================

func TestMemory_ListCalendarsActiveFirst(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewMemory()

	require.NoError(t, mem.PutCalendar(ctx, reconcile.Calendar{ID: "c-old", Name: "Archived", Active: false}))
	require.NoError(t, mem.PutCalendar(ctx, reconcile.Calendar{ID: "c-b", Name: "Bravo", Active: true}))
	require.NoError(t, mem.PutCalendar(ctx, reconcile.Calendar{ID: "c-a", Name: "Alpha", Active: true}))

	cals, err := mem.ListCalendars(ctx)
	require.NoError(t, err)
	require.Len(t, cals, 3)
	assert.Equal(t, reconcile.CalendarID("c-a"), cals[0].ID)
	assert.Equal(t, reconcile.CalendarID("c-b"), cals[1].ID)
	assert.Equal(t, reconcile.CalendarID("c-old"), cals[2].ID)

	_, err = mem.GetCalendar(ctx, "nope")
	assert.ErrorIs(t, err, reconcile.ErrCalendarNotFound)
}

func TestMemory_ListMembersFiltersDivision(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewMemory()

	require.NoError(t, mem.PutMember(ctx, reconcile.Member{ID: "m-2", Name: "Zoe", Division: "transportation"}))
	require.NoError(t, mem.PutMember(ctx, reconcile.Member{ID: "m-1", Name: "Abe", Division: "transportation"}))
	require.NoError(t, mem.PutMember(ctx, reconcile.Member{ID: "m-3", Name: "Kim", Division: "maintenance"}))

	all, err := mem.ListMembers(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "Abe", all[0].Name)

	transport, err := mem.ListMembers(ctx, "transportation")
	require.NoError(t, err)
	assert.Len(t, transport, 2)

	_, err = mem.GetMember(ctx, "m-404")
	assert.ErrorIs(t, err, reconcile.ErrMemberNotFound)
}

func TestMemory_UpsertRuleReplacesPerSource(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewMemory()

	put := func(n int, src reconcile.RuleSource) {
		require.NoError(t, mem.UpsertRule(ctx, reconcile.AllotmentRule{
			CalendarID: "cal-1", Date: day(3), MaxAllotment: n, Source: src,
		}))
	}
	put(4, reconcile.RuleYearlyDefault)
	put(2, reconcile.RuleDailyOverride)
	put(3, reconcile.RuleDailyOverride) // replaces, not stacks

	rules, err := mem.ListRules(ctx, "cal-1", day(3), day(3))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	n, src := reconcile.NewRuleSet(rules).Capacity(day(3))
	assert.Equal(t, 3, n)
	assert.Equal(t, reconcile.RuleDailyOverride, src)
}

// =============================================================================
// RUN RECORDS & DECISION LOG
// =============================================================================

func TestMemory_RunRecordsNewestFirst(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewMemory()
	t0 := time.Date(2026, time.April, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, mem.PutRunRecord(ctx, reconcile.RunRecord{ID: "run-old", CalendarID: "cal-1", CreatedAt: t0}))
	require.NoError(t, mem.PutRunRecord(ctx, reconcile.RunRecord{ID: "run-new", CalendarID: "cal-1", CreatedAt: t0.Add(time.Hour)}))
	require.NoError(t, mem.PutRunRecord(ctx, reconcile.RunRecord{ID: "run-other", CalendarID: "cal-2", CreatedAt: t0.Add(2 * time.Hour)}))

	recs, err := mem.ListRunRecords(ctx, "cal-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, reconcile.RunID("run-new"), recs[0].ID)

	all, err := mem.ListRunRecords(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = mem.GetRunRecord(ctx, "run-404")
	assert.ErrorIs(t, err, reconcile.ErrRunNotFound)
}

func TestMemory_DecisionLogFilters(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewMemory()

	entries := []reconcile.DecisionLogEntry{
		{ID: "e1", RunID: "run-1", RequestID: "r1", Kind: reconcile.DecideAccept},
		{ID: "e2", RunID: "run-1", RequestID: "r2", Kind: reconcile.DecideWaitlist},
		{ID: "e3", RunID: "run-2", RequestID: "r1", Kind: reconcile.DecideCancel},
	}
	require.NoError(t, mem.AppendDecisions(ctx, entries))

	byRun, err := mem.ListDecisionsForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, byRun, 2)

	byReq, err := mem.ListDecisionsForRequest(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, byReq, 2)
	assert.Equal(t, reconcile.DecideCancel, byReq[1].Kind)
}

func TestMemory_ResetDropsEverything(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewTxMemory()

	require.NoError(t, mem.PutCalendar(ctx, reconcile.Calendar{ID: "cal-1", Name: "X", Active: true}))
	require.NoError(t, mem.PutMember(ctx, reconcile.Member{ID: "m-1", Name: "Abe"}))
	require.NoError(t, mem.PutRequest(ctx, request("r1", "m-1", day(3), reconcile.StatusApproved, time.Now())))
	require.NoError(t, mem.AppendDecisions(ctx, []reconcile.DecisionLogEntry{{ID: "e1", RunID: "run-1"}}))

	require.NoError(t, mem.Reset(ctx))

	cals, err := mem.ListCalendars(ctx)
	require.NoError(t, err)
	assert.Empty(t, cals)
	_, err = mem.GetRequest(ctx, "r1")
	assert.ErrorIs(t, err, reconcile.ErrRequestNotFound)
	log, err := mem.ListDecisionsForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, log)
}
