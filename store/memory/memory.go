// Package memory provides an in-process store for tests and demos.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/unionhall/allotment-engine/reconcile"
)

// =============================================================================
// MEMORY STORE - Implements every engine storage interface
// =============================================================================

// Memory holds all state in maps guarded by one RWMutex. It implements
// reconcile.Store, MemberStore, RunStore, and HistoryStore.
type Memory struct {
	mu sync.RWMutex
	d  *data
}

type ruleKey struct {
	Calendar reconcile.CalendarID
	Date     reconcile.Date
	Source   reconcile.RuleSource
}

type data struct {
	calendars map[reconcile.CalendarID]reconcile.Calendar
	requests  map[reconcile.RequestID]reconcile.LeaveRequest
	members   map[reconcile.MemberID]reconcile.Member
	rules     map[ruleKey]reconcile.AllotmentRule
	runs      map[reconcile.RunID]reconcile.RunRecord
	log       []reconcile.DecisionLogEntry
}

func newData() *data {
	return &data{
		calendars: make(map[reconcile.CalendarID]reconcile.Calendar),
		requests:  make(map[reconcile.RequestID]reconcile.LeaveRequest),
		members:   make(map[reconcile.MemberID]reconcile.Member),
		rules:     make(map[ruleKey]reconcile.AllotmentRule),
		runs:      make(map[reconcile.RunID]reconcile.RunRecord),
	}
}

func NewMemory() *Memory {
	return &Memory{d: newData()}
}

// -----------------------------------------------------------------------------
// Calendars
// -----------------------------------------------------------------------------

func (m *Memory) GetCalendar(_ context.Context, id reconcile.CalendarID) (*reconcile.Calendar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.getCalendar(id)
}

func (m *Memory) PutCalendar(_ context.Context, cal reconcile.Calendar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.calendars[cal.ID] = cal
	return nil
}

func (m *Memory) ListCalendars(_ context.Context) ([]reconcile.Calendar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.listCalendars(), nil
}

// -----------------------------------------------------------------------------
// Requests
// -----------------------------------------------------------------------------

func (m *Memory) GetRequest(_ context.Context, id reconcile.RequestID) (*reconcile.LeaveRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.getRequest(id)
}

func (m *Memory) PutRequest(_ context.Context, r reconcile.LeaveRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.putRequest(r)
}

func (m *Memory) UpdateRequest(_ context.Context, r reconcile.LeaveRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.updateRequest(r)
}

func (m *Memory) ListActiveRequests(_ context.Context, cal reconcile.CalendarID, from, to reconcile.Date) ([]reconcile.LeaveRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.listActiveRequests(cal, from, to), nil
}

func (m *Memory) ListRequestsForDate(_ context.Context, cal reconcile.CalendarID, d reconcile.Date) ([]reconcile.LeaveRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.listRequestsForDate(cal, d), nil
}

func (m *Memory) CountApproved(_ context.Context, cal reconcile.CalendarID, d reconcile.Date) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.countApproved(cal, d), nil
}

// -----------------------------------------------------------------------------
// Rules
// -----------------------------------------------------------------------------

func (m *Memory) UpsertRule(_ context.Context, rule reconcile.AllotmentRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.upsertRule(rule)
	return nil
}

func (m *Memory) ListRules(_ context.Context, cal reconcile.CalendarID, from, to reconcile.Date) ([]reconcile.AllotmentRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.listRules(cal, from, to), nil
}

// -----------------------------------------------------------------------------
// Members
// -----------------------------------------------------------------------------

func (m *Memory) PutMember(_ context.Context, mem reconcile.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.members[mem.ID] = mem
	return nil
}

func (m *Memory) GetMember(_ context.Context, id reconcile.MemberID) (*reconcile.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.getMember(id)
}

func (m *Memory) ListMembers(_ context.Context, division string) ([]reconcile.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.listMembers(division), nil
}

// -----------------------------------------------------------------------------
// Run records
// -----------------------------------------------------------------------------

func (m *Memory) PutRunRecord(_ context.Context, rec reconcile.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.runs[rec.ID] = rec
	return nil
}

func (m *Memory) GetRunRecord(_ context.Context, id reconcile.RunID) (*reconcile.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.getRunRecord(id)
}

func (m *Memory) ListRunRecords(_ context.Context, cal reconcile.CalendarID) ([]reconcile.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.listRunRecords(cal), nil
}

// -----------------------------------------------------------------------------
// Decision log
// -----------------------------------------------------------------------------

func (m *Memory) AppendDecisions(_ context.Context, entries []reconcile.DecisionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.log = append(m.d.log, entries...)
	return nil
}

func (m *Memory) ListDecisionsForRun(_ context.Context, id reconcile.RunID) ([]reconcile.DecisionLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.decisionsForRun(id), nil
}

func (m *Memory) ListDecisionsForRequest(_ context.Context, id reconcile.RequestID) ([]reconcile.DecisionLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.decisionsForRequest(id), nil
}

// -----------------------------------------------------------------------------
// Maintenance
// -----------------------------------------------------------------------------

// Reset drops everything, including the decision log.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d = newData()
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support, simulated with a
// snapshot and restore on error.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn while holding the write lock. A non-nil error from fn
// restores the pre-transaction state.
func (tm *TxMemory) WithTx(_ context.Context, fn func(reconcile.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.d.clone()
	if err := fn(&txView{d: tm.d}); err != nil {
		tm.d = snapshot
		return err
	}
	return nil
}

// txView gives fn unlocked access to the parent's data; the WithTx caller
// already holds the write lock.
type txView struct {
	d *data
}

func (tv *txView) GetCalendar(_ context.Context, id reconcile.CalendarID) (*reconcile.Calendar, error) {
	return tv.d.getCalendar(id)
}

func (tv *txView) PutCalendar(_ context.Context, cal reconcile.Calendar) error {
	tv.d.calendars[cal.ID] = cal
	return nil
}

func (tv *txView) ListCalendars(_ context.Context) ([]reconcile.Calendar, error) {
	return tv.d.listCalendars(), nil
}

func (tv *txView) GetRequest(_ context.Context, id reconcile.RequestID) (*reconcile.LeaveRequest, error) {
	return tv.d.getRequest(id)
}

func (tv *txView) PutRequest(_ context.Context, r reconcile.LeaveRequest) error {
	return tv.d.putRequest(r)
}

func (tv *txView) UpdateRequest(_ context.Context, r reconcile.LeaveRequest) error {
	return tv.d.updateRequest(r)
}

func (tv *txView) ListActiveRequests(_ context.Context, cal reconcile.CalendarID, from, to reconcile.Date) ([]reconcile.LeaveRequest, error) {
	return tv.d.listActiveRequests(cal, from, to), nil
}

func (tv *txView) ListRequestsForDate(_ context.Context, cal reconcile.CalendarID, d reconcile.Date) ([]reconcile.LeaveRequest, error) {
	return tv.d.listRequestsForDate(cal, d), nil
}

func (tv *txView) CountApproved(_ context.Context, cal reconcile.CalendarID, d reconcile.Date) (int, error) {
	return tv.d.countApproved(cal, d), nil
}

func (tv *txView) UpsertRule(_ context.Context, rule reconcile.AllotmentRule) error {
	tv.d.upsertRule(rule)
	return nil
}

func (tv *txView) ListRules(_ context.Context, cal reconcile.CalendarID, from, to reconcile.Date) ([]reconcile.AllotmentRule, error) {
	return tv.d.listRules(cal, from, to), nil
}

func (tv *txView) AppendDecisions(_ context.Context, entries []reconcile.DecisionLogEntry) error {
	tv.d.log = append(tv.d.log, entries...)
	return nil
}

func (tv *txView) ListDecisionsForRun(_ context.Context, id reconcile.RunID) ([]reconcile.DecisionLogEntry, error) {
	return tv.d.decisionsForRun(id), nil
}

func (tv *txView) ListDecisionsForRequest(_ context.Context, id reconcile.RequestID) ([]reconcile.DecisionLogEntry, error) {
	return tv.d.decisionsForRequest(id), nil
}

// =============================================================================
// DATA OPERATIONS - No locking; callers hold the mutex
// =============================================================================

func (d *data) getCalendar(id reconcile.CalendarID) (*reconcile.Calendar, error) {
	c, ok := d.calendars[id]
	if !ok {
		return nil, reconcile.ErrCalendarNotFound
	}
	return &c, nil
}

func (d *data) listCalendars() []reconcile.Calendar {
	out := make([]reconcile.Calendar, 0, len(d.calendars))
	for _, c := range d.calendars {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *data) getRequest(id reconcile.RequestID) (*reconcile.LeaveRequest, error) {
	r, ok := d.requests[id]
	if !ok {
		return nil, reconcile.ErrRequestNotFound
	}
	return &r, nil
}

func (d *data) putRequest(r reconcile.LeaveRequest) error {
	if _, exists := d.requests[r.ID]; exists {
		return fmt.Errorf("request %s already exists", r.ID)
	}
	if err := d.checkActiveUnique(r); err != nil {
		return err
	}
	d.requests[r.ID] = r
	return nil
}

func (d *data) updateRequest(r reconcile.LeaveRequest) error {
	if _, ok := d.requests[r.ID]; !ok {
		return reconcile.ErrRequestNotFound
	}
	if err := d.checkActiveUnique(r); err != nil {
		return err
	}
	d.requests[r.ID] = r
	return nil
}

// checkActiveUnique enforces one active request per (member, calendar,
// date, leave type), mirroring the partial unique index in the SQL stores.
func (d *data) checkActiveUnique(r reconcile.LeaveRequest) error {
	if !r.Active() {
		return nil
	}
	for _, ex := range d.requests {
		if ex.ID != r.ID && ex.Active() && ex.Key() == r.Key() {
			return reconcile.ErrDuplicateActiveRequest
		}
	}
	return nil
}

func (d *data) listActiveRequests(cal reconcile.CalendarID, from, to reconcile.Date) []reconcile.LeaveRequest {
	var out []reconcile.LeaveRequest
	for _, r := range d.requests {
		if r.CalendarID != cal || !r.Active() {
			continue
		}
		if r.Date.Before(from) || r.Date.After(to) {
			continue
		}
		out = append(out, r)
	}
	sortRequests(out)
	return out
}

func (d *data) listRequestsForDate(cal reconcile.CalendarID, day reconcile.Date) []reconcile.LeaveRequest {
	var out []reconcile.LeaveRequest
	for _, r := range d.requests {
		if r.CalendarID == cal && r.Date == day {
			out = append(out, r)
		}
	}
	sortRequests(out)
	return out
}

func sortRequests(rs []reconcile.LeaveRequest) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Date != rs[j].Date {
			return rs[i].Date.Before(rs[j].Date)
		}
		if !rs[i].SubmittedAt.Equal(rs[j].SubmittedAt) {
			return rs[i].SubmittedAt.Before(rs[j].SubmittedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

func (d *data) countApproved(cal reconcile.CalendarID, day reconcile.Date) int {
	n := 0
	for _, r := range d.requests {
		if r.CalendarID == cal && r.Date == day && r.Status == reconcile.StatusApproved {
			n++
		}
	}
	return n
}

func (d *data) upsertRule(rule reconcile.AllotmentRule) {
	d.rules[ruleKey{Calendar: rule.CalendarID, Date: rule.Date, Source: rule.Source}] = rule
}

func (d *data) listRules(cal reconcile.CalendarID, from, to reconcile.Date) []reconcile.AllotmentRule {
	var out []reconcile.AllotmentRule
	for _, r := range d.rules {
		if r.CalendarID != cal || r.Date.Before(from) || r.Date.After(to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Source < out[j].Source
	})
	return out
}

func (d *data) getMember(id reconcile.MemberID) (*reconcile.Member, error) {
	m, ok := d.members[id]
	if !ok {
		return nil, reconcile.ErrMemberNotFound
	}
	return &m, nil
}

func (d *data) listMembers(division string) []reconcile.Member {
	var out []reconcile.Member
	for _, m := range d.members {
		if division != "" && m.Division != division {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *data) getRunRecord(id reconcile.RunID) (*reconcile.RunRecord, error) {
	rec, ok := d.runs[id]
	if !ok {
		return nil, reconcile.ErrRunNotFound
	}
	return &rec, nil
}

func (d *data) listRunRecords(cal reconcile.CalendarID) []reconcile.RunRecord {
	var out []reconcile.RunRecord
	for _, rec := range d.runs {
		if cal != "" && rec.CalendarID != cal {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *data) decisionsForRun(id reconcile.RunID) []reconcile.DecisionLogEntry {
	var out []reconcile.DecisionLogEntry
	for _, e := range d.log {
		if e.RunID == id {
			out = append(out, e)
		}
	}
	return out
}

func (d *data) decisionsForRequest(id reconcile.RequestID) []reconcile.DecisionLogEntry {
	var out []reconcile.DecisionLogEntry
	for _, e := range d.log {
		if e.RequestID == id {
			out = append(out, e)
		}
	}
	return out
}

func (d *data) clone() *data {
	cp := newData()
	for k, v := range d.calendars {
		cp.calendars[k] = v
	}
	for k, v := range d.requests {
		cp.requests[k] = v
	}
	for k, v := range d.members {
		cp.members[k] = v
	}
	for k, v := range d.rules {
		cp.rules[k] = v
	}
	for k, v := range d.runs {
		cp.runs[k] = v
	}
	cp.log = append(cp.log, d.log...)
	return cp
}
