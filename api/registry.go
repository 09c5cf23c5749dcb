/*
registry.go - Live run registry

PURPOSE:
  Reconciliation runs are ephemeral: they live in memory from creation
  until commit, and an abandoned run simply ages out. The registry is
  the map from run id to live Run, with an idle TTL so half-finished
  wizards do not accumulate.

  Committed runs stay registered until they expire too, so the UI can
  show the final review and result for a while after commit. What
  survives forever is the RunRecord and the decision log in storage.

SEE ALSO:
  - sweeper.go: Calls Expire on its interval
  - handlers.go: Resolves run ids through Get
*/
package api

import (
	"sync"
	"time"

	"github.com/unionhall/allotment-engine/reconcile"
)

type registryEntry struct {
	run      *reconcile.Run
	lastUsed time.Time
}

// Registry holds the live runs.
type Registry struct {
	mu    sync.Mutex
	ttl   time.Duration
	runs  map[reconcile.RunID]*registryEntry
	clock func() time.Time
}

// NewRegistry creates a registry expiring runs idle longer than ttl.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Registry{
		ttl:   ttl,
		runs:  make(map[reconcile.RunID]*registryEntry),
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// Put registers a run.
func (g *Registry) Put(run *reconcile.Run) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runs[run.ID()] = &registryEntry{run: run, lastUsed: g.clock()}
}

// Get returns a live run and refreshes its idle clock.
func (g *Registry) Get(id reconcile.RunID) (*reconcile.Run, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.runs[id]
	if !ok {
		return nil, false
	}
	e.lastUsed = g.clock()
	return e.run, true
}

// Remove drops a run, reporting whether it was present. Abandonment is
// exactly this; nothing is persisted.
func (g *Registry) Remove(id reconcile.RunID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.runs[id]
	delete(g.runs, id)
	return ok
}

// Live returns every registered run, unordered.
func (g *Registry) Live() []*reconcile.Run {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*reconcile.Run, 0, len(g.runs))
	for _, e := range g.runs {
		out = append(out, e.run)
	}
	return out
}

// Len returns the number of live runs.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.runs)
}

// Expire drops runs idle longer than the TTL and returns how many went.
func (g *Registry) Expire() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.clock().Add(-g.ttl)
	n := 0
	for id, e := range g.runs {
		if e.lastUsed.Before(cutoff) {
			delete(g.runs, id)
			n++
		}
	}
	return n
}
