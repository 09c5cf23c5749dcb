/*
sweeper.go - Background waitlist promotion and run expiry

PURPOSE:
  Periodically promotes standing waitlists into capacity freed since the
  last reconciliation (cancellations, raised rules) and expires idle runs
  from the registry. Promotion order is the stored waitlist positions, so
  a sweep never reorders anyone; it only moves the front of the queue up.

DESIGN:
  - Runs a background goroutine with configurable sweep interval
  - Scans active calendars for upcoming dates holding a waitlist
  - Delegates the per-date work to reconcile.PromoteForDate, which is a
    no-op when the waitlist already matches storage
  - Logs decisions under the actor "sweeper" in the audit trail

CONFIGURATION:
  - Interval: How often to sweep (default: 5 minutes)
  - Horizon:  How many days ahead to scan (default: 180)
  - Enabled:  Whether the sweeper is active (default: true)

USAGE:
  sweeper := NewSweeper(store, registry)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: PromoteDate endpoint (manual, single date)
  - reconcile/executor.go: PromoteForDate
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/unionhall/allotment-engine/reconcile"
)

// sweepHorizonDays bounds the promotion scan. Requests further out get
// promoted once they come into range; leave that far ahead is not urgent.
const sweepHorizonDays = 180

// Sweeper handles periodic waitlist promotion and registry expiry.
type Sweeper struct {
	Store    Storage
	Registry *Registry
	Interval time.Duration
	Horizon  int
	Enabled  bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweeper creates a new sweeper.
func NewSweeper(store Storage, registry *Registry) *Sweeper {
	return &Sweeper{
		Store:    store,
		Registry: registry,
		Interval: 5 * time.Minute,
		Horizon:  sweepHorizonDays,
		Enabled:  true,
		stop:     make(chan bool),
	}
}

// Start begins the sweeper.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Println("[Sweeper] Disabled, not starting")
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run()

	log.Printf("[Sweeper] Started with interval: %v", s.Interval)
}

// Stop stops the sweeper.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		log.Println("[Sweeper] Stopped")
	}
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	// Sweep immediately on start
	s.sweep()

	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx := context.Background()

	if n := s.Registry.Expire(); n > 0 {
		log.Printf("[Sweeper] Expired %d idle runs", n)
	}

	cals, err := s.Store.ListCalendars(ctx)
	if err != nil {
		log.Printf("[Sweeper] Error listing calendars: %v", err)
		return
	}

	today := reconcile.Today()
	horizon := today.AddDays(s.Horizon)
	applied := 0
	dates := 0

	for _, cal := range cals {
		if !cal.Active {
			continue
		}

		rows, err := s.Store.ListActiveRequests(ctx, cal.ID, today, horizon)
		if err != nil {
			log.Printf("[Sweeper] Error listing requests for %s: %v", cal.ID, err)
			continue
		}

		// Only dates holding a waitlist can have anything to promote.
		waitlisted := make(map[reconcile.Date]bool)
		for _, row := range rows {
			if row.Status == reconcile.StatusWaitlisted {
				waitlisted[row.Date] = true
			}
		}

		for d := range waitlisted {
			dates++
			res, err := reconcile.PromoteForDate(ctx, s.Store, cal.ID, d, "sweeper")
			if err != nil {
				log.Printf("[Sweeper] Error promoting %s %s: %v", cal.ID, d, err)
				continue
			}
			applied += res.Applied
		}
	}

	if applied > 0 {
		log.Printf("[Sweeper] Completed: %d waitlist updates across %d dates", applied, dates)
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (s *Sweeper) RunNow() {
	s.sweep()
}
