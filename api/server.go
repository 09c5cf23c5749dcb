/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend
  5. RateLimit:  Per-IP token bucket, /api subtree only

ROUTE GROUPS:
  /api/runs/*        Reconciliation run wizard
  /api/calendars/*   Calendars, rules, per-date state, promotion
  /api/requests/*    Leave request lookup and audit trail
  /api/members/*     Roster management
  /api/scenarios/*   Demo scenarios and database reset
  /                  Plain HTML endpoint index

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Rate limiter
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes the middleware stack. Zero values get defaults.
type RouterOptions struct {
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 10
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 20
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(RateLimit(opts.RateLimitRPS, opts.RateLimitBurst))

		// Run wizard routes
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Post("/", h.CreateRun)
			r.Get("/{id}", h.GetRun)
			r.Delete("/{id}", h.AbandonRun)
			r.Post("/{id}/rows", h.UploadRows)
			r.Post("/{id}/assign", h.AssignRow)
			r.Post("/{id}/skip", h.SkipRow)
			r.Post("/{id}/advance", h.AdvanceRun)
			r.Post("/{id}/conflicts/{candidate}", h.ResolveConflict)
			r.Put("/{id}/policy", h.SetRunPolicy)
			r.Put("/{id}/dates/{date}/adjustment", h.SetAdjustment)
			r.Put("/{id}/dates/{date}/ordering", h.SetOrdering)
			r.Post("/{id}/commit", h.CommitRun)
			r.Get("/{id}/decisions", h.GetRunDecisions)
		})

		// Calendar routes
		r.Route("/calendars", func(r chi.Router) {
			r.Get("/", h.ListCalendars)
			r.Post("/", h.CreateCalendar)
			r.Get("/{id}", h.GetCalendar)
			r.Get("/{id}/rules", h.ListRules)
			r.Put("/{id}/rules", h.UpsertRule)
			r.Get("/{id}/requests", h.ListCalendarRequests)
			r.Get("/{id}/dates/{date}", h.GetDateDetail)
			r.Post("/{id}/dates/{date}/promote", h.PromoteDate)
		})

		// Request routes
		r.Route("/requests", func(r chi.Router) {
			r.Get("/{id}", h.GetRequest)
			r.Get("/{id}/decisions", h.GetRequestDecisions)
		})

		// Member routes
		r.Route("/members", func(r chi.Router) {
			r.Get("/", h.ListMembers)
			r.Post("/", h.CreateMember)
			r.Post("/roster", h.UploadRoster)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Allotment Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Leave Allotment Engine API</h1>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/calendars">/api/calendars</a> - List calendars</li>
<li><a href="/api/runs">/api/runs</a> - List reconciliation runs</li>
<li><a href="/api/members">/api/members</a> - List roster members</li>
<li><a href="/api/scenarios">/api/scenarios</a> - List demo scenarios</li>
</ul>
</body>
</html>`))
	})

	return r
}
