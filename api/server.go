/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the dashboard frontend

ROUTE GROUPS:
  /api/users/*          Users, balances, history, mutations
  /api/leaderboard      Leaderboard
  /api/activities       Activity feed
  /api/rewards          Reward catalog
  /api/admin/*          Statistics, redemption review, reconciliation
  /api/scenarios/*      Demo scenarios (emulated remote only)
  /api/live             WebSocket invalidation stream
  /remote/*             Emulated remote store, when enabled

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - remote.go: Emulated remote store
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultAllowedOrigins are the dashboard dev servers.
var DefaultAllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// RouterConfig holds the optional parts of the router.
type RouterConfig struct {
	// Live serves GET /api/live. Nil disables the route.
	Live http.Handler

	// AllowedOrigins for CORS. Empty uses DefaultAllowedOrigins.
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.Get("/{id}", h.GetUser)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/history", h.GetHistory)
			r.Get("/{id}/summary", h.GetSummary)
			r.Get("/{id}/rank", h.GetRank)
			r.Post("/{id}/activities", h.RecordActivity)
			r.Post("/{id}/redemptions", h.RedeemReward)
		})

		r.Get("/leaderboard", h.GetLeaderboard)
		r.Get("/activities", h.ListActivities)
		r.Get("/rewards", h.ListRewards)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/stats", h.GetStats)
			r.Get("/redemptions", h.ListRedemptions)
			r.Post("/redemptions/{id}/status", h.SetRedemptionStatus)
			r.Post("/reconcile", h.TriggerReconcile)
			r.Get("/reconcile/runs", h.ListReconcileRuns)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})

		if cfg.Live != nil {
			r.Handle("/live", cfg.Live)
		}
	})

	if h.Emulator != nil {
		r.Mount("/remote", h.Emulator.Router())
	}

	return r
}

// Health reports liveness and the last reconciliation.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.Scheduler != nil {
		if run, ok := h.Scheduler.LastRun(); ok {
			resp["last_reconcile"] = run
		}
		if next := h.Scheduler.NextRunTime(); !next.IsZero() {
			resp["next_reconcile"] = next
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
