/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. hlog:       Request-scoped zerolog logger with a request ID
  2. Access log: One line per request (method, path, status, duration)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Latency histogram keyed by route pattern
  5. CORS:       Cross-origin requests for the frontend
  6. Auth:       JWT principal, /api only

ROUTE GROUPS:
  /healthz          Liveness (no auth)
  /metrics          Prometheus exposition (no auth)
  /api/points/*     Award and deduct
  /api/students/*   Balances and ledgers
  /api/store/*      Catalog and stock
  /api/requests/*   Redemption workflow
  /api/admin/*      Account management
  /api/scenarios/*  Demo data (development only)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Principal middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/hlog"
)

// RouterOptions configures the parts of the router that vary by
// environment.
type RouterOptions struct {
	CORSOrigins []string
	// Scenarios mounts /api/scenarios. Never enable outside development.
	Scenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(hlog.NewHandler(h.logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(h.measure)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", h.metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		if h.auth != nil {
			r.Use(h.auth.Middleware)
		}

		r.Get("/me", h.GetMe)
		r.Get("/leaderboard", h.GetLeaderboard)

		// Points routes
		r.Route("/points", func(r chi.Router) {
			r.Post("/award", h.AwardPoints)
			r.Post("/deduct", h.DeductPoints)
		})

		// Student routes
		r.Route("/students", func(r chi.Router) {
			r.Get("/", h.ListStudents)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.GetTransactions)
		})

		// Store routes
		r.Route("/store/items", func(r chi.Router) {
			r.Get("/", h.ListItems)
			r.Post("/", h.CreateItem)
			r.Put("/{id}", h.UpdateItem)
			r.Post("/{id}/restock", h.RestockItem)
		})

		// Request routes
		r.Route("/requests", func(r chi.Router) {
			r.Get("/", h.ListRequests)
			r.Post("/", h.CreateRequest)
			r.Get("/{id}", h.GetRequest)
			r.Post("/{id}/approve", h.ApproveRequest)
			r.Post("/{id}/reject", h.RejectRequest)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/users", h.CreateUser)
			r.Get("/audit", h.RunAudit)
		})

		// Scenario routes
		if opts.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "route not found", nil)
	})

	return r
}

// Health reports that the store answers.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.ListItems(r.Context()); err != nil {
		logger(r).Error().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// measure records request latency under the matched route pattern, so
// /api/requests/{id} is one series rather than one per ID.
func (h *Handler) measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.ObserveHTTP(route, r.Method, status, time.Since(start))
	})
}
