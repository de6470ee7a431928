/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Recoverer:  Panic recovery (500 instead of crash)
  2. RequestID:  Unique ID per request for tracing
  3. Logger:     Structured request logging (zerolog)
  4. Metrics:    Prometheus request counters and latency
  5. CORS:       Cross-origin requests for a frontend

ROUTE GROUPS:
  /api/transactions/*   Submission and edits
  /api/items/*          State, audit trail, replay, rollback
  /api/replay           Replay every item
  /api/scenarios/*      Demo data (resets the database)
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/warp/trade-ledger/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(log.With().Str("component", "http").Logger()))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.SubmitTransaction)
			r.Get("/{id}", h.GetTransaction)
			r.Put("/{id}", h.UpdateTransaction)
			r.Delete("/{id}", h.DeleteTransaction)
			r.Post("/{id}/enable", h.EnableTransaction)
			r.Post("/{id}/disable", h.DisableTransaction)
		})

		r.Route("/items", func(r chi.Router) {
			r.Get("/", h.ListItems)
			r.Put("/{id}", h.SaveItem)
			r.Get("/{id}/state", h.GetState)
			r.Get("/{id}/transactions", h.GetItemTransactions)
			r.Get("/{id}/snapshots", h.GetSnapshots)
			r.Post("/{id}/replay", h.ReplayItem)
			r.Post("/{id}/rollback", h.RollbackItem)
			r.Post("/{id}/reset", h.ResetItem)
		})

		r.Post("/replay", h.ReplayAll)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger logs one line per HTTP request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration_ms", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("HTTP request")
		})
	}
}
