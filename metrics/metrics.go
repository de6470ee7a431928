// Package metrics provides Prometheus instrumentation for the trade ledger.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Replay outcomes.
const (
	OutcomeOK         = "ok"
	OutcomeMalformed  = "malformed"
	OutcomeOutOfOrder = "out_of_order"
	OutcomeCanceled   = "canceled"
	OutcomeError      = "error"
)

var (
	// TransactionsApplied counts transactions applied by the replay engine, by kind.
	TransactionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transactions_applied_total",
		Help: "Transactions applied during replay",
	}, []string{"kind"})

	// Replays counts item replays by outcome.
	Replays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_replays_total",
		Help: "Item replays by outcome",
	}, []string{"outcome"})

	// ReplayDuration tracks how long one item replay takes.
	ReplayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_replay_duration_seconds",
		Help:    "Item replay duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	Rollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_rollbacks_total",
		Help: "Rollbacks performed",
	})

	// Invalidated counts transactions whose derived values were zeroed by a rollback.
	Invalidated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_invalidated_transactions_total",
		Help: "Transactions invalidated by rollback",
	})

	// Warnings counts recoverable replay warnings by code.
	Warnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_replay_warnings_total",
		Help: "Recoverable replay warnings",
	}, []string{"code"})

	// ScheduledRuns counts cron-triggered full replays by outcome.
	ScheduledRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_scheduled_replays_total",
		Help: "Scheduled full replays by outcome",
	}, []string{"outcome"})

	// CacheLookups counts state cache lookups by result (hit, miss, error).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_state_cache_lookups_total",
		Help: "State cache lookups",
	}, []string{"result"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps the path label low-cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
