package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchparty_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchparty_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	// Coordinator
	PartyOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchparty_operations_total",
			Help: "Coordinator operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	StoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchparty_store_retries_total",
			Help: "Retries issued after transient store errors",
		},
		[]string{"operation"},
	)

	CodeCollisions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "watchparty_code_collisions_total",
			Help: "Session code candidates rejected because a live session held them",
		},
	)

	StaleParticipantsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "watchparty_stale_sessions_pruned_total",
			Help: "Sessions whose roster changed because stale participants were pruned",
		},
	)

	// Fan-out
	FanoutSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchparty_fanout_subscribers",
			Help: "Current number of local fan-out subscribers",
		},
	)

	FanoutPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchparty_fanout_published_total",
			Help: "Events published by topic",
		},
		[]string{"topic"},
	)

	FanoutDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchparty_fanout_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
		[]string{"topic"},
	)

	SocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchparty_ws_connections",
			Help: "Current number of open WebSocket connections",
		},
	)
)

// RecordOperation counts a coordinator call as ok or by its error code.
func RecordOperation(operation string, code string) {
	if code == "" {
		code = "ok"
	}
	PartyOperations.WithLabelValues(operation, code).Inc()
}

// Middleware records request counts and latency keyed by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
