// Package metrics exposes Prometheus collectors for the notification core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fajr_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fajr_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fajr_notifications_enqueued_total",
			Help: "Enqueue calls by category and outcome (created, deduplicated, suppressed)",
		},
		[]string{"category", "outcome"},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fajr_notifications_processed_total",
			Help: "Queue rows processed by terminal outcome and category",
		},
		[]string{"outcome", "category"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fajr_delivery_latency_seconds",
			Help:    "Time from scheduled execute_at to delivery outcome",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"category"},
	)

	endpointDeactivations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fajr_endpoint_deactivations_total",
			Help: "Device endpoints deactivated after permanent push failures",
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fajr_queue_depth",
			Help: "Current queue rows by status",
		},
		[]string{"status"},
	)

	staleClaimsReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fajr_stale_claims_released_total",
			Help: "Processing rows reverted to pending by the staleness sweep",
		},
	)

	logsCleanedUp = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fajr_notification_logs_deleted_total",
			Help: "Log rows removed by retention cleanup",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fajr_idempotency_hits_total",
			Help: "Enqueue requests served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fajr_rate_limit_rejections_total",
			Help: "Requests rejected by the API rate limiter",
		},
		[]string{"key"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEnqueue records an enqueue call outcome.
func RecordEnqueue(category, outcome string) {
	notificationsEnqueued.WithLabelValues(category, outcome).Inc()
}

// RecordProcessed records a queue row reaching a terminal outcome.
func RecordProcessed(outcome, category string) {
	notificationsProcessed.WithLabelValues(outcome, category).Inc()
}

// RecordDeliveryLatency records scheduled-to-delivered latency.
func RecordDeliveryLatency(category string, latency time.Duration) {
	deliveryLatency.WithLabelValues(category).Observe(latency.Seconds())
}

// RecordEndpointDeactivated counts a dead device endpoint.
func RecordEndpointDeactivated() {
	endpointDeactivations.Inc()
}

// SetQueueDepth sets the current row count for a queue status.
func SetQueueDepth(status string, count int64) {
	queueDepth.WithLabelValues(status).Set(float64(count))
}

// RecordStaleClaimsReleased counts rows recovered by the staleness sweep.
func RecordStaleClaimsReleased(count int64) {
	staleClaimsReleased.Add(float64(count))
}

// RecordLogsCleanedUp counts log rows removed by retention cleanup.
func RecordLogsCleanedUp(count int64) {
	logsCleanedUp.Add(float64(count))
}

// RecordIdempotencyHit records an enqueue served from the cache.
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection.
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
