// Package metrics provides Prometheus instrumentation for the facilitator.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facilitator",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "facilitator",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthorizationsTotal counts authorization lifecycle transitions.
	AuthorizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facilitator",
			Name:      "authorizations_total",
			Help:      "Total authorization transitions by resulting status.",
		},
		[]string{"status"},
	)

	// VerificationFailuresTotal counts rejected authorizations by reason.
	VerificationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facilitator",
			Name:      "verification_failures_total",
			Help:      "Total verification rejections by reason.",
		},
		[]string{"reason"},
	)

	// BatchesTotal counts settlement batches by terminal status.
	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facilitator",
			Name:      "settlement_batches_total",
			Help:      "Total settlement batches by status.",
		},
		[]string{"status"},
	)

	// DisputesTotal counts dispute transitions.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facilitator",
			Name:      "disputes_total",
			Help:      "Total dispute transitions by status.",
		},
		[]string{"status"},
	)

	// QueueBacklog tracks the settlement queue size.
	QueueBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator",
		Name:      "settlement_queue_backlog",
		Help:      "Number of authorization ids awaiting settlement.",
	})

	// SettlementDuration observes batch creation-to-completion latency.
	SettlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "facilitator",
		Name:      "settlement_duration_seconds",
		Help:      "Time from batch creation to on-chain completion in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 300, 1800},
	})

	// ActiveWebSocketClients tracks connected event-stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator",
		Name:      "goroutines",
		Help:      "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AuthorizationsTotal,
		VerificationFailuresTotal,
		BatchesTotal,
		DisputesTotal,
		QueueBacklog,
		SettlementDuration,
		ActiveWebSocketClients,
		GoroutineCount,
	)
}

// StartRuntimeCollector periodically samples the goroutine count into
// its gauge. Call in a goroutine; exits when ctx is done.
func StartRuntimeCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
