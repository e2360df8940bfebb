// Package metrics provides Prometheus instrumentation for the billing service.
package metrics

import (
	"context"
	"database/sql"
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
			Namespace: "crewly",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crewly",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ChargesTotal counts gateway charge attempts by operation and outcome.
	ChargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crewly",
			Name:      "charges_total",
			Help:      "Total gateway charge attempts by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	// ChargeAmountCents observes charged amounts in cents by operation.
	ChargeAmountCents = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crewly",
			Name:      "charge_amount_cents",
			Help:      "Charge amounts in cents by operation.",
			Buckets:   []float64{0, 500, 1000, 5000, 10000, 25000, 50000, 100000},
		},
		[]string{"operation"},
	)

	// RenewalsTotal counts renewal units processed by result.
	RenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crewly",
			Name:      "renewals_total",
			Help:      "Renewal engine units processed by result.",
		},
		[]string{"result"},
	)

	// RenewalRunDuration observes full renewal sweep duration.
	RenewalRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "crewly",
			Name:      "renewal_run_duration_seconds",
			Help:      "Duration of a full renewal sweep in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	)

	// WebhookEventsTotal counts inbound gateway webhook events by type and result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crewly",
			Name:      "webhook_events_total",
			Help:      "Inbound gateway webhook events by type and result.",
		},
		[]string{"type", "result"},
	)

	// SubscriptionsByStatus tracks current subscriptions per status.
	SubscriptionsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "crewly",
			Name:      "subscriptions_by_status",
			Help:      "Current subscriptions per lifecycle status.",
		},
		[]string{"status"},
	)

	// GatewayBreakerTransitions counts circuit breaker state transitions for
	// the payment gateway.
	GatewayBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crewly",
			Name:      "gateway_breaker_transitions_total",
			Help:      "Payment gateway circuit breaker state transitions by key.",
		},
		[]string{"key", "from_state", "to_state"},
	)

	// ActiveEventStreamClients tracks connected billing event stream clients.
	ActiveEventStreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crewly",
			Name:      "active_event_stream_clients",
			Help:      "Number of currently connected billing event stream clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crewly", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crewly", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crewly", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crewly", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ChargesTotal,
		ChargeAmountCents,
		RenewalsTotal,
		RenewalRunDuration,
		WebhookEventsTotal,
		GatewayBreakerTransitions,
		SubscriptionsByStatus,
		ActiveEventStreamClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
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
