// Package metrics provides Prometheus instrumentation for kioskpay.
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
			Namespace: "kioskpay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kioskpay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PaymentsCreatedTotal counts payment requests accepted for processing.
	PaymentsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kioskpay",
		Name:      "payments_created_total",
		Help:      "Total payment requests created.",
	})

	// PaymentTransitionsTotal counts applied lifecycle transitions by target status.
	PaymentTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kioskpay",
			Name:      "payment_transitions_total",
			Help:      "Total lifecycle transitions applied, by resulting status.",
		},
		[]string{"status"},
	)

	// PaymentHintsIgnoredTotal counts hints dropped by the transition table.
	PaymentHintsIgnoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kioskpay",
			Name:      "payment_hints_ignored_total",
			Help:      "Total lifecycle hints ignored, by hint.",
		},
		[]string{"hint"},
	)

	// PaymentSettleDuration observes time from creation to a terminal status.
	PaymentSettleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kioskpay",
		Name:      "payment_settle_duration_seconds",
		Help:      "Time from payment creation to terminal status in seconds.",
		Buckets:   []float64{1, 5, 10, 30, 60, 90, 120, 180, 300},
	})

	// ProviderRequestsTotal counts provider API calls by operation and result.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kioskpay",
			Name:      "provider_requests_total",
			Help:      "Total provider API requests by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// ProviderRequestDuration observes provider API latency by operation.
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kioskpay",
			Name:      "provider_request_duration_seconds",
			Help:      "Provider API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// WebhooksReceivedTotal counts inbound provider webhooks by outcome.
	WebhooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kioskpay",
			Name:      "webhooks_received_total",
			Help:      "Total inbound provider webhooks by outcome.",
		},
		[]string{"outcome"},
	)

	// CallbackDeliveriesTotal counts outbound callback attempts by result.
	CallbackDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kioskpay",
			Name:      "callback_deliveries_total",
			Help:      "Total terminal-state callback deliveries by result.",
		},
		[]string{"result"},
	)

	// MonitorWorkersActive tracks currently running payment monitor workers.
	MonitorWorkersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kioskpay",
		Name:      "monitor_workers_active",
		Help:      "Number of payment monitor workers currently running.",
	})

	// EventsPublishedTotal counts events appended to client event logs.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kioskpay",
			Name:      "events_published_total",
			Help:      "Total events appended to client event logs, by type.",
		},
		[]string{"type"},
	)

	// StreamSubscribersActive tracks connected SSE and WebSocket subscribers.
	StreamSubscribersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kioskpay",
			Name:      "stream_subscribers_active",
			Help:      "Number of currently connected event stream subscribers.",
		},
		[]string{"transport"},
	)

	// AuthTokensIssuedTotal counts successfully minted bearer tokens.
	AuthTokensIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kioskpay",
		Name:      "auth_tokens_issued_total",
		Help:      "Total bearer tokens issued.",
	})

	// AuthFailuresTotal counts failed authentication attempts by reason.
	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kioskpay",
			Name:      "auth_failures_total",
			Help:      "Total failed authentication attempts by reason.",
		},
		[]string{"reason"},
	)

	// RateLimitedTotal counts requests rejected by a rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kioskpay",
			Name:      "rate_limited_total",
			Help:      "Total requests rejected by rate limiting, by limiter.",
		},
		[]string{"limiter"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kioskpay", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kioskpay", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kioskpay", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kioskpay", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kioskpay", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kioskpay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	// Both transports are exported at zero before any subscriber connects.
	StreamSubscribersActive.WithLabelValues("sse")
	StreamSubscribersActive.WithLabelValues("ws")
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PaymentsCreatedTotal,
		PaymentTransitionsTotal,
		PaymentHintsIgnoredTotal,
		PaymentSettleDuration,
		ProviderRequestsTotal,
		ProviderRequestDuration,
		WebhooksReceivedTotal,
		CallbackDeliveriesTotal,
		MonitorWorkersActive,
		EventsPublishedTotal,
		StreamSubscribersActive,
		AuthTokensIssuedTotal,
		AuthFailuresTotal,
		RateLimitedTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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
