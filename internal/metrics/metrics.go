// Package metrics provides Prometheus instrumentation for the Brickpay platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brickpay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "brickpay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SupplyReservedTotal counts brick units successfully reserved from the supply ledger.
	SupplyReservedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "brickpay",
		Name:      "supply_reserved_units_total",
		Help:      "Total brick units reserved from the supply ledger.",
	})

	// SupplyExhaustedTotal counts reservation attempts rejected for insufficient supply.
	SupplyExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "brickpay",
		Name:      "supply_exhausted_total",
		Help:      "Total reservation attempts rejected for insufficient supply.",
	})

	// SupplyRemaining tracks the last observed remaining supply.
	SupplyRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "brickpay",
		Name:      "supply_remaining_units",
		Help:      "Remaining sellable brick units.",
	})

	// CreditsTotal counts account credit operations by source (webhook, verify).
	CreditsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brickpay",
			Name:      "credits_total",
			Help:      "Total account credits applied by ingestion source.",
		},
		[]string{"source"},
	)

	// DuplicateDeliveriesTotal counts payment references seen more than once.
	DuplicateDeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "brickpay",
		Name:      "duplicate_deliveries_total",
		Help:      "Total duplicate payment deliveries dropped by the idempotency check.",
	})

	// AccountRaceRetriesTotal counts account creations that lost the unique-constraint
	// race and were resolved by a retry.
	AccountRaceRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "brickpay",
		Name:      "account_race_retries_total",
		Help:      "Total account-creation races resolved by a single retry.",
	})

	// EscrowCreatedTotal counts escrows created.
	EscrowCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "brickpay",
		Name:      "escrow_created_total",
		Help:      "Total escrows created.",
	})

	// EscrowReleasedTotal counts escrows released to sellers.
	EscrowReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "brickpay",
		Name:      "escrow_released_total",
		Help:      "Total escrows released (funds sent to seller).",
	})

	// EscrowDisputedTotal counts escrows disputed.
	EscrowDisputedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "brickpay",
		Name:      "escrow_disputed_total",
		Help:      "Total escrows disputed.",
	})

	// EscrowDuration observes time from escrow creation to resolution.
	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "brickpay",
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow creation to resolution in seconds.",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 86400},
	})

	// ConversionFallbacksTotal counts conversions served from the static fallback rate.
	ConversionFallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "brickpay",
		Name:      "conversion_fallbacks_total",
		Help:      "Total conversions that fell back to the static configured rate.",
	})

	// NotificationsTotal counts outbound notification deliveries by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brickpay",
			Name:      "notifications_total",
			Help:      "Total outbound notification deliveries by result.",
		},
		[]string{"result"},
	)

	// WebhookFailuresTotal counts provider webhooks that were acknowledged but
	// failed internal processing (flagged for manual reconciliation).
	WebhookFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "brickpay",
		Name:      "webhook_processing_failures_total",
		Help:      "Provider webhooks acknowledged but failed internally.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "brickpay", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "brickpay", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "brickpay", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "brickpay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SupplyReservedTotal,
		SupplyExhaustedTotal,
		SupplyRemaining,
		CreditsTotal,
		DuplicateDeliveriesTotal,
		AccountRaceRetriesTotal,
		EscrowCreatedTotal,
		EscrowReleasedTotal,
		EscrowDisputedTotal,
		EscrowDuration,
		ConversionFallbacksTotal,
		NotificationsTotal,
		WebhookFailuresTotal,
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

func statusBucket(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
