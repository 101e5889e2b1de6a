// Package metrics provides Prometheus instrumentation for the platform.
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
			Namespace: "packlane",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "packlane",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RunsSubmittedTotal counts run submissions by result.
	RunsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "packlane",
			Name:      "runs_submitted_total",
			Help:      "Total run submissions by result (accepted, replayed, budget_exceeded, error).",
		},
		[]string{"result"},
	)

	// FinalizeTotal counts finalize attempts by actor and outcome.
	// Outcomes: committed, claim_lost, settle_lost, error.
	FinalizeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "packlane",
			Name:      "finalize_total",
			Help:      "Total finalize attempts by actor (worker, reaper) and outcome.",
		},
		[]string{"actor", "outcome"},
	)

	// BudgetOpsTotal counts budget engine operations by op and status.
	BudgetOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "packlane",
			Name:      "budget_ops_total",
			Help:      "Total budget engine operations by op (reserve, settle, refund) and status.",
		},
		[]string{"op", "status"},
	)

	// ReconcilerRecoveriesTotal counts reconciler recoveries by kind.
	// Kinds: expired_lease, roll_forward, roll_back, force_settle, audit_required.
	ReconcilerRecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "packlane",
			Name:      "reconciler_recoveries_total",
			Help:      "Total reconciler recoveries by kind.",
		},
		[]string{"kind"},
	)

	// ReconcilerSweepDuration observes sweep duration by sweep name.
	ReconcilerSweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "packlane",
			Name:      "reconciler_sweep_duration_seconds",
			Help:      "Reconciler sweep duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)

	// RunDuration observes time from submit to terminal state.
	RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "packlane",
		Name:      "run_duration_seconds",
		Help:      "Time from run creation to terminal state in seconds.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "packlane", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "packlane", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// RunsAwaitingAudit tracks runs parked in AUDIT_REQUIRED.
	RunsAwaitingAudit = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "packlane", Name: "runs_awaiting_audit",
		Help: "Runs parked for manual audit.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "packlane", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RunsSubmittedTotal,
		FinalizeTotal,
		BudgetOpsTotal,
		ReconcilerRecoveriesTotal,
		ReconcilerSweepDuration,
		RunDuration,
		DBOpenConnections,
		DBInUseConnections,
		RunsAwaitingAudit,
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
