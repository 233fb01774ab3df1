// Package metrics provides Prometheus instrumentation for the visitlens service.
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
			Namespace: "visitlens",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "visitlens",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// VisitsIngestedTotal counts raw visit events accepted by the collector.
	VisitsIngestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "visitlens",
		Name:      "visits_ingested_total",
		Help:      "Total raw visit events accepted by the collect endpoint.",
	})

	// VisitsRejectedTotal counts visit submissions rejected before storage.
	VisitsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visitlens",
			Name:      "visits_rejected_total",
			Help:      "Total visit submissions rejected by reason.",
		},
		[]string{"reason"},
	)

	// BatchRunsTotal counts materializer batch runs by outcome.
	BatchRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visitlens",
			Name:      "batch_runs_total",
			Help:      "Total materializer batch runs by outcome (ok, empty, skipped, error).",
		},
		[]string{"outcome"},
	)

	// RowsMaterializedTotal counts parsed records written by the pipeline.
	RowsMaterializedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "visitlens",
		Name:      "rows_materialized_total",
		Help:      "Total parsed records written by the materializer.",
	})

	// LockContentionTotal counts batch runs skipped because another runner
	// held the pipeline advisory lock.
	LockContentionTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "visitlens",
		Name:      "lock_contention_total",
		Help:      "Total batch runs skipped due to advisory lock contention.",
	})

	// BatchDuration observes wall time of a full materializer batch.
	BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "visitlens",
		Name:      "batch_duration_seconds",
		Help:      "Materializer batch duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// BotScore observes the bot score distribution of materialized records.
	BotScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "visitlens",
		Name:      "bot_score",
		Help:      "Bot score distribution of materialized visit records.",
		Buckets:   []float64{0, 5, 10, 15, 20, 30, 40, 60, 80, 120},
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "visitlens",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "visitlens", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "visitlens", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "visitlens", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "visitlens", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "visitlens", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "visitlens", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		VisitsIngestedTotal,
		VisitsRejectedTotal,
		BatchRunsTotal,
		RowsMaterializedTotal,
		LockContentionTotal,
		BatchDuration,
		BotScore,
		ActiveWebSocketClients,
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
