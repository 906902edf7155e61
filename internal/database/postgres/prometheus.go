// Package postgres provides PostgreSQL database connection pooling with Prometheus metrics export.
package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PoolStatsProvider is an interface for providing pool statistics.
// This allows for easier testing and decoupling from concrete PostgresPool implementation.
type PoolStatsProvider interface {
	Stats() PoolStats
}

// PrometheusExporter periodically reads PoolStats and pushes them to
// Prometheus Gauge/Counter/Histogram metrics, bridging the pool's
// internal atomic counters (fast, lock-free) to the scrapable registry
// every other component in this process registers against (matching
// outbox.PrometheusRelayMetrics's promauto-struct convention).
type PrometheusExporter struct {
	pool   PoolStatsProvider
	logger *slog.Logger

	connectionsActive *prometheus.GaugeVec
	connectionsIdle   prometheus.Gauge
	queryDuration     *prometheus.HistogramVec
	queriesTotal      *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	connectionWait    prometheus.Histogram

	cancelFunc context.CancelFunc
}

// NewPrometheusExporter registers pool-stats metrics against reg and
// returns an exporter ready to poll pool for PoolStats.
func NewPrometheusExporter(pool PoolStatsProvider, reg prometheus.Registerer) *PrometheusExporter {
	factory := promauto.With(reg)
	return &PrometheusExporter{
		pool:   pool,
		logger: slog.Default(),
		connectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "platform",
			Subsystem: "db_pool",
			Name:      "connections_active",
			Help:      "Connections currently checked out of the pool.",
		}, []string{"pool"}),
		connectionsIdle: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "platform",
			Subsystem: "db_pool",
			Name:      "connections_idle",
			Help:      "Connections currently idle in the pool.",
		}),
		queryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "platform",
			Subsystem: "db_pool",
			Name:      "query_duration_seconds",
			Help:      "Observed query duration by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		queriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "db_pool",
			Name:      "queries_total",
			Help:      "Queries executed, by operation and outcome.",
		}, []string{"operation", "status"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "db_pool",
			Name:      "errors_total",
			Help:      "Pool errors by kind (connection/query/timeout).",
		}, []string{"kind"}),
		connectionWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "platform",
			Subsystem: "db_pool",
			Name:      "connection_wait_seconds",
			Help:      "Time spent waiting to acquire a pooled connection.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Start begins periodic export of database pool metrics to Prometheus.
//
// Runs in a background goroutine, exporting metrics at the specified interval.
// Call Stop() to gracefully shut down the exporter.
func (e *PrometheusExporter) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancelFunc = cancel

	e.exportMetrics()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.exportMetrics()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop gracefully stops the Prometheus exporter, performing one final
// export before returning.
func (e *PrometheusExporter) Stop() {
	if e.cancelFunc != nil {
		e.cancelFunc()
	}
	e.exportMetrics()
}

func (e *PrometheusExporter) exportMetrics() {
	if e.pool == nil {
		e.logger.Warn("prometheus exporter has no pool, skipping metrics export")
		return
	}

	stats := e.pool.Stats()

	e.connectionsActive.WithLabelValues("default").Set(float64(stats.ActiveConnections))
	e.connectionsIdle.Set(float64(stats.IdleConnections))

	if stats.TotalQueries > 0 {
		avgQueryDuration := stats.QueryExecutionTime.Seconds() / float64(stats.TotalQueries)
		e.queryDuration.WithLabelValues("all").Observe(avgQueryDuration)
		e.queriesTotal.WithLabelValues("all", "ok").Add(float64(stats.TotalQueries))
	}

	if stats.ConnectionErrors > 0 {
		e.errorsTotal.WithLabelValues("connection").Add(float64(stats.ConnectionErrors))
	}
	if stats.QueryErrors > 0 {
		e.errorsTotal.WithLabelValues("query").Add(float64(stats.QueryErrors))
	}
	if stats.TimeoutErrors > 0 {
		e.errorsTotal.WithLabelValues("timeout").Add(float64(stats.TimeoutErrors))
	}
}

// RecordConnectionWait records an observed time spent waiting for a
// database connection. Nothing in PostgresPool calls it; callers that
// measure the wait report it here.
func (e *PrometheusExporter) RecordConnectionWait(duration time.Duration) {
	e.connectionWait.Observe(duration.Seconds())
}

// RecordQuery records a database query execution.
func (e *PrometheusExporter) RecordQuery(operation string, duration time.Duration, success bool) {
	status := "ok"
	if !success {
		status = "error"
	}
	e.queryDuration.WithLabelValues(operation).Observe(duration.Seconds())
	e.queriesTotal.WithLabelValues(operation, status).Inc()
}
