package outbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRelayMetrics is the production RelayMetrics implementation,
// adapted from the teacher's internal/infrastructure/publishing queue
// metrics (claim/dispatch/DLQ counters via promauto).
type PrometheusRelayMetrics struct {
	claimBatch       prometheus.Histogram
	dispatchLatency  prometheus.Histogram
	dispatchResults  *prometheus.CounterVec
	deadLettered     prometheus.Counter
}

// NewPrometheusRelayMetrics registers outbox relay metrics against reg.
func NewPrometheusRelayMetrics(reg prometheus.Registerer) *PrometheusRelayMetrics {
	factory := promauto.With(reg)
	return &PrometheusRelayMetrics{
		claimBatch: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "platform",
			Subsystem: "outbox",
			Name:      "claim_batch_size",
			Help:      "Number of rows claimed per relay tick.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
		dispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "platform",
			Subsystem: "outbox",
			Name:      "dispatch_latency_seconds",
			Help:      "Latency of a single bus publish call.",
			Buckets:   prometheus.DefBuckets,
		}),
		dispatchResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "outbox",
			Name:      "dispatch_results_total",
			Help:      "Dispatch outcomes by success/failure.",
		}, []string{"success"}),
		deadLettered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "outbox",
			Name:      "dead_lettered_total",
			Help:      "Events moved to the dead-letter table.",
		}),
	}
}

func (m *PrometheusRelayMetrics) ObserveClaimBatch(n int) {
	m.claimBatch.Observe(float64(n))
}

func (m *PrometheusRelayMetrics) ObserveDispatchLatency(d time.Duration) {
	m.dispatchLatency.Observe(d.Seconds())
}

func (m *PrometheusRelayMetrics) IncDispatchResult(success bool) {
	label := "false"
	if success {
		label = "true"
	}
	m.dispatchResults.WithLabelValues(label).Inc()
}

func (m *PrometheusRelayMetrics) IncDeadLettered() {
	m.deadLettered.Inc()
}
