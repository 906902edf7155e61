package saga

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics is the production Metrics implementation,
// registered via promauto following the teacher's pervasive
// internal/infrastructure/publishing metrics convention.
type PrometheusMetrics struct {
	stepDuration  *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	compensations *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
}

// NewPrometheusMetrics registers saga metrics against reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "platform",
			Subsystem: "saga",
			Name:      "step_duration_seconds",
			Help:      "Duration of a single saga step execution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"saga_name", "step_name"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "saga",
			Name:      "step_retries_total",
			Help:      "Number of step retry attempts.",
		}, []string{"saga_name", "step_name"}),
		compensations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "saga",
			Name:      "compensations_total",
			Help:      "Number of compensation invocations, by outcome.",
		}, []string{"saga_name", "step_name", "failed"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "saga",
			Name:      "outcomes_total",
			Help:      "Terminal saga status counts.",
		}, []string{"saga_name", "status"}),
	}
}

func (m *PrometheusMetrics) ObserveStepDuration(sagaName, stepName string, d time.Duration) {
	m.stepDuration.WithLabelValues(sagaName, stepName).Observe(d.Seconds())
}

func (m *PrometheusMetrics) IncRetry(sagaName, stepName string) {
	m.retries.WithLabelValues(sagaName, stepName).Inc()
}

func (m *PrometheusMetrics) IncCompensation(sagaName, stepName string, failed bool) {
	label := "false"
	if failed {
		label = "true"
	}
	m.compensations.WithLabelValues(sagaName, stepName, label).Inc()
}

func (m *PrometheusMetrics) ObserveOutcome(sagaName string, status Status) {
	m.outcomes.WithLabelValues(sagaName, string(status)).Inc()
}
