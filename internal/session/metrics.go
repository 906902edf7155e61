package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics is the production Metrics implementation.
type PrometheusMetrics struct {
	refreshOutcomes *prometheus.CounterVec
	revocations     *prometheus.CounterVec
	bindingRisk     prometheus.Histogram
}

// NewPrometheusMetrics registers session metrics against reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		refreshOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "session",
			Name:      "refresh_outcomes_total",
			Help:      "Refresh attempts by outcome (success, unauthorized, reuse_detected, binding_rejected).",
		}, []string{"outcome"}),
		revocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "session",
			Name:      "revocations_total",
			Help:      "Session revocations by reason.",
		}, []string{"reason"}),
		bindingRisk: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "platform",
			Subsystem: "session",
			Name:      "binding_risk_score",
			Help:      "Computed Zero-Trust binding risk score per refresh.",
			Buckets:   []float64{0, 10, 30, 40, 50, 70, 90, 100, 120},
		}),
	}
}

func (m *PrometheusMetrics) IncRefresh(outcome string)      { m.refreshOutcomes.WithLabelValues(outcome).Inc() }
func (m *PrometheusMetrics) IncRevocation(reason string)    { m.revocations.WithLabelValues(reason).Inc() }
func (m *PrometheusMetrics) ObserveBindingRisk(score int)   { m.bindingRisk.Observe(float64(score)) }
