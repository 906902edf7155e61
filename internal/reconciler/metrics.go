package reconciler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics is the production Metrics implementation, adapted
// from the teacher's internal/outbox metrics.go pattern of a small
// promauto-registered struct per component.
type PrometheusMetrics struct {
	duration      *prometheus.HistogramVec
	rowsTouched   *prometheus.CounterVec
	rowsErrored   *prometheus.CounterVec
	skippedLocked *prometheus.CounterVec
	jobErrors     *prometheus.CounterVec
}

// NewPrometheusMetrics registers reconciler metrics against reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "platform",
			Subsystem: "reconciler",
			Name:      "job_duration_seconds",
			Help:      "Duration of a single reconciler job run.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		rowsTouched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "reconciler",
			Name:      "job_rows_touched_total",
			Help:      "Rows successfully transitioned by a job run.",
		}, []string{"job"}),
		rowsErrored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "reconciler",
			Name:      "job_rows_errored_total",
			Help:      "Rows that failed their per-row transaction.",
		}, []string{"job"}),
		skippedLocked: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "reconciler",
			Name:      "job_skipped_locked_total",
			Help:      "Ticks dropped because the job's lock was already held.",
		}, []string{"job"}),
		jobErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "reconciler",
			Name:      "job_errors_total",
			Help:      "Job runs that returned an error.",
		}, []string{"job"}),
	}
}

func (m *PrometheusMetrics) ObserveJobDuration(job string, d time.Duration) {
	m.duration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *PrometheusMetrics) IncJobRows(job string, touched, errored int) {
	m.rowsTouched.WithLabelValues(job).Add(float64(touched))
	m.rowsErrored.WithLabelValues(job).Add(float64(errored))
}

func (m *PrometheusMetrics) IncJobSkippedLocked(job string) {
	m.skippedLocked.WithLabelValues(job).Inc()
}

func (m *PrometheusMetrics) IncJobError(job string) {
	m.jobErrors.WithLabelValues(job).Inc()
}
