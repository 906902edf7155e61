// Package auditlog emits structured audit records for security-relevant
// incidents (refresh-token reuse, binding-risk rejection) independent
// of the transactional outbox. It is a log/metrics sink, not a durable
// store: the ClickHouse/OTLP pipelines that would ingest these records
// are external collaborators out of scope (spec.md §1).
package auditlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vitaliisemenov/alert-history/internal/ids"
)

// Sink implements session.AuditSink.
type Sink struct {
	logger    *slog.Logger
	incidents *prometheus.CounterVec
}

// New constructs a Sink. reg may be nil to skip metrics registration
// (used in tests); logger may be nil for slog.Default().
func New(reg prometheus.Registerer, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{logger: logger}
	if reg != nil {
		s.incidents = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "auditlog",
			Name:      "security_incidents_total",
			Help:      "Security incidents recorded by kind.",
		}, []string{"kind"})
	}
	return s
}

// RecordSecurityIncident logs the incident at error severity, per
// spec.md §7: "Always logged with severity error."
func (s *Sink) RecordSecurityIncident(_ context.Context, kind string, accountID ids.ID, detail string) {
	s.logger.Error("security incident",
		"kind", kind,
		"account_id", accountID.String(),
		"detail", detail,
		"occurred_at", time.Now().UTC(),
	)
	if s.incidents != nil {
		s.incidents.WithLabelValues(kind).Inc()
	}
}
