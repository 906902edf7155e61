package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/vitaliisemenov/alert-history/internal/bus"
)

// RelayConfig controls batch size and adaptive poll interval bounds
// (spec.md §4.2 point 3 / §6 "outbox.*" configuration knobs).
type RelayConfig struct {
	BatchSize  int
	MinPoll    time.Duration
	MaxPoll    time.Duration
	SchemaVer  int
}

// DefaultRelayConfig matches spec.md's stated defaults (batch unspecified,
// poll 1s default with 100ms..10s adaptive bounds).
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{BatchSize: 50, MinPoll: 100 * time.Millisecond, MaxPoll: 10 * time.Second, SchemaVer: 1}
}

// RelayMetrics is the narrow surface the relay needs; kept separate
// from saga's Metrics interface since the label sets differ.
type RelayMetrics interface {
	ObserveClaimBatch(n int)
	ObserveDispatchLatency(d time.Duration)
	IncDispatchResult(success bool)
	IncDeadLettered()
}

type noopRelayMetrics struct{}

func (noopRelayMetrics) ObserveClaimBatch(int)              {}
func (noopRelayMetrics) ObserveDispatchLatency(time.Duration) {}
func (noopRelayMetrics) IncDispatchResult(bool)             {}
func (noopRelayMetrics) IncDeadLettered()                   {}

// Relay is the single logical worker per process that claims, dispatches,
// and retires outbox rows. Horizontal scaling across processes happens
// at the database-claim level (Repository.Claim's CAS), not here.
type Relay struct {
	repo      Repository
	publisher bus.Publisher
	cfg       RelayConfig
	metrics   RelayMetrics
	logger    *slog.Logger

	pollInterval time.Duration
}

// NewRelay constructs a Relay. metrics/logger may be nil for sane defaults.
func NewRelay(repo Repository, publisher bus.Publisher, cfg RelayConfig, metrics RelayMetrics, logger *slog.Logger) *Relay {
	if cfg.BatchSize <= 0 {
		cfg = DefaultRelayConfig()
	}
	if metrics == nil {
		metrics = noopRelayMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		repo:         repo,
		publisher:    publisher,
		cfg:          cfg,
		metrics:      metrics,
		logger:       logger,
		pollInterval: cfg.MinPoll * 10, // start near the spec's 1s default
	}
}

// Run polls and dispatches until ctx is canceled. It implements
// spec.md §4.2's adaptive backoff: an empty batch doubles the poll
// interval up to MaxPoll; a full batch halves it down to MinPoll.
func (r *Relay) Run(ctx context.Context) {
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		n := r.tick(ctx)

		switch {
		case n == 0:
			r.pollInterval *= 2
			if r.pollInterval > r.cfg.MaxPoll {
				r.pollInterval = r.cfg.MaxPoll
			}
		case n >= r.cfg.BatchSize:
			r.pollInterval /= 2
			if r.pollInterval < r.cfg.MinPoll {
				r.pollInterval = r.cfg.MinPoll
			}
		}

		timer.Reset(r.pollInterval)
	}
}

// tick claims one batch and dispatches each event, returning the
// number of rows claimed (used to drive the adaptive poll interval).
func (r *Relay) tick(ctx context.Context) int {
	events, err := r.repo.Claim(ctx, r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("outbox: claim failed", "error", err)
		return 0
	}
	r.metrics.ObserveClaimBatch(len(events))

	for _, ev := range events {
		r.dispatch(ctx, ev)
	}
	return len(events)
}

func (r *Relay) dispatch(ctx context.Context, ev Event) {
	env := bus.Envelope{
		ID:            ev.ID.String(),
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		EventType:     ev.EventType,
		OccurredAt:    ev.CreatedAt,
		SchemaVersion: r.cfg.SchemaVer,
		Payload:       json.RawMessage(ev.Payload),
	}
	subject := bus.Subject(ev.AggregateType, ev.EventType)

	start := time.Now()
	err := r.publisher.Publish(ctx, subject, env)
	r.metrics.ObserveDispatchLatency(time.Since(start))

	if err != nil {
		r.metrics.IncDispatchResult(false)
		r.logger.Warn("outbox: dispatch failed, retrying", "event_id", ev.ID.String(), "error", err)
		if markErr := r.repo.MarkFailed(ctx, ev.ID, err); markErr != nil {
			r.logger.Error("outbox: mark failed error", "event_id", ev.ID.String(), "error", markErr)
		} else if ev.RetryCount+1 >= ev.MaxRetries {
			r.metrics.IncDeadLettered()
		}
		return
	}

	r.metrics.IncDispatchResult(true)
	if err := r.repo.MarkCompleted(ctx, ev.ID); err != nil {
		r.logger.Error("outbox: mark completed error", "event_id", ev.ID.String(), "error", err)
	}
}
