package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vitaliisemenov/alert-history/internal/idempotency"
	"github.com/vitaliisemenov/alert-history/internal/outbox"
	"github.com/vitaliisemenov/alert-history/internal/saga"
)

// sessionRepo is the narrow slice of session.Repository the
// expire-sessions and gc-revoked-tokens jobs need.
type sessionRepo interface {
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredRevokedTokens(ctx context.Context, cutoff time.Time) (int64, error)
}

// ExpireSessionsJob implements spec.md §4.4's expire-sessions sweep:
// a single bulk UPDATE needs no per-row transaction (no outbox event
// is emitted — sessions going stale on their own clock is not news).
type ExpireSessionsJob struct {
	Repo sessionRepo
}

func (ExpireSessionsJob) Name() string { return "expire-sessions" }

func (j ExpireSessionsJob) Run(ctx context.Context) error {
	if _, err := j.Repo.DeleteExpiredSessions(ctx, time.Now().UTC()); err != nil {
		return fmt.Errorf("expire-sessions: %w", err)
	}
	return nil
}

// GCRevokedTokensJob implements spec.md §4.4's gc-revoked-tokens sweep.
type GCRevokedTokensJob struct {
	Repo sessionRepo
}

func (GCRevokedTokensJob) Name() string { return "gc-revoked-tokens" }

func (j GCRevokedTokensJob) Run(ctx context.Context) error {
	_, err := j.Repo.DeleteExpiredRevokedTokens(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("gc-revoked-tokens: %w", err)
	}
	return nil
}

// GCIdempotencyJob implements spec.md §4.4's gc-idempotency sweep.
type GCIdempotencyJob struct {
	Store idempotency.Store
}

func (GCIdempotencyJob) Name() string { return "gc-idempotency" }

func (j GCIdempotencyJob) Run(ctx context.Context) error {
	_, err := j.Store.DeleteExpiredBefore(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("gc-idempotency: %w", err)
	}
	return nil
}

// GCOutboxJob implements spec.md §4.4's gc-outbox sweep (completed rows
// older than 7 days).
type GCOutboxJob struct {
	Repo outbox.Repository
	TTL  time.Duration
}

func (GCOutboxJob) Name() string { return "gc-outbox" }

func (j GCOutboxJob) Run(ctx context.Context) error {
	ttl := j.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	_, err := j.Repo.DeleteCompletedBefore(ctx, time.Now().UTC().Add(-ttl))
	if err != nil {
		return fmt.Errorf("gc-outbox: %w", err)
	}
	return nil
}

// GCDeadLettersJob implements spec.md §4.4's gc-dead-letters sweep
// (resolved/ignored rows older than 90 days).
type GCDeadLettersJob struct {
	Repo outbox.Repository
	TTL  time.Duration
}

func (GCDeadLettersJob) Name() string { return "gc-dead-letters" }

func (j GCDeadLettersJob) Run(ctx context.Context) error {
	ttl := j.TTL
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	_, err := j.Repo.DeleteDeadLettersBefore(ctx, time.Now().UTC().Add(-ttl))
	if err != nil {
		return fmt.Errorf("gc-dead-letters: %w", err)
	}
	return nil
}

// SagaTimeoutsJob implements spec.md §4.4's two-phase saga-timeouts
// sweep: transition orphaned runs past their deadline to TIMED_OUT,
// then delete old terminal runs.
type SagaTimeoutsJob struct {
	Store      saga.Store
	RetainTerm time.Duration
}

func (SagaTimeoutsJob) Name() string { return "saga-timeouts" }

func (j SagaTimeoutsJob) Run(ctx context.Context) error {
	now := time.Now().UTC()

	timedOut, err := j.Store.TimedOut(ctx, now)
	if err != nil {
		return fmt.Errorf("saga-timeouts: query: %w", err)
	}
	for _, run := range timedOut {
		if err := j.Store.MarkTimedOut(ctx, run.ID); err != nil {
			return fmt.Errorf("saga-timeouts: mark %s: %w", run.ID.String(), err)
		}
	}

	retain := j.RetainTerm
	if retain <= 0 {
		retain = 30 * 24 * time.Hour
	}
	if _, err := j.Store.DeleteCompletedBefore(ctx, now.Add(-retain)); err != nil {
		return fmt.Errorf("saga-timeouts: gc: %w", err)
	}
	return nil
}

// ConsentExpiryJob implements spec.md §4.4's consent-expiry sweep:
// scan, classify, transact-per-row, emit.
type ConsentExpiryJob struct {
	Consents ConsentRepository
	Outbox   outbox.Repository
	Window   time.Duration
}

func (ConsentExpiryJob) Name() string { return "consent-expiry" }

func (j ConsentExpiryJob) Run(ctx context.Context) error {
	window := j.Window
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	now := time.Now().UTC()

	candidates, err := j.Consents.DueForReview(ctx, now, window)
	if err != nil {
		return fmt.Errorf("consent-expiry: scan: %w", err)
	}

	var firstErr error
	for _, c := range candidates {
		newLevel, newStatus, changed := consentEscalation(c, now)
		if !changed {
			continue
		}
		eventType := eventTypeForConsent(newStatus, newLevel)

		err := j.Consents.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
			if err := j.Consents.ApplyTransition(ctx, tx, c.ID, newLevel, newStatus); err != nil {
				return err
			}
			if eventType == "" {
				return nil
			}
			_, err := j.Outbox.AppendEvent(ctx, tx, outbox.NewEvent{
				AggregateType: "consent",
				AggregateID:   c.ID.String(),
				EventType:     eventType,
				Payload: map[string]string{
					"accountId":    c.AccountID.String(),
					"documentType": c.DocumentType,
				},
			})
			return err
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("consent-expiry: row %s: %w", c.ID.String(), err)
		}
	}
	return firstErr
}

// DSRDeadlinesJob implements spec.md §4.4's dsr-deadlines sweep:
// scan, classify, transact-per-row, emit.
type DSRDeadlinesJob struct {
	DSRs   DSRRepository
	Outbox outbox.Repository
	Window time.Duration
}

func (DSRDeadlinesJob) Name() string { return "dsr-deadlines" }

func (j DSRDeadlinesJob) Run(ctx context.Context) error {
	window := j.Window
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	now := time.Now().UTC()

	candidates, err := j.DSRs.DueForReview(ctx, now, window)
	if err != nil {
		return fmt.Errorf("dsr-deadlines: scan: %w", err)
	}

	var firstErr error
	for _, d := range candidates {
		newLevel, changed := dsrEscalation(d, now)
		if !changed {
			continue
		}
		eventType := eventTypeForDSR(newLevel)

		err := j.DSRs.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
			if err := j.DSRs.ApplyTransition(ctx, tx, d.ID, newLevel); err != nil {
				return err
			}
			if eventType == "" {
				return nil
			}
			_, err := j.Outbox.AppendEvent(ctx, tx, outbox.NewEvent{
				AggregateType: "dsr_request",
				AggregateID:   d.ID.String(),
				EventType:     eventType,
				Payload:       map[string]string{"accountId": d.AccountID.String()},
			})
			return err
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("dsr-deadlines: row %s: %w", d.ID.String(), err)
		}
	}
	return firstErr
}
