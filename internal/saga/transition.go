package saga

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vitaliisemenov/alert-history/internal/ids"
	"github.com/vitaliisemenov/alert-history/internal/outbox"
	"github.com/vitaliisemenov/alert-history/internal/txutil"
)

// OutboxTransitionPublisher is the production TransitionPublisher: each
// transition the orchestrator reports is appended to the outbox as a
// SAGA_TRANSITION event in its own transaction. These events are not
// paired one-to-one with the durable Store's saga_runs writes, which
// happen separately.
type OutboxTransitionPublisher struct {
	tx     txutil.Runner
	outbox outbox.Repository
}

// NewOutboxTransitionPublisher constructs an OutboxTransitionPublisher.
func NewOutboxTransitionPublisher(tx txutil.Runner, repo outbox.Repository) *OutboxTransitionPublisher {
	return &OutboxTransitionPublisher{tx: tx, outbox: repo}
}

func (p *OutboxTransitionPublisher) PublishTransition(ctx context.Context, sagaID ids.ID, sagaName string, status Status, stepName string, stepStatus Status) error {
	err := p.tx.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := p.outbox.AppendEvent(ctx, tx, outbox.NewEvent{
			AggregateType: "saga",
			AggregateID:   sagaID.String(),
			EventType:     "SAGA_TRANSITION",
			Payload: map[string]string{
				"sagaName":   sagaName,
				"status":     string(status),
				"stepName":   stepName,
				"stepStatus": string(stepStatus),
			},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("saga: publish transition: %w", err)
	}
	return nil
}
