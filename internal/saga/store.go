package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitaliisemenov/alert-history/internal/ids"
)

// Run is the durable snapshot of one saga execution, persisted when
// Options.Durable is set (spec.md §3 "durable copy optional"). It
// gives the reconciler's saga-timeouts job (§4.4) something to scan:
// a saga whose TimeoutAt has passed without a terminal Status is
// presumed to have died with its process and is force-transitioned to
// TIMED_OUT.
type Run struct {
	ID          ids.ID
	Name        string
	Status      Status
	StepsJSON   json.RawMessage
	Error       string
	StartedAt   time.Time
	TimeoutAt   time.Time
	CompletedAt *time.Time
}

// IsTerminal reports whether status ends a saga run (no further
// transitions are expected).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensated, StatusCompFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Store is the durable-store surface Execute (when Options.Durable)
// and the reconciler's saga-timeouts job need.
type Store interface {
	// Upsert writes or updates one saga's terminal or in-flight snapshot.
	Upsert(ctx context.Context, run Run) error
	// TimedOut returns non-terminal runs whose TimeoutAt has passed —
	// orphaned by a crashed process, since a live orchestrator would
	// have already transitioned them itself.
	TimedOut(ctx context.Context, now time.Time) ([]Run, error)
	// MarkTimedOut transitions one row to TIMED_OUT.
	MarkTimedOut(ctx context.Context, id ids.ID) error
	// DeleteCompletedBefore deletes terminal runs older than cutoff
	// (spec.md §4.4 saga-timeouts job's second phase: "completed sagas
	// older than 30d -> delete").
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostgresStore is the pgx-backed Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Upsert(ctx context.Context, run Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO saga_runs (id, name, status, steps, error, started_at, timeout_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, steps = EXCLUDED.steps,
			error = EXCLUDED.error, completed_at = EXCLUDED.completed_at`,
		run.ID, run.Name, run.Status, run.StepsJSON, run.Error, run.StartedAt, run.TimeoutAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("saga: upsert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) TimedOut(ctx context.Context, now time.Time) ([]Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, status, steps, error, started_at, timeout_at, completed_at
		FROM saga_runs
		WHERE completed_at IS NULL AND timeout_at < $1`, now)
	if err != nil {
		return nil, fmt.Errorf("saga: query timed out runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Name, &r.Status, &r.StepsJSON, &r.Error, &r.StartedAt, &r.TimeoutAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("saga: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkTimedOut(ctx context.Context, id ids.ID) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE saga_runs SET status = $1, completed_at = $2
		WHERE id = $3 AND completed_at IS NULL`, StatusTimedOut, now, id)
	if err != nil {
		return fmt.Errorf("saga: mark timed out: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM saga_runs WHERE completed_at IS NOT NULL AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("saga: gc completed runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
