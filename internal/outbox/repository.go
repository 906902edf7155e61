package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitaliisemenov/alert-history/internal/ids"
	"github.com/vitaliisemenov/alert-history/internal/txutil"
)

// Repository is the durable-store surface the relay worker and the
// reconciler's gc-outbox / gc-dead-letters jobs need. The production
// implementation is Postgres-backed via pgx; tests use a fake behind
// this interface rather than mocking the driver, matching the
// teacher's internal/infrastructure/cache/redis_test.go convention.
type Repository interface {
	// AppendEvent inserts a PENDING event using tx. Calling it with a
	// nil tx is a programming error (spec invariant I1) and fails fast.
	AppendEvent(ctx context.Context, tx pgx.Tx, ev NewEvent) (ids.ID, error)

	// Claim selects up to batchSize PENDING or due-for-retry FAILED
	// rows, ordered by createdAt, CAS-transitioning each to PROCESSING.
	// Rows belonging to an aggregate whose earlier event is still
	// in-flight (PROCESSING or FAILED-awaiting-retry) are skipped to
	// preserve per-aggregate FIFO ordering.
	Claim(ctx context.Context, batchSize int) ([]Event, error)

	// MarkCompleted transitions id PROCESSING -> COMPLETED.
	MarkCompleted(ctx context.Context, id ids.ID) error

	// MarkFailed records a dispatch failure. If the event's retry
	// budget is exhausted it is moved to the dead-letter table and
	// removed from the outbox instead of being marked FAILED.
	MarkFailed(ctx context.Context, id ids.ID, dispatchErr error) error

	// DeleteCompletedBefore deletes COMPLETED rows processed before cutoff.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// DeadLetters returns dead-letter rows matching status (or all when empty).
	DeadLetters(ctx context.Context, status DeadLetterStatus, limit int) ([]DeadLetterEvent, error)
	ResolveDeadLetter(ctx context.Context, id ids.ID, status DeadLetterStatus) error
	DeleteDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostgresRepository is the pgx-backed Repository implementation.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository wraps pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// AppendEvent implements Repository. It is the only write path domain
// code should use from inside a producer transaction.
func (r *PostgresRepository) AppendEvent(ctx context.Context, tx pgx.Tx, ev NewEvent) (ids.ID, error) {
	if err := txutil.RequireTx(tx); err != nil {
		return ids.Nil, err
	}

	payload, err := toPayload(ev.Payload)
	if err != nil {
		return ids.Nil, fmt.Errorf("outbox: marshal payload: %w", err)
	}

	maxRetries := ev.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	id := ids.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events
			(id, aggregate_type, aggregate_id, event_type, payload, status, retry_count, max_retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)`,
		id, ev.AggregateType, ev.AggregateID, ev.EventType, payload, StatusPending, maxRetries, time.Now().UTC())
	if err != nil {
		return ids.Nil, fmt.Errorf("outbox: insert event: %w", err)
	}
	return id, nil
}

// Claim implements Repository's batch claim with per-aggregate FIFO.
// The in-flight subquery enforces "never claim a second row for an
// aggregate whose earlier event is currently PROCESSING or
// FAILED-awaiting-retry" (spec.md §4.2 point 4).
func (r *PostgresRepository) Claim(ctx context.Context, batchSize int) ([]Event, error) {
	var claimed []Event

	err := txutil.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, aggregate_type, aggregate_id, event_type, payload,
			       status, retry_count, max_retries, last_error, processed_at,
			       retry_after, created_at
			FROM outbox_events o
			WHERE (status = $1 OR (status = $2 AND retry_after <= $3))
			  AND NOT EXISTS (
			        SELECT 1 FROM outbox_events earlier
			        WHERE earlier.aggregate_type = o.aggregate_type
			          AND earlier.aggregate_id = o.aggregate_id
			          AND earlier.created_at < o.created_at
			          AND earlier.status IN ($2, $4)
			      )
			ORDER BY created_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED`,
			StatusPending, StatusFailed, time.Now().UTC(), StatusProcessing, batchSize)
		if err != nil {
			return fmt.Errorf("outbox: claim query: %w", err)
		}
		defer rows.Close()

		var candidates []Event
		for rows.Next() {
			ev, scanErr := scanEvent(rows)
			if scanErr != nil {
				return scanErr
			}
			candidates = append(candidates, ev)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, ev := range candidates {
			tag, err := tx.Exec(ctx, `
				UPDATE outbox_events SET status = $1
				WHERE id = $2 AND status = $3`,
				StatusProcessing, ev.ID, ev.Status)
			if err != nil {
				return fmt.Errorf("outbox: claim cas: %w", err)
			}
			if tag.RowsAffected() == 0 {
				// Lost the CAS race to another worker; skip it.
				continue
			}
			ev.Status = StatusProcessing
			claimed = append(claimed, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkCompleted implements Repository.
func (r *PostgresRepository) MarkCompleted(ctx context.Context, id ids.ID) error {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events SET status = $1, processed_at = $2
		WHERE id = $3 AND status = $4`,
		StatusCompleted, now, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("outbox: mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// MarkFailed implements Repository, moving exhausted events to the
// dead-letter table atomically with their outbox row deletion.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id ids.ID, dispatchErr error) error {
	return txutil.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		var ev Event
		row := tx.QueryRow(ctx, `
			SELECT id, aggregate_type, aggregate_id, event_type, payload,
			       status, retry_count, max_retries, last_error, processed_at,
			       retry_after, created_at
			FROM outbox_events WHERE id = $1 FOR UPDATE`, id)
		scanned, err := scanEvent(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrEventNotFound
		}
		if err != nil {
			return err
		}
		ev = scanned

		errMsg := dispatchErr.Error()
		ev.RetryCount++

		if ev.RetryCount >= ev.MaxRetries {
			dl := DeadLetterEvent{
				ID:               ids.New(),
				OriginalOutboxID: ev.ID,
				AggregateType:    ev.AggregateType,
				AggregateID:      ev.AggregateID,
				EventType:        ev.EventType,
				Payload:          ev.Payload,
				RetryCount:       ev.RetryCount,
				LastError:        &errMsg,
				Status:           DeadLetterUnresolved,
				FirstFailedAt:    ev.CreatedAt,
				CreatedAt:        time.Now().UTC(),
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO dead_letter_events
					(id, original_outbox_id, aggregate_type, aggregate_id, event_type,
					 payload, retry_count, last_error, status, first_failed_at, created_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
				dl.ID, dl.OriginalOutboxID, dl.AggregateType, dl.AggregateID, dl.EventType,
				dl.Payload, dl.RetryCount, dl.LastError, dl.Status, dl.FirstFailedAt, dl.CreatedAt); err != nil {
				return fmt.Errorf("outbox: insert dead letter: %w", err)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM outbox_events WHERE id = $1`, ev.ID); err != nil {
				return fmt.Errorf("outbox: delete exhausted event: %w", err)
			}
			return nil
		}

		backoff := retryBackoff(ev.RetryCount)
		retryAfter := time.Now().UTC().Add(backoff)
		if _, err := tx.Exec(ctx, `
			UPDATE outbox_events
			SET status = $1, retry_count = $2, last_error = $3, retry_after = $4
			WHERE id = $5`,
			StatusFailed, ev.RetryCount, errMsg, retryAfter, ev.ID); err != nil {
			return fmt.Errorf("outbox: mark failed: %w", err)
		}
		return nil
	})
}

// retryBackoff implements spec.md §4.2 point 2: base·2^retryCount
// capped at MaxRetryBackoff. base is one second.
func retryBackoff(retryCount int) time.Duration {
	base := time.Second
	backoff := base
	for i := 0; i < retryCount && backoff < MaxRetryBackoff; i++ {
		backoff *= 2
	}
	if backoff > MaxRetryBackoff {
		backoff = MaxRetryBackoff
	}
	return backoff
}

// DeleteCompletedBefore implements Repository's gc-outbox cleanup (§4.4).
func (r *PostgresRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox_events WHERE status = $1 AND processed_at < $2`,
		StatusCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox: gc completed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeadLetters implements Repository.
func (r *PostgresRepository) DeadLetters(ctx context.Context, status DeadLetterStatus, limit int) ([]DeadLetterEvent, error) {
	query := `SELECT id, original_outbox_id, aggregate_type, aggregate_id, event_type,
	                 payload, retry_count, last_error, status, first_failed_at, created_at, resolved_at
	          FROM dead_letter_events`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC LIMIT ` + fmt.Sprintf("%d", limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterEvent
	for rows.Next() {
		var dl DeadLetterEvent
		if err := rows.Scan(&dl.ID, &dl.OriginalOutboxID, &dl.AggregateType, &dl.AggregateID,
			&dl.EventType, &dl.Payload, &dl.RetryCount, &dl.LastError, &dl.Status,
			&dl.FirstFailedAt, &dl.CreatedAt, &dl.ResolvedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// ResolveDeadLetter implements Repository.
func (r *PostgresRepository) ResolveDeadLetter(ctx context.Context, id ids.ID, status DeadLetterStatus) error {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE dead_letter_events SET status = $1, resolved_at = $2 WHERE id = $3`,
		status, now, id)
	if err != nil {
		return fmt.Errorf("outbox: resolve dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// DeleteDeadLettersBefore implements Repository's gc-dead-letters cleanup.
func (r *PostgresRepository) DeleteDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM dead_letter_events
		WHERE status IN ($1, $2) AND created_at < $3`,
		DeadLetterResolved, DeadLetterIgnored, cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox: gc dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (Event, error) {
	var ev Event
	var payload []byte
	err := row.Scan(&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.EventType, &payload,
		&ev.Status, &ev.RetryCount, &ev.MaxRetries, &ev.LastError, &ev.ProcessedAt,
		&ev.RetryAfter, &ev.CreatedAt)
	if err != nil {
		return Event{}, err
	}
	ev.Payload = json.RawMessage(payload)
	return ev, nil
}

// AppendEvent is the package-level convenience wrapper most producer
// code calls: txutil.WithTx(ctx, pool, func(ctx, tx) error { ... ;
// return outbox.AppendEvent(ctx, repo, tx, ev) }).
func AppendEvent(ctx context.Context, repo Repository, tx pgx.Tx, ev NewEvent) (ids.ID, error) {
	return repo.AppendEvent(ctx, tx, ev)
}
