// Package idempotency deduplicates client-supplied Idempotency-Key
// request headers against mutating handlers (account creation, legal
// document submission, DSR intake) that sit in front of the saga/
// outbox engine. It is the request-side analogue of the outbox's
// consumer-side idempotency (spec.md §6's envelope "id" field) —
// unrelated in storage but identical in intent: replaying the same
// key must be a no-op.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrConflict is returned by Reserve when key was already reserved
// with a different request fingerprint — a legitimate client retry
// carries the same fingerprint and gets ErrAlreadyReserved instead.
var ErrConflict = errors.New("idempotency: key reserved with a different request")

// ErrAlreadyReserved signals the caller should replay the stored
// response rather than re-run the handler.
var ErrAlreadyReserved = errors.New("idempotency: key already reserved")

// Key is one client-supplied idempotency reservation.
type Key struct {
	Key         string
	Fingerprint string
	Response    []byte
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Store is the durable surface handlers and the gc-idempotency
// reconciler job need.
type Store interface {
	// Reserve inserts key if absent. If present with a matching
	// fingerprint, returns (storedResponse, ErrAlreadyReserved). If
	// present with a different fingerprint, returns ErrConflict.
	Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) ([]byte, error)
	// Complete records the handler's response against an already
	// reserved key so replays return it instead of re-executing.
	Complete(ctx context.Context, key string, response []byte) error
	// DeleteExpiredBefore implements the gc-idempotency job (spec.md §4.4).
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostgresStore is the pgx-backed Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) ([]byte, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (key, fingerprint, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING`,
		key, fingerprint, now.Add(ttl), now)
	if err != nil {
		return nil, fmt.Errorf("idempotency: reserve: %w", err)
	}

	var storedFingerprint string
	var response []byte
	row := s.pool.QueryRow(ctx, `SELECT fingerprint, response FROM idempotency_keys WHERE key = $1`, key)
	if err := row.Scan(&storedFingerprint, &response); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("idempotency: reserve race: row vanished")
		}
		return nil, fmt.Errorf("idempotency: read reservation: %w", err)
	}

	if storedFingerprint != fingerprint {
		return nil, ErrConflict
	}
	if response != nil || tag.RowsAffected() == 0 {
		return response, ErrAlreadyReserved
	}
	return nil, nil
}

func (s *PostgresStore) Complete(ctx context.Context, key string, response []byte) error {
	_, err := s.pool.Exec(ctx, `UPDATE idempotency_keys SET response = $1 WHERE key = $2`, response, key)
	if err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("idempotency: gc: %w", err)
	}
	return tag.RowsAffected(), nil
}
