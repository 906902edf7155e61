package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitaliisemenov/alert-history/internal/ids"
)

// ConsentRepository is the durable-store surface the consent-expiry
// job needs (spec.md §4.4 table).
type ConsentRepository interface {
	// DueForReview returns ACTIVE consents expiring within window, or
	// already past expiry, ordered by ExpiresAt so the oldest deadline
	// is handled first.
	DueForReview(ctx context.Context, now time.Time, window time.Duration) ([]Consent, error)
	// ApplyTransition updates one row's escalation level/status inside
	// its own short transaction, per §5 "Locking discipline".
	ApplyTransition(ctx context.Context, tx pgx.Tx, id ids.ID, level EscalationLevel, status ConsentStatus) error
	WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
}

// DSRRepository is the durable-store surface the dsr-deadlines job needs.
type DSRRepository interface {
	DueForReview(ctx context.Context, now time.Time, window time.Duration) ([]DSRRequest, error)
	ApplyTransition(ctx context.Context, tx pgx.Tx, id ids.ID, level EscalationLevel) error
	WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
}

// PostgresConsentRepository is the pgx-backed ConsentRepository.
type PostgresConsentRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresConsentRepository(pool *pgxpool.Pool) *PostgresConsentRepository {
	return &PostgresConsentRepository{pool: pool}
}

func (r *PostgresConsentRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: begin consent tx: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// DueForReview returns every ACTIVE consent that is either already
// expired or within window of expiring — the consent-expiry job's
// candidate set (a non-matching row costs the classifier nothing, so
// this intentionally over-selects rather than encode the 30-day
// warning threshold twice).
func (r *PostgresConsentRepository) DueForReview(ctx context.Context, now time.Time, window time.Duration) ([]Consent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, document_type, status, expires_at, escalation_level
		FROM consents
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at ASC`,
		ConsentActive, now.Add(window))
	if err != nil {
		return nil, fmt.Errorf("reconciler: query due consents: %w", err)
	}
	defer rows.Close()

	var out []Consent
	for rows.Next() {
		var c Consent
		if err := rows.Scan(&c.ID, &c.AccountID, &c.DocumentType, &c.Status, &c.ExpiresAt, &c.EscalationLevel); err != nil {
			return nil, fmt.Errorf("reconciler: scan consent: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresConsentRepository) ApplyTransition(ctx context.Context, tx pgx.Tx, id ids.ID, level EscalationLevel, status ConsentStatus) error {
	_, err := tx.Exec(ctx, `
		UPDATE consents SET escalation_level = $1, status = $2 WHERE id = $3`,
		level, status, id)
	if err != nil {
		return fmt.Errorf("reconciler: apply consent transition: %w", err)
	}
	return nil
}

// PostgresDSRRepository is the pgx-backed DSRRepository.
type PostgresDSRRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresDSRRepository(pool *pgxpool.Pool) *PostgresDSRRepository {
	return &PostgresDSRRepository{pool: pool}
}

func (r *PostgresDSRRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: begin dsr tx: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// DueForReview returns every open DSR request whose due date is within
// window, or already past — the dsr-deadlines job's candidate set
// (widest window among {7d, 2d, overdue} so one query covers all three).
func (r *PostgresDSRRepository) DueForReview(ctx context.Context, now time.Time, window time.Duration) ([]DSRRequest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, status, due_date, escalation_level
		FROM dsr_requests
		WHERE status = $1 AND escalation_level != $2 AND due_date <= $3
		ORDER BY due_date ASC`,
		DSROpen, EscalationOverdue, now.Add(window))
	if err != nil {
		return nil, fmt.Errorf("reconciler: query due dsrs: %w", err)
	}
	defer rows.Close()

	var out []DSRRequest
	for rows.Next() {
		var d DSRRequest
		if err := rows.Scan(&d.ID, &d.AccountID, &d.Status, &d.DueDate, &d.EscalationLevel); err != nil {
			return nil, fmt.Errorf("reconciler: scan dsr: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *PostgresDSRRepository) ApplyTransition(ctx context.Context, tx pgx.Tx, id ids.ID, level EscalationLevel) error {
	_, err := tx.Exec(ctx, `UPDATE dsr_requests SET escalation_level = $1 WHERE id = $2`, level, id)
	if err != nil {
		return fmt.Errorf("reconciler: apply dsr transition: %w", err)
	}
	return nil
}
