package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitaliisemenov/alert-history/internal/ids"
)

// Repository is the durable-store surface Service needs. Implemented
// by PostgresRepository in production and a fake in tests.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, s Session) error
	FindByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	FindByRefreshTokenHash(ctx context.Context, refreshTokenHash string) (*Session, error)
	FindByPreviousRefreshTokenHash(ctx context.Context, previousRefreshTokenHash string) (*Session, error)
	FindByID(ctx context.Context, id ids.ID) (*Session, error)
	ActiveCountForAccount(ctx context.Context, accountID ids.ID) (int, error)

	// Rotate atomically applies spec.md §4.3 step 6's update.
	Rotate(ctx context.Context, tx pgx.Tx, id ids.ID, newTokenHash, newRefreshHash, oldRefreshHash string, expiresAt time.Time) error

	Revoke(ctx context.Context, tx pgx.Tx, id ids.ID, reason string) error
	RevokeAllForAccount(ctx context.Context, tx pgx.Tx, accountID ids.ID, excludeID *ids.ID, reason string) (int64, error)
	Touch(ctx context.Context, id ids.ID) error

	InsertRevokedToken(ctx context.Context, tx pgx.Tx, t RevokedToken) error
	DeleteExpiredRevokedTokens(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("session: not found")

// PostgresRepository is the pgx-backed Repository implementation.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository wraps pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Insert(ctx context.Context, tx pgx.Tx, s Session) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO sessions
			(id, account_id, device_id, token_hash, refresh_token_hash,
			 previous_refresh_token_hash, ip_address, user_agent, expires_at,
			 is_active, last_activity_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		s.ID, s.AccountID, s.DeviceID, s.TokenHash, s.RefreshTokenHash,
		s.PreviousRefreshTokenHash, s.IPAddress, s.UserAgent, s.ExpiresAt,
		s.IsActive, s.LastActivityAt, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("session: insert: %w", err)
	}
	return nil
}

const sessionColumns = `id, account_id, device_id, token_hash, refresh_token_hash,
	previous_refresh_token_hash, ip_address, user_agent, expires_at,
	is_active, revoked_at, revoked_reason, last_activity_at, created_at`

func scanSession(row interface {
	Scan(...interface{}) error
}) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.AccountID, &s.DeviceID, &s.TokenHash, &s.RefreshTokenHash,
		&s.PreviousRefreshTokenHash, &s.IPAddress, &s.UserAgent, &s.ExpiresAt,
		&s.IsActive, &s.RevokedAt, &s.RevokedReason, &s.LastActivityAt, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: scan: %w", err)
	}
	return &s, nil
}

func (r *PostgresRepository) FindByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token_hash = $1`, tokenHash)
	return scanSession(row)
}

func (r *PostgresRepository) FindByRefreshTokenHash(ctx context.Context, refreshTokenHash string) (*Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE refresh_token_hash = $1`, refreshTokenHash)
	return scanSession(row)
}

func (r *PostgresRepository) FindByPreviousRefreshTokenHash(ctx context.Context, previousRefreshTokenHash string) (*Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE previous_refresh_token_hash = $1 AND is_active`, previousRefreshTokenHash)
	return scanSession(row)
}

func (r *PostgresRepository) FindByID(ctx context.Context, id ids.ID) (*Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (r *PostgresRepository) ActiveCountForAccount(ctx context.Context, accountID ids.ID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM sessions
		WHERE account_id = $1 AND is_active AND expires_at > now()`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("session: count active: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) Rotate(ctx context.Context, tx pgx.Tx, id ids.ID, newTokenHash, newRefreshHash, oldRefreshHash string, expiresAt time.Time) error {
	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE sessions
		SET token_hash = $1, refresh_token_hash = $2, previous_refresh_token_hash = $3,
		    expires_at = $4, last_activity_at = $5
		WHERE id = $6`,
		newTokenHash, newRefreshHash, oldRefreshHash, expiresAt, now, id)
	if err != nil {
		return fmt.Errorf("session: rotate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) Revoke(ctx context.Context, tx pgx.Tx, id ids.ID, reason string) error {
	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE sessions SET is_active = false, revoked_at = $1, revoked_reason = $2
		WHERE id = $3 AND is_active`, now, reason, id)
	if err != nil {
		return fmt.Errorf("session: revoke: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) RevokeAllForAccount(ctx context.Context, tx pgx.Tx, accountID ids.ID, excludeID *ids.ID, reason string) (int64, error) {
	now := time.Now().UTC()
	var tag interface{ RowsAffected() int64 }
	var err error
	if excludeID != nil {
		tag2, e := tx.Exec(ctx, `
			UPDATE sessions SET is_active = false, revoked_at = $1, revoked_reason = $2
			WHERE account_id = $3 AND is_active AND id != $4`, now, reason, accountID, *excludeID)
		tag, err = tag2, e
	} else {
		tag2, e := tx.Exec(ctx, `
			UPDATE sessions SET is_active = false, revoked_at = $1, revoked_reason = $2
			WHERE account_id = $3 AND is_active`, now, reason, accountID)
		tag, err = tag2, e
	}
	if err != nil {
		return 0, fmt.Errorf("session: revoke all for account: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) Touch(ctx context.Context, id ids.ID) error {
	_, err := r.pool.Exec(ctx, `UPDATE sessions SET last_activity_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	// Silently no-ops if the session does not exist (spec.md §4.3 "Touch").
	return nil
}

func (r *PostgresRepository) InsertRevokedToken(ctx context.Context, tx pgx.Tx, t RevokedToken) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO revoked_tokens (token_hash, expires_at) VALUES ($1, $2)
		ON CONFLICT (token_hash) DO NOTHING`, t.TokenHash, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("session: insert revoked token: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteExpiredRevokedTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM revoked_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("session: gc revoked tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions SET is_active = false, revoked_reason = 'expired'
		WHERE is_active AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("session: expire sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
