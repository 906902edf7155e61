package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vitaliisemenov/alert-history/internal/ids"
	"github.com/vitaliisemenov/alert-history/internal/infrastructure/cache"
	"github.com/vitaliisemenov/alert-history/internal/outbox"
	"github.com/vitaliisemenov/alert-history/internal/txutil"
)

// AccountChecker validates the existence of an account. The account
// domain itself is out of scope (spec.md §1); Service only needs this
// narrow existence check as a creation precondition.
type AccountChecker interface {
	Exists(ctx context.Context, accountID ids.ID) (bool, error)
}

// DeviceChecker validates that a device exists and belongs to an account.
type DeviceChecker interface {
	BelongsToAccount(ctx context.Context, deviceID, accountID ids.ID) (bool, error)
}

// AuditSink records security-relevant events (token reuse, binding
// rejection) independent of the outbox, per internal/auditlog.
type AuditSink interface {
	RecordSecurityIncident(ctx context.Context, kind string, accountID ids.ID, detail string)
}

// Metrics is the narrow surface Service needs; PrometheusMetrics in
// metrics.go is the production implementation.
type Metrics interface {
	IncRefresh(outcome string)
	IncRevocation(reason string)
	ObserveBindingRisk(score int)
}

type noopMetrics struct{}

func (noopMetrics) IncRefresh(string)        {}
func (noopMetrics) IncRevocation(string)     {}
func (noopMetrics) ObserveBindingRisk(int)   {}

// Service implements the public contract of spec.md §4.3: create,
// validate, refresh, revoke, revokeAllForAccount, touch.
type Service struct {
	tx       txutil.Runner
	repo     Repository
	outbox   outbox.Repository
	accounts AccountChecker
	devices  DeviceChecker
	cache    cache.Cache
	audit    AuditSink
	metrics  Metrics
	logger   *slog.Logger
	cfg      Config
}

// New constructs a Service. cache/audit/metrics/logger may be nil.
func New(tx txutil.Runner, repo Repository, outboxRepo outbox.Repository, accounts AccountChecker, devices DeviceChecker, c cache.Cache, audit AuditSink, metrics Metrics, logger *slog.Logger, cfg Config) *Service {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tx: tx, repo: repo, outbox: outboxRepo, accounts: accounts,
		devices: devices, cache: c, audit: audit, metrics: metrics,
		logger: logger, cfg: cfg,
	}
}

// Create issues a new session for accountID, enforcing spec.md §4.3's
// preconditions: account exists, active-session cap not exceeded, and
// (if deviceID given) the device belongs to the account.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Session, *TokenPair, error) {
	if s.accounts != nil {
		ok, err := s.accounts.Exists(ctx, in.AccountID)
		if err != nil {
			return nil, nil, fmt.Errorf("session: check account: %w", err)
		}
		if !ok {
			return nil, nil, ErrAccountNotFound
		}
	}

	if in.DeviceID != nil && s.devices != nil {
		ok, err := s.devices.BelongsToAccount(ctx, *in.DeviceID, in.AccountID)
		if err != nil {
			return nil, nil, fmt.Errorf("session: check device: %w", err)
		}
		if !ok {
			return nil, nil, ErrDeviceNotFound
		}
	}

	maxSessions := s.cfg.MaxSessionsPerAccount
	if maxSessions <= 0 {
		maxSessions = DefaultConfig().MaxSessionsPerAccount
	}
	active, err := s.repo.ActiveCountForAccount(ctx, in.AccountID)
	if err != nil {
		return nil, nil, fmt.Errorf("session: count active sessions: %w", err)
	}
	if active >= maxSessions {
		return nil, nil, ErrMaxSessionsExceeded
	}

	accessPlain, accessHash, err := generateToken()
	if err != nil {
		return nil, nil, err
	}
	refreshPlain, refreshHash, err := generateToken()
	if err != nil {
		return nil, nil, err
	}

	duration := in.ExpiresIn
	if duration <= 0 {
		duration = s.cfg.DefaultDuration
		if duration <= 0 {
			duration = DefaultConfig().DefaultDuration
		}
	}

	now := time.Now().UTC()
	sess := Session{
		ID:               ids.New(),
		AccountID:        in.AccountID,
		DeviceID:         in.DeviceID,
		TokenHash:        accessHash,
		RefreshTokenHash: refreshHash,
		ExpiresAt:        now.Add(duration),
		IsActive:         true,
		LastActivityAt:   now,
		CreatedAt:        now,
	}
	if in.IPAddress != "" {
		sess.IPAddress = &in.IPAddress
	}
	if in.UserAgent != "" {
		sess.UserAgent = &in.UserAgent
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := s.repo.Insert(ctx, tx, sess); err != nil {
			return err
		}
		_, err := s.outbox.AppendEvent(ctx, tx, outbox.NewEvent{
			AggregateType: "session",
			AggregateID:   sess.ID.String(),
			EventType:     "SESSION_CREATED",
			Payload:       map[string]string{"accountId": sess.AccountID.String()},
		})
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("session: create: %w", err)
	}

	return &sess, &TokenPair{AccessToken: accessPlain, RefreshToken: refreshPlain, ExpiresAt: sess.ExpiresAt}, nil
}

// Validate implements spec.md §4.3's "Validate access token": it
// returns the session iff isActive ∧ now < expiresAt (I3), and never
// reveals which precondition failed.
func (s *Service) Validate(ctx context.Context, accessToken string) (*Session, error) {
	hash := hashToken(accessToken)
	sess, err := s.repo.FindByTokenHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, &UnauthorizedError{Reason: "invalid token"}
	}
	if err != nil {
		return nil, fmt.Errorf("session: validate: %w", err)
	}
	if !sess.Valid(time.Now()) {
		return nil, &UnauthorizedError{Reason: "invalid token"}
	}
	return sess, nil
}

// Refresh implements spec.md §4.3's refresh/rotation algorithm,
// including reuse detection (step 2, checked before lookup) and
// optional binding validation (step 5).
func (s *Service) Refresh(ctx context.Context, presentedRefreshToken string, binding *BindingContext) (*Session, *TokenPair, error) {
	presentedHash := hashToken(presentedRefreshToken)

	if s.cfg.EnableTokenReuseDetection {
		if reused, err := s.repo.FindByPreviousRefreshTokenHash(ctx, presentedHash); err == nil && reused != nil {
			s.metrics.IncRefresh("reuse_detected")
			if err := s.revokeAllAndAudit(ctx, reused.AccountID, "refresh token reuse detected"); err != nil {
				s.logger.Error("session: revocation cascade after reuse failed", "account_id", reused.AccountID.String(), "error", err)
			}
			return nil, nil, &ForbiddenError{Reason: ErrTokenReuseDetected.Error()}
		} else if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, nil, fmt.Errorf("session: reuse check: %w", err)
		}
	}

	sess, err := s.repo.FindByRefreshTokenHash(ctx, presentedHash)
	if errors.Is(err, ErrNotFound) {
		s.metrics.IncRefresh("unauthorized")
		return nil, nil, &UnauthorizedError{Reason: "unknown refresh token"}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("session: refresh lookup: %w", err)
	}

	if !sess.Valid(time.Now()) {
		s.metrics.IncRefresh("unauthorized")
		return nil, nil, &UnauthorizedError{Reason: "session expired or inactive"}
	}

	if s.cfg.EnableBinding && binding != nil {
		score := riskScore(*sess, *binding, s.cfg.IPBindingStrict)
		s.metrics.ObserveBindingRisk(score)
		threshold := s.cfg.BindingRiskThreshold
		if threshold <= 0 {
			threshold = DefaultConfig().BindingRiskThreshold
		}
		if score >= threshold {
			s.metrics.IncRefresh("binding_rejected")
			if s.audit != nil {
				s.audit.RecordSecurityIncident(ctx, "binding_risk_rejected", sess.AccountID,
					fmt.Sprintf("risk score %d >= threshold %d", score, threshold))
			}
			return nil, nil, &ForbiddenError{Reason: "session binding risk too high"}
		}
	}

	newAccessPlain, newAccessHash, err := generateToken()
	if err != nil {
		return nil, nil, err
	}
	newRefreshPlain, newRefreshHash, err := generateToken()
	if err != nil {
		return nil, nil, err
	}

	duration := s.cfg.DefaultDuration
	if duration <= 0 {
		duration = DefaultConfig().DefaultDuration
	}
	newExpiry := time.Now().UTC().Add(duration)

	err = s.tx.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := s.repo.Rotate(ctx, tx, sess.ID, newAccessHash, newRefreshHash, presentedHash, newExpiry); err != nil {
			return err
		}
		_, err := s.outbox.AppendEvent(ctx, tx, outbox.NewEvent{
			AggregateType: "session",
			AggregateID:   sess.ID.String(),
			EventType:     "SESSION_REFRESHED",
			Payload:       map[string]string{"accountId": sess.AccountID.String()},
		})
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("session: rotate: %w", err)
	}

	if s.cache != nil {
		_ = s.cache.Delete(ctx, permissionCacheKey(sess.AccountID))
	}

	s.metrics.IncRefresh("success")
	sess.TokenHash = newAccessHash
	sess.RefreshTokenHash = newRefreshHash
	sess.PreviousRefreshTokenHash = &presentedHash
	sess.ExpiresAt = newExpiry
	return sess, &TokenPair{AccessToken: newAccessPlain, RefreshToken: newRefreshPlain, ExpiresAt: newExpiry}, nil
}

// Revoke deactivates one session (spec.md §4.3 "Revocation cascade").
func (s *Service) Revoke(ctx context.Context, id ids.ID, reason string) error {
	var sess *Session
	err := s.tx.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := s.repo.Revoke(ctx, tx, id, reason); err != nil {
			return err
		}
		found, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return err
		}
		sess = found
		_, err = s.outbox.AppendEvent(ctx, tx, outbox.NewEvent{
			AggregateType: "session",
			AggregateID:   id.String(),
			EventType:     "SESSION_REVOKED",
			Payload:       map[string]string{"reason": reason},
		})
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("session: revoke: %w", err)
	}
	s.metrics.IncRevocation(reason)
	if s.cache != nil && sess != nil {
		_ = s.cache.Delete(ctx, permissionCacheKey(sess.AccountID))
	}
	return nil
}

// RevokeAllForAccount implements spec.md §4.3's "revokeAllForAccount":
// a single-statement update over every active session, optionally
// excluding one (used when a caller revokes "everywhere else").
func (s *Service) RevokeAllForAccount(ctx context.Context, accountID ids.ID, excludeID *ids.ID, reason string) (int64, error) {
	var n int64
	err := s.tx.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		affected, err := s.repo.RevokeAllForAccount(ctx, tx, accountID, excludeID, reason)
		if err != nil {
			return err
		}
		n = affected
		_, err = s.outbox.AppendEvent(ctx, tx, outbox.NewEvent{
			AggregateType: "account",
			AggregateID:   accountID.String(),
			EventType:     "SESSION_REVOKED",
			Payload:       map[string]string{"reason": reason, "count": fmt.Sprintf("%d", affected)},
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("session: revoke all for account: %w", err)
	}
	s.metrics.IncRevocation(reason)
	if s.cache != nil {
		_ = s.cache.Delete(ctx, permissionCacheKey(accountID))
	}
	return n, nil
}

// Touch updates lastActivityAt only, silently no-oping on a missing
// session so hot paths never fail auth because of it (spec.md §4.3).
func (s *Service) Touch(ctx context.Context, id ids.ID) {
	if err := s.repo.Touch(ctx, id); err != nil {
		s.logger.Debug("session: touch no-op", "session_id", id.String(), "error", err)
	}
}

func (s *Service) revokeAllAndAudit(ctx context.Context, accountID ids.ID, reason string) error {
	if s.audit != nil {
		s.audit.RecordSecurityIncident(ctx, "token_reuse", accountID, reason)
	}
	_, err := s.RevokeAllForAccount(ctx, accountID, nil, reason)
	return err
}

func permissionCacheKey(accountID ids.ID) string {
	return "session:permissions:" + accountID.String()
}
