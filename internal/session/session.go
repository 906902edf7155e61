// Package session implements the session & token lifecycle: creation,
// validation, refresh with reuse detection, revocation cascade, and
// Zero-Trust binding validation.
package session

import (
	"time"

	"github.com/vitaliisemenov/alert-history/internal/ids"
)

// Session is the durable record of one authenticated session. Only
// token hashes are ever persisted; plaintext tokens are returned to
// the caller exactly once, on create and on refresh.
type Session struct {
	ID                       ids.ID
	AccountID                ids.ID
	DeviceID                 *ids.ID
	TokenHash                string
	RefreshTokenHash         string
	PreviousRefreshTokenHash *string
	IPAddress                *string
	UserAgent                *string
	ExpiresAt                time.Time
	IsActive                 bool
	RevokedAt                *time.Time
	RevokedReason            *string
	LastActivityAt           time.Time
	CreatedAt                time.Time
}

// Valid implements spec invariant I3: validity is always the
// conjunction of isActive and a not-yet-elapsed expiry, computed at
// call time. It is never stored as a field.
func (s Session) Valid(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

// RevokedToken is a deny-list entry kept until its token would have
// expired anyway.
type RevokedToken struct {
	TokenHash string
	ExpiresAt time.Time
}

// CreateInput is the input to Service.Create.
type CreateInput struct {
	AccountID   ids.ID
	DeviceID    *ids.ID
	IPAddress   string
	UserAgent   string
	ExpiresIn   time.Duration
}

// TokenPair is the plaintext access/refresh token pair, surfaced to
// the caller exactly once.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Config holds the tunables spec.md §6 names under the session.* prefix.
type Config struct {
	DefaultDuration            time.Duration
	MaxSessionsPerAccount      int
	EnableBinding              bool
	IPBindingStrict            bool
	EnableTokenReuseDetection  bool
	// BindingRiskThreshold is the score at/above which refresh fails
	// with ForbiddenError (spec.md §4.3 step 5: risk >= 100).
	BindingRiskThreshold int
}

// DefaultConfig matches spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{
		DefaultDuration:           30 * 24 * time.Hour,
		MaxSessionsPerAccount:     10,
		EnableBinding:             false,
		IPBindingStrict:           false,
		EnableTokenReuseDetection: true,
		BindingRiskThreshold:      100,
	}
}
