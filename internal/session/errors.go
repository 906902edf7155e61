package session

import "errors"

// Errors are distinguished by behavior per spec.md §7's taxonomy, not
// by string matching: callers type-assert or use errors.Is against
// these sentinels/wrapper types to decide the HTTP status (spec.md §6).

// ErrAccountNotFound / ErrDeviceNotFound map to 404.
var (
	ErrAccountNotFound = errors.New("session: account not found")
	ErrDeviceNotFound  = errors.New("session: device does not belong to account")
	ErrSessionNotFound = errors.New("session: session not found")
)

// ErrMaxSessionsExceeded maps to 409.
var ErrMaxSessionsExceeded = errors.New("session: account has reached its maximum active session count")

// UnauthorizedError covers "the presented token is not recognized or
// no longer valid" — maps to 401. It never reveals which precondition
// failed (spec.md §4.3 "Validate access token").
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string { return "session: unauthorized: " + e.Reason }

// ForbiddenError covers security incidents: refresh-token reuse and
// binding-risk rejection. Maps to 403 and is always logged at error
// severity via the auditlog package.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string { return "session: forbidden: " + e.Reason }

// ErrTokenReuseDetected's message is the Reason of the ForbiddenError
// returned when step 2 of refresh (spec.md §4.3) finds a presented
// token matching a previousRefreshTokenHash. ForbiddenError does not
// wrap it, so errors.Is does not match it; use errors.As on
// *ForbiddenError.
var ErrTokenReuseDetected = errors.New("session: refresh token reuse detected")
