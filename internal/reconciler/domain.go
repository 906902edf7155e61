package reconciler

import (
	"time"

	"github.com/vitaliisemenov/alert-history/internal/ids"
)

// EscalationLevel is the monotonic severity marker on time-bound work
// items (spec.md glossary: "Escalation level").
type EscalationLevel string

const (
	EscalationNone     EscalationLevel = "NONE"
	EscalationWarning  EscalationLevel = "WARNING"
	EscalationCritical EscalationLevel = "CRITICAL"
	EscalationOverdue  EscalationLevel = "OVERDUE"
)

// ConsentStatus is the lifecycle state of a Consent row.
type ConsentStatus string

const (
	ConsentActive  ConsentStatus = "ACTIVE"
	ConsentExpired ConsentStatus = "EXPIRED"
)

// Consent is a domain artifact with a deadline, driven by the
// consent-expiry job (spec.md §4.4).
type Consent struct {
	ID              ids.ID
	AccountID       ids.ID
	DocumentType    string
	Status          ConsentStatus
	ExpiresAt       time.Time
	EscalationLevel EscalationLevel
}

// DSRStatus is the lifecycle state of a DSRRequest row.
type DSRStatus string

const (
	DSROpen      DSRStatus = "OPEN"
	DSRCompleted DSRStatus = "COMPLETED"
)

// DSRRequest is a data-subject-rights request with a due date, driven
// by the dsr-deadlines job (spec.md §4.4).
type DSRRequest struct {
	ID              ids.ID
	AccountID       ids.ID
	Status          DSRStatus
	DueDate         time.Time
	EscalationLevel EscalationLevel
}

// consentEscalation implements the consent-expiry job's classification
// (spec.md §4.4 table): warn within 30 days of expiry, mark EXPIRED
// once past it. Returns the new level/status and whether either
// changed (a no-op row produces no event).
func consentEscalation(c Consent, now time.Time) (EscalationLevel, ConsentStatus, bool) {
	if !c.ExpiresAt.After(now) {
		changed := c.Status != ConsentExpired
		return c.EscalationLevel, ConsentExpired, changed
	}
	if c.ExpiresAt.Sub(now) <= 30*24*time.Hour {
		changed := c.EscalationLevel != EscalationWarning
		return EscalationWarning, c.Status, changed
	}
	return c.EscalationLevel, c.Status, false
}

// dsrEscalation implements the dsr-deadlines job's classification
// (spec.md §4.4 table): NONE -> WARNING at 7 days out, -> CRITICAL at
// 2 days out, -> OVERDUE once the due date has passed. Escalation is
// monotonic: a request already at CRITICAL is never demoted back to
// WARNING by this function.
func dsrEscalation(d DSRRequest, now time.Time) (EscalationLevel, bool) {
	if !d.DueDate.After(now) {
		return EscalationOverdue, d.EscalationLevel != EscalationOverdue
	}
	remaining := d.DueDate.Sub(now)
	switch {
	case remaining <= 2*24*time.Hour:
		if levelRank(d.EscalationLevel) < levelRank(EscalationCritical) {
			return EscalationCritical, true
		}
	case remaining <= 7*24*time.Hour:
		if levelRank(d.EscalationLevel) < levelRank(EscalationWarning) {
			return EscalationWarning, true
		}
	}
	return d.EscalationLevel, false
}

func levelRank(l EscalationLevel) int {
	switch l {
	case EscalationNone:
		return 0
	case EscalationWarning:
		return 1
	case EscalationCritical:
		return 2
	case EscalationOverdue:
		return 3
	default:
		return -1
	}
}

// eventTypeForConsent maps a consent transition to its outbox event
// type (spec.md §4.4 table).
func eventTypeForConsent(newStatus ConsentStatus, newLevel EscalationLevel) string {
	if newStatus == ConsentExpired {
		return "CONSENT_EXPIRED"
	}
	if newLevel == EscalationWarning {
		return "CONSENT_EXPIRING_SOON"
	}
	return ""
}

// eventTypeForDSR maps a DSR transition to its outbox event type.
func eventTypeForDSR(newLevel EscalationLevel) string {
	switch newLevel {
	case EscalationWarning:
		return "DSR_DEADLINE_WARNING"
	case EscalationCritical:
		return "DSR_DEADLINE_CRITICAL"
	case EscalationOverdue:
		return "DSR_DEADLINE_OVERDUE"
	default:
		return ""
	}
}
