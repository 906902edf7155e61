// Package outbox implements the transactional outbox pattern: domain
// writes append an OutboxEvent row in the producer's own transaction
// (spec invariant I1), and a separate relay worker claims, dispatches,
// and retires those rows with at-least-once delivery semantics.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/vitaliisemenov/alert-history/internal/ids"
)

// Status is the lifecycle state of an OutboxEvent.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// DefaultMaxRetries matches spec.md §3's OutboxEvent.maxRetries default.
const DefaultMaxRetries = 5

// MaxRetryBackoff caps the exponential retryAfter delay (spec.md §4.2 point 2).
const MaxRetryBackoff = time.Hour

// Event is a pending or historical durable message.
type Event struct {
	ID            ids.ID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	Status        Status
	RetryCount    int
	MaxRetries    int
	LastError     *string
	ProcessedAt   *time.Time
	RetryAfter    *time.Time
	CreatedAt     time.Time
}

// NewEvent constructs an Event input for AppendEvent with defaults applied.
type NewEvent struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       interface{}
	MaxRetries    int
}

// Envelope is the wire format published to the message bus (spec.md §6).
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	EventType     string          `json:"eventType"`
	OccurredAt    time.Time       `json:"occurredAt"`
	SchemaVersion int             `json:"schemaVersion"`
	Payload       json.RawMessage `json:"payload"`
}

// DeadLetterStatus is the triage state of a dead-letter row.
type DeadLetterStatus string

const (
	DeadLetterUnresolved DeadLetterStatus = "UNRESOLVED"
	DeadLetterResolved   DeadLetterStatus = "RESOLVED"
	DeadLetterIgnored    DeadLetterStatus = "IGNORED"
)

// DeadLetterEvent is an outbox event that exhausted its retry budget.
type DeadLetterEvent struct {
	ID              ids.ID
	OriginalOutboxID ids.ID
	AggregateType   string
	AggregateID     string
	EventType       string
	Payload         json.RawMessage
	RetryCount      int
	LastError       *string
	Status          DeadLetterStatus
	FirstFailedAt   time.Time
	CreatedAt       time.Time
	ResolvedAt      *time.Time
}

func toPayload(v interface{}) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
