// Package bus defines the message-bus adapter the outbox relay
// dispatches through, plus an in-memory test double and a NATS
// JetStream implementation.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Envelope is the wire message the relay hands to a Publisher. It
// mirrors outbox.Envelope field-for-field but lives here too so bus
// implementations do not import internal/outbox (the dependency runs
// the other way: outbox depends on bus).
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	EventType     string          `json:"eventType"`
	OccurredAt    time.Time       `json:"occurredAt"`
	SchemaVersion int             `json:"schemaVersion"`
	Payload       json.RawMessage `json:"payload"`
}

// Publisher delivers one envelope to the downstream bus. Publish must
// be safe to call concurrently; a non-nil error means delivery did not
// happen and the caller should retry later.
type Publisher interface {
	Publish(ctx context.Context, subject string, env Envelope) error
}

// Subject derives the bus subject (NATS terminology) an event is
// published under from its aggregate type and event type, e.g.
// "session.SESSION_REVOKED".
func Subject(aggregateType, eventType string) string {
	return aggregateType + "." + eventType
}
