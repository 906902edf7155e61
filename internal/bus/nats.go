package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSPublisher publishes outbox envelopes to a NATS JetStream stream.
// NATS is the ecosystem-standard lightweight message bus for Go
// services of this shape; it is not used by any repo in the retrieval
// pack, so it is named here rather than grounded — see DESIGN.md.
type NATSPublisher struct {
	js      jetstream.JetStream
	timeout time.Duration
}

// NewNATSPublisher wraps an already-connected *nats.Conn.
func NewNATSPublisher(nc *nats.Conn, timeout time.Duration) (*NATSPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("bus: create jetstream context: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSPublisher{js: js, timeout: timeout}, nil
}

// Publish implements Publisher by publishing env as JSON to subject.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := nats.NewMsg(subject)
	msg.Data = body
	msg.Header.Set("Nats-Msg-Id", env.ID) // JetStream dedup key == consumer idempotency key

	_, err = p.js.PublishMsg(ctx, msg)
	if err != nil {
		return fmt.Errorf("bus: publish to %q: %w", subject, err)
	}
	return nil
}
