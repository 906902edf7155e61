// Package eventbus is a lightweight in-process pub/sub used to fan
// domain events out to local subscribers (audit trail, cache
// invalidation listeners) independently of the outbox's durable bus.
// Unlike the outbox it offers no delivery guarantee: a subscriber that
// is not listening simply misses the event. Anything that must survive
// a crash belongs in the outbox, not here.
package eventbus

import (
	"context"
	"sync"
)

// Event is a locally fanned-out notification; Name mirrors the
// outbox's eventType (e.g. "SESSION_REVOKED") so a subscriber can
// filter without depending on the outbox package.
type Event struct {
	Name    string
	Payload interface{}
}

// Handler receives events matching the names it was subscribed to.
type Handler func(ctx context.Context, ev Event)

// Bus is a concurrency-safe local publish/subscribe registry.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers h to receive every event published under name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish fans ev out to every handler subscribed to ev.Name,
// synchronously and in registration order. Handlers must not block;
// slow work belongs on its own goroutine started by the handler.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Name]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
}
