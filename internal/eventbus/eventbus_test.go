package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublish_FansOutToSubscribersOfTheSameName(t *testing.T) {
	b := New()
	var got []Event
	b.Subscribe("SESSION_REVOKED", func(_ context.Context, ev Event) { got = append(got, ev) })
	b.Subscribe("OTHER", func(_ context.Context, ev Event) { t.Fatal("should not be called") })

	b.Publish(context.Background(), Event{Name: "SESSION_REVOKED", Payload: "x"})

	assert.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Payload)
}

func TestPublish_NoSubscribersIsANoop(t *testing.T) {
	b := New()
	b.Publish(context.Background(), Event{Name: "NOTHING_LISTENS"})
}
