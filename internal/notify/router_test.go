package notify

import (
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteDeliversToAllListeners(t *testing.T) {
	r := NewRouter(zerolog.Nop())

	var got1, got2 Event
	cancel1 := r.Listen(func(e Event) { got1 = e })
	cancel2 := r.Listen(func(e Event) { got2 = e })
	defer cancel1()
	defer cancel2()

	r.Route(Event{Kind: KindSuccess, Title: "Saved", Message: "Task saved"})

	assert.Equal(t, "Task saved", got1.Message)
	assert.Equal(t, "Task saved", got2.Message)
	assert.Equal(t, KindSuccess, got1.Kind)
}

func TestRouteWithNoListenersIsDropped(t *testing.T) {
	r := NewRouter(zerolog.Nop())

	// Nothing to observe; the event must simply vanish without panicking.
	r.Route(Event{Message: "into the void"})
	assert.Equal(t, 0, r.ListenerCount())
}

func TestRouteDeliversAtMostOncePerListener(t *testing.T) {
	r := NewRouter(zerolog.Nop())

	var calls atomic.Int32
	cancel := r.Listen(func(Event) { calls.Add(1) })
	defer cancel()

	r.Route(Event{Message: "once"})
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancelledListenerReceivesNothing(t *testing.T) {
	r := NewRouter(zerolog.Nop())

	var calls atomic.Int32
	cancel := r.Listen(func(Event) { calls.Add(1) })
	cancel()

	r.Route(Event{Message: "after cancel"})
	assert.Equal(t, int32(0), calls.Load())
}

func TestCancelIsIdempotent(t *testing.T) {
	r := NewRouter(zerolog.Nop())

	keep := r.Listen(func(Event) {})
	defer keep()

	cancel := r.Listen(func(Event) {})
	require.Equal(t, 2, r.ListenerCount())

	cancel()
	cancel()
	assert.Equal(t, 1, r.ListenerCount())
}

func TestRouteNormalizesEvents(t *testing.T) {
	r := NewRouter(zerolog.Nop())

	var got Event
	cancel := r.Listen(func(e Event) { got = e })
	defer cancel()

	r.Route(Event{Kind: "bogus", Message: "hello"})

	assert.Equal(t, KindInfo, got.Kind)
	assert.Equal(t, "Notification", got.Title)
	assert.Equal(t, DefaultTTL, got.TTL)
}
