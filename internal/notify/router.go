package notify

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Router fans events out to registered listeners. It is an explicit instance
// handed to the components that publish or subscribe; registration returns a
// cancel func so teardown is deterministic.
type Router struct {
	log zerolog.Logger

	mu        sync.RWMutex
	listeners map[string]func(Event)
}

// NewRouter creates a Router with no listeners.
func NewRouter(log zerolog.Logger) *Router {
	return &Router{
		log:       log.With().Str("component", "notify").Logger(),
		listeners: make(map[string]func(Event)),
	}
}

// Listen registers fn to receive every routed event. The returned cancel
// func deregisters it and is safe to call more than once.
func (r *Router) Listen(fn func(Event)) func() {
	id := uuid.NewString()

	r.mu.Lock()
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// ListenerCount reports how many listeners are currently registered.
func (r *Router) ListenerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Route delivers event to all current listeners, at most once each. With no
// listeners the event is dropped. Listeners are invoked on the caller's
// goroutine over a snapshot, so registration changes mid-delivery do not
// affect this round.
func (r *Router) Route(event Event) {
	event = event.Normalize()

	r.mu.RLock()
	snapshot := make([]func(Event), 0, len(r.listeners))
	for _, fn := range r.listeners {
		snapshot = append(snapshot, fn)
	}
	r.mu.RUnlock()

	if len(snapshot) == 0 {
		r.log.Debug().Str("title", event.Title).Msg("no listeners, dropping event")
		return
	}

	for _, fn := range snapshot {
		fn(event)
	}
}
