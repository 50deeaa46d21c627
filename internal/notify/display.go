package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Toast is an event currently on display.
type Toast struct {
	ID    string
	Event Event
}

// Display holds the active toast set. Each shown event is retired
// automatically when its TTL elapses; Dismiss stops the pending timer first
// so manual dismissal and expiry never race into a double removal.
type Display struct {
	mu     sync.Mutex
	active map[string]*toastEntry
	order  []string
}

type toastEntry struct {
	toast Toast
	timer *time.Timer
}

// NewDisplay creates an empty Display.
func NewDisplay() *Display {
	return &Display{active: make(map[string]*toastEntry)}
}

// Show adds event to the display and arms its expiry timer. It returns the
// toast id usable with Dismiss.
func (d *Display) Show(event Event) string {
	event = event.Normalize()
	id := uuid.NewString()

	d.mu.Lock()
	entry := &toastEntry{toast: Toast{ID: id, Event: event}}
	entry.timer = time.AfterFunc(event.TTL, func() { d.expire(id) })
	d.active[id] = entry
	d.order = append(d.order, id)
	d.mu.Unlock()

	return id
}

// Dismiss removes the toast before its TTL elapses. Dismissing an unknown or
// already-retired id is a no-op.
func (d *Display) Dismiss(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.active[id]
	if !ok {
		return
	}
	entry.timer.Stop()
	d.remove(id)
}

func (d *Display) expire(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.active[id]; !ok {
		return
	}
	d.remove(id)
}

// remove must be called with d.mu held.
func (d *Display) remove(id string) {
	delete(d.active, id)
	for i, other := range d.order {
		if other == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Active returns the toasts currently on display, oldest first.
func (d *Display) Active() []Toast {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Toast, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.active[id].toast)
	}
	return out
}

// Close stops all pending timers and clears the display.
func (d *Display) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, entry := range d.active {
		entry.timer.Stop()
		delete(d.active, id)
	}
	d.order = nil
}
