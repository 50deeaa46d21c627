// Package notify routes ephemeral system events to whoever is currently
// listening. Events are never persisted: with no listener open they are
// dropped, which is the intended behavior for transient UI signals.
package notify

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// ChannelID is the reserved channel name the notification stream is served
// on, distinct from every group chat channel.
const ChannelID = "notifications"

// DefaultTTL is how long a delivered event stays on display unless the user
// dismisses it first.
const DefaultTTL = 4000 * time.Millisecond

// Kind classifies an event for display purposes.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindInfo    Kind = "info"
)

// Event is a single ephemeral notification.
type Event struct {
	Kind    Kind          `json:"type"`
	Title   string        `json:"title"`
	Message string        `json:"message"`
	TTL     time.Duration `json:"-"`
}

// Normalize fills defaults: unknown kinds become info, a missing title gets
// a generic one, and a non-positive TTL becomes DefaultTTL.
func (e Event) Normalize() Event {
	switch e.Kind {
	case KindSuccess, KindError, KindInfo:
	default:
		e.Kind = KindInfo
	}
	if strings.TrimSpace(e.Title) == "" {
		e.Title = "Notification"
	}
	if e.TTL <= 0 {
		e.TTL = DefaultTTL
	}
	return e
}

// ParseFrame decodes a notification wire frame. Frames are either a JSON
// object {title?, message, type?} or plain text, which is treated as the
// message body with defaults for everything else. An object frame keeps
// object semantics even when its message is missing; the empty message is
// preserved so callers can reject the frame.
func ParseFrame(payload []byte) Event {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var e Event
		if err := json.Unmarshal(trimmed, &e); err == nil {
			e.Message = strings.TrimSpace(e.Message)
			return e.Normalize()
		}
	}

	text := strings.TrimSpace(string(payload))
	// A bare JSON string is still a plain-text frame.
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		text = strings.TrimSpace(s)
	}
	return Event{Message: text}.Normalize()
}
