// Package store defines the append-only message log that backs group chat
// history, along with the message model shared by every backend.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Validation and availability errors shared by all backends.
var (
	// ErrEmptyBody is returned when a message body is empty after trimming
	// whitespace. Such messages are rejected before any backend is touched.
	ErrEmptyBody = errors.New("message body is empty")

	// ErrEmptyChannel is returned when no channel identifier is supplied.
	ErrEmptyChannel = errors.New("channel id is required")

	// ErrUnavailable wraps backend read/write failures so callers can
	// distinguish persistence problems from connectivity problems.
	ErrUnavailable = errors.New("message store unavailable")
)

// Message is a chat message as submitted by a client: who said what.
// The store assigns everything else.
type Message struct {
	User string `json:"user"`
	Text string `json:"text"`
}

// Validate checks that the message can be appended.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyBody
	}
	return nil
}

// StoredMessage is a message after it has been appended to a channel's log.
// Seq is assigned by the store and is strictly increasing within a channel;
// it is the ordering key, not the wall-clock timestamp.
type StoredMessage struct {
	ChannelID string    `json:"group_id"`
	Seq       int64     `json:"seq"`
	User      string    `json:"user"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is a durable, ordered, append-only message log keyed by channel.
// Channels come into existence on first append; there is no explicit create
// or delete, and stored messages are never mutated.
type Store interface {
	// Append adds msg to the channel's log, assigning the next sequence
	// number and a server-side timestamp. It returns ErrUnavailable
	// (wrapped) when the backend cannot be written.
	Append(ctx context.Context, channelID string, msg Message) (StoredMessage, error)

	// FetchHistory returns up to limit messages from the start of the
	// channel's log in ascending sequence order. limit <= 0 means all.
	// A fresh call with the same limit always returns the same prefix.
	FetchHistory(ctx context.Context, channelID string, limit int) ([]StoredMessage, error)

	Close() error
}
