package chatclient

import (
	"errors"
	"strings"
	"time"
)

// ErrEmptyMessage is returned by Send for a whitespace-only body; the
// message never reaches the wire.
var ErrEmptyMessage = errors.New("chatclient: message body is empty")

// Message is an outbound chat frame: who is speaking and what they said.
type Message struct {
	User string `json:"user"`
	Text string `json:"text"`
}

// Validate checks that the message can be sent.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyMessage
	}
	return nil
}

// StoredMessage is a frame as delivered by the relay, after the server has
// assigned the channel sequence number and timestamp.
type StoredMessage struct {
	GroupID   string    `json:"group_id"`
	Seq       int64     `json:"seq"`
	User      string    `json:"user"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
