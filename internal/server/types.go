// Package server defines shared frame types and utility helpers that are
// reused across client and hub logic.
package server

import "strings"

// ChatFrame is the inbound JSON frame a chat client sends: who is speaking
// and what they said. The server assigns sequence and timestamp on append,
// and broadcasts the stored message, not the raw frame.
type ChatFrame struct {
	User string `json:"user"`
	Text string `json:"text"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
