// Package server manages individual WebSocket subscribers, handling
// read/write pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/studentconnect/relay/internal/notify"
	"github.com/studentconnect/relay/internal/store"
)

const (
	pongWait      = 60 * time.Second
	pingInterval  = 54 * time.Second
	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// Client represents one WebSocket subscriber bound to a single channel.
// It owns the connection state and send queue; the hub holds it only while
// it is subscribed, so a disconnected client never lingers in a channel.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	channel        string
	receiveOnly    bool
	closed         bool // guarded by hub.mu
	pumpsStarted   bool // guarded by hub.mu
	maxMessageSize int64
	rateLimiter    *rateLimiter
	log            zerolog.Logger
}

// NewClient creates a chat subscriber for the given channel. The send queue
// is buffered so a slow reader does not stall fan-out immediately; the hub
// evicts the client if the queue fills.
func NewClient(conn *websocket.Conn, hub *Hub, addr, channelID string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	logger := hub.log.With().Str("channel", channelID).Str("addr", addr).Logger()

	return &Client{
		conn:           conn,
		send:           make(chan []byte, sendQueueSize),
		hub:            hub,
		addr:           addr,
		channel:        channelID,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit, logger),
		log:            logger,
	}
}

// NewNotificationClient creates a receive-only subscriber on the reserved
// notification channel. Inbound frames are read for keepalive and discarded.
func NewNotificationClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	c := NewClient(conn, hub, addr, notify.ChannelID)
	c.receiveOnly = true
	return c
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn().Err(err).Msg("error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs appropriate messages based on the error type and
// returns true if the read loop should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.log.Warn().Int64("max_bytes", c.maxMessageSize).Msg("frame exceeded maximum size")
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.log.Debug().Err(err).Msg("client disconnected")
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("client connection closed")
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.log.Warn().Err(err).Msg("unexpected WebSocket error")
		return true
	}

	c.log.Warn().Err(err).Msg("WebSocket read error")
	return true
}

func (c *Client) checkRateLimit() bool {
	return c.rateLimiter.allow()
}

// processFrame decodes an inbound chat frame and publishes it through the
// hub. Invalid JSON and empty bodies are dropped without fan-out.
func (c *Client) processFrame(rawFrame []byte) bool {
	var frame ChatFrame
	if err := json.Unmarshal(rawFrame, &frame); err != nil {
		c.log.Warn().Err(err).Msg("invalid frame")
		return false
	}

	_, err := c.hub.Publish(context.Background(), c.channel, store.Message{User: frame.User, Text: frame.Text})
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrEmptyBody):
		c.log.Debug().Msg("dropping empty message")
	case errors.Is(err, ErrShuttingDown):
	default:
		c.log.Warn().Err(err).Msg("publish failed")
	}
	return false
}

func (c *Client) readPump() {
	defer func() {
		if err := c.hub.Unsubscribe(c); err != nil {
			c.log.Debug().Err(err).Msg("unsubscribe during shutdown")
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		_, rawFrame, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				break
			}
		}

		if c.receiveOnly {
			// Notification sockets are push-only; inbound frames are keepalive.
			continue
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processFrame(rawFrame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case payload, ok := <-c.send:
		return c.handlePayload(payload, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn().Err(err).Msg("error closing connection in writePump")
	}
}

// handlePayload writes an outgoing payload and returns false if the
// connection should be closed.
func (c *Client) handlePayload(payload []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting write deadline")
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(payload)
}

func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("error writing close message")
	}
	return false
}

// writeTextMessage writes the payload and drains any queued payloads into
// the same writer.
func (c *Client) writeTextMessage(payload []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		c.log.Debug().Err(err).Msg("error creating writer")
		return false
	}

	if _, err := w.Write(payload); err != nil {
		c.log.Debug().Err(err).Msg("error writing payload")
		return false
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			c.log.Debug().Err(err).Msg("error writing frame separator")
			return false
		}
		if _, err := w.Write(<-c.send); err != nil {
			c.log.Debug().Err(err).Msg("error writing queued payload")
			return false
		}
	}

	if err := w.Close(); err != nil {
		c.log.Debug().Err(err).Msg("error closing writer")
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug().Err(err).Msg("error writing ping message")
		return false
	}
	return true
}
