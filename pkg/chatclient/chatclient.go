// Package chatclient implements the client side of a relay subscription: one
// logical connection bound to one channel, with an observable state machine,
// history backfill at open, and optional bounded reconnect.
//
// The state machine is independent of any display layer; consumers observe
// transitions through the OnState callback and render them however they like.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Errors surfaced to callers.
var (
	// ErrNotConnected is returned by Send in any state other than Connected.
	// Outbound messages are never buffered across disconnects.
	ErrNotConnected = errors.New("chatclient: not connected")

	// ErrClosed is returned by Open after Close has been called; closing is
	// terminal for a session.
	ErrClosed = errors.New("chatclient: session closed")
)

const (
	pongWait  = 60 * time.Second
	writeWait = 10 * time.Second

	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 30 * time.Second
)

// ReconnectPolicy controls automatic reconnection after an abnormal
// disconnect. Backoff is capped exponential with jitter so a fleet of
// clients does not reconnect in lockstep. Disabled by default.
type ReconnectPolicy struct {
	Enabled     bool
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Options configures a Client.
type Options struct {
	// ServerURL is the relay's base HTTP URL, e.g. "http://localhost:8080".
	ServerURL string
	// ChannelID names the group chat channel to subscribe to.
	ChannelID string
	// HistoryLimit caps the backfill fetch; 0 fetches everything.
	HistoryLimit int

	// OnState observes every state transition.
	OnState func(State)
	// OnMessage receives each live frame in delivery order.
	OnMessage func(StoredMessage)
	// OnHistory receives the backlog fetched at open, ascending.
	OnHistory func([]StoredMessage)
	// OnHistoryError reports a failed backfill. The live connection is kept:
	// a failed backfill and a failed connection are different conditions.
	OnHistoryError func(error)

	Reconnect  ReconnectPolicy
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     zerolog.Logger
}

// Client is a connection manager for one channel subscription.
type Client struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	gen      uint64
	closed   bool
	attempts int

	writeMu sync.Mutex
}

// New validates opts and returns an unopened Client in the Disconnected state.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.ServerURL) == "" {
		return nil, errors.New("chatclient: server URL is required")
	}
	if strings.TrimSpace(opts.ChannelID) == "" {
		return nil, errors.New("chatclient: channel id is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}

	return &Client{
		opts:  opts,
		log:   opts.Logger.With().Str("component", "chatclient").Str("channel", opts.ChannelID).Logger(),
		state: StateDisconnected,
	}, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open dials the relay and transitions Connecting -> Connected, fetching the
// channel backlog before live frames are handed to the consumer. On
// handshake failure it transitions to Error and returns; it does not retry
// unless a reconnect policy is configured.
//
// Open is safe against a concurrent Close: each attempt carries a generation
// number, and a dialed connection is only adopted if no Close (or newer
// Open) ran in the meantime.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.mu.Unlock()
	c.emitState(StateConnecting)

	wsURL, err := websocketURL(c.opts.ServerURL, c.opts.ChannelID)
	if err != nil {
		c.failAttempt(gen)
		return err
	}

	// The relay enforces an origin allow-list; identify as the server's own
	// origin the way its bundled frontend would.
	header := http.Header{}
	if origin, err := httpOrigin(c.opts.ServerURL); err == nil {
		header.Set("Origin", origin)
	}

	conn, resp, err := c.opts.Dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.failAttempt(gen)
		return fmt.Errorf("handshake with %s: %w", wsURL, err)
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.mu.Unlock()
	c.emitState(StateConnected)

	c.setupKeepalive(conn)
	c.fetchHistory(ctx)

	go c.readLoop(gen, conn)
	return nil
}

// failAttempt moves the session to Error unless the attempt was superseded
// by Close or a newer Open, and schedules a retry if one is configured.
func (c *Client) failAttempt(gen uint64) {
	c.mu.Lock()
	stale := c.closed || gen != c.gen
	if !stale {
		c.state = StateError
	}
	c.mu.Unlock()

	if !stale {
		c.emitState(StateError)
		c.scheduleReconnect()
	}
}

func (c *Client) setupKeepalive(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
}

// fetchHistory backfills the channel's stored messages over HTTP. A failure
// is reported through OnHistoryError and does not affect the live socket.
func (c *Client) fetchHistory(ctx context.Context) {
	histURL := strings.TrimSuffix(c.opts.ServerURL, "/") + "/groups/" + url.PathEscape(c.opts.ChannelID) + "/messages"
	if c.opts.HistoryLimit > 0 {
		histURL += "?limit=" + strconv.Itoa(c.opts.HistoryLimit)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, histURL, nil)
	if err != nil {
		c.reportHistoryError(fmt.Errorf("build history request: %w", err))
		return
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		c.reportHistoryError(fmt.Errorf("fetch history: %w", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		c.reportHistoryError(fmt.Errorf("fetch history: unexpected status %d", resp.StatusCode))
		return
	}

	var messages []StoredMessage
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		c.reportHistoryError(fmt.Errorf("decode history: %w", err))
		return
	}

	if cb := c.opts.OnHistory; cb != nil {
		cb(messages)
	}
}

func (c *Client) reportHistoryError(err error) {
	c.log.Warn().Err(err).Msg("history backfill failed")
	if cb := c.opts.OnHistoryError; cb != nil {
		cb(err)
	}
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			clean := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			c.handleDisconnect(gen, clean, err)
			return
		}

		// The server may coalesce queued frames into one message separated
		// by newlines.
		for _, line := range bytes.Split(payload, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var m StoredMessage
			if err := json.Unmarshal(line, &m); err != nil {
				c.log.Warn().Err(err).Msg("discarding undecodable frame")
				continue
			}
			if cb := c.opts.OnMessage; cb != nil {
				cb(m)
			}
		}
	}
}

func (c *Client) handleDisconnect(gen uint64, clean bool, cause error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		// Close or a newer Open already owns the state.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if clean {
		c.state = StateDisconnected
	} else {
		c.state = StateError
	}
	next := c.state
	c.mu.Unlock()

	if clean {
		c.log.Debug().Msg("remote closed the connection")
	} else {
		c.log.Warn().Err(cause).Msg("connection lost")
	}
	c.emitState(next)

	if !clean {
		c.scheduleReconnect()
	}
}

// Send publishes a chat message over the live connection. It is only valid
// in the Connected state; in any other state it fails with ErrNotConnected
// without attempting a transport write. Whitespace-only messages are
// rejected before the wire for the same reason the broker rejects them.
func (c *Client) Send(msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	gen := c.gen
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		c.handleDisconnect(gen, false, err)
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close tears the session down: the connection is closed, the state becomes
// Disconnected, and any reconnect policy is disarmed. Close is idempotent
// and terminal; a later Open returns ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	conn := c.conn
	c.conn = nil
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	if changed {
		c.emitState(StateDisconnected)
	}
	return nil
}

func (c *Client) emitState(s State) {
	if cb := c.opts.OnState; cb != nil {
		cb(s)
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	policy := c.opts.Reconnect
	if c.closed || !policy.Enabled {
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	if policy.MaxAttempts > 0 && attempt > policy.MaxAttempts {
		c.log.Warn().Int("attempts", attempt-1).Msg("giving up on reconnect")
		return
	}

	delay := backoffDelay(attempt, policy.BaseDelay, policy.MaxDelay)
	c.log.Info().Dur("delay", delay).Int("attempt", attempt).Msg("scheduling reconnect")

	time.AfterFunc(delay, func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if err := c.Open(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
			c.log.Warn().Err(err).Msg("reconnect attempt failed")
		}
	})
}

// backoffDelay computes a capped exponential delay with jitter in
// [d/2, d], so simultaneous disconnects do not produce a reconnect herd.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = defaultBaseDelay
	}
	if max <= 0 {
		max = defaultMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	if d > max {
		d = max
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}

	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

// httpOrigin reduces the relay's base URL to its scheme://host origin.
func httpOrigin(serverURL string) (string, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("incomplete server url %q", serverURL)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

// websocketURL converts the relay's base HTTP URL into the chat socket URL
// for the channel.
func websocketURL(serverURL, channelID string) (string, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}

	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}

	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/ws/chat/" + channelID
	return parsed.String(), nil
}
