// Package server coordinates subscriber registration, message persistence,
// and per-channel broadcast for the relay WebSocket system via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/studentconnect/relay/internal/notify"
	"github.com/studentconnect/relay/internal/store"
)

// ErrShuttingDown is returned by hub operations issued after shutdown began.
var ErrShuttingDown = errors.New("hub is shutting down")

// ErrClientClosed is returned by Subscribe when the client was already
// unsubscribed. Its send queue is closed at that point, so the client can
// never be delivered to again; callers must build a fresh Client instead.
var ErrClientClosed = errors.New("client send queue is closed")

const appendTimeout = 5 * time.Second

// Hub is the channel registry and broker in one: it tracks which clients are
// subscribed to which channel and runs every publish through
// persist-then-fan-out. All registry mutations and publishes are serialized
// through the hub's event loop, so appends to a channel can never interleave
// and delivery order always matches append order.
type Hub struct {
	store  store.Store
	router *notify.Router
	log    zerolog.Logger

	mu        sync.RWMutex
	rooms     map[string]map[*Client]struct{}
	channelOf map[*Client]string

	register   chan hubRequest
	unregister chan hubRequest
	publish    chan publishRequest
	broadcast  chan broadcastRequest

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type hubRequest struct {
	client *Client
	done   chan error
}

type publishRequest struct {
	channelID string
	msg       store.Message
	reply     chan publishReply
}

type publishReply struct {
	stored store.StoredMessage
	err    error
}

type broadcastRequest struct {
	channelID string
	payload   []byte
	done      chan struct{}
}

// NewHub creates a Hub backed by st. The router receives a user-visible
// error event when persistence fails; it may be nil in tests.
func NewHub(st store.Store, router *notify.Router, log zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		store:      st,
		router:     router,
		log:        log.With().Str("component", "hub").Logger(),
		rooms:      make(map[string]map[*Client]struct{}),
		channelOf:  make(map[*Client]string),
		register:   make(chan hubRequest),
		unregister: make(chan hubRequest),
		publish:    make(chan publishRequest),
		broadcast:  make(chan broadcastRequest),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop, handling subscription changes, publishes,
// and raw broadcasts. It should be called in its own goroutine; it returns
// when Shutdown is invoked.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case req := <-h.register:
			req.done <- h.handleRegister(req.client)

		case req := <-h.unregister:
			h.handleUnregister(req.client)
			req.done <- nil

		case req := <-h.publish:
			req.reply <- h.handlePublish(req.channelID, req.msg)

		case req := <-h.broadcast:
			h.fanOut(req.channelID, req.payload)
			close(req.done)
		}
	}
}

// Subscribe registers the client with its channel, creating the channel's
// subscriber set on first use. A client already subscribed elsewhere is moved:
// it is fully removed from the old channel before joining the new one. The
// client's pump goroutines are started once, on first registration. A client
// that was already unsubscribed is refused with ErrClientClosed.
func (h *Hub) Subscribe(c *Client) error {
	if c == nil || c.channel == "" {
		return store.ErrEmptyChannel
	}
	return h.submit(h.register, c)
}

// Unsubscribe removes the client from whatever channel it is subscribed to
// and closes its send queue. Unsubscribing a client that was already removed
// is a no-op.
func (h *Hub) Unsubscribe(c *Client) error {
	if c == nil {
		return nil
	}
	return h.submit(h.unregister, c)
}

func (h *Hub) submit(ch chan hubRequest, c *Client) error {
	req := hubRequest{client: c, done: make(chan error, 1)}
	select {
	case ch <- req:
	case <-h.ctx.Done():
		return ErrShuttingDown
	}
	select {
	case err := <-req.done:
		return err
	case <-h.ctx.Done():
		return ErrShuttingDown
	}
}

// Publish validates the message, appends it to the channel's log, and fans
// the stored message out to every current subscriber of that channel. When
// the store cannot be written nothing is delivered.
func (h *Hub) Publish(ctx context.Context, channelID string, msg store.Message) (store.StoredMessage, error) {
	if channelID == "" {
		return store.StoredMessage{}, store.ErrEmptyChannel
	}

	req := publishRequest{channelID: channelID, msg: msg, reply: make(chan publishReply, 1)}
	select {
	case h.publish <- req:
	case <-ctx.Done():
		return store.StoredMessage{}, ctx.Err()
	case <-h.ctx.Done():
		return store.StoredMessage{}, ErrShuttingDown
	}

	select {
	case rep := <-req.reply:
		return rep.stored, rep.err
	case <-ctx.Done():
		return store.StoredMessage{}, ctx.Err()
	case <-h.ctx.Done():
		return store.StoredMessage{}, ErrShuttingDown
	}
}

// Broadcast fans a pre-encoded payload out to the channel's subscribers
// without touching the store. It carries the ephemeral notification stream.
func (h *Hub) Broadcast(channelID string, payload []byte) {
	req := broadcastRequest{channelID: channelID, payload: payload, done: make(chan struct{})}
	select {
	case h.broadcast <- req:
	case <-h.ctx.Done():
		return
	}
	select {
	case <-req.done:
	case <-h.ctx.Done():
	}
}

// SubscriberCount reports how many clients are subscribed to the channel.
func (h *Hub) SubscriberCount(channelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[channelID])
}

func (h *Hub) handleRegister(c *Client) error {
	h.mu.Lock()
	if c.closed {
		// Unsubscribe already closed the send queue; delivering to this
		// client again would panic in fan-out.
		h.mu.Unlock()
		h.log.Warn().Str("channel", c.channel).Str("addr", c.addr).
			Msg("refusing to register client with closed send queue")
		return ErrClientClosed
	}
	if prev, ok := h.channelOf[c]; ok {
		if prev == c.channel {
			h.mu.Unlock()
			return nil
		}
		h.removeFromRoom(c, prev)
	}

	room, ok := h.rooms[c.channel]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[c.channel] = room
	}
	room[c] = struct{}{}
	h.channelOf[c] = c.channel
	startPumps := c.conn != nil && !c.pumpsStarted
	if startPumps {
		c.pumpsStarted = true
	}
	count := len(room)
	h.mu.Unlock()

	h.log.Info().Str("channel", c.channel).Str("addr", c.addr).Int("subscribers", count).
		Msg("client subscribed")

	if startPumps {
		h.wg.Add(2)
		go func() {
			defer h.wg.Done()
			c.writePump()
		}()
		go func() {
			defer h.wg.Done()
			c.readPump()
		}()
	}
	return nil
}

func (h *Hub) handleUnregister(c *Client) {
	h.mu.Lock()
	channelID, ok := h.channelOf[c]
	if ok {
		h.removeFromRoom(c, channelID)
		delete(h.channelOf, c)
		c.closed = true
	}
	h.mu.Unlock()

	if ok {
		// Close the queue after releasing the lock.
		close(c.send)
		h.log.Info().Str("channel", channelID).Str("addr", c.addr).Msg("client unsubscribed")
	}
}

// removeFromRoom must be called with h.mu held. Empty subscriber sets are
// dropped so idle channels cost nothing; history is kept by the store and the
// channel reappears lazily on next use.
func (h *Hub) removeFromRoom(c *Client, channelID string) {
	room, ok := h.rooms[channelID]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, channelID)
	}
}

func (h *Hub) handlePublish(channelID string, msg store.Message) publishReply {
	if err := msg.Validate(); err != nil {
		// Rejected before the store is touched; nothing is delivered.
		return publishReply{err: err}
	}

	ctx, cancel := context.WithTimeout(h.ctx, appendTimeout)
	defer cancel()

	stored, err := h.store.Append(ctx, channelID, msg)
	if err != nil {
		h.log.Error().Err(err).Str("channel", channelID).Msg("append failed, message not delivered")
		if h.router != nil && errors.Is(err, store.ErrUnavailable) {
			// Routed off the event loop: notification listeners may call back
			// into the hub to broadcast onto the notification channel.
			go h.router.Route(notify.Event{
				Kind:    notify.KindError,
				Title:   "Message not sent",
				Message: "Your message could not be saved. Please try again.",
			})
		}
		return publishReply{err: err}
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		h.log.Error().Err(err).Str("channel", channelID).Msg("encode stored message")
		return publishReply{stored: stored, err: err}
	}

	h.fanOut(channelID, payload)
	return publishReply{stored: stored}
}

// fanOut delivers payload to a point-in-time snapshot of the channel's
// subscribers. A subscriber with a full send queue is evicted rather than
// allowed to stall delivery to the others.
func (h *Hub) fanOut(channelID string, payload []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.rooms[channelID]))
	for client := range h.rooms[channelID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	var failed []*Client
	for _, client := range clients {
		if !h.safeSend(client, payload) {
			failed = append(failed, client)
		}
	}
	h.removeFailedClients(failed)
}

func (h *Hub) safeSend(client *Client, payload []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.log.Warn().Interface("panic", r).Msg("recovered from panic in safeSend")
		}
	}()

	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, exists := h.channelOf[client]; !exists || client.closed {
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

func (h *Hub) removeFailedClients(clients []*Client) {
	if len(clients) == 0 {
		return
	}

	h.mu.Lock()
	var queuesToClose []chan []byte
	for _, client := range clients {
		if channelID, exists := h.channelOf[client]; exists {
			h.removeFromRoom(client, channelID)
			delete(h.channelOf, client)
			client.closed = true
			queuesToClose = append(queuesToClose, client.send)
			h.log.Warn().Str("channel", channelID).Str("addr", client.addr).
				Msg("client removed due to full send buffer")
		}
	}
	h.mu.Unlock()

	for _, ch := range queuesToClose {
		close(ch)
	}
}

func (h *Hub) shutdownClients() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.channelOf))
	for client := range h.channelOf {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.log.Warn().Err(err).Str("addr", client.addr).Msg("error closing client connection")
			}
		}
	}

	h.log.Info().Int("clients", len(clients)).Msg("closed all client connections")
}

// Shutdown initiates graceful shutdown of the hub and waits for all client
// goroutines to finish, or for the timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
