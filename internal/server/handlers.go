// Package server exposes HTTP handlers, including WebSocket upgrades for
// chat and notification streams, history retrieval, and health checks.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/studentconnect/relay/internal/notify"
	"github.com/studentconnect/relay/internal/store"
)

const maxNotificationBytes = 4096

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// API bundles the hub, store, and notification router behind the HTTP
// surface. The router is wired onto the reserved notification channel here:
// every routed event is pushed to all open notification sockets.
type API struct {
	hub    *Hub
	store  store.Store
	router *notify.Router
	log    zerolog.Logger

	cancelNotifyFeed func()
}

// NewAPI creates the handler set and registers the bridge that forwards
// routed notification events onto the notification WebSocket channel.
func NewAPI(hub *Hub, st store.Store, router *notify.Router, log zerolog.Logger) *API {
	a := &API{
		hub:    hub,
		store:  st,
		router: router,
		log:    log.With().Str("component", "api").Logger(),
	}

	a.cancelNotifyFeed = router.Listen(func(e notify.Event) {
		payload, err := json.Marshal(e)
		if err != nil {
			a.log.Error().Err(err).Msg("encode notification event")
			return
		}
		a.hub.Broadcast(notify.ChannelID, payload)
	})

	return a
}

// Close deregisters the API's notification listener.
func (a *API) Close() {
	if a.cancelNotifyFeed != nil {
		a.cancelNotifyFeed()
	}
}

// ChatSocketHandler upgrades the request to a WebSocket scoped to the group
// named in the path and subscribes it to that channel. History is not pushed
// over the socket; clients backfill via the history endpoint first.
func (a *API) ChatSocketHandler(w http.ResponseWriter, r *http.Request) {
	groupID := strings.TrimSpace(r.PathValue("groupID"))
	if groupID == "" {
		http.Error(w, "group id is required", http.StatusBadRequest)
		return
	}
	if groupID == notify.ChannelID {
		http.Error(w, "reserved channel", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn().Err(err).Str("group", groupID).Msg("WebSocket upgrade failed")
		return
	}

	client := NewClient(conn, a.hub, r.RemoteAddr, groupID)
	if err := a.hub.Subscribe(client); err != nil {
		a.log.Warn().Err(err).Str("group", groupID).Msg("subscribe failed")
		_ = conn.Close()
	}
}

// NotificationSocketHandler upgrades the request to a receive-only WebSocket
// on the reserved notification channel.
func (a *API) NotificationSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn().Err(err).Msg("notification upgrade failed")
		return
	}

	client := NewNotificationClient(conn, a.hub, r.RemoteAddr)
	if err := a.hub.Subscribe(client); err != nil {
		a.log.Warn().Err(err).Msg("notification subscribe failed")
		_ = conn.Close()
	}
}

// HistoryHandler returns the group's stored messages in ascending append
// order. Failures here are reported independently of the live socket: a
// client can have a working connection with a failed backfill.
func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	groupID := strings.TrimSpace(r.PathValue("groupID"))
	if groupID == "" {
		http.Error(w, "group id is required", http.StatusBadRequest)
		return
	}

	limit := currentConfig().HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	messages, err := a.store.FetchHistory(r.Context(), groupID, limit)
	if err != nil {
		a.log.Error().Err(err).Str("group", groupID).Msg("history fetch failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "message history unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, messages)
}

// SendNotificationHandler accepts a notification frame, either a JSON object
// {title?, message, type?} or plain text, and routes it to all open
// notification listeners. With no listeners the event is dropped.
func (a *API) SendNotificationHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationBytes))
	if err != nil {
		http.Error(w, "could not read request body", http.StatusBadRequest)
		return
	}

	event := notify.ParseFrame(body)
	if strings.TrimSpace(event.Message) == "" {
		http.Error(w, "notification message is required", http.StatusBadRequest)
		return
	}

	a.router.Route(event)
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent", "message": event.Message})
}

// HealthHandler provides a simple health check endpoint.
func (a *API) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("relay server is running"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		// Nothing useful to do; the client is likely gone.
		_ = err
	}
}
