package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studentconnect/relay/internal/notify"
	"github.com/studentconnect/relay/internal/store"
)

type testEnv struct {
	ts     *httptest.Server
	hub    *Hub
	store  store.Store
	router *notify.Router
}

func newTestEnv(t *testing.T, st store.Store) *testEnv {
	t.Helper()

	SetConfig(&Config{AllowedOrigins: []string{"*"}, StoreBackend: StoreMemory})
	t.Cleanup(func() { SetConfig(nil) })

	if st == nil {
		st = store.NewMemStore()
	}
	router := notify.NewRouter(zerolog.Nop())
	hub := NewHub(st, router, zerolog.Nop())
	go hub.Run()

	api := NewAPI(hub, st, router, zerolog.Nop())
	ts := httptest.NewServer(api.SetupRoutes())

	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		api.Close()
		ts.Close()
	})

	return &testEnv{ts: ts, hub: hub, store: st, router: router}
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
	header := http.Header{"Origin": {e.ts.URL}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) waitForSubscribers(t *testing.T, channelID string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.hub.SubscriberCount(channelID) == want
	}, 2*time.Second, 10*time.Millisecond, "subscriber count for %q never reached %d", channelID, want)
}

func readStoredMessage(t *testing.T, conn *websocket.Conn) store.StoredMessage {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	// Queued frames are coalesced with newline separators; take the first.
	line, _, _ := strings.Cut(string(payload), "\n")
	var m store.StoredMessage
	require.NoError(t, json.Unmarshal([]byte(line), &m))
	return m
}

func expectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	_, payload, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", payload)
}

func TestChatRoundTripBetweenClients(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "/ws/chat/cs101")
	bob := env.dial(t, "/ws/chat/cs101")
	env.waitForSubscribers(t, "cs101", 2)

	require.NoError(t, alice.WriteJSON(ChatFrame{User: "Alice", Text: "anyone read chapter 4?"}))

	for _, conn := range []*websocket.Conn{alice, bob} {
		got := readStoredMessage(t, conn)
		assert.Equal(t, "Alice", got.User)
		assert.Equal(t, "anyone read chapter 4?", got.Text)
		assert.Equal(t, "cs101", got.ChannelID)
		assert.Equal(t, int64(1), got.Seq)
		assert.False(t, got.Timestamp.IsZero())
	}
}

func TestChatChannelsAreIsolated(t *testing.T) {
	env := newTestEnv(t, nil)

	cs := env.dial(t, "/ws/chat/cs101")
	math := env.dial(t, "/ws/chat/math202")
	env.waitForSubscribers(t, "cs101", 1)
	env.waitForSubscribers(t, "math202", 1)

	require.NoError(t, cs.WriteJSON(ChatFrame{User: "Alice", Text: "cs only"}))

	got := readStoredMessage(t, cs)
	assert.Equal(t, "cs only", got.Text)
	expectNoFrame(t, math, 150*time.Millisecond)
}

func TestWhitespaceFrameIsDroppedSilently(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "/ws/chat/cs101")
	env.waitForSubscribers(t, "cs101", 1)

	require.NoError(t, alice.WriteJSON(ChatFrame{User: "Alice", Text: "   "}))
	expectNoFrame(t, alice, 150*time.Millisecond)

	resp, err := http.Get(env.ts.URL + "/groups/cs101/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var history []store.StoredMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	assert.Empty(t, history)
}

func TestHistoryEndpointReturnsAscendingMessages(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx := t.Context()
	for _, text := range []string{"first", "second", "third"} {
		_, err := env.hub.Publish(ctx, "cs101", store.Message{User: "Alice", Text: text})
		require.NoError(t, err)
	}

	resp, err := http.Get(env.ts.URL + "/groups/cs101/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var history []store.StoredMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	require.Len(t, history, 3)
	assert.Equal(t, "first", history[0].Text)
	assert.Equal(t, int64(3), history[2].Seq)
}

func TestHistoryEndpointLimitQuery(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx := t.Context()
	for i := 0; i < 5; i++ {
		_, err := env.hub.Publish(ctx, "cs101", store.Message{User: "u", Text: "m"})
		require.NoError(t, err)
	}

	resp, err := http.Get(env.ts.URL + "/groups/cs101/messages?limit=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var history []store.StoredMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	assert.Len(t, history, 2)
}

func TestHistoryEndpointRejectsBadLimit(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.ts.URL + "/groups/cs101/messages?limit=banana")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryEndpointStoreFailure(t *testing.T) {
	env := newTestEnv(t, failingStore{})

	resp, err := http.Get(env.ts.URL + "/groups/cs101/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "message history unavailable", body["error"])
}

func TestNotificationFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	listener := env.dial(t, "/ws/notifications")
	env.waitForSubscribers(t, notify.ChannelID, 1)

	payload := `{"title":"Grade posted","message":"CS101 midterm is up","type":"success"}`
	resp, err := http.Post(env.ts.URL+"/send-notification", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := listener.ReadMessage()
	require.NoError(t, err)

	var event notify.Event
	require.NoError(t, json.Unmarshal(frame, &event))
	assert.Equal(t, notify.KindSuccess, event.Kind)
	assert.Equal(t, "Grade posted", event.Title)
	assert.Equal(t, "CS101 midterm is up", event.Message)
}

func TestPlainTextNotification(t *testing.T) {
	env := newTestEnv(t, nil)

	listener := env.dial(t, "/ws/notifications")
	env.waitForSubscribers(t, notify.ChannelID, 1)

	resp, err := http.Post(env.ts.URL+"/send-notification", "text/plain", strings.NewReader("maintenance at midnight"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := listener.ReadMessage()
	require.NoError(t, err)

	var event notify.Event
	require.NoError(t, json.Unmarshal(frame, &event))
	assert.Equal(t, "maintenance at midnight", event.Message)
	assert.Equal(t, "Notification", event.Title)
	assert.Equal(t, notify.KindInfo, event.Kind)
}

func TestNotificationWithoutListenersStillAccepted(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.ts.URL+"/send-notification", "text/plain", strings.NewReader("into the void"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNotificationRequiresMessage(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.ts.URL+"/send-notification", "application/json", strings.NewReader(`{"title":"empty"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReservedChannelRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/chat/notifications"
	header := http.Header{"Origin": {env.ts.URL}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	if conn != nil {
		_ = conn.Close()
	}
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDisallowedOriginBlocked(t *testing.T) {
	env := newTestEnv(t, nil)
	SetConfig(&Config{AllowedOrigins: []string{"http://trusted.example"}})

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/chat/cs101"
	header := http.Header{"Origin": {"http://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	if conn != nil {
		_ = conn.Close()
	}
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHistoryEndpointRejectsPost(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.ts.URL+"/groups/cs101/messages", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDisconnectPrunesSubscription(t *testing.T) {
	env := newTestEnv(t, nil)

	conn := env.dial(t, "/ws/chat/cs101")
	env.waitForSubscribers(t, "cs101", 1)

	require.NoError(t, conn.Close())
	env.waitForSubscribers(t, "cs101", 0)
}
