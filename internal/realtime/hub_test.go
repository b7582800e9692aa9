package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func startHubServer(t *testing.T, hub *Hub, streams ...string) *httptest.Server {
	t.Helper()

	allowed := make(map[string]struct{}, len(streams))
	for _, stream := range streams {
		allowed[stream] = struct{}{}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(r.URL.Query().Get("userId"), streams, allowed, w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?userId=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestHubBroadcastReachesSubscribers(t *testing.T) {
	hub := NewHub()
	stream := SessionStream("01HXABC")
	srv := startHubServer(t, hub, stream)

	first := dial(t, srv, "u1")
	second := dial(t, srv, "u2")
	waitFor(t, func() bool { return hub.Subscribers(stream) == 2 })

	hub.BroadcastStream(stream, Message{Event: EventSessionUpdated, Data: map[string]any{"revision": 3}})

	for _, conn := range []*websocket.Conn{first, second} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		require.Equal(t, EventSessionUpdated, msg.Event)
		require.Equal(t, "session.01hxabc", msg.Stream)
	}
}

func TestHubBroadcastToUserOnlyTargetsThatUser(t *testing.T) {
	hub := NewHub()
	stream := SessionStream("s1")
	srv := startHubServer(t, hub, stream)

	target := dial(t, srv, "u1")
	other := dial(t, srv, "u2")
	waitFor(t, func() bool { return hub.Subscribers(stream) == 2 })

	hub.BroadcastToUser(stream, "u1", Message{Event: EventSessionUpdated})

	_ = target.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, target.ReadJSON(&msg))
	require.Equal(t, EventSessionUpdated, msg.Event)

	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	require.Error(t, other.ReadJSON(&msg))
}

func TestHubPingControlMessage(t *testing.T) {
	hub := NewHub()
	srv := startHubServer(t, hub, SessionStream("s1"))
	conn := dial(t, srv, "u1")

	require.NoError(t, conn.WriteJSON(controlMessage{Action: "ping"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, EventPong, msg.Event)
}

func TestHubIgnoresSubscriptionsOutsideAllowedSet(t *testing.T) {
	hub := NewHub()
	own := SessionStream("s1")
	foreign := SessionStream("s2")
	srv := startHubServer(t, hub, own)
	conn := dial(t, srv, "u1")
	waitFor(t, func() bool { return hub.Subscribers(own) == 1 })

	require.NoError(t, conn.WriteJSON(controlMessage{Action: "subscribe", Streams: []string{foreign}}))
	require.NoError(t, conn.WriteJSON(controlMessage{Action: "ping"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, EventPong, msg.Event)
	require.Zero(t, hub.Subscribers(foreign))
}

func TestHubCloseStreamDisconnectsSubscribers(t *testing.T) {
	hub := NewHub()
	stream := SessionStream("s1")
	srv := startHubServer(t, hub, stream)
	conn := dial(t, srv, "u1")
	waitFor(t, func() bool { return hub.ConnectionCount() == 1 })

	hub.CloseStream(stream)

	waitFor(t, func() bool { return hub.ConnectionCount() == 0 })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	hub := NewHub()
	srv := startHubServer(t, hub, SessionStream("s1"))

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?userId=u1"
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	open := NewHub(WithAllowedOrigins("*"))
	srv = startHubServer(t, open, SessionStream("s1"))
	url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/?userId=u1"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestSessionStreamRoundTrip(t *testing.T) {
	id, ok := SessionIDFromStream(SessionStream(" 01hx "))
	require.True(t, ok)
	require.Equal(t, "01hx", id)

	_, ok = SessionIDFromStream("notifications")
	require.False(t, ok)
}
