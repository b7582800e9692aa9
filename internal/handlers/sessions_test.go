package handlers_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/cosession/internal/collab"
	"github.com/charlesng35/cosession/internal/handlers/testutil"
	"github.com/charlesng35/cosession/internal/realtime"
)

func TestSessionFlow_CreateJoinGrantTransferLeave(t *testing.T) {
	env := testutil.NewEnv(t)

	created := env.CreateSession()
	sessionID := created.Session.SessionID
	u1 := created.CurrentUserID
	require.NotEmpty(t, sessionID)
	require.Equal(t, u1, created.Session.AdminUserID)
	require.Equal(t, []string{u1}, created.Session.Editors)

	joined := env.JoinSession(sessionID)
	u2 := joined.CurrentUserID
	require.Equal(t, sessionID, joined.Session.SessionID)
	require.Len(t, joined.Session.Users, 2)

	w := env.Request(http.MethodPut, "/api/sessions/"+sessionID+"/permissions", map[string]string{
		"action": "grant_edit", "userId": u2, "adminUserId": u1,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := testutil.DecodeResponse(t, w)
	var session collab.Session
	testutil.DecodeInto(t, resp.Data, &session)
	require.ElementsMatch(t, []string{u1, u2}, session.Editors)
	require.NotNil(t, resp.Meta)
	require.Equal(t, session.Revision, resp.Meta.Revision)
	require.EqualValues(t, 2000, resp.Meta.PollIntervalMS)

	w = env.Request(http.MethodPut, "/api/sessions/"+sessionID+"/permissions", map[string]string{
		"action": "transfer_admin", "userId": u2, "adminUserId": u1,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &session)
	require.Equal(t, u2, session.AdminUserID)
	p2, _ := session.Participant(u2)
	require.True(t, p2.IsAdmin)
	p1, _ := session.Participant(u1)
	require.False(t, p1.IsAdmin)

	w = env.Request(http.MethodDelete, "/api/sessions/"+sessionID+"/users/"+u2, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &session)
	require.Equal(t, u1, session.AdminUserID)
	require.True(t, session.IsEditor(u1))
	require.NoError(t, collab.Validate(session))

	w = env.Request(http.MethodDelete, "/api/sessions/"+sessionID+"/users/"+u1, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ack struct {
		Message   string `json:"message"`
		SessionID string `json:"sessionId"`
		Deleted   bool   `json:"deleted"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &ack)
	require.Equal(t, "Session deleted", ack.Message)
	require.Equal(t, sessionID, ack.SessionID)
	require.True(t, ack.Deleted)

	w = env.Request(http.MethodGet, "/api/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	resp = testutil.DecodeResponse(t, w)
	require.False(t, resp.Success)
	require.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestSessionRoutes_ErrorMapping(t *testing.T) {
	env := testutil.NewEnv(t)

	created := env.CreateSession()
	sessionID := created.Session.SessionID
	admin := created.CurrentUserID
	guest := env.JoinSession(sessionID).CurrentUserID

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{
			name:   "non admin grant",
			method: http.MethodPut,
			path:   "/api/sessions/" + sessionID + "/permissions",
			body:   map[string]string{"action": "grant_edit", "userId": guest, "adminUserId": guest},
			status: http.StatusForbidden,
			code:   "FORBIDDEN",
		},
		{
			name:   "missing admin id",
			method: http.MethodPut,
			path:   "/api/sessions/" + sessionID + "/permissions",
			body:   map[string]string{"action": "grant_edit", "userId": guest},
			status: http.StatusForbidden,
			code:   "FORBIDDEN",
		},
		{
			name:   "unknown action",
			method: http.MethodPut,
			path:   "/api/sessions/" + sessionID + "/permissions",
			body:   map[string]string{"action": "promote", "userId": guest, "adminUserId": admin},
			status: http.StatusBadRequest,
			code:   "BAD_REQUEST",
		},
		{
			name:   "revoke from admin",
			method: http.MethodPut,
			path:   "/api/sessions/" + sessionID + "/permissions",
			body:   map[string]string{"action": "revoke_edit", "userId": admin, "adminUserId": admin},
			status: http.StatusBadRequest,
			code:   "BAD_REQUEST",
		},
		{
			name:   "unknown target",
			method: http.MethodPut,
			path:   "/api/sessions/" + sessionID + "/permissions",
			body:   map[string]string{"action": "grant_edit", "userId": "user_ghost", "adminUserId": admin},
			status: http.StatusNotFound,
			code:   "NOT_FOUND",
		},
		{
			name:   "unknown session permissions",
			method: http.MethodPut,
			path:   "/api/sessions/missing/permissions",
			body:   map[string]string{"action": "grant_edit", "userId": guest, "adminUserId": admin},
			status: http.StatusNotFound,
			code:   "NOT_FOUND",
		},
		{
			name:   "malformed json",
			method: http.MethodPut,
			path:   "/api/sessions/" + sessionID + "/permissions",
			body:   "{not json",
			status: http.StatusBadRequest,
			code:   "BAD_REQUEST",
		},
		{
			name:   "missing target",
			method: http.MethodPut,
			path:   "/api/sessions/" + sessionID + "/permissions",
			body:   map[string]string{"action": "grant_edit", "adminUserId": admin},
			status: http.StatusBadRequest,
			code:   "BAD_REQUEST",
		},
		{
			name:   "empty participant update",
			method: http.MethodPut,
			path:   "/api/sessions/" + sessionID + "/users/" + guest,
			body:   map[string]any{},
			status: http.StatusBadRequest,
			code:   "BAD_REQUEST",
		},
		{
			name:   "blank nickname",
			method: http.MethodPut,
			path:   "/api/sessions/" + sessionID + "/users/" + guest,
			body:   map[string]any{"nickname": "   "},
			status: http.StatusBadRequest,
			code:   "BAD_REQUEST",
		},
		{
			name:   "unknown participant update",
			method: http.MethodPut,
			path:   "/api/sessions/" + sessionID + "/users/user_ghost",
			body:   map[string]any{"isOnline": false},
			status: http.StatusNotFound,
			code:   "NOT_FOUND",
		},
		{
			name:   "unknown participant removal",
			method: http.MethodDelete,
			path:   "/api/sessions/" + sessionID + "/users/user_ghost",
			status: http.StatusNotFound,
			code:   "NOT_FOUND",
		},
		{
			name:   "unknown session share",
			method: http.MethodGet,
			path:   "/api/sessions/missing/share",
			status: http.StatusNotFound,
			code:   "NOT_FOUND",
		},
		{
			name:   "unknown route",
			method: http.MethodGet,
			path:   "/api/nope",
			status: http.StatusNotFound,
			code:   "NOT_FOUND",
		},
	}

	before, err := env.Store.Get(sessionID)
	require.NoError(t, err)

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			w := env.Request(tc.method, tc.path, tc.body)
			require.Equal(t, tc.status, w.Code, w.Body.String())
			resp := testutil.DecodeResponse(t, w)
			require.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			require.Equal(t, tc.code, resp.Error.Code)
		})
	}

	after, err := env.Store.Get(sessionID)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestSessionRoutes_JoinUnknownCreatesSession(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodPost, "/api/sessions/never-issued/join", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var payload testutil.JoinPayload
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &payload)
	require.NotEqual(t, "never-issued", payload.Session.SessionID)
	require.Equal(t, payload.CurrentUserID, payload.Session.AdminUserID)
	require.Equal(t, 1, env.Store.Len())
}

func TestSessionRoutes_JoinFullSessionIsRejected(t *testing.T) {
	env := testutil.NewEnv(t, testutil.WithMaxParticipants(1))

	created := env.CreateSession()
	w := env.Request(http.MethodPost, "/api/sessions/"+created.Session.SessionID+"/join", nil)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestSessionRoutes_UpdateParticipant(t *testing.T) {
	env := testutil.NewEnv(t)

	created := env.CreateSession()
	path := "/api/sessions/" + created.Session.SessionID + "/users/" + created.CurrentUserID

	w := env.Request(http.MethodPut, path, map[string]any{"nickname": "Grace"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var session collab.Session
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &session)
	p, _ := session.Participant(created.CurrentUserID)
	require.Equal(t, "Grace", p.Nickname)
	require.True(t, p.IsOnline)

	w = env.Request(http.MethodPut, path, map[string]any{"isOnline": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &session)
	p, _ = session.Participant(created.CurrentUserID)
	require.Equal(t, "Grace", p.Nickname)
	require.False(t, p.IsOnline)

	w = env.Request(http.MethodPut, path, map[string]any{"nickname": strings.Repeat("x", 65)})
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestSessionRoutes_ListAndGet(t *testing.T) {
	env := testutil.NewEnv(t)

	first := env.CreateSession()
	env.JoinSession(first.Session.SessionID)
	env.CreateSession()

	w := env.Request(http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := testutil.DecodeResponse(t, w)
	var summaries []collab.Summary
	testutil.DecodeInto(t, resp.Data, &summaries)
	require.Len(t, summaries, 2)
	require.Equal(t, 2, resp.Meta.Total)
	require.Contains(t, string(resp.Data), `"userCount":2`)

	w = env.Request(http.MethodGet, "/api/sessions/"+first.Session.SessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var session collab.Session
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &session)
	require.Len(t, session.Users, 2)
}

func TestSessionRoutes_Share(t *testing.T) {
	env := testutil.NewEnv(t, testutil.WithPublicURL("https://collab.example.com"))
	created := env.CreateSession()
	base := "/api/sessions/" + created.Session.SessionID + "/share"

	w := env.Request(http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var locator struct {
		SessionID string `json:"sessionId"`
		URL       string `json:"url"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &locator)
	require.Equal(t, "https://collab.example.com/?session="+created.Session.SessionID, locator.URL)

	w = env.Request(http.MethodGet, base+"?format=png&size=128", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "image/png", w.Header().Get("Content-Type"))
	require.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG\r\n\x1a\n")))

	w = env.Request(http.MethodGet, base+"?format=png&size=5000", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthRoutes(t *testing.T) {
	env := testutil.NewEnv(t)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/api/health"} {
		w := env.Request(http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, path)
		require.Contains(t, w.Body.String(), `"status":"up"`)
	}
}

func TestMetricsRoute(t *testing.T) {
	env := testutil.NewEnv(t)
	env.CreateSession()

	w := env.Request(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "cosession_sessions_created_total")
}

func TestStream_PushesUpdatesAndDeletion(t *testing.T) {
	env := testutil.NewEnv(t)
	server := httptest.NewServer(env.Router)
	t.Cleanup(server.Close)

	created := env.CreateSession()
	sessionID := created.Session.SessionID

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/sessions/" + sessionID + "/stream?userId=" + created.CurrentUserID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	stream := realtime.SessionStream(sessionID)
	require.Eventually(t, func() bool { return env.Hub.Subscribers(stream) == 1 }, 2*time.Second, 10*time.Millisecond)

	joined := env.JoinSession(sessionID)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg realtime.Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, realtime.EventSessionUpdated, msg.Event)
	require.Equal(t, stream, msg.Stream)

	env.Request(http.MethodDelete, "/api/sessions/"+sessionID+"/users/"+joined.CurrentUserID, nil)
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, realtime.EventSessionUpdated, msg.Event)

	env.Request(http.MethodDelete, "/api/sessions/"+sessionID+"/users/"+created.CurrentUserID, nil)
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, realtime.EventSessionDeleted, msg.Event)
}

func TestStream_RejectsUnknownSessionAndUser(t *testing.T) {
	env := testutil.NewEnv(t)
	created := env.CreateSession()

	w := env.Request(http.MethodGet, "/api/sessions/missing/stream", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.Request(http.MethodGet, "/api/sessions/"+created.Session.SessionID+"/stream?userId=user_ghost", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
