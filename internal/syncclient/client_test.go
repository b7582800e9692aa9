package syncclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/cosession/internal/collab"
	"github.com/charlesng35/cosession/internal/handlers/testutil"
	"github.com/charlesng35/cosession/internal/syncclient"
)

func newServer(t *testing.T, opts ...testutil.Option) (*testutil.Env, *syncclient.Client) {
	t.Helper()

	env := testutil.NewEnv(t, opts...)
	server := httptest.NewServer(env.Router)
	t.Cleanup(server.Close)

	client, err := syncclient.NewClient(server.URL)
	require.NoError(t, err)
	return env, client
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := syncclient.NewClient("ftp://example.com")
	require.Error(t, err)
	_, err = syncclient.NewClient("://nope")
	require.Error(t, err)
}

func TestClient_SessionLifecycle(t *testing.T) {
	_, client := newServer(t)
	ctx := context.Background()

	created, meta, err := client.Create(ctx)
	require.NoError(t, err)
	require.Equal(t, created.CurrentUserID, created.Session.AdminUserID)
	require.EqualValues(t, 2000, meta.PollIntervalMS)
	require.Equal(t, created.Session.Revision, meta.Revision)
	sessionID := created.Session.SessionID
	admin := created.CurrentUserID

	joined, _, err := client.Join(ctx, sessionID)
	require.NoError(t, err)
	guest := joined.CurrentUserID
	require.Equal(t, sessionID, joined.Session.SessionID)

	nickname := "Linus"
	session, err := client.UpdateParticipant(ctx, sessionID, guest, collab.ParticipantUpdate{Nickname: &nickname})
	require.NoError(t, err)
	p, ok := session.Participant(guest)
	require.True(t, ok)
	require.Equal(t, "Linus", p.Nickname)

	session, err = client.UpdatePermissions(ctx, sessionID, collab.ActionGrantEdit, guest, admin)
	require.NoError(t, err)
	require.True(t, session.IsEditor(guest))

	session, err = client.UpdatePermissions(ctx, sessionID, collab.ActionRevokeEdit, guest, admin)
	require.NoError(t, err)
	require.False(t, session.IsEditor(guest))

	summaries, err := client.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, 2, summaries[0].ParticipantCount)

	locator, err := client.Share(ctx, sessionID)
	require.NoError(t, err)
	require.Contains(t, locator.URL, "?session="+sessionID)

	fetched, meta, err := client.Get(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, fetched.Revision, meta.Revision)

	removal, err := client.Remove(ctx, sessionID, admin)
	require.NoError(t, err)
	require.False(t, removal.Deleted)
	require.NotNil(t, removal.Session)
	require.Equal(t, guest, removal.Session.AdminUserID)

	removal, err = client.Remove(ctx, sessionID, guest)
	require.NoError(t, err)
	require.True(t, removal.Deleted)
	require.Nil(t, removal.Session)
	require.Equal(t, sessionID, removal.SessionID)

	_, _, err = client.Get(ctx, sessionID)
	require.ErrorIs(t, err, collab.ErrSessionNotFound)
}

func TestClient_ErrorsMapToSentinels(t *testing.T) {
	_, client := newServer(t)
	ctx := context.Background()

	created, _, err := client.Create(ctx)
	require.NoError(t, err)
	sessionID := created.Session.SessionID
	admin := created.CurrentUserID
	joined, _, err := client.Join(ctx, sessionID)
	require.NoError(t, err)
	guest := joined.CurrentUserID

	_, err = client.UpdatePermissions(ctx, sessionID, collab.ActionGrantEdit, guest, guest)
	require.ErrorIs(t, err, collab.ErrForbidden)

	_, err = client.UpdatePermissions(ctx, sessionID, collab.Action("promote"), guest, admin)
	require.ErrorIs(t, err, collab.ErrInvalidRequest)

	_, err = client.UpdatePermissions(ctx, sessionID, collab.ActionGrantEdit, "user_ghost", admin)
	require.ErrorIs(t, err, collab.ErrParticipantNotFound)
	require.ErrorIs(t, err, collab.ErrNotFound)

	_, err = client.Remove(ctx, "missing", guest)
	require.ErrorIs(t, err, collab.ErrSessionNotFound)

	var apiErr *syncclient.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	require.Equal(t, "NOT_FOUND", apiErr.Code)
}

func TestClient_JoinWithoutIDCreates(t *testing.T) {
	env, client := newServer(t)

	joined, _, err := client.Join(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, joined.CurrentUserID, joined.Session.AdminUserID)
	require.Equal(t, 1, env.Store.Len())
}

func TestClient_Health(t *testing.T) {
	_, client := newServer(t)

	report, err := client.Health(context.Background())
	require.NoError(t, err)
	require.True(t, report.Success)
	require.Equal(t, "up", report.Status)
}

func TestClient_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"success":false,"error":{"code":"RATE_LIMIT_EXCEEDED","message":"Too many requests, please slow down"}}`))
	}))
	t.Cleanup(server.Close)

	client, err := syncclient.NewClient(server.URL)
	require.NoError(t, err)

	_, err = client.List(context.Background())
	require.ErrorIs(t, err, syncclient.ErrRateLimited)
}

func TestClient_StreamURL(t *testing.T) {
	client, err := syncclient.NewClient("https://collab.example.com/")
	require.NoError(t, err)
	require.Equal(t, "wss://collab.example.com/api/sessions/abc/stream?userId=user_1", client.StreamURL("abc", "user_1"))
}
