package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/cosession/internal/api"
	"github.com/charlesng35/cosession/internal/app"
	"github.com/charlesng35/cosession/internal/collab"
	"github.com/charlesng35/cosession/internal/monitoring"
	"github.com/charlesng35/cosession/internal/monitoring/checks"
	"github.com/charlesng35/cosession/internal/realtime"
	"github.com/charlesng35/cosession/internal/services"
	"github.com/charlesng35/cosession/pkg/response"
)

// Env encapsulates a fully-wired API instance backed by an in-memory session store.
type Env struct {
	T        *testing.T
	Config   *app.Config
	Store    *collab.Store
	Hub      *realtime.Hub
	Sessions *services.CollabSessionService
	Router   *gin.Engine
}

// Option adjusts the configuration before the router is built.
type Option func(*app.Config)

// WithMaxParticipants caps session size.
func WithMaxParticipants(n int) Option {
	return func(cfg *app.Config) { cfg.Collab.MaxParticipants = n }
}

// WithPublicURL sets the base used for share links.
func WithPublicURL(url string) Option {
	return func(cfg *app.Config) { cfg.Server.PublicURL = url }
}

// NewEnv provisions a fresh handler test environment.
func NewEnv(t *testing.T, opts ...Option) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	cfg := &app.Config{
		Server: app.ServerConfig{
			Port:      3003,
			PublicURL: "http://localhost:3003",
		},
		Collab: app.CollabConfig{
			PollInterval:      2 * time.Second,
			NicknameMaxLength: 64,
		},
		Monitoring: app.MonitoringConfig{
			Prometheus: app.PrometheusConfig{Enabled: true, Endpoint: "/metrics"},
			Health:     app.HealthConfig{Enabled: true},
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	store := collab.NewStore()
	hub := realtime.NewHub()
	t.Cleanup(hub.Close)

	sessions, err := services.NewCollabSessionService(store, hub, services.CollabConfig{
		MaxParticipants:   cfg.Collab.MaxParticipants,
		NicknameMaxLength: cfg.Collab.NicknameMaxLength,
		PollInterval:      cfg.Collab.PollInterval,
		PublicURL:         cfg.Server.PublicURL,
	})
	require.NoError(t, err)

	health := monitoring.NewHealthManager(time.Second)
	health.RegisterLiveness(checks.Sessions(store))
	health.RegisterReadiness(checks.Realtime(hub))

	router, err := api.NewRouter(api.Dependencies{
		Config:   cfg,
		Sessions: sessions,
		Hub:      hub,
		Health:   health,
	})
	require.NoError(t, err)

	return &Env{
		T:        t,
		Config:   cfg,
		Store:    store,
		Hub:      hub,
		Sessions: sessions,
		Router:   router,
	}
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// JoinPayload mirrors the create and join response data.
type JoinPayload struct {
	Session       collab.Session `json:"session"`
	CurrentUserID string         `json:"currentUserId"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, JSON-encoding body when set.
func (e *Env) Request(method, path string, body any) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf *bytes.Buffer
	switch v := body.(type) {
	case nil:
		buf = bytes.NewBuffer(nil)
	case string:
		buf = bytes.NewBufferString(v)
	default:
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}

// CreateSession creates a session through the API and returns the decoded payload.
func (e *Env) CreateSession() JoinPayload {
	e.T.Helper()

	w := e.Request(http.MethodPost, "/api/sessions", nil)
	require.Equal(e.T, http.StatusCreated, w.Code, w.Body.String())

	var payload JoinPayload
	DecodeInto(e.T, DecodeResponse(e.T, w).Data, &payload)
	return payload
}

// JoinSession joins a session through the API and returns the decoded payload.
func (e *Env) JoinSession(sessionID string) JoinPayload {
	e.T.Helper()

	w := e.Request(http.MethodPost, "/api/sessions/"+sessionID+"/join", nil)
	require.Contains(e.T, []int{http.StatusOK, http.StatusCreated}, w.Code, w.Body.String())

	var payload JoinPayload
	DecodeInto(e.T, DecodeResponse(e.T, w).Data, &payload)
	return payload
}
