package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/charlesng35/cosession/internal/app"
	"github.com/charlesng35/cosession/internal/collab"
)

func testConfig(t *testing.T) *app.Config {
	t.Helper()
	cfg := &app.Config{
		Server: app.ServerConfig{
			Port:      3003,
			PublicURL: "http://localhost:3003",
			RateLimit: app.RateLimitConfig{Requests: 100, Window: time.Minute, Backend: "memory"},
		},
		Database: app.DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(t.TempDir(), "cosession.sqlite"),
		},
		Persistence: app.PersistenceConfig{Schedule: "@every 30s"},
		Collab: app.CollabConfig{
			PollInterval:      2 * time.Second,
			NicknameMaxLength: 64,
			ReapSchedule:      "@every 5m",
		},
		Monitoring: app.MonitoringConfig{
			Health: app.HealthConfig{Enabled: true},
		},
	}
	return cfg
}

func TestBootstrapInMemory(t *testing.T) {
	cfg := testConfig(t)
	log := zap.NewNop()

	stack, err := bootstrapRuntime(context.Background(), cfg, log)
	require.NoError(t, err)
	require.Nil(t, stack.DB)
	require.Nil(t, stack.Snapshots)
	require.NotNil(t, stack.Router)

	rec := httptest.NewRecorder()
	stack.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, stack.Shutdown(context.Background(), log))
	require.NoError(t, stack.Shutdown(context.Background(), log), "shutdown is idempotent")
}

func TestBootstrapRestoresSessionsAcrossRestarts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Persistence.Enabled = true
	log := zap.NewNop()
	ctx := context.Background()

	first, err := bootstrapRuntime(ctx, cfg, log)
	require.NoError(t, err)
	require.NotNil(t, first.DB)

	created, err := first.Sessions.Create(ctx)
	require.NoError(t, err)
	joined, err := first.Sessions.Join(ctx, created.Session.SessionID)
	require.NoError(t, err)

	gone, err := first.Sessions.Create(ctx)
	require.NoError(t, err)
	_, err = first.Sessions.RemoveParticipant(ctx, gone.Session.SessionID, gone.CurrentUserID)
	require.NoError(t, err)

	require.NoError(t, first.Shutdown(ctx, log))

	second, err := bootstrapRuntime(ctx, cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Shutdown(context.Background(), log) })

	restored, err := second.Sessions.Get(ctx, created.Session.SessionID)
	require.NoError(t, err)
	require.Equal(t, userIDs(joined.Session), userIDs(restored))
	require.Equal(t, created.CurrentUserID, restored.AdminUserID)

	_, err = second.Sessions.Get(ctx, gone.Session.SessionID)
	require.ErrorIs(t, err, collab.ErrSessionNotFound)
	require.True(t, second.Store.IsTombstoned(gone.Session.SessionID))
}

func TestBootstrapDatabaseRateLimitBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.RateLimit.Backend = "database"
	log := zap.NewNop()

	stack, err := bootstrapRuntime(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = stack.Shutdown(context.Background(), log) })

	require.NotNil(t, stack.DB)
	require.Nil(t, stack.memoryRates)

	rec := httptest.NewRecorder()
	stack.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestConvertDatabaseConfig(t *testing.T) {
	cfg := &app.Config{Database: app.DatabaseConfig{
		Driver: " PostgreSQL ",
		Postgres: app.DBAuthConfig{
			Host:     "db.example.com ",
			Port:     5432,
			Database: "cosession",
			Username: "svc",
			Password: "secret",
		},
	}}

	dbCfg := convertDatabaseConfig(cfg)
	require.Equal(t, "postgres", dbCfg.Driver)
	require.Equal(t, "db.example.com", dbCfg.Host)
	require.Equal(t, 5432, dbCfg.Port)
	require.Equal(t, "cosession", dbCfg.Name)

	cfg.Database = app.DatabaseConfig{}
	require.Equal(t, "sqlite", convertDatabaseConfig(cfg).Driver)
}

func TestNeedsDatabase(t *testing.T) {
	cfg := &app.Config{}
	require.False(t, needsDatabase(cfg))

	cfg.Server.RateLimit.Backend = "Database"
	require.True(t, needsDatabase(cfg))

	cfg.Server.RateLimit.Backend = "memory"
	cfg.Persistence.Enabled = true
	require.True(t, needsDatabase(cfg))
}

func userIDs(s collab.Session) []string {
	ids := make([]string, 0, len(s.Users))
	for _, p := range s.Users {
		ids = append(ids, p.UserID)
	}
	return ids
}
