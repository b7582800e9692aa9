package api

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charlesng35/cosession/internal/app"
	"github.com/charlesng35/cosession/internal/handlers"
	"github.com/charlesng35/cosession/internal/middleware"
	"github.com/charlesng35/cosession/internal/monitoring"
	"github.com/charlesng35/cosession/internal/realtime"
)

// Dependencies bundles everything the router wires into handlers.
type Dependencies struct {
	Config    *app.Config
	Sessions  handlers.SessionService
	Hub       *realtime.Hub
	Health    *monitoring.HealthManager
	RateStore middleware.RateStore
}

// NewRouter builds the Gin engine, wires middleware and registers the session routes.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.Config == nil {
		return nil, errors.New("config must be provided")
	}
	if deps.Sessions == nil {
		return nil, errors.New("session service must be provided")
	}
	if deps.Hub == nil {
		return nil, errors.New("realtime hub must be provided")
	}
	cfg := deps.Config

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	if cfg.Monitoring.Prometheus.Enabled {
		r.Use(middleware.Metrics())
	}
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins...))
	r.Use(middleware.RateLimit(middleware.RateLimitConfig{
		Store:    deps.RateStore,
		Requests: cfg.Server.RateLimit.Requests,
		Window:   cfg.Server.RateLimit.Window,
	}))

	var health *monitoring.HealthManager
	if cfg.Monitoring.Health.Enabled {
		health = deps.Health
	}
	registerHealthRoutes(r, handlers.NewHealthHandler(health))

	sessionHandler, err := handlers.NewSessionHandler(deps.Sessions)
	if err != nil {
		return nil, err
	}
	streamHandler, err := handlers.NewStreamHandler(deps.Hub, deps.Sessions)
	if err != nil {
		return nil, err
	}

	api := r.Group("/api")
	registerSessionRoutes(api, sessionHandler, streamHandler)

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := strings.TrimSpace(cfg.Monitoring.Prometheus.Endpoint)
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
