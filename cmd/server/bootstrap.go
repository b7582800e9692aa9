package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/cosession/internal/api"
	"github.com/charlesng35/cosession/internal/app"
	"github.com/charlesng35/cosession/internal/app/maintenance"
	"github.com/charlesng35/cosession/internal/cache"
	"github.com/charlesng35/cosession/internal/collab"
	"github.com/charlesng35/cosession/internal/database"
	"github.com/charlesng35/cosession/internal/middleware"
	"github.com/charlesng35/cosession/internal/monitoring"
	"github.com/charlesng35/cosession/internal/monitoring/checks"
	"github.com/charlesng35/cosession/internal/realtime"
	"github.com/charlesng35/cosession/internal/services"
	"github.com/charlesng35/cosession/pkg/logger"
)

const (
	healthCheckTimeout = 3 * time.Second
	rateStoreSweep     = time.Minute
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB        *gorm.DB
	Store     *collab.Store
	Hub       *realtime.Hub
	Sessions  *services.CollabSessionService
	Snapshots *services.SnapshotService
	Cleaner   *maintenance.Cleaner
	RateStore middleware.RateStore
	Health    *monitoring.HealthManager
	Router    *gin.Engine

	memoryRates *middleware.MemoryRateStore
}

// bootstrapRuntime opens persistence when configured, restores the last snapshot, and
// wires the session service, realtime hub, maintenance jobs and HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			_ = stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	if needsDatabase(cfg) {
		stack.DB, err = initialiseDatabase(cfg)
		if err != nil {
			return nil, err
		}
	}

	stack.Store = collab.NewStore()

	var snapshots maintenance.SnapshotFlusher
	if cfg.Persistence.Enabled {
		stack.Snapshots, err = services.NewSnapshotService(stack.DB, stack.Store)
		if err != nil {
			return nil, fmt.Errorf("initialise snapshot service: %w", err)
		}
		stats, err := stack.Snapshots.Restore(ctx)
		if err != nil {
			// A broken snapshot must not keep the coordinator down; it starts empty instead.
			log.Warn("snapshot restore failed", zap.Error(err))
		} else {
			log.Info("sessions restored",
				zap.Int("loaded", stats.Loaded),
				zap.Int("retired", stats.Retired),
				zap.Int("skipped", stats.Skipped),
			)
		}
		snapshots = stack.Snapshots
	}

	stack.Hub = realtime.NewHub(realtime.WithAllowedOrigins(cfg.Server.AllowedOrigins...))

	stack.Sessions, err = services.NewCollabSessionService(stack.Store, stack.Hub, services.CollabConfig{
		MaxParticipants:   cfg.Collab.MaxParticipants,
		NicknameMaxLength: cfg.Collab.NicknameMaxLength,
		PollInterval:      cfg.Collab.PollInterval,
		IdleTTL:           cfg.Collab.IdleTTL,
		PublicURL:         cfg.Server.PublicURL,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise session service: %w", err)
	}
	stack.Sessions.RefreshGauges()

	var counters cache.Store
	switch strings.ToLower(strings.TrimSpace(cfg.Server.RateLimit.Backend)) {
	case "database":
		dbStore := cache.NewDatabaseStore(stack.DB)
		counters = dbStore
		stack.RateStore = middleware.NewDatabaseRateStore(dbStore)
	default:
		stack.memoryRates = middleware.NewMemoryRateStore(rateStoreSweep)
		stack.RateStore = stack.memoryRates
	}

	stack.Health = buildHealthManager(stack)

	var reaper maintenance.SessionReaper
	if cfg.Collab.IdleTTL > 0 || cfg.Collab.TombstoneTTL > 0 {
		reaper = stack.Sessions
	}
	stack.Cleaner = maintenance.NewCleaner(reaper, snapshots, counters,
		maintenance.WithReapSchedule(cfg.Collab.ReapSchedule),
		maintenance.WithFlushSchedule(cfg.Persistence.Schedule),
		maintenance.WithTombstoneTTL(cfg.Collab.TombstoneTTL),
	)
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	stack.Router, err = api.NewRouter(api.Dependencies{
		Config:    cfg,
		Sessions:  stack.Sessions,
		Hub:       stack.Hub,
		Health:    stack.Health,
		RateStore: stack.RateStore,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

func buildHealthManager(stack *runtimeStack) *monitoring.HealthManager {
	manager := monitoring.NewHealthManager(healthCheckTimeout)
	manager.RegisterLiveness(checks.Sessions(stack.Store))
	manager.RegisterReadiness(checks.Realtime(stack.Hub))
	if stack.DB != nil {
		manager.RegisterReadiness(checks.Database(stack.DB))
	}
	if stack.Snapshots != nil {
		manager.RegisterReadiness(checks.Snapshot(stack.Snapshots, 0, nil))
	}
	return manager
}

// Shutdown stops background jobs, writes a final snapshot and releases resources. The
// returned error aggregates every step that failed.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) error {
	if s == nil {
		return nil
	}

	var errs error
	if s.Cleaner != nil {
		<-s.Cleaner.Stop().Done()
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
			errs = multierr.Append(errs, err)
		}
		s.Cleaner = nil
	}

	if s.Hub != nil {
		s.Hub.Close()
		s.Hub = nil
	}

	if s.memoryRates != nil {
		s.memoryRates.Close()
		s.memoryRates = nil
	}

	if s.DB != nil {
		if err := database.Close(s.DB); err != nil {
			log.Warn("failed to close database", zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("close database: %w", err))
		}
		s.DB = nil
	}

	return errs
}

func needsDatabase(cfg *app.Config) bool {
	return cfg.Persistence.Enabled || strings.EqualFold(strings.TrimSpace(cfg.Server.RateLimit.Backend), "database")
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.OpenAndMigrate(dbCfg)
	if err != nil {
		return nil, err
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", dbCfg.Driver))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.Postgres.Password)
	case "mysql":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.MySQL.Password)
	default:
		// Leave driver as-is to surface unsupported driver error during open.
	}

	return dbCfg
}
