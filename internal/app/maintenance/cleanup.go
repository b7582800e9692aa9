package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/cosession/internal/cache"
	"github.com/charlesng35/cosession/internal/services"
	"github.com/charlesng35/cosession/pkg/logger"
)

const (
	defaultReapSpec  = "@every 5m"
	defaultFlushSpec = "@every 30s"
	defaultPurgeSpec = "@hourly"
)

// SessionReaper removes abandoned sessions from the live store.
type SessionReaper interface {
	ReapIdle(ctx context.Context, now time.Time) (int, error)
	PruneTombstones(now time.Time, ttl time.Duration) int
	RefreshGauges()
}

// SnapshotFlusher persists live sessions and trims retired identifiers.
type SnapshotFlusher interface {
	Flush(ctx context.Context) (services.FlushStats, error)
	PruneRetired(ctx context.Context, before time.Time) (int64, error)
}

// Cleaner coordinates background maintenance: idle session reaping, periodic snapshot
// flushes and purging of expired rate limit counters.
type Cleaner struct {
	sessions  SessionReaper
	snapshots SnapshotFlusher
	counters  cache.Store
	cron      *cron.Cron
	now       func() time.Time
	log       *zap.Logger

	tombstoneTTL  time.Duration
	reapSchedule  string
	flushSchedule string
	purgeSchedule string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock passed to every job.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithReapSchedule overrides the cron specification for idle session reaping.
func WithReapSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.reapSchedule = spec
		}
	}
}

// WithFlushSchedule overrides the cron specification for snapshot flushes.
func WithFlushSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.flushSchedule = spec
		}
	}
}

// WithPurgeSchedule overrides the cron specification for expired counter purges.
func WithPurgeSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.purgeSchedule = spec
		}
	}
}

// WithTombstoneTTL bounds how long deleted session identifiers are remembered. Zero keeps
// them forever.
func WithTombstoneTTL(ttl time.Duration) Option {
	return func(cleaner *Cleaner) {
		if ttl > 0 {
			cleaner.tombstoneTTL = ttl
		}
	}
}

// NewCleaner constructs a Cleaner. Any nil dependency results in the corresponding job
// being skipped.
func NewCleaner(sessions SessionReaper, snapshots SnapshotFlusher, counters cache.Store, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		sessions:      sessions,
		snapshots:     snapshots,
		counters:      counters,
		now:           time.Now,
		reapSchedule:  defaultReapSpec,
		flushSchedule: defaultFlushSpec,
		purgeSchedule: defaultPurgeSpec,
		log:           logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(
			cron.WithLogger(cron.DiscardLogger),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		)
	}

	return cleaner
}

func (c *Cleaner) enabled() bool {
	return c.sessions != nil || c.snapshots != nil || c.counters != nil
}

// Start registers the maintenance jobs and launches the scheduler if at least one is enabled.
func (c *Cleaner) Start() error {
	if !c.enabled() {
		return nil
	}

	jobs := []struct {
		name    string
		spec    string
		enabled bool
		run     func(context.Context) error
	}{
		{name: "reap", spec: c.reapSchedule, enabled: c.sessions != nil, run: c.reap},
		{name: "flush", spec: c.flushSchedule, enabled: c.snapshots != nil, run: c.flush},
		{name: "purge", spec: c.purgeSchedule, enabled: c.counters != nil, run: c.purge},
	}

	for _, job := range jobs {
		if !job.enabled {
			continue
		}
		job := job
		if _, err := c.cron.AddFunc(job.spec, func() {
			if err := job.run(context.Background()); err != nil {
				c.log.Warn("maintenance job failed", zap.String("job", job.name), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule %s job %q: %w", job.name, job.spec, err)
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes every configured job sequentially. Used in tests and during graceful
// shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	if c.sessions != nil {
		errs = multierr.Append(errs, c.reap(ctx))
	}
	if c.snapshots != nil {
		errs = multierr.Append(errs, c.flush(ctx))
	}
	if c.counters != nil {
		errs = multierr.Append(errs, c.purge(ctx))
	}
	return errs
}

func (c *Cleaner) reap(ctx context.Context) error {
	now := c.now()

	reaped, err := c.sessions.ReapIdle(ctx, now)
	if reaped > 0 {
		c.log.Info("idle sessions reaped", zap.Int("count", reaped))
	}

	var errs error
	errs = multierr.Append(errs, err)

	if c.tombstoneTTL > 0 {
		pruned := c.sessions.PruneTombstones(now, c.tombstoneTTL)
		if pruned > 0 {
			c.log.Debug("tombstones pruned", zap.Int("count", pruned))
		}
		if c.snapshots != nil {
			if _, err := c.snapshots.PruneRetired(ctx, now.Add(-c.tombstoneTTL)); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("prune retired sessions: %w", err))
			}
		}
	}

	c.sessions.RefreshGauges()
	return errs
}

func (c *Cleaner) flush(ctx context.Context) error {
	if _, err := c.snapshots.Flush(ctx); err != nil {
		return fmt.Errorf("flush snapshots: %w", err)
	}
	return nil
}

func (c *Cleaner) purge(ctx context.Context) error {
	purged, err := c.counters.PurgeExpired(ctx, c.now())
	if err != nil {
		return fmt.Errorf("purge expired counters: %w", err)
	}
	if purged > 0 {
		c.log.Debug("expired counters purged", zap.Int64("count", purged))
	}
	return nil
}
