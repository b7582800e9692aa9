package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/charlesng35/cosession/internal/cache"
	"github.com/charlesng35/cosession/internal/collab"
	testutil "github.com/charlesng35/cosession/internal/database/testutil"
	"github.com/charlesng35/cosession/internal/models"
	"github.com/charlesng35/cosession/internal/services"
)

func TestCleanerRunOnce(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := fixedClock{current: time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	store := collab.NewStore(collab.WithClock(clock.Now))
	sessions, err := services.NewCollabSessionService(store, nil, services.CollabConfig{IdleTTL: time.Hour})
	require.NoError(t, err)
	snapshots, err := services.NewSnapshotService(db, store)
	require.NoError(t, err)
	counters := cache.NewDatabaseStore(db)

	idle, err := sessions.Create(ctx)
	require.NoError(t, err)
	offline := false
	_, err = sessions.UpdateParticipant(ctx, idle.Session.SessionID, idle.CurrentUserID, collab.ParticipantUpdate{IsOnline: &offline})
	require.NoError(t, err)

	active, err := sessions.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, db.Create(&models.CacheEntry{
		Key:       "ratelimit:test",
		Value:     []byte("3"),
		ExpiresAt: clock.current.Add(time.Minute),
	}).Error)

	clock.current = clock.current.Add(2 * time.Hour)

	c := NewCleaner(sessions, snapshots, counters,
		WithNow(clock.Now),
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
	)
	require.NoError(t, c.RunOnce(ctx))

	_, err = store.Get(idle.Session.SessionID)
	require.ErrorIs(t, err, collab.ErrSessionNotFound)
	_, err = store.Get(active.Session.SessionID)
	require.NoError(t, err)

	var snapshotCount int64
	require.NoError(t, db.Model(&models.SessionSnapshot{}).Count(&snapshotCount).Error)
	require.EqualValues(t, 1, snapshotCount)

	var retired models.RetiredSession
	require.NoError(t, db.Take(&retired, "session_id = ?", idle.Session.SessionID).Error)

	var counterCount int64
	require.NoError(t, db.Model(&models.CacheEntry{}).Count(&counterCount).Error)
	require.Zero(t, counterCount)
}

func TestCleanerPrunesTombstones(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := fixedClock{current: time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	store := collab.NewStore(collab.WithClock(clock.Now))
	sessions, err := services.NewCollabSessionService(store, nil, services.CollabConfig{})
	require.NoError(t, err)
	snapshots, err := services.NewSnapshotService(db, store)
	require.NoError(t, err)

	created, err := sessions.Create(ctx)
	require.NoError(t, err)
	_, err = sessions.RemoveParticipant(ctx, created.Session.SessionID, created.CurrentUserID)
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.RetiredSession{
		SessionID: "ancient",
		RetiredAt: clock.current.Add(-72 * time.Hour),
	}).Error)

	clock.current = clock.current.Add(48 * time.Hour)

	c := NewCleaner(sessions, snapshots, nil,
		WithNow(clock.Now),
		WithTombstoneTTL(24*time.Hour),
	)
	require.NoError(t, c.RunOnce(ctx))

	require.False(t, store.IsTombstoned(created.Session.SessionID))

	var count int64
	require.NoError(t, db.Model(&models.RetiredSession{}).Where("session_id = ?", "ancient").Count(&count).Error)
	require.Zero(t, count)
}

func TestCleanerRunOnceAggregatesErrors(t *testing.T) {
	flushErr := errors.New("disk full")
	purgeErr := errors.New("table locked")

	c := NewCleaner(nil, failingFlusher{err: flushErr}, failingCounters{err: purgeErr})
	err := c.RunOnce(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, flushErr)
	require.ErrorIs(t, err, purgeErr)
	require.Len(t, multierr.Errors(err), 2)
}

func TestCleanerStartWithoutJobsIsNoop(t *testing.T) {
	c := NewCleaner(nil, nil, nil)
	require.NoError(t, c.Start())
	<-c.Stop().Done()
}

func TestCleanerStartRejectsBadSchedule(t *testing.T) {
	c := NewCleaner(nil, failingFlusher{}, nil, WithFlushSchedule("every now and then"))
	err := c.Start()
	require.Error(t, err)
	require.Contains(t, err.Error(), "flush")
}

func TestCleanerStartRegistersJobs(t *testing.T) {
	scheduler := cron.New(cron.WithLogger(cron.DiscardLogger))
	c := NewCleaner(nil, failingFlusher{}, failingCounters{},
		WithCron(scheduler),
		WithFlushSchedule("@every 1h"),
		WithPurgeSchedule("@every 2h"),
	)
	require.NoError(t, c.Start())
	t.Cleanup(func() { <-c.Stop().Done() })

	require.Len(t, scheduler.Entries(), 2)
}

type failingFlusher struct {
	err error
}

func (f failingFlusher) Flush(context.Context) (services.FlushStats, error) {
	return services.FlushStats{}, f.err
}

func (f failingFlusher) PruneRetired(context.Context, time.Time) (int64, error) {
	return 0, f.err
}

type failingCounters struct {
	err error
}

func (f failingCounters) IncrementWithTTL(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, f.err
}

func (f failingCounters) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, f.err
}

type fixedClock struct {
	current time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.current
}
