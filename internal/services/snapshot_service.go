package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/cosession/internal/collab"
	"github.com/charlesng35/cosession/internal/database"
	"github.com/charlesng35/cosession/internal/models"
	"github.com/charlesng35/cosession/pkg/logger"
	"github.com/charlesng35/cosession/pkg/metrics"
)

// FlushStats summarises one snapshot flush.
type FlushStats struct {
	Saved   int
	Removed int64
	Retired int
}

// RestoreStats summarises a boot-time restore.
type RestoreStats struct {
	Loaded  int
	Skipped int
	Retired int
}

// SnapshotService copies live sessions to the database and loads them back at start-up.
// It is best effort: mutations after the last flush are lost on a crash.
type SnapshotService struct {
	db    *gorm.DB
	store *collab.Store
	now   func() time.Time
	log   *zap.Logger
}

// NewSnapshotService constructs a SnapshotService.
func NewSnapshotService(db *gorm.DB, store *collab.Store) (*SnapshotService, error) {
	if db == nil {
		return nil, errors.New("snapshot service: db is required")
	}
	if store == nil {
		return nil, errors.New("snapshot service: store is required")
	}
	return &SnapshotService{
		db:    db,
		store: store,
		now:   time.Now,
		log:   logger.WithModule("snapshot"),
	}, nil
}

// Flush writes every live session, drops rows for sessions that no longer exist and
// records tombstones so deleted identifiers stay retired across restarts.
func (s *SnapshotService) Flush(ctx context.Context) (FlushStats, error) {
	sessions := s.store.Snapshot()
	tombstones := s.store.Tombstones()

	rows := make([]models.SessionSnapshot, 0, len(sessions))
	liveIDs := make([]string, 0, len(sessions))
	for _, session := range sessions {
		row, err := snapshotFromSession(session)
		if err != nil {
			metrics.SnapshotFlushes.WithLabelValues("failure").Inc()
			return FlushStats{}, err
		}
		rows = append(rows, row)
		liveIDs = append(liveIDs, session.SessionID)
	}

	var stats FlushStats
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(rows) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "session_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"admin_user_id", "users", "editors", "retired_user_ids",
					"revision", "session_updated_at", "updated_at",
				}),
			}).Create(&rows).Error; err != nil {
				return fmt.Errorf("save snapshots: %w", err)
			}
		}
		stats.Saved = len(rows)

		stale := tx.Model(&models.SessionSnapshot{})
		if len(liveIDs) > 0 {
			stale = stale.Where("session_id NOT IN ?", liveIDs)
		} else {
			stale = stale.Where("1 = 1")
		}
		result := stale.Delete(&models.SessionSnapshot{})
		if result.Error != nil {
			return fmt.Errorf("drop stale snapshots: %w", result.Error)
		}
		stats.Removed = result.RowsAffected

		for id, at := range tombstones {
			err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&models.RetiredSession{SessionID: id, RetiredAt: at}).Error
			if err != nil && !isUniqueConstraintError(err) {
				return fmt.Errorf("record retired session %s: %w", id, err)
			}
			stats.Retired++
		}

		return database.UpsertSystemTime(ctx, tx, database.LastSnapshotFlushSetting, s.now())
	})
	if err != nil {
		metrics.SnapshotFlushes.WithLabelValues("failure").Inc()
		return FlushStats{}, err
	}

	metrics.SnapshotFlushes.WithLabelValues("success").Inc()
	s.log.Debug("sessions flushed",
		zap.Int("saved", stats.Saved),
		zap.Int64("removed", stats.Removed),
		zap.Int("retired", stats.Retired),
	)
	return stats, nil
}

// Restore loads persisted sessions and tombstones into the store. Rows that fail to decode
// or validate are skipped and logged; the returned error aggregates those problems.
func (s *SnapshotService) Restore(ctx context.Context) (RestoreStats, error) {
	var rows []models.SessionSnapshot
	if err := s.db.WithContext(ctx).Order("session_created_at ASC").Find(&rows).Error; err != nil {
		return RestoreStats{}, fmt.Errorf("load snapshots: %w", err)
	}

	var retired []models.RetiredSession
	if err := s.db.WithContext(ctx).Find(&retired).Error; err != nil {
		return RestoreStats{}, fmt.Errorf("load retired sessions: %w", err)
	}

	var problems error
	sessions := make([]collab.Session, 0, len(rows))
	for _, row := range rows {
		session, err := sessionFromSnapshot(row)
		if err != nil {
			problems = multierr.Append(problems, err)
			continue
		}
		sessions = append(sessions, session)
	}

	tombstones := make(map[string]time.Time, len(retired))
	for _, row := range retired {
		tombstones[row.SessionID] = row.RetiredAt
	}

	rejected := s.store.Restore(sessions, tombstones)
	for _, err := range rejected {
		problems = multierr.Append(problems, err)
	}

	stats := RestoreStats{
		Loaded:  len(sessions) - len(rejected),
		Skipped: len(rows) - len(sessions) + len(rejected),
		Retired: len(tombstones),
	}
	for _, err := range multierr.Errors(problems) {
		s.log.Warn("skipping persisted session", zap.Error(err))
	}
	s.log.Info("sessions restored",
		zap.Int("loaded", stats.Loaded),
		zap.Int("skipped", stats.Skipped),
		zap.Int("retired", stats.Retired),
	)
	return stats, problems
}

// PruneRetired forgets retired identifiers recorded before the cutoff.
func (s *SnapshotService) PruneRetired(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("retired_at < ?", before).Delete(&models.RetiredSession{})
	return result.RowsAffected, result.Error
}

// LastFlush reports when the last successful flush happened.
func (s *SnapshotService) LastFlush(ctx context.Context) (time.Time, error) {
	return database.GetSystemTime(ctx, s.db, database.LastSnapshotFlushSetting)
}

func snapshotFromSession(session collab.Session) (models.SessionSnapshot, error) {
	users, err := json.Marshal(session.Users)
	if err != nil {
		return models.SessionSnapshot{}, fmt.Errorf("encode users of %s: %w", session.SessionID, err)
	}
	editors, err := json.Marshal(session.Editors)
	if err != nil {
		return models.SessionSnapshot{}, fmt.Errorf("encode editors of %s: %w", session.SessionID, err)
	}
	retired, err := json.Marshal(session.RetiredUserIDs())
	if err != nil {
		return models.SessionSnapshot{}, fmt.Errorf("encode retired ids of %s: %w", session.SessionID, err)
	}

	return models.SessionSnapshot{
		SessionID:        session.SessionID,
		AdminUserID:      session.AdminUserID,
		Users:            datatypes.JSON(users),
		Editors:          datatypes.JSON(editors),
		RetiredUserIDs:   datatypes.JSON(retired),
		Revision:         session.Revision,
		SessionCreatedAt: session.CreatedAt,
		SessionUpdatedAt: session.UpdatedAt,
	}, nil
}

func sessionFromSnapshot(row models.SessionSnapshot) (collab.Session, error) {
	session := collab.Session{
		SessionID:   row.SessionID,
		AdminUserID: row.AdminUserID,
		Revision:    row.Revision,
		CreatedAt:   row.SessionCreatedAt,
		UpdatedAt:   row.SessionUpdatedAt,
	}
	if err := json.Unmarshal(row.Users, &session.Users); err != nil {
		return collab.Session{}, fmt.Errorf("decode users of %s: %w", row.SessionID, err)
	}
	if err := json.Unmarshal(row.Editors, &session.Editors); err != nil {
		return collab.Session{}, fmt.Errorf("decode editors of %s: %w", row.SessionID, err)
	}
	if len(row.RetiredUserIDs) > 0 {
		var retired []string
		if err := json.Unmarshal(row.RetiredUserIDs, &retired); err != nil {
			return collab.Session{}, fmt.Errorf("decode retired ids of %s: %w", row.SessionID, err)
		}
		session.RetireUserIDs(retired...)
	}
	if session.Editors == nil {
		session.Editors = []string{}
	}
	return session, nil
}
