package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/cosession/internal/models"
)

// LastSnapshotFlushSetting records when sessions were last written to the database.
const LastSnapshotFlushSetting = "persistence.last_flush_at"

// GetSystemSetting retrieves a system setting by key. Returns an empty string when not found.
func GetSystemSetting(ctx context.Context, db *gorm.DB, key string) (string, error) {
	if db == nil {
		return "", fmt.Errorf("system settings: db is nil")
	}

	var setting models.SystemSetting
	err := db.WithContext(ctx).Take(&setting, "key = ?", key).Error
	if err == nil {
		return setting.Value, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if strings.Contains(err.Error(), "no such table") {
		return "", nil
	}
	return "", fmt.Errorf("system settings: get %q: %w", key, err)
}

// UpsertSystemSetting stores or updates a system setting value.
func UpsertSystemSetting(ctx context.Context, db *gorm.DB, key, value string) error {
	if db == nil {
		return fmt.Errorf("system settings: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("system settings: key is required")
	}

	record := models.SystemSetting{
		Key:   key,
		Value: value,
	}

	if err := db.WithContext(ctx).
		Where("key = ?", key).
		Assign(map[string]any{"value": value}).
		FirstOrCreate(&record).Error; err != nil {
		return fmt.Errorf("system settings: upsert %q: %w", key, err)
	}

	return nil
}

// GetSystemTime reads a setting stored in RFC 3339 format. The zero time is returned when
// the key is missing.
func GetSystemTime(ctx context.Context, db *gorm.DB, key string) (time.Time, error) {
	raw, err := GetSystemSetting(ctx, db, key)
	if err != nil || strings.TrimSpace(raw) == "" {
		return time.Time{}, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("system settings: parse %q: %w", key, err)
	}
	return parsed, nil
}

// UpsertSystemTime stores a timestamp setting in RFC 3339 format.
func UpsertSystemTime(ctx context.Context, db *gorm.DB, key string, value time.Time) error {
	return UpsertSystemSetting(ctx, db, key, value.UTC().Format(time.RFC3339Nano))
}
