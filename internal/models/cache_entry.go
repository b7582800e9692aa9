package models

import (
	"time"
)

// CacheEntry holds a short-lived counter or value kept in the database, used by the
// database-backed rate limiter.
type CacheEntry struct {
	Key       string    `gorm:"primaryKey;size:256"`
	Value     []byte    `gorm:"type:blob"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
