package models

import "time"

// SystemSetting persists bookkeeping values that should survive restarts, such as the
// time of the last successful snapshot flush.
type SystemSetting struct {
	Key       string    `gorm:"primaryKey"`
	Value     string    `gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
