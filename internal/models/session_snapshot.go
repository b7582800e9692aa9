package models

import (
	"time"

	"gorm.io/datatypes"
)

// SessionSnapshot persists the last flushed state of a live session. Participants,
// editors and retired identifiers are stored as JSON documents.
type SessionSnapshot struct {
	SessionID        string         `gorm:"primaryKey;size:64"`
	AdminUserID      string         `gorm:"size:64;not null"`
	Users            datatypes.JSON `gorm:"not null"`
	Editors          datatypes.JSON `gorm:"not null"`
	RetiredUserIDs   datatypes.JSON
	Revision         uint64
	SessionCreatedAt time.Time `gorm:"index"`
	SessionUpdatedAt time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RetiredSession records the identifier of a deleted session so it is never reissued
// across restarts.
type RetiredSession struct {
	SessionID string    `gorm:"primaryKey;size:64"`
	RetiredAt time.Time `gorm:"index"`
	CreatedAt time.Time
}
