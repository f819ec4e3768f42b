package models

import (
	"time"
)

// CacheEntry is a cached value persisted in the database-backed store.
// It backs rate limiting and other shared counters when Redis is not configured.
type CacheEntry struct {
	Key       string    `gorm:"primaryKey;size:256"`
	Value     []byte    `gorm:"type:blob"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
