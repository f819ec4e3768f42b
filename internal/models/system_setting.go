package models

import "time"

// SystemSetting persists installation-wide values that survive restarts:
// the default session limit and the appeal throttle window live here so
// operators can tune them without a deploy.
type SystemSetting struct {
	Key       string    `gorm:"primaryKey"`
	Value     string    `gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
