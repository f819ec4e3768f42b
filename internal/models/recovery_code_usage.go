package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RecoveryCodeUsage is an append-only log of consumed 2FA recovery codes, kept
// for anomaly and audit review. Rows are never updated after insert.
type RecoveryCodeUsage struct {
	ID     string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID string `gorm:"type:uuid;not null;index" json:"user_id"`

	CodeHash  string    `gorm:"size:64;not null" json:"-"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	UsedAt    time.Time `gorm:"not null;index" json:"used_at"`
}

func (r *RecoveryCodeUsage) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
