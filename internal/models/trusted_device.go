package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TrustedDevice grants a device a long-lived remember token that lets login
// skip the second factor. Only the token digest is stored.
type TrustedDevice struct {
	ID           string      `gorm:"primaryKey;type:uuid" json:"id"`
	UserID       string      `gorm:"type:uuid;not null;index" json:"user_id"`
	UserDeviceID string      `gorm:"type:uuid;uniqueIndex;not null" json:"user_device_id"`
	Device       *UserDevice `gorm:"foreignKey:UserDeviceID" json:"device,omitempty"`

	TokenHash string    `gorm:"size:64;uniqueIndex;not null" json:"-"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`

	RevokedAt *time.Time `json:"revoked_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (t *TrustedDevice) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// Valid reports whether the remember token may still be honoured at now.
func (t *TrustedDevice) Valid(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiresAt.After(now)
}
