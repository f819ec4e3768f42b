package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserDevice records one login session keyed by a device identifier. The
// composite unique index keeps device ids unique per user while allowing the
// same physical device to appear under multiple accounts.
type UserDevice struct {
	ID     string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID string `gorm:"type:uuid;not null;uniqueIndex:idx_user_device,priority:1" json:"user_id"`
	User   *User  `gorm:"foreignKey:UserID" json:"user,omitempty"`

	DeviceID string `gorm:"not null;uniqueIndex:idx_user_device,priority:2;index" json:"device_id"`

	Browser   string         `json:"browser"`
	Platform  string         `json:"platform"`
	UserAgent string         `json:"user_agent"`
	IPAddress string         `json:"ip_address"`
	Location  datatypes.JSON `json:"location,omitempty"`

	IsTrusted  bool       `gorm:"default:false" json:"is_trusted"`
	LastUsedAt time.Time  `gorm:"index" json:"last_used_at"`
	VerifiedAt *time.Time `json:"verified_at"`
	RevokedAt  *time.Time `gorm:"index" json:"revoked_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (d *UserDevice) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// Active reports whether the session backed by this device record is live.
func (d *UserDevice) Active() bool {
	return d.RevokedAt == nil
}
