package models

import (
	"time"

	"gorm.io/datatypes"
)

// MFASecret is a user's TOTP enrolment. Secret holds the AES-GCM ciphertext
// of the shared secret, never the raw value; BackupCodes is the JSON array of
// bcrypt-hashed recovery codes still unspent.
type MFASecret struct {
	BaseModel

	UserID      string         `gorm:"type:uuid;uniqueIndex;not null" json:"user_id"`
	Secret      string         `gorm:"not null" json:"-"`
	BackupCodes datatypes.JSON `json:"-"`
	LastUsedAt  *time.Time     `json:"last_used_at"`
}
