package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User status values kept in sync with the ban ledger by the status synchronizer.
const (
	UserStatusActive   = "active"
	UserStatusBanned   = "banned"
	UserStatusDisabled = "disabled"
)

// User describes an account with its denormalised moderation status. The status
// column is a read optimisation; the ban ledger remains the source of truth.
type User struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	Username string `gorm:"uniqueIndex;not null" json:"username"`
	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Password string `gorm:"not null" json:"-"`

	Status string `gorm:"not null;default:active;index" json:"status"`

	MFAEnabled bool       `gorm:"default:false" json:"mfa_enabled"`
	MFASecret  *MFASecret `gorm:"foreignKey:UserID" json:"-"`

	Roles   []Role       `gorm:"many2many:user_roles;" json:"roles,omitempty"`
	Bans    []UserBan    `gorm:"foreignKey:UserID" json:"-"`
	Devices []UserDevice `gorm:"foreignKey:UserID" json:"-"`

	LastLoginAt *time.Time `json:"last_login_at"`
	LastLoginIP string     `json:"last_login_ip"`

	FailedAttempts int        `gorm:"default:0" json:"-"`
	LockedUntil    *time.Time `json:"-"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `gorm:"index" json:"-"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
