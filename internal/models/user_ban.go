package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserBan is one row in the ban ledger. UserID is nullable to support IP-only
// bans; BannedBy is nulled when the issuing admin account is deleted so the
// ledger survives staff turnover.
type UserBan struct {
	ID     string  `gorm:"primaryKey;type:uuid" json:"id"`
	UserID *string `gorm:"type:uuid;index" json:"user_id"`
	User   *User   `gorm:"foreignKey:UserID" json:"user,omitempty"`

	BannedBy *string `gorm:"type:uuid" json:"banned_by"`
	Actor    *User   `gorm:"foreignKey:BannedBy;constraint:OnDelete:SET NULL" json:"actor,omitempty"`

	Reason     string `gorm:"not null" json:"reason"`
	AdminNotes string `json:"admin_notes,omitempty"`

	BannedAt  time.Time  `gorm:"not null;index" json:"banned_at"`
	ExpiresAt *time.Time `gorm:"index" json:"expires_at"` // nil means permanent

	IsActive      bool `gorm:"default:true;index" json:"is_active"`
	IsIrrevocable bool `gorm:"default:false" json:"is_irrevocable"`

	IPBan     bool   `gorm:"default:false;index" json:"ip_ban"`
	IPAddress string `gorm:"index" json:"ip_address,omitempty"`

	// AppealURLToken holds only the 64-char SHA-256 digest of the single-use
	// appeal URL token. Writing a new digest invalidates the previous token.
	AppealURLToken          string     `gorm:"column:appeal_url_token;size:64;index" json:"-"`
	AppealURLTokenExpiresAt *time.Time `json:"-"`
	AppealURLTokenRotatedAt *time.Time `json:"-"`

	Appeal *BanAppeal `gorm:"foreignKey:UserBanID" json:"appeal,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *UserBan) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// CurrentlyBans reports whether the ban is in force at the supplied instant,
// applying the lazy expiry rule (expires_at in the past never bans, even while
// is_active is still set).
func (b *UserBan) CurrentlyBans(now time.Time) bool {
	if !b.IsActive {
		return false
	}
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}
