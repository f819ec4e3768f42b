package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Impersonation end reasons.
const (
	ImpersonationEndLogout  = "logout"
	ImpersonationEndExpired = "expired"
	ImpersonationEndManual  = "manual"
)

// ImpersonationSession records an admin acting as another user. The session
// token is stored hashed; EndedAt is nil while the impersonation is live.
type ImpersonationSession struct {
	ID string `gorm:"primaryKey;type:uuid" json:"id"`

	ImpersonatorID string `gorm:"type:uuid;not null;index" json:"impersonator_id"`
	Impersonator   *User  `gorm:"foreignKey:ImpersonatorID" json:"impersonator,omitempty"`

	TargetUserID string `gorm:"type:uuid;not null;index" json:"target_user_id"`
	Target       *User  `gorm:"foreignKey:TargetUserID" json:"target,omitempty"`

	TokenHash string `gorm:"size:64;uniqueIndex;not null" json:"-"`

	StartedAt time.Time  `gorm:"not null" json:"started_at"`
	EndedAt   *time.Time `gorm:"index" json:"ended_at"`
	EndReason string     `json:"end_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *ImpersonationSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}
