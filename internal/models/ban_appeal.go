package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Appeal states. Approved and rejected are terminal; more_info_requested keeps
// the appeal open for admin/user iteration.
const (
	AppealStatusPending           = "pending"
	AppealStatusApproved          = "approved"
	AppealStatusRejected          = "rejected"
	AppealStatusMoreInfoRequested = "more_info_requested"
)

// BanAppeal contests a single ban. The unique index on UserBanID is the
// authority for the one-appeal-per-ban rule; services surface violations as
// conflicts rather than pre-checking.
type BanAppeal struct {
	ID        string   `gorm:"primaryKey;type:uuid" json:"id"`
	UserBanID string   `gorm:"type:uuid;uniqueIndex;not null" json:"user_ban_id"`
	Ban       *UserBan `gorm:"foreignKey:UserBanID" json:"ban,omitempty"`

	Reason       string `gorm:"not null" json:"reason"`
	EvidencePath string `json:"evidence_path,omitempty"`

	Status        string `gorm:"not null;default:pending;index" json:"status"`
	AdminResponse string `json:"admin_response,omitempty"`

	ReviewedBy *string    `gorm:"type:uuid" json:"reviewed_by"`
	Reviewer   *User      `gorm:"foreignKey:ReviewedBy" json:"reviewer,omitempty"`
	ReviewedAt *time.Time `json:"reviewed_at"`

	// AppealToken stores the 64-char SHA-256 digest of the appeal security
	// token. The plaintext is returned once on submission and never persisted.
	AppealToken    string     `gorm:"column:appeal_token;size:64;uniqueIndex;not null" json:"-"`
	TokenRotatedAt *time.Time `json:"-"`

	RequestIP        string `json:"request_ip,omitempty"`
	RequestUserAgent string `json:"request_user_agent,omitempty"`
	TermsAccepted    bool   `gorm:"not null;default:false" json:"terms_accepted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (a *BanAppeal) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// Terminal reports whether the appeal has reached a final decision.
func (a *BanAppeal) Terminal() bool {
	return a.Status == AppealStatusApproved || a.Status == AppealStatusRejected
}
