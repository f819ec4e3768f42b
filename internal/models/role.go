package models

// Well-known system role ids seeded at migration time.
const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RoleUser      = "user"
)

// Role groups users for authorisation and carries the per-role cap on
// concurrent device sessions enforced at login.
type Role struct {
	BaseModel

	Name        string `gorm:"uniqueIndex;not null" json:"name"`
	Description string `json:"description"`
	IsSystem    bool   `gorm:"default:false" json:"is_system"`

	SessionLimit int `gorm:"default:0" json:"session_limit"` // 0 falls back to the configured default

	Users []User `gorm:"many2many:user_roles;" json:"users,omitempty"`
}
