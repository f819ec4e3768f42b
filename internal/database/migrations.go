package database

import (
	"gorm.io/gorm"

	"github.com/wardenhq/warden/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Role{},
		&models.UserBan{},
		&models.BanAppeal{},
		&models.UserDevice{},
		&models.TrustedDevice{},
		&models.RecoveryCodeUsage{},
		&models.ImpersonationSession{},
		&models.MFASecret{},
		&models.AuditLog{},
		&models.SystemSetting{},
		&models.CacheEntry{},
	)
}

// SeedData populates the system roles and default runtime settings.
func SeedData(db *gorm.DB) error {
	roles := []models.Role{
		{
			BaseModel:    models.BaseModel{ID: "admin"},
			Name:         "Administrator",
			Description:  "Full moderation and review access",
			IsSystem:     true,
			SessionLimit: 10,
		},
		{
			BaseModel:    models.BaseModel{ID: "moderator"},
			Name:         "Moderator",
			Description:  "Ban and appeal review access",
			IsSystem:     true,
			SessionLimit: 5,
		},
		{
			BaseModel:    models.BaseModel{ID: "user"},
			Name:         "User",
			Description:  "Standard account",
			IsSystem:     true,
			SessionLimit: 3,
		},
	}

	for _, role := range roles {
		if err := db.Where(models.Role{BaseModel: models.BaseModel{ID: role.ID}}).Attrs(role).FirstOrCreate(&models.Role{}).Error; err != nil {
			return err
		}
	}

	defaults := map[string]string{
		SettingDefaultSessionLimit:  "3",
		SettingAppealWindowRequests: "3",
		SettingAppealWindowMinutes:  "60",
	}
	for key, value := range defaults {
		record := models.SystemSetting{Key: key, Value: value}
		if err := db.Where("key = ?", key).Attrs(record).FirstOrCreate(&models.SystemSetting{}).Error; err != nil {
			return err
		}
	}

	return nil
}
