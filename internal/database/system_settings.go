package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/wardenhq/warden/internal/models"
)

// Keys for runtime-tunable settings. Values live in the system_settings table
// and are loaded into an explicit struct at startup rather than read ambiently.
const (
	SettingDefaultSessionLimit  = "sessions.default_limit"
	SettingAppealWindowRequests = "appeals.rate_requests"
	SettingAppealWindowMinutes  = "appeals.rate_window_minutes"
)

// RuntimeSettings is the decoded form of the tunables stored in system_settings.
type RuntimeSettings struct {
	DefaultSessionLimit  int
	AppealWindowRequests int
	AppealWindowMinutes  int
}

// GetSystemSetting retrieves a system setting by key. Returns an empty string when not found.
func GetSystemSetting(ctx context.Context, db *gorm.DB, key string) (string, error) {
	if db == nil {
		return "", fmt.Errorf("system settings: db is nil")
	}

	var setting models.SystemSetting
	err := db.WithContext(ctx).Take(&setting, "key = ?", key).Error
	if err == nil {
		return setting.Value, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if strings.Contains(err.Error(), "no such table") {
		return "", nil
	}
	return "", fmt.Errorf("system settings: get %q: %w", key, err)
}

// UpsertSystemSetting stores or updates a system setting value.
func UpsertSystemSetting(ctx context.Context, db *gorm.DB, key, value string) error {
	if db == nil {
		return fmt.Errorf("system settings: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("system settings: key is required")
	}

	record := models.SystemSetting{
		Key:   key,
		Value: value,
	}

	if err := db.WithContext(ctx).
		Where("key = ?", key).
		Assign(map[string]any{"value": value}).
		FirstOrCreate(&record).Error; err != nil {
		return fmt.Errorf("system settings: upsert %q: %w", key, err)
	}

	return nil
}

// LoadRuntimeSettings reads the tunable settings into a struct, applying
// defaults for anything missing or malformed.
func LoadRuntimeSettings(ctx context.Context, db *gorm.DB) (RuntimeSettings, error) {
	settings := RuntimeSettings{
		DefaultSessionLimit:  3,
		AppealWindowRequests: 3,
		AppealWindowMinutes:  60,
	}

	load := func(key string, dest *int) error {
		raw, err := GetSystemSetting(ctx, db, key)
		if err != nil {
			return err
		}
		if raw == "" {
			return nil
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || parsed <= 0 {
			return nil
		}
		*dest = parsed
		return nil
	}

	if err := load(SettingDefaultSessionLimit, &settings.DefaultSessionLimit); err != nil {
		return settings, err
	}
	if err := load(SettingAppealWindowRequests, &settings.AppealWindowRequests); err != nil {
		return settings, err
	}
	if err := load(SettingAppealWindowMinutes, &settings.AppealWindowMinutes); err != nil {
		return settings, err
	}

	return settings, nil
}
