package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wardenhq/warden/internal/models"
	"github.com/wardenhq/warden/pkg/crypto"
	apperrors "github.com/wardenhq/warden/pkg/errors"
	"github.com/wardenhq/warden/pkg/logger"
	"github.com/wardenhq/warden/pkg/metrics"
)

// DefaultTrustTTL bounds how long a remember token lets login skip the second
// factor before the device must re-verify.
const DefaultTrustTTL = 30 * 24 * time.Hour

var (
	// ErrDeviceNotFound indicates the device record does not exist or belongs
	// to another user.
	ErrDeviceNotFound = apperrors.New("DEVICE_NOT_FOUND", "Device not found", http.StatusNotFound)
	// ErrSessionRevoked rejects activity on a revoked session.
	ErrSessionRevoked = apperrors.New("SESSION_REVOKED", "Session has been revoked", http.StatusUnauthorized)
)

// RecordLoginInput captures the client details attached to a device session.
type RecordLoginInput struct {
	UserID    string
	DeviceID  string
	Browser   string
	Platform  string
	UserAgent string
	IPAddress string
	Location  map[string]string
}

// DeviceServiceOption customises construction.
type DeviceServiceOption func(*DeviceService)

// WithDeviceClock injects a deterministic clock for tests.
func WithDeviceClock(clock func() time.Time) DeviceServiceOption {
	return func(s *DeviceService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithTrustTTL overrides the remember-token lifetime.
func WithTrustTTL(ttl time.Duration) DeviceServiceOption {
	return func(s *DeviceService) {
		if ttl > 0 {
			s.trustTTL = ttl
		}
	}
}

// DeviceService owns the device trust registry: session rows, remember
// tokens, and the per-role cap on concurrent sessions.
type DeviceService struct {
	db       *gorm.DB
	audit    *AuditService
	now      func() time.Time
	trustTTL time.Duration
	log      *zap.Logger
}

// NewDeviceService constructs the registry service.
func NewDeviceService(db *gorm.DB, audit *AuditService, opts ...DeviceServiceOption) (*DeviceService, error) {
	if db == nil {
		return nil, errors.New("device service: db is required")
	}
	s := &DeviceService{
		db:       db,
		audit:    audit,
		now:      time.Now,
		trustTTL: DefaultTrustTTL,
		log:      logger.WithModule("devices"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RecordLogin upserts the session row for (user, device). A returning device
// gets its client details refreshed, last_used_at bumped, and any previous
// revocation cleared; the composite unique index makes concurrent first
// logins from the same device converge on one row.
func (s *DeviceService) RecordLogin(ctx context.Context, input RecordLoginInput) (*models.UserDevice, error) {
	ctx = ensureContext(ctx)

	userID := trimmed(input.UserID)
	deviceID := trimmed(input.DeviceID)
	if userID == "" || deviceID == "" {
		return nil, apperrors.NewBadRequest("user id and device id are required")
	}

	now := s.now()
	device := models.UserDevice{
		UserID:     userID,
		DeviceID:   deviceID,
		Browser:    trimmed(input.Browser),
		Platform:   trimmed(input.Platform),
		UserAgent:  trimmed(input.UserAgent),
		IPAddress:  trimmed(input.IPAddress),
		LastUsedAt: now,
	}
	if len(input.Location) > 0 {
		raw, err := json.Marshal(input.Location)
		if err != nil {
			return nil, fmt.Errorf("device service: encode location: %w", err)
		}
		device.Location = datatypes.JSON(raw)
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "device_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"browser":      device.Browser,
			"platform":     device.Platform,
			"user_agent":   device.UserAgent,
			"ip_address":   device.IPAddress,
			"location":     device.Location,
			"last_used_at": now,
			"revoked_at":   nil,
			"updated_at":   now,
		}),
	}).Create(&device).Error
	if err != nil {
		return nil, fmt.Errorf("device service: upsert device: %w", err)
	}

	var stored models.UserDevice
	if err := s.db.WithContext(ctx).
		Take(&stored, "user_id = ? AND device_id = ?", userID, deviceID).Error; err != nil {
		return nil, fmt.Errorf("device service: reload device: %w", err)
	}
	return &stored, nil
}

// MarkTrusted promotes the device to trusted and issues a remember token. A
// re-trust replaces the previous token outright, so at most one remember
// token per device is honoured. The plaintext is returned once.
func (s *DeviceService) MarkTrusted(ctx context.Context, userID, recordID string) (string, error) {
	ctx = ensureContext(ctx)

	device, err := s.owned(ctx, userID, recordID)
	if err != nil {
		return "", err
	}

	token, err := crypto.GenerateToken(32)
	if err != nil {
		return "", fmt.Errorf("device service: generate trust token: %w", err)
	}

	now := s.now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.UserDevice{}).
			Where("id = ?", device.ID).
			Updates(map[string]any{"is_trusted": true, "verified_at": now}).Error; err != nil {
			return fmt.Errorf("device service: mark trusted: %w", err)
		}

		trust := models.TrustedDevice{
			UserID:       device.UserID,
			UserDeviceID: device.ID,
			TokenHash:    crypto.HashToken(token),
			ExpiresAt:    now.Add(s.trustTTL),
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_device_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"token_hash": trust.TokenHash,
				"expires_at": trust.ExpiresAt,
				"revoked_at": nil,
				"updated_at": now,
			}),
		}).Create(&trust).Error
	})
	if err != nil {
		return "", err
	}

	recordAudit(s.audit, ctx, AuditEntry{
		UserID:   &device.UserID,
		Action:   "device.trust",
		Resource: device.ID,
		Result:   "success",
	})
	return token, nil
}

// VerifyTrust checks a presented remember token against the registry. It
// returns the backing device when the token is current, unrevoked, and bound
// to the same user and device identifier the client claims.
func (s *DeviceService) VerifyTrust(ctx context.Context, userID, deviceID, rawToken string) (*models.UserDevice, bool) {
	ctx = ensureContext(ctx)

	if trimmed(rawToken) == "" {
		return nil, false
	}

	var trust models.TrustedDevice
	err := s.db.WithContext(ctx).Preload("Device").
		Take(&trust, "token_hash = ?", crypto.HashToken(trimmed(rawToken))).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.Warn("trust token lookup failed", zap.Error(err))
		}
		return nil, false
	}

	if !trust.Valid(s.now()) || trust.UserID != trimmed(userID) {
		return nil, false
	}
	// The session row may be closed (logout, eviction): trust outlives the
	// session. Explicit revocation clears is_trusted and misses here.
	if trust.Device == nil || trust.Device.DeviceID != trimmed(deviceID) || !trust.Device.IsTrusted {
		return nil, false
	}
	return trust.Device, true
}

// EnforceSessionLimit revokes the least recently used active sessions so at
// most limit remain. Revocation here ends the session but deliberately leaves
// device trust intact; the device skips the second factor on its next login.
func (s *DeviceService) EnforceSessionLimit(ctx context.Context, userID string, limit int) (int, error) {
	ctx = ensureContext(ctx)

	if limit <= 0 {
		return 0, nil
	}

	var active []models.UserDevice
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NULL", trimmed(userID)).
		Order("last_used_at ASC, created_at ASC").
		Find(&active).Error
	if err != nil {
		return 0, fmt.Errorf("device service: list active sessions: %w", err)
	}

	excess := len(active) - limit
	if excess <= 0 {
		return 0, nil
	}

	ids := make([]string, 0, excess)
	for _, d := range active[:excess] {
		ids = append(ids, d.ID)
	}

	now := s.now()
	if err := s.db.WithContext(ctx).Model(&models.UserDevice{}).
		Where("id IN ?", ids).
		Update("revoked_at", now).Error; err != nil {
		return 0, fmt.Errorf("device service: evict sessions: %w", err)
	}

	metrics.SessionsEvicted.Add(float64(excess))
	s.log.Info("evicted sessions over limit",
		zap.String("user_id", trimmed(userID)),
		zap.Int("evicted", excess),
		zap.Int("limit", limit))
	return excess, nil
}

// EndSession closes the session on logout. Trust is untouched: signing out is
// not a security event, and the device may skip the second factor next time.
func (s *DeviceService) EndSession(ctx context.Context, userID, recordID string) error {
	ctx = ensureContext(ctx)

	result := s.db.WithContext(ctx).Model(&models.UserDevice{}).
		Where("id = ? AND user_id = ? AND revoked_at IS NULL", trimmed(recordID), trimmed(userID)).
		Update("revoked_at", s.now())
	if result.Error != nil {
		return fmt.Errorf("device service: end session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSessionRevoked
	}
	return nil
}

// Revoke ends the session and withdraws device trust. Unlike limit eviction,
// an explicit revocation also invalidates the remember token so the device
// must complete the second factor again.
func (s *DeviceService) Revoke(ctx context.Context, userID, recordID string) error {
	ctx = ensureContext(ctx)

	device, err := s.owned(ctx, userID, recordID)
	if err != nil {
		return err
	}

	now := s.now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.UserDevice{}).
			Where("id = ?", device.ID).
			Updates(map[string]any{"revoked_at": now, "is_trusted": false}).Error; err != nil {
			return fmt.Errorf("device service: revoke device: %w", err)
		}
		return tx.Model(&models.TrustedDevice{}).
			Where("user_device_id = ? AND revoked_at IS NULL", device.ID).
			Update("revoked_at", now).Error
	})
	if err != nil {
		return err
	}

	recordAudit(s.audit, ctx, AuditEntry{
		UserID:   &device.UserID,
		Action:   "device.revoke",
		Resource: device.ID,
		Result:   "success",
	})
	return nil
}

// RevokeAllExcept ends every other active session for the user, preserving
// device trust so familiar devices still skip the second factor when they
// sign back in.
func (s *DeviceService) RevokeAllExcept(ctx context.Context, userID, currentRecordID string) (int, error) {
	ctx = ensureContext(ctx)

	result := s.db.WithContext(ctx).Model(&models.UserDevice{}).
		Where("user_id = ? AND revoked_at IS NULL AND id <> ?", trimmed(userID), trimmed(currentRecordID)).
		Update("revoked_at", s.now())
	if result.Error != nil {
		return 0, fmt.Errorf("device service: revoke sessions: %w", result.Error)
	}

	uid := trimmed(userID)
	recordAudit(s.audit, ctx, AuditEntry{
		UserID:   &uid,
		Action:   "device.revoke_all",
		Resource: trimmed(currentRecordID),
		Result:   "success",
		Metadata: map[string]any{"revoked": result.RowsAffected},
	})
	return int(result.RowsAffected), nil
}

// Touch bumps last_used_at on an active session; a revoked or missing record
// reports ErrSessionRevoked so token validation fails closed.
func (s *DeviceService) Touch(ctx context.Context, recordID string) error {
	ctx = ensureContext(ctx)

	result := s.db.WithContext(ctx).Model(&models.UserDevice{}).
		Where("id = ? AND revoked_at IS NULL", trimmed(recordID)).
		Update("last_used_at", s.now())
	if result.Error != nil {
		return fmt.Errorf("device service: touch session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSessionRevoked
	}
	return nil
}

// FindActive loads an unrevoked session row by record id.
func (s *DeviceService) FindActive(ctx context.Context, recordID string) (*models.UserDevice, error) {
	ctx = ensureContext(ctx)

	var device models.UserDevice
	err := s.db.WithContext(ctx).
		Take(&device, "id = ? AND revoked_at IS NULL", trimmed(recordID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionRevoked
	}
	if err != nil {
		return nil, fmt.Errorf("device service: load session: %w", err)
	}
	return &device, nil
}

// ListForUser returns the user's device records, most recently used first.
func (s *DeviceService) ListForUser(ctx context.Context, userID string) ([]models.UserDevice, error) {
	ctx = ensureContext(ctx)

	var devices []models.UserDevice
	err := s.db.WithContext(ctx).
		Where("user_id = ?", trimmed(userID)).
		Order("last_used_at DESC").
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("device service: list devices: %w", err)
	}
	return devices, nil
}

// ActiveSessionCount reports the user's live session count.
func (s *DeviceService) ActiveSessionCount(ctx context.Context, userID string) (int64, error) {
	ctx = ensureContext(ctx)

	var count int64
	err := s.db.WithContext(ctx).Model(&models.UserDevice{}).
		Where("user_id = ? AND revoked_at IS NULL", trimmed(userID)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("device service: count sessions: %w", err)
	}
	return count, nil
}

func (s *DeviceService) owned(ctx context.Context, userID, recordID string) (*models.UserDevice, error) {
	var device models.UserDevice
	err := s.db.WithContext(ctx).
		Take(&device, "id = ? AND user_id = ?", trimmed(recordID), trimmed(userID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("device service: load device: %w", err)
	}
	return &device, nil
}
