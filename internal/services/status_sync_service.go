package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/wardenhq/warden/internal/models"
)

// SyncResult reports the corrections applied by a reconciliation pass.
type SyncResult struct {
	ExpiredBansDeactivated int64
	UsersMarkedBanned      int64
	UsersReactivated       int64
}

// Changed reports whether the pass performed any writes. A second run
// immediately after a successful pass must return false here.
func (r SyncResult) Changed() bool {
	return r.ExpiredBansDeactivated > 0 || r.UsersMarkedBanned > 0 || r.UsersReactivated > 0
}

// StatusSyncService reconciles the denormalised users.status column against the
// ban ledger. The ledger is the source of truth; this service only ever corrects
// drift and never creates bans. Disabled accounts are outside its jurisdiction.
type StatusSyncService struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStatusSyncService constructs the synchronizer.
func NewStatusSyncService(db *gorm.DB, clock func() time.Time) (*StatusSyncService, error) {
	if db == nil {
		return nil, errors.New("status sync service: db is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &StatusSyncService{db: db, now: clock}, nil
}

// SyncUser reconciles a single user's status against their ban rows.
func (s *StatusSyncService) SyncUser(ctx context.Context, userID string) (bool, error) {
	ctx = ensureContext(ctx)
	return s.SyncUserTx(ctx, s.db, userID)
}

// SyncUserTx is the transaction-scoped form used by ban mutations so the status
// flip commits atomically with the ledger write.
func (s *StatusSyncService) SyncUserTx(ctx context.Context, tx *gorm.DB, userID string) (bool, error) {
	if trimmed(userID) == "" {
		return false, errors.New("status sync service: user id is required")
	}

	now := s.now()

	var user models.User
	err := tx.WithContext(ctx).Take(&user, "id = ? AND deleted_at IS NULL", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("status sync service: load user: %w", err)
	}

	if user.Status == models.UserStatusDisabled {
		return false, nil
	}

	var current int64
	if err := tx.WithContext(ctx).Model(&models.UserBan{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Count(&current).Error; err != nil {
		return false, fmt.Errorf("status sync service: count bans: %w", err)
	}

	desired := models.UserStatusActive
	if current > 0 {
		desired = models.UserStatusBanned
	}

	if user.Status == desired {
		return false, nil
	}

	if err := tx.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("status", desired).Error; err != nil {
		return false, fmt.Errorf("status sync service: update status: %w", err)
	}

	return true, nil
}

// SyncAll runs the full reconciliation pass. It is idempotent and safe to run
// at any time, in any order with respect to ban mutations.
func (s *StatusSyncService) SyncAll(ctx context.Context) (SyncResult, error) {
	ctx = ensureContext(ctx)

	var result SyncResult
	now := s.now()

	// Lazily deactivate bans whose expiry has passed. Reads already ignore
	// them; this keeps the ledger tidy for listing and the checks below cheap.
	expired := s.db.WithContext(ctx).Model(&models.UserBan{}).
		Where("is_active = ? AND expires_at IS NOT NULL AND expires_at <= ?", true, now).
		Update("is_active", false)
	if expired.Error != nil {
		return result, fmt.Errorf("status sync service: deactivate expired bans: %w", expired.Error)
	}
	result.ExpiredBansDeactivated = expired.RowsAffected

	currentlyBanned := s.db.WithContext(ctx).Model(&models.UserBan{}).
		Select("user_id").
		Where("user_id IS NOT NULL AND is_active = ?", true).
		Where("expires_at IS NULL OR expires_at > ?", now)

	// Direction 1: every user with a current ban carries the banned status.
	marked := s.db.WithContext(ctx).Model(&models.User{}).
		Where("deleted_at IS NULL AND status = ?", models.UserStatusActive).
		Where("id IN (?)", currentlyBanned).
		Update("status", models.UserStatusBanned)
	if marked.Error != nil {
		return result, fmt.Errorf("status sync service: mark banned: %w", marked.Error)
	}
	result.UsersMarkedBanned = marked.RowsAffected

	// Direction 2: nobody stays banned without a current ban backing it up.
	reactivated := s.db.WithContext(ctx).Model(&models.User{}).
		Where("deleted_at IS NULL AND status = ?", models.UserStatusBanned).
		Where("id NOT IN (?)", currentlyBanned).
		Update("status", models.UserStatusActive)
	if reactivated.Error != nil {
		return result, fmt.Errorf("status sync service: reactivate: %w", reactivated.Error)
	}
	result.UsersReactivated = reactivated.RowsAffected

	return result, nil
}
