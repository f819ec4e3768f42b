package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/wardenhq/warden/internal/models"
	"github.com/wardenhq/warden/pkg/crypto"
	apperrors "github.com/wardenhq/warden/pkg/errors"
	"github.com/wardenhq/warden/pkg/metrics"
)

// DefaultAppealURLTokenTTL bounds how long an issued appeal URL stays usable.
const DefaultAppealURLTokenTTL = 72 * time.Hour

var (
	// ErrBanNotFound indicates the requested ban does not exist.
	ErrBanNotFound = apperrors.New("BAN_NOT_FOUND", "Ban not found", http.StatusNotFound)
	// ErrBanIrrevocable rejects revocation or appeal of an irrevocable ban.
	ErrBanIrrevocable = apperrors.NewConflict("Irrevocable bans cannot be revoked or appealed")
	// ErrBanNotCurrent marks operations that require the ban to be in force.
	ErrBanNotCurrent = apperrors.NewConflict("Ban is not currently active")
)

// CreateBanInput describes a new ledger entry. Exactly one of UserID or an
// IP-only ban (IPBan + IPAddress) must identify the subject.
type CreateBanInput struct {
	UserID      *string
	IPAddress   string
	IPBan       bool
	Reason      string
	AdminNotes  string
	ExpiresAt   *time.Time
	Irrevocable bool
	ActorID     string
}

// ListBansOptions controls pagination and filtering for admin listings.
type ListBansOptions struct {
	Page     int
	PageSize int
	UserID   string
	Active   *bool
	IPBan    *bool
}

// BanOption customises the BanService.
type BanOption func(*BanService)

// WithBanClock injects a custom clock, primarily for testing.
func WithBanClock(clock func() time.Time) BanOption {
	return func(s *BanService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithAppealURLTokenTTL overrides the appeal URL token lifetime.
func WithAppealURLTokenTTL(ttl time.Duration) BanOption {
	return func(s *BanService) {
		if ttl > 0 {
			s.appealURLTTL = ttl
		}
	}
}

// BanService owns the ban ledger: creation, revocation, currently-banned
// checks, and the rotating single-use appeal URL token.
type BanService struct {
	db           *gorm.DB
	sync         *StatusSyncService
	audit        *AuditService
	now          func() time.Time
	appealURLTTL time.Duration
}

// NewBanService constructs the ledger service.
func NewBanService(db *gorm.DB, sync *StatusSyncService, audit *AuditService, opts ...BanOption) (*BanService, error) {
	if db == nil {
		return nil, errors.New("ban service: db is required")
	}
	if sync == nil {
		return nil, errors.New("ban service: status sync service is required")
	}

	service := &BanService{
		db:           db,
		sync:         sync,
		audit:        audit,
		now:          time.Now,
		appealURLTTL: DefaultAppealURLTokenTTL,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// Create records a ban and flips the subject's status in the same transaction
// so there is no window where the denormalised status lags the ledger.
func (s *BanService) Create(ctx context.Context, input CreateBanInput) (*models.UserBan, error) {
	ctx = ensureContext(ctx)

	if trimmed(input.ActorID) == "" {
		return nil, apperrors.NewBadRequest("actor id is required")
	}
	if trimmed(input.Reason) == "" {
		return nil, apperrors.NewBadRequest("reason is required")
	}
	if input.Irrevocable && input.ExpiresAt != nil {
		return nil, apperrors.NewBadRequest("irrevocable bans must be permanent")
	}
	if input.UserID == nil && trimmed(input.IPAddress) == "" {
		return nil, apperrors.NewBadRequest("a subject user or IP address is required")
	}
	// A ban with no subject user only takes effect through the IP match, so
	// anything else would be a ledger row no enforcement path ever reads.
	if input.UserID == nil && !input.IPBan {
		return nil, apperrors.NewBadRequest("bans without a subject user must be ip bans")
	}
	if input.IPBan && trimmed(input.IPAddress) == "" {
		return nil, apperrors.NewBadRequest("ip bans require an IP address")
	}

	now := s.now()
	actorID := trimmed(input.ActorID)

	ban := &models.UserBan{
		UserID:        input.UserID,
		BannedBy:      &actorID,
		Reason:        trimmed(input.Reason),
		AdminNotes:    trimmed(input.AdminNotes),
		BannedAt:      now,
		ExpiresAt:     input.ExpiresAt,
		IsActive:      true,
		IsIrrevocable: input.Irrevocable,
		IPBan:         input.IPBan,
		IPAddress:     trimmed(input.IPAddress),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if input.UserID != nil {
			var subject models.User
			if err := tx.Take(&subject, "id = ? AND deleted_at IS NULL", *input.UserID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrUserNotFound
				}
				return fmt.Errorf("ban service: load subject: %w", err)
			}
		}

		if err := tx.Create(ban).Error; err != nil {
			return fmt.Errorf("ban service: create ban: %w", err)
		}

		if input.UserID != nil {
			if _, err := s.sync.SyncUserTx(ctx, tx, *input.UserID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	kind := "user"
	if ban.UserID == nil {
		kind = "ip"
	}
	metrics.BansIssued.WithLabelValues(kind, strconv.FormatBool(ban.ExpiresAt == nil)).Inc()

	recordAudit(s.audit, ctx, AuditEntry{
		UserID:   &actorID,
		Action:   "ban.create",
		Resource: ban.ID,
		Result:   "success",
		Metadata: map[string]any{
			"subject_user_id": ban.UserID,
			"ip_ban":          ban.IPBan,
			"irrevocable":     ban.IsIrrevocable,
			"expires_at":      ban.ExpiresAt,
		},
	})

	return ban, nil
}

// Revoke deactivates a ban and re-syncs the subject's status atomically.
func (s *BanService) Revoke(ctx context.Context, banID, actorID string) error {
	ctx = ensureContext(ctx)

	if trimmed(actorID) == "" {
		return apperrors.NewBadRequest("actor id is required")
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.revokeTx(ctx, tx, banID)
	})
	if err != nil {
		return err
	}

	actor := trimmed(actorID)
	recordAudit(s.audit, ctx, AuditEntry{
		UserID:   &actor,
		Action:   "ban.revoke",
		Resource: banID,
		Result:   "success",
	})
	return nil
}

// revokeTx performs the revocation inside an existing transaction. Appeal
// approval reuses it so the review decision and the ban flip commit together.
func (s *BanService) revokeTx(ctx context.Context, tx *gorm.DB, banID string) error {
	var ban models.UserBan
	if err := tx.Take(&ban, "id = ?", trimmed(banID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrBanNotFound
		}
		return fmt.Errorf("ban service: load ban: %w", err)
	}

	if ban.IsIrrevocable {
		return ErrBanIrrevocable
	}

	if err := tx.Model(&ban).Update("is_active", false).Error; err != nil {
		return fmt.Errorf("ban service: deactivate ban: %w", err)
	}

	if ban.UserID != nil {
		if _, err := s.sync.SyncUserTx(ctx, tx, *ban.UserID); err != nil {
			return err
		}
	}
	return nil
}

// IsUserCurrentlyBanned applies the lazy expiry rule: an is_active ban whose
// expiry has passed never counts, whether or not a sweep has cleaned it up yet.
func (s *BanService) IsUserCurrentlyBanned(ctx context.Context, userID string) (bool, error) {
	ctx = ensureContext(ctx)

	if trimmed(userID) == "" {
		return false, apperrors.NewBadRequest("user id is required")
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&models.UserBan{}).
		Where("user_id = ? AND is_active = ?", trimmed(userID), true).
		Where("expires_at IS NULL OR expires_at > ?", s.now()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("ban service: count bans: %w", err)
	}
	return count > 0, nil
}

// IsIPBanned checks the ledger for a current IP-level ban.
func (s *BanService) IsIPBanned(ctx context.Context, ip string) (bool, error) {
	ctx = ensureContext(ctx)

	if trimmed(ip) == "" {
		return false, nil
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&models.UserBan{}).
		Where("ip_ban = ? AND ip_address = ? AND is_active = ?", true, trimmed(ip), true).
		Where("expires_at IS NULL OR expires_at > ?", s.now()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("ban service: count ip bans: %w", err)
	}
	return count > 0, nil
}

// Get loads a single ban with its appeal, if any.
func (s *BanService) Get(ctx context.Context, banID string) (*models.UserBan, error) {
	ctx = ensureContext(ctx)

	var ban models.UserBan
	err := s.db.WithContext(ctx).Preload("Appeal").Take(&ban, "id = ?", trimmed(banID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ban service: load ban: %w", err)
	}
	return &ban, nil
}

// IssueAppealURLToken mints a fresh single-use appeal URL token for the ban.
// Writing the new digest and invalidating the previous token are the same row
// write, so two tokens are never simultaneously valid.
func (s *BanService) IssueAppealURLToken(ctx context.Context, banID string) (string, error) {
	ctx = ensureContext(ctx)

	ban, err := s.Get(ctx, banID)
	if err != nil {
		return "", err
	}
	if ban.IsIrrevocable {
		return "", ErrBanIrrevocable
	}
	if !ban.CurrentlyBans(s.now()) {
		return "", ErrBanNotCurrent
	}

	token, err := crypto.GenerateToken(32)
	if err != nil {
		return "", fmt.Errorf("ban service: generate appeal url token: %w", err)
	}

	now := s.now()
	expires := now.Add(s.appealURLTTL)
	err = s.db.WithContext(ctx).Model(&models.UserBan{}).
		Where("id = ?", ban.ID).
		Updates(map[string]any{
			"appeal_url_token":            crypto.HashToken(token),
			"appeal_url_token_expires_at": expires,
			"appeal_url_token_rotated_at": now,
		}).Error
	if err != nil {
		return "", fmt.Errorf("ban service: store appeal url token: %w", err)
	}

	return token, nil
}

// FindByAppealURLToken resolves a raw appeal URL token to its ban. Expired,
// rotated, and unknown tokens are indistinguishable to the caller.
func (s *BanService) FindByAppealURLToken(ctx context.Context, rawToken string) (*models.UserBan, error) {
	ctx = ensureContext(ctx)

	if trimmed(rawToken) == "" {
		return nil, apperrors.ErrNotFound
	}

	var ban models.UserBan
	err := s.db.WithContext(ctx).
		Take(&ban, "appeal_url_token = ?", crypto.HashToken(trimmed(rawToken))).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ban service: lookup appeal url token: %w", err)
	}

	now := s.now()
	if ban.AppealURLTokenExpiresAt != nil && !ban.AppealURLTokenExpiresAt.After(now) {
		return nil, apperrors.ErrNotFound
	}
	if !ban.CurrentlyBans(now) {
		return nil, apperrors.ErrNotFound
	}

	return &ban, nil
}

// List returns paginated bans for admin review, newest first.
func (s *BanService) List(ctx context.Context, opts ListBansOptions) ([]models.UserBan, int64, error) {
	ctx = ensureContext(ctx)

	page := opts.Page
	if page <= 0 {
		page = 1
	}
	perPage := opts.PageSize
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}

	query := s.db.WithContext(ctx).Model(&models.UserBan{})
	if opts.UserID != "" {
		query = query.Where("user_id = ?", opts.UserID)
	}
	if opts.Active != nil {
		query = query.Where("is_active = ?", *opts.Active)
	}
	if opts.IPBan != nil {
		query = query.Where("ip_ban = ?", *opts.IPBan)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("ban service: count bans: %w", err)
	}

	var bans []models.UserBan
	if err := query.
		Preload("Appeal").
		Order("banned_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&bans).Error; err != nil {
		return nil, 0, fmt.Errorf("ban service: list bans: %w", err)
	}

	return bans, total, nil
}
