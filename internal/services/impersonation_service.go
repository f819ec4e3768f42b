package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wardenhq/warden/internal/models"
	"github.com/wardenhq/warden/pkg/crypto"
	apperrors "github.com/wardenhq/warden/pkg/errors"
	"github.com/wardenhq/warden/pkg/logger"
)

// DefaultImpersonationTTL caps how long an impersonation session may run
// before the maintenance sweep force-closes it.
const DefaultImpersonationTTL = 2 * time.Hour

var (
	// ErrImpersonationNotFound indicates the session id or token resolves to nothing live.
	ErrImpersonationNotFound = apperrors.New("IMPERSONATION_NOT_FOUND", "Impersonation session not found", http.StatusNotFound)
	// ErrImpersonateSelf rejects an admin impersonating their own account.
	ErrImpersonateSelf = apperrors.NewConflict("Cannot impersonate your own account")
	// ErrImpersonateAdmin rejects impersonating another administrator.
	ErrImpersonateAdmin = apperrors.NewConflict("Cannot impersonate an administrator")
)

// ImpersonationServiceOption customises construction.
type ImpersonationServiceOption func(*ImpersonationService)

// WithImpersonationClock injects a deterministic clock for tests.
func WithImpersonationClock(clock func() time.Time) ImpersonationServiceOption {
	return func(s *ImpersonationService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithImpersonationTTL overrides the stale-session cutoff.
func WithImpersonationTTL(ttl time.Duration) ImpersonationServiceOption {
	return func(s *ImpersonationService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// ImpersonationService lets administrators act as another user under a
// dedicated, audited, hashed-token session.
type ImpersonationService struct {
	db    *gorm.DB
	users *UserService
	audit *AuditService
	now   func() time.Time
	ttl   time.Duration
	log   *zap.Logger
}

// NewImpersonationService constructs the service.
func NewImpersonationService(db *gorm.DB, users *UserService, audit *AuditService, opts ...ImpersonationServiceOption) (*ImpersonationService, error) {
	if db == nil {
		return nil, errors.New("impersonation service: db is required")
	}
	if users == nil {
		return nil, errors.New("impersonation service: user service is required")
	}
	s := &ImpersonationService{
		db:    db,
		users: users,
		audit: audit,
		now:   time.Now,
		ttl:   DefaultImpersonationTTL,
		log:   logger.WithModule("impersonation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start opens an impersonation session. Admins may not impersonate themselves
// or other admins. The plaintext session token is returned once.
func (s *ImpersonationService) Start(ctx context.Context, impersonatorID, targetUserID string) (*models.ImpersonationSession, string, error) {
	ctx = ensureContext(ctx)

	impersonatorID = trimmed(impersonatorID)
	targetUserID = trimmed(targetUserID)
	if impersonatorID == "" || targetUserID == "" {
		return nil, "", apperrors.NewBadRequest("impersonator and target user ids are required")
	}
	if impersonatorID == targetUserID {
		return nil, "", ErrImpersonateSelf
	}

	if _, err := s.users.Get(ctx, targetUserID); err != nil {
		return nil, "", err
	}
	targetIsAdmin, err := s.users.IsAdmin(ctx, targetUserID)
	if err != nil {
		return nil, "", err
	}
	if targetIsAdmin {
		return nil, "", ErrImpersonateAdmin
	}

	token, err := crypto.GenerateToken(32)
	if err != nil {
		return nil, "", fmt.Errorf("impersonation service: generate token: %w", err)
	}

	session := &models.ImpersonationSession{
		ImpersonatorID: impersonatorID,
		TargetUserID:   targetUserID,
		TokenHash:      crypto.HashToken(token),
		StartedAt:      s.now(),
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, "", fmt.Errorf("impersonation service: create session: %w", err)
	}

	recordAudit(s.audit, ctx, AuditEntry{
		UserID:   &impersonatorID,
		Action:   "impersonation.start",
		Resource: session.ID,
		Result:   "success",
		Metadata: map[string]any{"target_user_id": targetUserID},
	})
	s.log.Info("impersonation started",
		zap.String("impersonator_id", impersonatorID),
		zap.String("target_user_id", targetUserID))

	return session, token, nil
}

// End closes a live session with the given reason. Ending an already-closed
// session is a conflict, not a silent success, so clients notice double ends.
func (s *ImpersonationService) End(ctx context.Context, sessionID, reason string) error {
	ctx = ensureContext(ctx)

	switch reason {
	case models.ImpersonationEndLogout, models.ImpersonationEndExpired, models.ImpersonationEndManual:
	default:
		return apperrors.NewBadRequest("invalid impersonation end reason")
	}

	result := s.db.WithContext(ctx).Model(&models.ImpersonationSession{}).
		Where("id = ? AND ended_at IS NULL", trimmed(sessionID)).
		Updates(map[string]any{"ended_at": s.now(), "end_reason": reason})
	if result.Error != nil {
		return fmt.Errorf("impersonation service: end session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrImpersonationNotFound
	}

	recordAudit(s.audit, ctx, AuditEntry{
		Action:   "impersonation.end",
		Resource: trimmed(sessionID),
		Result:   reason,
	})
	return nil
}

// FindByToken resolves a presented impersonation token to its live session.
// Closed sessions miss; the hash lookup never reveals why.
func (s *ImpersonationService) FindByToken(ctx context.Context, rawToken string) (*models.ImpersonationSession, error) {
	ctx = ensureContext(ctx)

	if trimmed(rawToken) == "" {
		return nil, ErrImpersonationNotFound
	}

	var session models.ImpersonationSession
	err := s.db.WithContext(ctx).
		Take(&session, "token_hash = ? AND ended_at IS NULL", crypto.HashToken(trimmed(rawToken))).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrImpersonationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("impersonation service: lookup token: %w", err)
	}
	return &session, nil
}

// ListOpen returns live sessions, newest first, for the admin overview.
func (s *ImpersonationService) ListOpen(ctx context.Context) ([]models.ImpersonationSession, error) {
	ctx = ensureContext(ctx)

	var sessions []models.ImpersonationSession
	err := s.db.WithContext(ctx).
		Preload("Impersonator").Preload("Target").
		Where("ended_at IS NULL").
		Order("started_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("impersonation service: list sessions: %w", err)
	}
	return sessions, nil
}

// CloseStale force-ends sessions older than the TTL. Run from the
// maintenance scheduler.
func (s *ImpersonationService) CloseStale(ctx context.Context) (int64, error) {
	ctx = ensureContext(ctx)

	cutoff := s.now().Add(-s.ttl)
	result := s.db.WithContext(ctx).Model(&models.ImpersonationSession{}).
		Where("ended_at IS NULL AND started_at < ?", cutoff).
		Updates(map[string]any{"ended_at": s.now(), "end_reason": models.ImpersonationEndExpired})
	if result.Error != nil {
		return 0, fmt.Errorf("impersonation service: close stale sessions: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.log.Info("closed stale impersonation sessions", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}
