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
	"github.com/wardenhq/warden/pkg/metrics"
)

var (
	// ErrAppealNotFound indicates the appeal id or token resolves to nothing.
	ErrAppealNotFound = apperrors.New("APPEAL_NOT_FOUND", "Appeal not found", http.StatusNotFound)
	// ErrAppealExists enforces the one-appeal-per-ban rule.
	ErrAppealExists = apperrors.NewConflict("An appeal has already been submitted for this ban")
	// ErrAppealClosed rejects mutations on appeals in a terminal state.
	ErrAppealClosed = apperrors.NewConflict("Appeal has already been decided")
	// ErrAppealNotAmendable restricts user edits to the more-info state.
	ErrAppealNotAmendable = apperrors.NewConflict("Appeal cannot be amended in its current state")
)

// SubmitAppealInput carries a banned user's appeal submission.
type SubmitAppealInput struct {
	BanID         string
	UserID        string
	Reason        string
	EvidencePath  string
	TermsAccepted bool
	RequestIP     string
	UserAgent     string
}

// ReviewAppealInput carries an admin decision.
type ReviewAppealInput struct {
	AppealID      string
	ReviewerID    string
	Decision      string
	AdminResponse string
}

// AppealService implements the appeal workflow: submission, admin review,
// amendment during the more-info exchange, and token validation/rotation.
type AppealService struct {
	db    *gorm.DB
	bans  *BanService
	audit *AuditService
	now   func() time.Time
	log   *zap.Logger
}

// NewAppealService constructs the workflow service.
func NewAppealService(db *gorm.DB, bans *BanService, audit *AuditService, clock func() time.Time) (*AppealService, error) {
	if db == nil {
		return nil, errors.New("appeal service: db is required")
	}
	if bans == nil {
		return nil, errors.New("appeal service: ban service is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &AppealService{
		db:    db,
		bans:  bans,
		audit: audit,
		now:   clock,
		log:   logger.WithModule("appeals"),
	}, nil
}

// Submit files the single permitted appeal against a ban. Uniqueness rides the
// database constraint on user_ban_id rather than a check-then-insert, so two
// concurrent submissions cannot both slip through. The plaintext appeal token
// is returned exactly once.
func (s *AppealService) Submit(ctx context.Context, input SubmitAppealInput) (*models.BanAppeal, string, error) {
	ctx = ensureContext(ctx)

	if !input.TermsAccepted {
		return nil, "", apperrors.NewBadRequest("terms must be accepted to submit an appeal")
	}
	if trimmed(input.Reason) == "" {
		return nil, "", apperrors.NewBadRequest("reason is required")
	}

	ban, err := s.bans.Get(ctx, input.BanID)
	if err != nil {
		return nil, "", err
	}
	if ban.IsIrrevocable {
		return nil, "", ErrBanIrrevocable
	}
	if ban.UserID == nil || trimmed(input.UserID) == "" || *ban.UserID != trimmed(input.UserID) {
		return nil, "", apperrors.ErrForbidden
	}
	if !ban.CurrentlyBans(s.now()) {
		return nil, "", ErrBanNotCurrent
	}

	token, err := crypto.GenerateToken(32)
	if err != nil {
		return nil, "", fmt.Errorf("appeal service: generate token: %w", err)
	}

	appeal := &models.BanAppeal{
		UserBanID:        ban.ID,
		Reason:           trimmed(input.Reason),
		EvidencePath:     trimmed(input.EvidencePath),
		Status:           models.AppealStatusPending,
		AppealToken:      crypto.HashToken(token),
		RequestIP:        trimmed(input.RequestIP),
		RequestUserAgent: trimmed(input.UserAgent),
		TermsAccepted:    true,
	}

	if err := s.db.WithContext(ctx).Create(appeal).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, "", ErrAppealExists
		}
		return nil, "", fmt.Errorf("appeal service: create appeal: %w", err)
	}

	userID := trimmed(input.UserID)
	recordAudit(s.audit, ctx, AuditEntry{
		UserID:    &userID,
		Action:    "appeal.submit",
		Resource:  appeal.ID,
		Result:    "success",
		IPAddress: appeal.RequestIP,
		UserAgent: appeal.RequestUserAgent,
		Metadata:  map[string]any{"ban_id": ban.ID},
	})

	return appeal, token, nil
}

// Review applies an admin decision. Approval revokes the ban in the same
// transaction so the ledger, appeal, and user status move together. Terminal
// appeals are immutable; more_info_requested may be re-reviewed any number of
// times, each overwriting admin_response.
func (s *AppealService) Review(ctx context.Context, input ReviewAppealInput) (*models.BanAppeal, error) {
	ctx = ensureContext(ctx)

	if trimmed(input.ReviewerID) == "" {
		return nil, apperrors.NewBadRequest("reviewer id is required")
	}
	switch input.Decision {
	case models.AppealStatusApproved, models.AppealStatusRejected, models.AppealStatusMoreInfoRequested:
	default:
		return nil, apperrors.NewBadRequest("decision must be approved, rejected or more_info_requested")
	}

	var appeal models.BanAppeal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Take(&appeal, "id = ?", trimmed(input.AppealID)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAppealNotFound
			}
			return fmt.Errorf("appeal service: load appeal: %w", err)
		}

		if appeal.Terminal() {
			return ErrAppealClosed
		}

		now := s.now()
		reviewer := trimmed(input.ReviewerID)
		updates := map[string]any{
			"status":         input.Decision,
			"admin_response": trimmed(input.AdminResponse),
			"reviewed_by":    reviewer,
			"reviewed_at":    now,
		}
		if err := tx.Model(&appeal).Updates(updates).Error; err != nil {
			return fmt.Errorf("appeal service: update appeal: %w", err)
		}

		if input.Decision == models.AppealStatusApproved {
			if err := s.bans.revokeTx(ctx, tx, appeal.UserBanID); err != nil {
				return err
			}
		}

		appeal.Status = input.Decision
		appeal.AdminResponse = trimmed(input.AdminResponse)
		appeal.ReviewedBy = &reviewer
		appeal.ReviewedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.AppealsReviewed.WithLabelValues(appeal.Status).Inc()

	reviewer := trimmed(input.ReviewerID)
	recordAudit(s.audit, ctx, AuditEntry{
		UserID:   &reviewer,
		Action:   "appeal.review",
		Resource: appeal.ID,
		Result:   appeal.Status,
		Metadata: map[string]any{"ban_id": appeal.UserBanID},
	})

	return &appeal, nil
}

// AmendReason lets the appellant update their reasoning while the admin has
// asked for more information. Any other state rejects the edit.
func (s *AppealService) AmendReason(ctx context.Context, appealID, userID, reason string) (*models.BanAppeal, error) {
	ctx = ensureContext(ctx)

	if trimmed(reason) == "" {
		return nil, apperrors.NewBadRequest("reason is required")
	}

	appeal, err := s.getWithBan(ctx, appealID)
	if err != nil {
		return nil, err
	}
	if appeal.Ban == nil || appeal.Ban.UserID == nil || *appeal.Ban.UserID != trimmed(userID) {
		return nil, apperrors.ErrForbidden
	}
	if appeal.Status != models.AppealStatusMoreInfoRequested {
		return nil, ErrAppealNotAmendable
	}

	if err := s.db.WithContext(ctx).Model(appeal).Update("reason", trimmed(reason)).Error; err != nil {
		return nil, fmt.Errorf("appeal service: amend reason: %w", err)
	}
	appeal.Reason = trimmed(reason)
	return appeal, nil
}

// ValidateToken hashes the supplied token and looks the appeal up by digest.
// Callers cannot distinguish a token that never existed from one that was
// rotated away; the internal miss is logged at debug level only.
func (s *AppealService) ValidateToken(ctx context.Context, rawToken string) (*models.BanAppeal, error) {
	ctx = ensureContext(ctx)

	if trimmed(rawToken) == "" {
		return nil, ErrAppealNotFound
	}

	var appeal models.BanAppeal
	err := s.db.WithContext(ctx).Preload("Ban").
		Take(&appeal, "appeal_token = ?", crypto.HashToken(trimmed(rawToken))).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.log.Debug("appeal token lookup miss")
		return nil, ErrAppealNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("appeal service: lookup token: %w", err)
	}

	return &appeal, nil
}

// RotateToken replaces the appeal security token. The digest swap and the
// implicit invalidation of the previous token are one row write.
func (s *AppealService) RotateToken(ctx context.Context, appealID string) (string, error) {
	ctx = ensureContext(ctx)

	appeal, err := s.getWithBan(ctx, appealID)
	if err != nil {
		return "", err
	}

	token, err := crypto.GenerateToken(32)
	if err != nil {
		return "", fmt.Errorf("appeal service: generate token: %w", err)
	}

	now := s.now()
	err = s.db.WithContext(ctx).Model(&models.BanAppeal{}).
		Where("id = ?", appeal.ID).
		Updates(map[string]any{
			"appeal_token":     crypto.HashToken(token),
			"token_rotated_at": now,
		}).Error
	if err != nil {
		return "", fmt.Errorf("appeal service: rotate token: %w", err)
	}

	return token, nil
}

// ListPending returns appeals awaiting an admin decision, oldest first.
func (s *AppealService) ListPending(ctx context.Context, page, pageSize int) ([]models.BanAppeal, int64, error) {
	ctx = ensureContext(ctx)

	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 50
	}

	query := s.db.WithContext(ctx).Model(&models.BanAppeal{}).
		Where("status IN ?", []string{models.AppealStatusPending, models.AppealStatusMoreInfoRequested})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("appeal service: count appeals: %w", err)
	}

	var appeals []models.BanAppeal
	if err := query.
		Preload("Ban").
		Order("created_at ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&appeals).Error; err != nil {
		return nil, 0, fmt.Errorf("appeal service: list appeals: %w", err)
	}

	return appeals, total, nil
}

func (s *AppealService) getWithBan(ctx context.Context, appealID string) (*models.BanAppeal, error) {
	var appeal models.BanAppeal
	err := s.db.WithContext(ctx).Preload("Ban").Take(&appeal, "id = ?", trimmed(appealID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAppealNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("appeal service: load appeal: %w", err)
	}
	return &appeal, nil
}
