package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wardenhq/warden/internal/auth/mfa"
	"github.com/wardenhq/warden/internal/models"
	"github.com/wardenhq/warden/internal/services"
	"github.com/wardenhq/warden/pkg/crypto"
	apperrors "github.com/wardenhq/warden/pkg/errors"
	"github.com/wardenhq/warden/pkg/logger"
	"github.com/wardenhq/warden/pkg/metrics"
)

var (
	// ErrInvalidCredentials is returned when the supplied identity/password pair is invalid.
	ErrInvalidCredentials = apperrors.ErrInvalidCredentials
	// ErrAccountDisabled signals that the account has been administratively deactivated.
	ErrAccountDisabled = apperrors.New("ACCOUNT_DISABLED", "Account is disabled", http.StatusForbidden)
	// ErrInvalidSecondFactor is returned when a TOTP or recovery code fails verification.
	ErrInvalidSecondFactor = apperrors.ErrMFAInvalid
)

// LoginConfig carries the tunable login behaviour.
type LoginConfig struct {
	LockoutThreshold    int
	LockoutDuration     time.Duration
	DefaultSessionLimit int
	Clock               func() time.Time
}

// LoginInput bundles credentials with the client fingerprint for one attempt.
type LoginInput struct {
	Identifier string
	Password   string

	DeviceID  string
	Browser   string
	Platform  string
	UserAgent string
	IPAddress string

	// Exactly one of these satisfies the second factor when MFA is on.
	TOTPCode     string
	RecoveryCode string
	TrustToken   string

	RememberDevice bool
}

// LoginResult is the outcome of a successful (or partially successful) attempt.
// SecondFactorRequired is set, with no tokens, when credentials passed but MFA
// still needs satisfying.
type LoginResult struct {
	User                 *models.User
	Device               *models.UserDevice
	AccessToken          string
	TrustToken           string
	SecondFactorRequired bool
	EvictedSessions      int
}

// LoginService runs the full authentication pipeline: credentials and lockout,
// the ban gate, the second factor with trusted-device skip, device session
// registration with per-role limits, and JWT issuance.
type LoginService struct {
	db      *gorm.DB
	bans    *services.BanService
	users   *services.UserService
	devices *services.DeviceService
	totp    *mfa.TOTPService
	jwt     *JWTService
	audit   *services.AuditService

	threshold    int
	duration     time.Duration
	defaultLimit int
	now          func() time.Time
	log          *zap.Logger
}

// NewLoginService wires the pipeline together.
func NewLoginService(
	db *gorm.DB,
	bans *services.BanService,
	users *services.UserService,
	devices *services.DeviceService,
	totp *mfa.TOTPService,
	jwt *JWTService,
	audit *services.AuditService,
	cfg LoginConfig,
) (*LoginService, error) {
	switch {
	case db == nil:
		return nil, errors.New("login service: db is required")
	case bans == nil:
		return nil, errors.New("login service: ban service is required")
	case users == nil:
		return nil, errors.New("login service: user service is required")
	case devices == nil:
		return nil, errors.New("login service: device service is required")
	case totp == nil:
		return nil, errors.New("login service: totp service is required")
	case jwt == nil:
		return nil, errors.New("login service: jwt service is required")
	}

	threshold := cfg.LockoutThreshold
	if threshold <= 0 {
		threshold = 5
	}
	duration := cfg.LockoutDuration
	if duration <= 0 {
		duration = 15 * time.Minute
	}
	defaultLimit := cfg.DefaultSessionLimit
	if defaultLimit <= 0 {
		defaultLimit = 3
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &LoginService{
		db:           db,
		bans:         bans,
		users:        users,
		devices:      devices,
		totp:         totp,
		jwt:          jwt,
		audit:        audit,
		threshold:    threshold,
		duration:     duration,
		defaultLimit: defaultLimit,
		now:          clock,
		log:          logger.WithModule("login"),
	}, nil
}

// Login runs one authentication attempt end to end.
func (s *LoginService) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ip := strings.TrimSpace(input.IPAddress)
	if banned, err := s.bans.IsIPBanned(ctx, ip); err != nil {
		return nil, err
	} else if banned {
		metrics.AuthAttempts.WithLabelValues("banned").Inc()
		return nil, apperrors.ErrAccountBanned
	}

	user, err := s.authenticate(ctx, input)
	if err != nil {
		return nil, err
	}

	// The ledger, not the denormalised column, decides whether login is
	// blocked: an expired ban never blocks even before a sweep ran.
	if banned, err := s.bans.IsUserCurrentlyBanned(ctx, user.ID); err != nil {
		return nil, err
	} else if banned {
		metrics.AuthAttempts.WithLabelValues("banned").Inc()
		s.recordAttempt(ctx, user, input, "banned")
		return nil, apperrors.ErrAccountBanned
	}

	trustSatisfied := false
	secondFactorByCode := false
	if user.MFAEnabled {
		switch {
		case input.TrustToken != "":
			if _, ok := s.devices.VerifyTrust(ctx, user.ID, input.DeviceID, input.TrustToken); ok {
				trustSatisfied = true
			}
		case input.TOTPCode != "":
			valid, err := s.totp.VerifyCode(user.ID, input.TOTPCode)
			if err != nil {
				return nil, err
			}
			if !valid {
				metrics.AuthAttempts.WithLabelValues("failure").Inc()
				s.recordAttempt(ctx, user, input, "invalid_second_factor")
				return nil, ErrInvalidSecondFactor
			}
			secondFactorByCode = true
		case input.RecoveryCode != "":
			used, err := s.totp.UseRecoveryCode(user.ID, input.RecoveryCode, mfa.UsageContext{
				IPAddress: ip,
				UserAgent: input.UserAgent,
			})
			if err != nil {
				return nil, err
			}
			if !used {
				metrics.AuthAttempts.WithLabelValues("failure").Inc()
				s.recordAttempt(ctx, user, input, "invalid_second_factor")
				return nil, ErrInvalidSecondFactor
			}
			secondFactorByCode = true
		}

		if !trustSatisfied && !secondFactorByCode {
			return &LoginResult{User: user, SecondFactorRequired: true}, nil
		}
	}

	device, err := s.devices.RecordLogin(ctx, services.RecordLoginInput{
		UserID:    user.ID,
		DeviceID:  input.DeviceID,
		Browser:   input.Browser,
		Platform:  input.Platform,
		UserAgent: input.UserAgent,
		IPAddress: ip,
	})
	if err != nil {
		return nil, err
	}

	limit, err := s.sessionLimit(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	evicted, err := s.devices.EnforceSessionLimit(ctx, user.ID, limit)
	if err != nil {
		return nil, err
	}

	result := &LoginResult{
		User:            user,
		Device:          device,
		EvictedSessions: evicted,
	}

	// Remembering the device requires a fresh second-factor proof; a trust
	// token only re-uses an earlier one.
	if input.RememberDevice && secondFactorByCode {
		trustToken, err := s.devices.MarkTrusted(ctx, user.ID, device.ID)
		if err != nil {
			return nil, err
		}
		result.TrustToken = trustToken
	}

	token, err := s.jwt.GenerateAccessToken(AccessTokenInput{
		UserID:    user.ID,
		SessionID: device.ID,
	})
	if err != nil {
		return nil, err
	}
	result.AccessToken = token

	metrics.AuthAttempts.WithLabelValues("success").Inc()
	s.recordAttempt(ctx, user, input, "success")
	return result, nil
}

// Logout closes the presented session. Device trust is untouched.
func (s *LoginService) Logout(ctx context.Context, userID, sessionID string) error {
	return s.devices.EndSession(ctx, userID, sessionID)
}

// RegisterInput captures the details required to create a local account.
type RegisterInput struct {
	Username string
	Email    string
	Password string
}

// Register creates an account with the default role and a hashed password.
func (s *LoginService) Register(ctx context.Context, input RegisterInput) (*models.User, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	username := strings.TrimSpace(input.Username)
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if username == "" || email == "" || input.Password == "" {
		return nil, apperrors.NewBadRequest("username, email and password are required")
	}

	hashed, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("login service: hash password: %w", err)
	}

	user := &models.User{
		Username: username,
		Email:    email,
		Password: hashed,
		Status:   models.UserStatusActive,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			return fmt.Errorf("login service: create user: %w", err)
		}
		return tx.Exec(
			"INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)",
			user.ID, models.RoleUser,
		).Error
	})
	if err != nil {
		return nil, err
	}

	return user, nil
}

// ChangePassword updates a user's password after verifying the current one.
func (s *LoginService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if newPassword == "" {
		return apperrors.NewBadRequest("new password is required")
	}

	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	if !crypto.VerifyPassword(user.Password, currentPassword) {
		return ErrInvalidCredentials
	}

	hashed, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("login service: hash password: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", user.ID).
		Update("password", hashed).Error; err != nil {
		return fmt.Errorf("login service: update password: %w", err)
	}
	return nil
}

// authenticate covers credentials, disabled accounts, and lockout.
func (s *LoginService) authenticate(ctx context.Context, input LoginInput) (*models.User, error) {
	identity := strings.TrimSpace(input.Identifier)
	if identity == "" || input.Password == "" {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, ErrInvalidCredentials
	}

	var user models.User
	err := s.db.WithContext(ctx).
		Where("deleted_at IS NULL").
		Where("LOWER(username) = LOWER(?) OR LOWER(email) = LOWER(?)", identity, identity).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("login service: query user: %w", err)
	}

	if user.Status == models.UserStatusDisabled {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		s.recordAttempt(ctx, &user, input, "disabled")
		return nil, ErrAccountDisabled
	}

	now := s.now()

	if user.LockedUntil != nil && user.LockedUntil.After(now) {
		metrics.AuthAttempts.WithLabelValues("locked").Inc()
		s.recordAttempt(ctx, &user, input, "locked")
		return nil, apperrors.ErrAccountLocked
	}

	// Expired lockouts reset on the next attempt.
	if user.LockedUntil != nil && !user.LockedUntil.After(now) {
		user.LockedUntil = nil
		user.FailedAttempts = 0
		if err := s.db.WithContext(ctx).Model(&user).Updates(map[string]any{
			"locked_until":    nil,
			"failed_attempts": 0,
		}).Error; err != nil {
			return nil, fmt.Errorf("login service: reset lock state: %w", err)
		}
	}

	if !crypto.VerifyPassword(user.Password, input.Password) {
		return nil, s.handleFailedAttempt(ctx, &user, input, now)
	}

	if err := s.db.WithContext(ctx).Model(&user).Updates(map[string]any{
		"failed_attempts": 0,
		"locked_until":    nil,
		"last_login_at":   now,
		"last_login_ip":   strings.TrimSpace(input.IPAddress),
	}).Error; err != nil {
		return nil, fmt.Errorf("login service: update user: %w", err)
	}
	user.FailedAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now

	return &user, nil
}

func (s *LoginService) handleFailedAttempt(ctx context.Context, user *models.User, input LoginInput, now time.Time) error {
	user.FailedAttempts++

	updates := map[string]any{
		"failed_attempts": user.FailedAttempts,
	}

	if user.FailedAttempts >= s.threshold {
		lockUntil := now.Add(s.duration)
		user.LockedUntil = &lockUntil
		updates["locked_until"] = lockUntil
	}

	if err := s.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		return fmt.Errorf("login service: update failed attempts: %w", err)
	}

	if user.LockedUntil != nil && user.LockedUntil.After(now) {
		metrics.AuthAttempts.WithLabelValues("locked").Inc()
		s.recordAttempt(ctx, user, input, "locked")
		return apperrors.ErrAccountLocked
	}

	metrics.AuthAttempts.WithLabelValues("failure").Inc()
	s.recordAttempt(ctx, user, input, "failure")
	return ErrInvalidCredentials
}

// sessionLimit resolves the user's cap from their roles: the most permissive
// role wins, and users with no explicit role limit get the configured default.
func (s *LoginService) sessionLimit(ctx context.Context, userID string) (int, error) {
	user, err := s.users.WithRoles(ctx, userID)
	if err != nil {
		return 0, err
	}

	limit := 0
	for _, role := range user.Roles {
		if role.SessionLimit > limit {
			limit = role.SessionLimit
		}
	}
	if limit == 0 {
		limit = s.defaultLimit
	}
	return limit, nil
}

func (s *LoginService) recordAttempt(ctx context.Context, user *models.User, input LoginInput, result string) {
	if s.audit == nil {
		return
	}
	entry := services.AuditEntry{
		Action:    "auth.login",
		Resource:  strings.TrimSpace(input.DeviceID),
		Result:    result,
		IPAddress: strings.TrimSpace(input.IPAddress),
		UserAgent: strings.TrimSpace(input.UserAgent),
	}
	if user != nil {
		entry.UserID = &user.ID
		entry.Username = user.Username
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Debug("failed to record login audit entry", zap.Error(err))
	}
}
