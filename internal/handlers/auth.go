package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	iauth "github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/auth/mfa"
	"github.com/wardenhq/warden/internal/middleware"
	"github.com/wardenhq/warden/internal/models"
	"github.com/wardenhq/warden/internal/services"
	"github.com/wardenhq/warden/pkg/errors"
	"github.com/wardenhq/warden/pkg/response"
)

// AuthHandler manages authentication flows (login/logout/register/MFA).
type AuthHandler struct {
	db      *gorm.DB
	login   *iauth.LoginService
	jwt     *iauth.JWTService
	totp    *mfa.TOTPService
	devices *services.DeviceService
}

func NewAuthHandler(db *gorm.DB, login *iauth.LoginService, jwt *iauth.JWTService, totp *mfa.TOTPService, devices *services.DeviceService) *AuthHandler {
	return &AuthHandler{db: db, login: login, jwt: jwt, totp: totp, devices: devices}
}

type loginRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`

	DeviceID string `json:"device_id" validate:"required"`
	Browser  string `json:"browser"`
	Platform string `json:"platform"`

	TOTPCode       string `json:"totp_code"`
	RecoveryCode   string `json:"recovery_code"`
	TrustToken     string `json:"trust_token"`
	RememberDevice bool   `json:"remember_device"`
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.login.Login(requestContext(c), iauth.LoginInput{
		Identifier:     strings.TrimSpace(req.Identifier),
		Password:       req.Password,
		DeviceID:       strings.TrimSpace(req.DeviceID),
		Browser:        req.Browser,
		Platform:       req.Platform,
		UserAgent:      c.Request.UserAgent(),
		IPAddress:      c.ClientIP(),
		TOTPCode:       req.TOTPCode,
		RecoveryCode:   req.RecoveryCode,
		TrustToken:     req.TrustToken,
		RememberDevice: req.RememberDevice,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	if result.SecondFactorRequired {
		response.Success(c, http.StatusOK, gin.H{"second_factor_required": true})
		return
	}

	payload := gin.H{
		"access_token": result.AccessToken,
		"user":         userPayload(result.User),
		"session_id":   result.Device.ID,
	}
	if result.TrustToken != "" {
		payload["trust_token"] = result.TrustToken
	}
	if result.EvictedSessions > 0 {
		payload["evicted_sessions"] = result.EvictedSessions
	}
	response.Success(c, http.StatusOK, payload)
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

// POST /api/auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, err := h.login.Register(requestContext(c), iauth.RegisterInput{
		Username: strings.TrimSpace(req.Username),
		Email:    strings.TrimSpace(req.Email),
		Password: req.Password,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, userPayload(user))
}

// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	sessionID := c.GetString(middleware.CtxSessionIDKey)
	if userID == "" || sessionID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	if err := h.login.Logout(requestContext(c), userID, sessionID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// POST /api/auth/logout-others
func (h *AuthHandler) LogoutOthers(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	sessionID := c.GetString(middleware.CtxSessionIDKey)
	if userID == "" || sessionID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	revoked, err := h.devices.RevokeAllExcept(requestContext(c), userID, sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"revoked": revoked})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8"`
}

// POST /api/auth/password
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req changePasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.login.ChangePassword(requestContext(c), userID, req.CurrentPassword, req.NewPassword); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"changed": true})
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var user models.User
	if err := h.db.Preload("Roles").Take(&user, "id = ? AND deleted_at IS NULL", userID).Error; err != nil {
		response.Error(c, errors.ErrNotFound)
		return
	}

	payload := userPayload(&user)
	if impID := c.GetString(middleware.CtxImpersonationIDKey); impID != "" {
		payload["impersonation_id"] = impID
	}
	response.Success(c, http.StatusOK, payload)
}

// POST /api/auth/mfa/setup
//
// Issues a fresh TOTP secret and recovery codes. MFA is not enforced until the
// user confirms a valid code via Enable.
func (h *AuthHandler) MFASetup(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var user models.User
	if err := h.db.Take(&user, "id = ?", userID).Error; err != nil {
		response.Error(c, errors.ErrNotFound)
		return
	}

	key, recoveryCodes, err := h.totp.GenerateSecret(user.ID, user.Username)
	if err != nil {
		response.Error(c, err)
		return
	}

	qr, err := h.totp.GenerateQRCode(key)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"otpauth_url":    key.URL(),
		"qr_code_png":    qr,
		"recovery_codes": recoveryCodes,
	})
}

type mfaVerifyRequest struct {
	Code string `json:"code" validate:"required"`
}

// POST /api/auth/mfa/enable
func (h *AuthHandler) MFAEnable(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req mfaVerifyRequest
	if !bindAndValidate(c, &req) {
		return
	}

	ok, err := h.totp.VerifyCode(userID, strings.TrimSpace(req.Code))
	if err != nil {
		response.Error(c, err)
		return
	}
	if !ok {
		response.Error(c, errors.ErrMFAInvalid)
		return
	}

	if err := h.db.Model(&models.User{}).Where("id = ?", userID).Update("mfa_enabled", true).Error; err != nil {
		response.Error(c, errors.ErrInternalServer)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"mfa_enabled": true})
}

func userPayload(user *models.User) gin.H {
	payload := gin.H{
		"id":          user.ID,
		"username":    user.Username,
		"email":       user.Email,
		"status":      user.Status,
		"mfa_enabled": user.MFAEnabled,
	}
	if len(user.Roles) > 0 {
		roles := make([]string, 0, len(user.Roles))
		for _, role := range user.Roles {
			roles = append(roles, role.ID)
		}
		payload["roles"] = roles
	}
	return payload
}
