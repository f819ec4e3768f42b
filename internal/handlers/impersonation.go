package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/middleware"
	"github.com/wardenhq/warden/internal/services"
	"github.com/wardenhq/warden/pkg/response"
)

// ImpersonationHandler lets admins act as another user. The issued JWT carries
// the impersonation session id so downstream audit can attribute actions to
// the real admin.
type ImpersonationHandler struct {
	imps *services.ImpersonationService
	jwt  *iauth.JWTService
}

func NewImpersonationHandler(imps *services.ImpersonationService, jwt *iauth.JWTService) *ImpersonationHandler {
	return &ImpersonationHandler{imps: imps, jwt: jwt}
}

type startImpersonationRequest struct {
	TargetUserID string `json:"target_user_id" validate:"required"`
}

// POST /api/impersonation (admin)
func (h *ImpersonationHandler) Start(c *gin.Context) {
	var req startImpersonationRequest
	if !bindAndValidate(c, &req) {
		return
	}

	adminID := c.GetString(middleware.CtxUserIDKey)
	session, token, err := h.imps.Start(requestContext(c), adminID, strings.TrimSpace(req.TargetUserID))
	if err != nil {
		response.Error(c, err)
		return
	}

	accessToken, err := h.jwt.GenerateAccessToken(iauth.AccessTokenInput{
		UserID:          session.TargetUserID,
		ImpersonationID: session.ID,
		Metadata:        map[string]any{"impersonator": adminID},
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"session":             session,
		"access_token":        accessToken,
		"impersonation_token": token,
	})
}

type endImpersonationRequest struct {
	Reason string `json:"reason"`
}

// POST /api/impersonation/:id/end (admin)
func (h *ImpersonationHandler) End(c *gin.Context) {
	var req endImpersonationRequest
	if !bindAndValidate(c, &req) {
		return
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual"
	}

	if err := h.imps.End(requestContext(c), c.Param("id"), reason); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"ended": true})
}

// GET /api/impersonation (admin)
func (h *ImpersonationHandler) ListOpen(c *gin.Context) {
	sessions, err := h.imps.ListOpen(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, sessions)
}
