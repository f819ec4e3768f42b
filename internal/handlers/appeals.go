package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wardenhq/warden/internal/middleware"
	"github.com/wardenhq/warden/internal/services"
	"github.com/wardenhq/warden/pkg/errors"
	"github.com/wardenhq/warden/pkg/response"
)

// AppealHandler covers both sides of the appeal workflow: the token-gated
// banned-user surface and the admin review queue. Banned users never hold a
// session, so every user-facing operation authenticates with a token instead
// of a JWT.
type AppealHandler struct {
	appeals *services.AppealService
	bans    *services.BanService
}

func NewAppealHandler(appeals *services.AppealService, bans *services.BanService) *AppealHandler {
	return &AppealHandler{appeals: appeals, bans: bans}
}

type submitAppealRequest struct {
	BanToken      string `json:"ban_token" validate:"required"`
	Reason        string `json:"reason" validate:"required"`
	EvidencePath  string `json:"evidence_path"`
	TermsAccepted bool   `json:"terms_accepted"`
}

// POST /api/appeals
//
// The ban is resolved from the appeal-URL token the admin issued; the response
// carries the appeal security token exactly once.
func (h *AppealHandler) Submit(c *gin.Context) {
	var req submitAppealRequest
	if !bindAndValidate(c, &req) {
		return
	}

	ban, err := h.bans.FindByAppealURLToken(requestContext(c), strings.TrimSpace(req.BanToken))
	if err != nil {
		response.Error(c, err)
		return
	}
	if ban.UserID == nil {
		response.Error(c, errors.ErrNotFound)
		return
	}

	appeal, token, err := h.appeals.Submit(requestContext(c), services.SubmitAppealInput{
		BanID:         ban.ID,
		UserID:        *ban.UserID,
		Reason:        req.Reason,
		EvidencePath:  req.EvidencePath,
		TermsAccepted: req.TermsAccepted,
		RequestIP:     c.ClientIP(),
		UserAgent:     c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"appeal":       appeal,
		"appeal_token": token,
	})
}

// GET /api/appeals/ticket?token=...
func (h *AppealHandler) View(c *gin.Context) {
	appeal, err := h.appeals.ValidateToken(requestContext(c), c.Query("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, appeal)
}

type amendAppealRequest struct {
	Token  string `json:"token" validate:"required"`
	Reason string `json:"reason" validate:"required"`
}

// PATCH /api/appeals/ticket
func (h *AppealHandler) Amend(c *gin.Context) {
	var req amendAppealRequest
	if !bindAndValidate(c, &req) {
		return
	}

	appeal, err := h.appeals.ValidateToken(requestContext(c), req.Token)
	if err != nil {
		response.Error(c, err)
		return
	}
	if appeal.Ban == nil || appeal.Ban.UserID == nil {
		response.Error(c, errors.ErrNotFound)
		return
	}

	updated, err := h.appeals.AmendReason(requestContext(c), appeal.ID, *appeal.Ban.UserID, req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, updated)
}

// GET /api/appeals (admin)
func (h *AppealHandler) ListPending(c *gin.Context) {
	page := parseIntQuery(c, "page", 1)
	per := parseIntQuery(c, "per_page", 50)

	appeals, total, err := h.appeals.ListPending(requestContext(c), page, per)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, appeals, response.Paging(page, per, total))
}

type reviewAppealRequest struct {
	Decision      string `json:"decision" validate:"required"`
	AdminResponse string `json:"admin_response"`
}

// POST /api/appeals/:id/review (admin)
func (h *AppealHandler) Review(c *gin.Context) {
	var req reviewAppealRequest
	if !bindAndValidate(c, &req) {
		return
	}

	appeal, err := h.appeals.Review(requestContext(c), services.ReviewAppealInput{
		AppealID:      c.Param("id"),
		ReviewerID:    c.GetString(middleware.CtxUserIDKey),
		Decision:      req.Decision,
		AdminResponse: req.AdminResponse,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, appeal)
}

// POST /api/appeals/:id/rotate-token (admin)
func (h *AppealHandler) RotateToken(c *gin.Context) {
	token, err := h.appeals.RotateToken(requestContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"appeal_token": token})
}
