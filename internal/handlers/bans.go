package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wardenhq/warden/internal/middleware"
	"github.com/wardenhq/warden/internal/services"
	"github.com/wardenhq/warden/pkg/errors"
	"github.com/wardenhq/warden/pkg/response"
)

// BanHandler exposes the admin-facing ban ledger.
type BanHandler struct {
	bans *services.BanService
}

func NewBanHandler(bans *services.BanService) *BanHandler {
	return &BanHandler{bans: bans}
}

type createBanRequest struct {
	UserID      string `json:"user_id"`
	IPAddress   string `json:"ip_address"`
	IPBan       bool   `json:"ip_ban"`
	Reason      string `json:"reason" validate:"required"`
	AdminNotes  string `json:"admin_notes"`
	ExpiresAt   string `json:"expires_at"`
	Irrevocable bool   `json:"irrevocable"`
}

// POST /api/bans
func (h *BanHandler) Create(c *gin.Context) {
	var req createBanRequest
	if !bindAndValidate(c, &req) {
		return
	}

	input := services.CreateBanInput{
		IPAddress:   strings.TrimSpace(req.IPAddress),
		IPBan:       req.IPBan,
		Reason:      req.Reason,
		AdminNotes:  req.AdminNotes,
		Irrevocable: req.Irrevocable,
		ActorID:     c.GetString(middleware.CtxUserIDKey),
	}
	if id := strings.TrimSpace(req.UserID); id != "" {
		input.UserID = &id
	}
	if raw := strings.TrimSpace(req.ExpiresAt); raw != "" {
		expires, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Error(c, errors.NewBadRequest("expires_at must be RFC3339"))
			return
		}
		input.ExpiresAt = &expires
	}

	ban, err := h.bans.Create(requestContext(c), input)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, ban)
}

// GET /api/bans
func (h *BanHandler) List(c *gin.Context) {
	page := parseIntQuery(c, "page", 1)
	per := parseIntQuery(c, "per_page", 50)

	opts := services.ListBansOptions{Page: page, PageSize: per, UserID: c.Query("user_id")}
	if v := c.Query("active"); v != "" {
		active := v == "true"
		opts.Active = &active
	}
	if v := c.Query("ip_ban"); v != "" {
		ipBan := v == "true"
		opts.IPBan = &ipBan
	}

	bans, total, err := h.bans.List(requestContext(c), opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, bans, response.Paging(page, per, total))
}

// GET /api/bans/:id
func (h *BanHandler) Get(c *gin.Context) {
	ban, err := h.bans.Get(requestContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, ban)
}

// POST /api/bans/:id/revoke
func (h *BanHandler) Revoke(c *gin.Context) {
	actorID := c.GetString(middleware.CtxUserIDKey)
	if err := h.bans.Revoke(requestContext(c), c.Param("id"), actorID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// POST /api/bans/:id/appeal-url
//
// Mints (or rotates) the single-use appeal URL token for a ban. The plaintext
// token appears in this response only.
func (h *BanHandler) IssueAppealURL(c *gin.Context) {
	token, err := h.bans.IssueAppealURLToken(requestContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"appeal_token": token})
}
