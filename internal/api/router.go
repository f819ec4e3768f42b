package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/wardenhq/warden/internal/app"
	iauth "github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/auth/mfa"
	"github.com/wardenhq/warden/internal/handlers"
	"github.com/wardenhq/warden/internal/middleware"
	"github.com/wardenhq/warden/internal/services"
)

// Services bundles the wired service layer the router mounts handlers on.
// Construction happens in the server bootstrap so tests can assemble a subset.
type Services struct {
	Users   *services.UserService
	Bans    *services.BanService
	Appeals *services.AppealService
	Devices *services.DeviceService
	Imps    *services.ImpersonationService
	Audit   *services.AuditService
	Login   *iauth.LoginService
	TOTP    *mfa.TOTPService

	// RateStore backs the per-IP throttles on the unauthenticated surface.
	// Nil falls back to the in-process limiter.
	RateStore middleware.RateStore
}

func (s Services) validate() error {
	switch {
	case s.Users == nil:
		return fmt.Errorf("user service must be provided")
	case s.Bans == nil:
		return fmt.Errorf("ban service must be provided")
	case s.Appeals == nil:
		return fmt.Errorf("appeal service must be provided")
	case s.Devices == nil:
		return fmt.Errorf("device service must be provided")
	case s.Imps == nil:
		return fmt.Errorf("impersonation service must be provided")
	case s.Audit == nil:
		return fmt.Errorf("audit service must be provided")
	case s.Login == nil:
		return fmt.Errorf("login service must be provided")
	case s.TOTP == nil:
		return fmt.Errorf("totp service must be provided")
	}
	return nil
}

// NewRouter builds the Gin engine, wires middleware and registers all routes.
func NewRouter(db *gorm.DB, jwt *iauth.JWTService, cfg *app.Config, svc Services) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if err := svc.validate(); err != nil {
		return nil, err
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS())
	if cfg.Server.CSRF.Enabled {
		r.Use(middleware.CSRF())
	}
	// Coarse limit: 100 requests/minute per IP+path
	r.Use(middleware.RateLimit(100, time.Minute))

	// Health endpoints (public)
	r.GET("/health", handlers.Health(db))
	r.GET("/api/health", handlers.Health(db))

	authHandler := handlers.NewAuthHandler(db, svc.Login, jwt, svc.TOTP, svc.Devices)
	banHandler := handlers.NewBanHandler(svc.Bans)
	appealHandler := handlers.NewAppealHandler(svc.Appeals, svc.Bans)
	deviceHandler := handlers.NewDeviceHandler(svc.Devices)
	impHandler := handlers.NewImpersonationHandler(svc.Imps, jwt)
	auditHandler, err := handlers.NewAuditHandler(db)
	if err != nil {
		return nil, err
	}

	appealRate := middleware.RateLimitWithStore(svc.RateStore, cfg.Appeals.RateRequests, cfg.Appeals.RateWindow)

	// Public auth routes
	auth := r.Group("/api/auth")
	{
		auth.POST("/login", loginRateLimit(svc.RateStore), authHandler.Login)
		auth.POST("/register", authHandler.Register)
	}

	// Appeal routes stay reachable for banned users: token-gated, never behind
	// the ban guard or JWT auth.
	appeals := r.Group("/api/appeals")
	{
		appeals.POST("", appealRate, appealHandler.Submit)
		appeals.GET("/ticket", appealHandler.View)
		appeals.PATCH("/ticket", appealHandler.Amend)
	}

	// Authenticated routes: valid JWT, live device session, no current ban.
	api := r.Group("/api")
	api.Use(middleware.Auth(jwt))
	api.Use(middleware.SessionGuard(svc.Devices))
	api.Use(middleware.BanGuard(svc.Bans))

	api.GET("/auth/me", authHandler.Me)
	api.POST("/auth/logout", authHandler.Logout)
	api.POST("/auth/logout-others", authHandler.LogoutOthers)
	api.POST("/auth/password", authHandler.ChangePassword)
	api.POST("/auth/mfa/setup", authHandler.MFASetup)
	api.POST("/auth/mfa/enable", authHandler.MFAEnable)

	api.GET("/devices", deviceHandler.List)
	api.POST("/devices/:id/revoke", deviceHandler.Revoke)

	// Admin surface
	admin := api.Group("")
	admin.Use(middleware.RequireAdmin(svc.Users))

	bans := admin.Group("/bans")
	{
		bans.POST("", banHandler.Create)
		bans.GET("", banHandler.List)
		bans.GET("/:id", banHandler.Get)
		bans.POST("/:id/revoke", banHandler.Revoke)
		bans.POST("/:id/appeal-url", banHandler.IssueAppealURL)
	}

	adminAppeals := admin.Group("/appeals")
	{
		adminAppeals.GET("", appealHandler.ListPending)
		adminAppeals.POST("/:id/review", appealHandler.Review)
		adminAppeals.POST("/:id/rotate-token", appealHandler.RotateToken)
	}

	imps := admin.Group("/impersonation")
	{
		imps.POST("", impHandler.Start)
		imps.GET("", impHandler.ListOpen)
		imps.POST("/:id/end", impHandler.End)
	}

	admin.GET("/audit", auditHandler.List)
	admin.GET("/audit/export", auditHandler.Export)

	// Metrics endpoint
	if cfg.Monitoring.Prometheus.Enabled {
		r.GET(metricsEndpoint(cfg), gin.WrapH(promhttp.Handler()))
	}

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}

// loginRateLimit throttles credential guessing harder than the global limit.
func loginRateLimit(store middleware.RateStore) gin.HandlerFunc {
	return middleware.RateLimitWithStore(store, 10, time.Minute)
}

func metricsEndpoint(cfg *app.Config) string {
	if ep := cfg.Monitoring.Prometheus.Endpoint; ep != "" {
		return ep
	}
	return "/metrics"
}
