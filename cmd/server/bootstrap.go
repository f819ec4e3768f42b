package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wardenhq/warden/internal/api"
	"github.com/wardenhq/warden/internal/app"
	"github.com/wardenhq/warden/internal/app/maintenance"
	iauth "github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/auth/mfa"
	"github.com/wardenhq/warden/internal/cache"
	"github.com/wardenhq/warden/internal/database"
	"github.com/wardenhq/warden/internal/middleware"
	"github.com/wardenhq/warden/internal/services"
	"github.com/wardenhq/warden/pkg/logger"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB        *gorm.DB
	Redis     cache.Store
	Cleaner   *maintenance.Cleaner
	RateStore middleware.RateStore
	Router    *gin.Engine
}

// bootstrapRuntime initialises the database, caches, services, and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	runtimeSettings, err := database.LoadRuntimeSettings(ctx, stack.DB)
	if err != nil {
		return nil, fmt.Errorf("load runtime settings: %w", err)
	}

	dbStore := cache.NewDatabaseStore(stack.DB)

	if cfg.Cache.Redis.Enabled {
		if stack.Redis, err = cache.NewRedisClient(cfg.Cache.RedisClientConfig()); err != nil {
			log.Warn("redis unavailable; falling back to database-backed operations", zap.Error(err))
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	mfaKey, err := app.DecodeKey(cfg.MFA.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode mfa encryption key: %w", err)
	}

	totpSvc, err := mfa.NewTOTPService(stack.DB, mfaKey)
	if err != nil {
		return nil, fmt.Errorf("initialise totp service: %w", err)
	}

	auditSvc, err := services.NewAuditService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise audit service: %w", err)
	}

	userSvc, err := services.NewUserService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise user service: %w", err)
	}

	syncSvc, err := services.NewStatusSyncService(stack.DB, nil)
	if err != nil {
		return nil, fmt.Errorf("initialise status sync service: %w", err)
	}

	banSvc, err := services.NewBanService(stack.DB, syncSvc, auditSvc)
	if err != nil {
		return nil, fmt.Errorf("initialise ban service: %w", err)
	}

	appealSvc, err := services.NewAppealService(stack.DB, banSvc, auditSvc, nil)
	if err != nil {
		return nil, fmt.Errorf("initialise appeal service: %w", err)
	}

	deviceSvc, err := services.NewDeviceService(stack.DB, auditSvc,
		services.WithTrustTTL(cfg.Auth.Sessions.TrustTTL))
	if err != nil {
		return nil, fmt.Errorf("initialise device service: %w", err)
	}

	impSvc, err := services.NewImpersonationService(stack.DB, userSvc, auditSvc,
		services.WithImpersonationTTL(cfg.Auth.Impersonation.MaxAge))
	if err != nil {
		return nil, fmt.Errorf("initialise impersonation service: %w", err)
	}

	loginCfg := cfg.Auth.LoginServiceConfig()
	if runtimeSettings.DefaultSessionLimit > 0 {
		loginCfg.DefaultSessionLimit = runtimeSettings.DefaultSessionLimit
	}

	loginSvc, err := iauth.NewLoginService(stack.DB, banSvc, userSvc, deviceSvc, totpSvc, jwtSvc, auditSvc, loginCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise login service: %w", err)
	}

	stack.Cleaner = maintenance.NewCleaner(stack.DB, syncSvc, impSvc, auditSvc,
		maintenance.WithCounterStore(dbStore),
		maintenance.WithAuditRetentionDays(cfg.Maintenance.AuditRetentionDays),
		maintenance.WithDeviceRetentionDays(cfg.Maintenance.DeviceRetentionDays),
	)
	if cfg.Maintenance.Enabled {
		if err := stack.Cleaner.Start(); err != nil {
			return nil, fmt.Errorf("start maintenance jobs: %w", err)
		}
	}

	switch {
	case stack.Redis != nil:
		stack.RateStore = middleware.NewRedisRateStore(stack.Redis)
	case dbStore != nil:
		stack.RateStore = middleware.NewDatabaseRateStore(dbStore)
	}

	// Settings stored in the database win over file config for the appeal throttle.
	if runtimeSettings.AppealWindowRequests > 0 {
		cfg.Appeals.RateRequests = runtimeSettings.AppealWindowRequests
	}
	if runtimeSettings.AppealWindowMinutes > 0 {
		cfg.Appeals.RateWindow = time.Duration(runtimeSettings.AppealWindowMinutes) * time.Minute
	}

	stack.Router, err = api.NewRouter(stack.DB, jwtSvc, cfg, api.Services{
		Users:     userSvc,
		Bans:      banSvc,
		Appeals:   appealSvc,
		Devices:   deviceSvc,
		Imps:      impSvc,
		Audit:     auditSvc,
		Login:     loginSvc,
		TOTP:      totpSvc,
		RateStore: stack.RateStore,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		if stopCtx != nil {
			ctx = stopCtx
		}
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	if rc, ok := s.Redis.(*cache.RedisClient); ok && rc != nil {
		if err := rc.Close(); err != nil {
			log.Warn("redis shutdown", zap.Error(err))
		}
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.Postgres.Password)
	case "mysql":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.MySQL.Password)
	default:
		// Leave driver as-is to surface unsupported driver error during open.
	}

	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
