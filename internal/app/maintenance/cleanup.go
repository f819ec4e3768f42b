package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wardenhq/warden/internal/cache"
	"github.com/wardenhq/warden/internal/models"
	"github.com/wardenhq/warden/internal/services"
	"github.com/wardenhq/warden/pkg/logger"
	"github.com/wardenhq/warden/pkg/metrics"
)

const (
	defaultAuditRetentionDays  = 90
	defaultDeviceRetentionDays = 180
	defaultBanSpec             = "@hourly"
	defaultAuditSpec           = "@daily"
	defaultDeviceSpec          = "@daily"
)

// Cleaner coordinates background hygiene: sweeping expired bans through the
// status synchronizer, purging dead trusted-device tokens, pruning long-revoked
// device rows, closing overdue impersonation sessions, and enforcing audit
// retention.
type Cleaner struct {
	db     *gorm.DB
	sync   *services.StatusSyncService
	imps   *services.ImpersonationService
	audit  *services.AuditService
	counts *cache.DatabaseStore
	cron   *cron.Cron
	now    func() time.Time
	log    *zap.Logger

	enabled         bool
	auditRetention  int
	deviceRetention int

	banSchedule    string
	auditSchedule  string
	deviceSchedule string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for scheduling and cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithAuditRetentionDays adjusts how long audit logs are retained before cleanup.
func WithAuditRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.auditRetention = days
		}
	}
}

// WithDeviceRetentionDays adjusts how long revoked device rows are kept.
func WithDeviceRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.deviceRetention = days
		}
	}
}

// WithBanSchedule overrides the cron specification for the ban sweep.
func WithBanSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.banSchedule = spec
		}
	}
}

// WithAuditSchedule overrides the cron specification for audit retention enforcement.
func WithAuditSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.auditSchedule = spec
		}
	}
}

// WithCounterStore lets the device-cleanup job also purge expired
// database-backed cache counters.
func WithCounterStore(store *cache.DatabaseStore) Option {
	return func(cleaner *Cleaner) {
		cleaner.counts = store
	}
}

// WithDeviceSchedule overrides the cron specification for device and trust cleanup.
func WithDeviceSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.deviceSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. Any nil dependency
// results in the corresponding cleanup job being skipped.
func NewCleaner(db *gorm.DB, sync *services.StatusSyncService, imps *services.ImpersonationService, audit *services.AuditService, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:              db,
		sync:            sync,
		imps:            imps,
		audit:           audit,
		now:             time.Now,
		auditRetention:  defaultAuditRetentionDays,
		deviceRetention: defaultDeviceRetentionDays,
		banSchedule:     defaultBanSpec,
		auditSchedule:   defaultAuditSpec,
		deviceSchedule:  defaultDeviceSpec,
		log:             logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	cleaner.enabled = cleaner.sync != nil || cleaner.imps != nil || cleaner.audit != nil || cleaner.db != nil

	return cleaner
}

// Start registers cleanup jobs with the cron scheduler and launches it if at
// least one cleanup is enabled.
func (c *Cleaner) Start() error {
	if !c.enabled {
		return nil
	}

	if c.sync != nil || c.imps != nil {
		if _, err := c.cron.AddFunc(c.banSchedule, func() {
			ctx := context.Background()
			if c.sync != nil {
				if result, err := c.sync.SyncAll(ctx); err != nil {
					c.log.Warn("ban sweep failed", zap.Error(err))
				} else if result.Changed() {
					c.log.Info("ban sweep applied changes",
						zap.Int64("bans_deactivated", result.ExpiredBansDeactivated),
						zap.Int64("users_marked_banned", result.UsersMarkedBanned),
						zap.Int64("users_reactivated", result.UsersReactivated))
				}
			}
			if c.imps != nil {
				if _, err := c.imps.CloseStale(ctx); err != nil {
					c.log.Warn("impersonation cleanup failed", zap.Error(err))
				}
			}
			if c.db != nil {
				reconcileSessionGauge(ctx, c.db, c.log)
			}
		}); err != nil {
			return err
		}
	}

	if c.audit != nil && c.auditRetention > 0 {
		if _, err := c.cron.AddFunc(c.auditSchedule, func() {
			ctx := context.Background()
			if _, err := c.audit.CleanupOlderThan(ctx, c.auditRetention); err != nil {
				c.log.Warn("audit cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.db != nil {
		if _, err := c.cron.AddFunc(c.deviceSchedule, func() {
			ctx := context.Background()
			if _, err := CleanupDevices(ctx, c.db, c.now(), c.deviceRetention); err != nil {
				c.log.Warn("device cleanup failed", zap.Error(err))
			}
			if c.counts != nil {
				if _, err := c.counts.PurgeExpired(ctx); err != nil {
					c.log.Warn("counter purge failed", zap.Error(err))
				}
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially. Primarily used
// in tests and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.sync != nil {
		if _, err := c.sync.SyncAll(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.imps != nil {
		if _, err := c.imps.CloseStale(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.audit != nil && c.auditRetention > 0 {
		if _, err := c.audit.CleanupOlderThan(ctx, c.auditRetention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.db != nil {
		if _, err := CleanupDevices(ctx, c.db, c.now(), c.deviceRetention); err != nil {
			errs = multierr.Append(errs, err)
		}
		reconcileSessionGauge(ctx, c.db, c.log)
	}

	if c.counts != nil {
		if _, err := c.counts.PurgeExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// DeviceCleanupStats captures the number of records removed per table.
type DeviceCleanupStats struct {
	TrustTokens int64
	Devices     int64
}

// CleanupDevices purges trusted-device tokens that expired or were revoked and
// prunes device rows whose sessions ended more than retentionDays ago. Trust
// rows go first so pruning a device never leaves an orphaned token behind.
func CleanupDevices(ctx context.Context, db *gorm.DB, now time.Time, retentionDays int) (DeviceCleanupStats, error) {
	if db == nil {
		return DeviceCleanupStats{}, errors.New("cleanup devices: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	stats := DeviceCleanupStats{}

	result := db.WithContext(ctx).
		Where("expires_at < ? OR revoked_at IS NOT NULL", now).
		Delete(&models.TrustedDevice{})
	if result.Error != nil {
		return stats, fmt.Errorf("cleanup devices: trust tokens: %w", result.Error)
	}
	stats.TrustTokens = result.RowsAffected

	if retentionDays > 0 {
		cutoff := now.AddDate(0, 0, -retentionDays)
		result = db.WithContext(ctx).
			Where("revoked_at IS NOT NULL AND revoked_at < ?", cutoff).
			Delete(&models.UserDevice{})
		if result.Error != nil {
			return stats, fmt.Errorf("cleanup devices: device rows: %w", result.Error)
		}
		stats.Devices = result.RowsAffected
	}

	return stats, nil
}

func reconcileSessionGauge(ctx context.Context, db *gorm.DB, log *zap.Logger) {
	var active int64
	if err := db.WithContext(ctx).
		Model(&models.UserDevice{}).
		Where("revoked_at IS NULL").
		Count(&active).Error; err != nil {
		log.Warn("session gauge reconciliation failed", zap.Error(err))
		return
	}
	metrics.ActiveSessions.Set(float64(active))
}
