package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/wardenhq/warden/internal/auditctx"
	"github.com/wardenhq/warden/internal/models"
)

const (
	auditDefaultPageSize = 50
	auditMaxPageSize     = 200
)

// AuditEntry captures a single audit event to persist.
type AuditEntry struct {
	UserID    *string
	Username  string
	Action    string
	Resource  string
	Result    string
	IPAddress string
	UserAgent string
	Metadata  map[string]any
}

// AuditFilters encapsulates optional filters when querying audit logs.
type AuditFilters struct {
	UserID   string
	Action   string
	Result   string
	Resource string
	Since    *time.Time
	Until    *time.Time
}

// scope narrows a query to rows matching the populated filter fields.
func (f AuditFilters) scope(query *gorm.DB) *gorm.DB {
	if f.UserID != "" {
		query = query.Where("user_id = ?", f.UserID)
	}
	if f.Action != "" {
		query = query.Where("action = ?", f.Action)
	}
	if f.Result != "" {
		query = query.Where("result = ?", f.Result)
	}
	if f.Resource != "" {
		query = query.Where("resource = ?", f.Resource)
	}
	if f.Since != nil {
		query = query.Where("created_at >= ?", *f.Since)
	}
	if f.Until != nil {
		query = query.Where("created_at <= ?", *f.Until)
	}
	return query
}

// AuditListOptions controls pagination and filtering for audit queries.
type AuditListOptions struct {
	Page     int
	PageSize int
	Filters  AuditFilters
}

// AuditService persists and retrieves audit log entries.
type AuditService struct {
	db  *gorm.DB
	now func() time.Time
}

// NewAuditService constructs an AuditService using the provided database handle.
func NewAuditService(db *gorm.DB) (*AuditService, error) {
	if db == nil {
		return nil, errors.New("audit service: db is required")
	}
	return &AuditService{db: db, now: time.Now}, nil
}

// Log stores an audit entry, marshalling metadata into JSON form. Actor
// details captured by the HTTP layer fill in any fields the caller left
// blank, so service-level call sites only name the action and outcome.
func (s *AuditService) Log(ctx context.Context, entry AuditEntry) error {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(entry.Action) == "" {
		return errors.New("audit service: action is required")
	}
	if strings.TrimSpace(entry.Result) == "" {
		return errors.New("audit service: result is required")
	}

	entry.backfillActor(ctx)

	row, err := entry.row()
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(row).Error
}

// backfillActor copies request-scoped actor details into unset fields.
func (e *AuditEntry) backfillActor(ctx context.Context) {
	actor, ok := auditctx.FromContext(ctx)
	if !ok {
		return
	}
	if e.UserID == nil && actor.UserID != "" {
		e.UserID = &actor.UserID
	}
	if e.Username == "" {
		e.Username = actor.Username
	}
	if e.IPAddress == "" {
		e.IPAddress = actor.IPAddress
	}
	if e.UserAgent == "" {
		e.UserAgent = actor.UserAgent
	}
}

// row converts the entry into its persisted form.
func (e AuditEntry) row() (*models.AuditLog, error) {
	payload := ""
	if e.Metadata != nil {
		encoded, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("audit service: marshal metadata: %w", err)
		}
		payload = string(encoded)
	}

	row := models.AuditLog{
		Action:    strings.TrimSpace(e.Action),
		Resource:  strings.TrimSpace(e.Resource),
		Result:    strings.TrimSpace(e.Result),
		Username:  strings.TrimSpace(e.Username),
		IPAddress: strings.TrimSpace(e.IPAddress),
		UserAgent: strings.TrimSpace(e.UserAgent),
		Metadata:  payload,
	}
	if e.UserID != nil {
		if id := strings.TrimSpace(*e.UserID); id != "" {
			row.UserID = &id
		}
	}
	return &row, nil
}

// List returns paginated audit logs ordered by creation time descending.
func (s *AuditService) List(ctx context.Context, opts AuditListOptions) ([]models.AuditLog, int64, error) {
	ctx = ensureContext(ctx)

	page, perPage := opts.Page, opts.PageSize
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 || perPage > auditMaxPageSize {
		perPage = auditDefaultPageSize
	}

	query := opts.Filters.scope(s.db.WithContext(ctx).Model(&models.AuditLog{}))

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit service: count logs: %w", err)
	}

	var results []models.AuditLog
	err := query.
		Preload("User").
		Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&results).Error
	if err != nil {
		return nil, 0, fmt.Errorf("audit service: list logs: %w", err)
	}
	return results, total, nil
}

// Export returns audit logs that match the provided filters without pagination.
func (s *AuditService) Export(ctx context.Context, filters AuditFilters) ([]models.AuditLog, error) {
	ctx = ensureContext(ctx)

	var logs []models.AuditLog
	err := filters.scope(s.db.WithContext(ctx).Model(&models.AuditLog{})).
		Preload("User").
		Order("created_at DESC").
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("audit service: export logs: %w", err)
	}
	return logs, nil
}

// CleanupOlderThan removes audit logs older than the supplied retention window (in days).
func (s *AuditService) CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	ctx = ensureContext(ctx)

	if retentionDays <= 0 {
		return 0, errors.New("audit service: retentionDays must be positive")
	}

	cutoff := s.now().AddDate(0, 0, -retentionDays)
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.AuditLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("audit service: cleanup logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
