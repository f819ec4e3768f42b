package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"gorm.io/gorm"

	"github.com/wardenhq/warden/internal/models"
	apperrors "github.com/wardenhq/warden/pkg/errors"
)

// ErrUserNotFound covers both genuinely missing and soft-deleted users.
var ErrUserNotFound = apperrors.New("USER_NOT_FOUND", "User not found", http.StatusNotFound)

// UserService is a thin read/update layer over users. Soft deletion is an
// explicit nullable timestamp, so every lookup filters deleted_at itself.
type UserService struct {
	db *gorm.DB
}

func NewUserService(db *gorm.DB) (*UserService, error) {
	if db == nil {
		return nil, errors.New("user service: db is required")
	}
	return &UserService{db: db}, nil
}

// Get returns a live user by id.
func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	return s.lookup(ctx, "id = ?", trimmed(id))
}

// GetByLogin resolves a username or email to a live user.
func (s *UserService) GetByLogin(ctx context.Context, login string) (*models.User, error) {
	login = trimmed(login)
	return s.lookup(ctx, "username = ? OR email = ?", login, login)
}

// WithRoles loads a live user with role associations for session-limit and
// authorization decisions.
func (s *UserService) WithRoles(ctx context.Context, id string) (*models.User, error) {
	ctx = ensureContext(ctx)

	var user models.User
	err := s.db.WithContext(ctx).Preload("Roles").
		Where("deleted_at IS NULL").
		Take(&user, "id = ?", trimmed(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user service: load user with roles: %w", err)
	}
	return &user, nil
}

// IsAdmin reports whether the user holds the admin role.
func (s *UserService) IsAdmin(ctx context.Context, id string) (bool, error) {
	ctx = ensureContext(ctx)

	var count int64
	err := s.db.WithContext(ctx).Table("user_roles").
		Where("user_id = ? AND role_id = ?", trimmed(id), models.RoleAdmin).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("user service: check admin role: %w", err)
	}
	return count > 0, nil
}

func (s *UserService) lookup(ctx context.Context, query string, args ...any) (*models.User, error) {
	ctx = ensureContext(ctx)

	var user models.User
	err := s.db.WithContext(ctx).
		Where("deleted_at IS NULL").
		Where(query, args...).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user service: load user: %w", err)
	}
	return &user, nil
}
