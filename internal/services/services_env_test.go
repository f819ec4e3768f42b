package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/wardenhq/warden/internal/database/testutil"
	"github.com/wardenhq/warden/internal/models"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type serviceEnv struct {
	db      *gorm.DB
	clock   *testClock
	users   *UserService
	audit   *AuditService
	sync    *StatusSyncService
	bans    *BanService
	appeals *AppealService
	devices *DeviceService
	imps    *ImpersonationService
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	audit, err := NewAuditService(db)
	require.NoError(t, err)

	users, err := NewUserService(db)
	require.NoError(t, err)

	sync, err := NewStatusSyncService(db, clock.Now)
	require.NoError(t, err)

	bans, err := NewBanService(db, sync, audit, WithBanClock(clock.Now))
	require.NoError(t, err)

	appeals, err := NewAppealService(db, bans, audit, clock.Now)
	require.NoError(t, err)

	devices, err := NewDeviceService(db, audit, WithDeviceClock(clock.Now))
	require.NoError(t, err)

	imps, err := NewImpersonationService(db, users, audit, WithImpersonationClock(clock.Now))
	require.NoError(t, err)

	return &serviceEnv{
		db:      db,
		clock:   clock,
		users:   users,
		audit:   audit,
		sync:    sync,
		bans:    bans,
		appeals: appeals,
		devices: devices,
		imps:    imps,
	}
}

func (e *serviceEnv) createUser(t *testing.T, username string) *models.User {
	t.Helper()

	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		Password: "hashed-password",
		Status:   models.UserStatusActive,
	}
	require.NoError(t, e.db.Create(user).Error)
	return user
}

func (e *serviceEnv) assignRole(t *testing.T, userID, roleID string) {
	t.Helper()
	require.NoError(t, e.db.Exec(
		"INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)", userID, roleID,
	).Error)
}

func (e *serviceEnv) banUser(t *testing.T, user *models.User, expiresAt *time.Time) *models.UserBan {
	t.Helper()

	admin := e.createUser(t, "banning-admin-for-"+user.Username)
	ban, err := e.bans.Create(context.Background(), CreateBanInput{
		UserID:    &user.ID,
		Reason:    "community guidelines violation",
		ExpiresAt: expiresAt,
		ActorID:   admin.ID,
	})
	require.NoError(t, err)
	return ban
}

func (e *serviceEnv) userStatus(t *testing.T, userID string) string {
	t.Helper()

	var user models.User
	require.NoError(t, e.db.Take(&user, "id = ?", userID).Error)
	return user.Status
}
