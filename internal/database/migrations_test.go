package database

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/wardenhq/warden/internal/models"
)

func TestAutoMigrateAndSeedData(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, AutoMigrateAndSeed(db))

	var roleCount int64
	require.NoError(t, db.Model(&models.Role{}).Count(&roleCount).Error)
	require.GreaterOrEqual(t, roleCount, int64(3))

	var admin models.Role
	require.NoError(t, db.Take(&admin, "id = ?", "admin").Error)
	require.Equal(t, 10, admin.SessionLimit)

	// Seeding twice must not duplicate roles or settings.
	require.NoError(t, SeedData(db))
	var again int64
	require.NoError(t, db.Model(&models.Role{}).Count(&again).Error)
	require.Equal(t, roleCount, again)
}

func TestAutoMigrateCreatesLedgerTables(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, AutoMigrate(db))

	migrator := db.Migrator()
	tables := []interface{}{
		&models.UserBan{},
		&models.BanAppeal{},
		&models.UserDevice{},
		&models.TrustedDevice{},
		&models.RecoveryCodeUsage{},
		&models.ImpersonationSession{},
	}

	for _, table := range tables {
		require.True(t, migrator.HasTable(table), "expected table for %T to exist", table)
	}
}

func TestDeviceIDUniquePerUserOnly(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, AutoMigrate(db))

	alice := &models.User{Username: "alice", Email: "alice@example.com", Password: "x", Status: models.UserStatusActive}
	bob := &models.User{Username: "bob", Email: "bob@example.com", Password: "x", Status: models.UserStatusActive}
	require.NoError(t, db.Create(alice).Error)
	require.NoError(t, db.Create(bob).Error)

	first := &models.UserDevice{UserID: alice.ID, DeviceID: "shared-laptop"}
	require.NoError(t, db.Create(first).Error)

	// Same device id under a different account is allowed.
	second := &models.UserDevice{UserID: bob.ID, DeviceID: "shared-laptop"}
	require.NoError(t, db.Create(second).Error)

	// Duplicate device id under the same account is rejected.
	dup := &models.UserDevice{UserID: alice.ID, DeviceID: "shared-laptop"}
	require.Error(t, db.Create(dup).Error)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := Open(Config{Driver: "sqlite"})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}
