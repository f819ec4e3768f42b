package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/app"
	"github.com/wardenhq/warden/pkg/logger"
)

func testConfig(t *testing.T) *app.Config {
	t.Helper()

	cfg, err := app.LoadConfig(t.TempDir())
	require.NoError(t, err)
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "warden.sqlite")
	cfg.Maintenance.Enabled = false

	_, err = app.ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)
	return cfg
}

func TestBootstrapRuntime(t *testing.T) {
	require.NoError(t, logger.Init("error"))
	cfg := testConfig(t)
	log := logger.WithModule("bootstrap-test")

	stack, err := bootstrapRuntime(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { stack.Shutdown(context.Background(), log) })

	require.NotNil(t, stack.DB)
	require.NotNil(t, stack.Router)
	require.NotNil(t, stack.RateStore)
	require.NotNil(t, stack.Cleaner)
	require.Nil(t, stack.Redis)
}

func TestEnsureSecretsPresent(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, ensureSecretsPresent(cfg))

	missingJWT := *cfg
	missingJWT.Auth.JWT.Secret = "  "
	require.Error(t, ensureSecretsPresent(&missingJWT))

	badKey := *cfg
	badKey.MFA.EncryptionKey = "too-short"
	require.Error(t, ensureSecretsPresent(&badKey))

	require.Error(t, ensureSecretsPresent(nil))
}

func TestConvertDatabaseConfig(t *testing.T) {
	cfg := &app.Config{}
	cfg.Database.Driver = "PostgreSQL"
	cfg.Database.Postgres.Host = " db.internal "
	cfg.Database.Postgres.Port = 5433
	cfg.Database.Postgres.Database = "warden"
	cfg.Database.Postgres.Username = "warden"
	cfg.Database.Postgres.Password = "secret"

	dbCfg := convertDatabaseConfig(cfg)
	require.Equal(t, "postgres", dbCfg.Driver)
	require.Equal(t, "db.internal", dbCfg.Host)
	require.Equal(t, 5433, dbCfg.Port)
	require.Equal(t, "warden", dbCfg.Name)

	cfg = &app.Config{}
	dbCfg = convertDatabaseConfig(cfg)
	require.Equal(t, "sqlite", dbCfg.Driver)
}

func TestLoadApplicationConfigMissingPath(t *testing.T) {
	_, err := loadApplicationConfig(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}
