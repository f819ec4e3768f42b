package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the Warden backend.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	MFA         MFAConfig         `mapstructure:"mfa"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Appeals     AppealConfig      `mapstructure:"appeals"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port     int        `mapstructure:"port"`
	LogLevel string     `mapstructure:"log_level"`
	CSRF     CSRFConfig `mapstructure:"csrf"`
}

// CSRFConfig controls CSRF protection middleware.
type CSRFConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// MFAConfig documents encryption requirements for stored TOTP secrets.
type MFAConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
	Algorithm     string `mapstructure:"algorithm"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AuthConfig captures all authentication-related settings.
type AuthConfig struct {
	JWT           JWTSettings           `mapstructure:"jwt"`
	Local         LocalAuthSettings     `mapstructure:"local"`
	Sessions      SessionSettings       `mapstructure:"sessions"`
	Impersonation ImpersonationSettings `mapstructure:"impersonation"`
}

// JWTSettings configures JWT access tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// LocalAuthSettings defines controls for password authentication.
type LocalAuthSettings struct {
	LockoutThreshold int           `mapstructure:"lockout_threshold"`
	LockoutDuration  time.Duration `mapstructure:"lockout_duration"`
}

// SessionSettings configures device sessions and trust lifetimes.
type SessionSettings struct {
	DefaultLimit int           `mapstructure:"default_limit"`
	TrustTTL     time.Duration `mapstructure:"trust_ttl"`
}

// ImpersonationSettings bounds admin impersonation sessions.
type ImpersonationSettings struct {
	MaxAge time.Duration `mapstructure:"max_age"`
}

// AppealConfig throttles the unauthenticated appeal surface.
type AppealConfig struct {
	RateRequests int           `mapstructure:"rate_requests"`
	RateWindow   time.Duration `mapstructure:"rate_window"`
}

// MaintenanceConfig schedules background hygiene jobs.
type MaintenanceConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Interval            time.Duration `mapstructure:"interval"`
	AuditRetentionDays  int           `mapstructure:"audit_retention_days"`
	DeviceRetentionDays int           `mapstructure:"device_retention_days"`
}

// configDefaults holds every default applied before reading config files or
// environment variables. Durations are given in string form so the same value
// works from YAML and from WARDEN_* env overrides.
var configDefaults = map[string]any{
	"server.port":           8000,
	"server.log_level":      "info",
	"server.csrf.enabled":   false,
	"database.driver":       "sqlite",
	"database.path":         "./data/warden.sqlite",
	"cache.redis.enabled":   false,
	"cache.redis.address":   "127.0.0.1:6379",
	"cache.redis.username":  "",
	"cache.redis.password":  "",
	"cache.redis.db":        0,
	"cache.redis.tls":       false,
	"cache.redis.timeout":   "5s",
	"mfa.algorithm":         "aes-256-gcm",
	"monitoring.prometheus.enabled":   true,
	"monitoring.prometheus.endpoint":  "/metrics",
	"monitoring.health_check.enabled": true,
	"auth.jwt.access_token_ttl":    "15m",
	"auth.local.lockout_threshold": 5,
	"auth.local.lockout_duration":  "15m",
	"auth.sessions.default_limit":  3,
	"auth.sessions.trust_ttl":      "720h", // 30 days
	"auth.impersonation.max_age":   "2h",
	"appeals.rate_requests":        5,
	"appeals.rate_window":          "1h",
	"maintenance.enabled":              true,
	"maintenance.interval":             "1h",
	"maintenance.audit_retention_days": 90,
	"maintenance.device_retention_days": 180,
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	for key, value := range configDefaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &config, nil
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
