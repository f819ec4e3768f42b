package app

import (
	"time"

	"github.com/wardenhq/warden/internal/auth"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutDuration  = 15 * time.Minute
	defaultSessionLimit     = 3
)

// JWTServiceConfig converts AuthConfig into the parameters expected by the JWT service.
func (c AuthConfig) JWTServiceConfig() auth.JWTConfig {
	ttl := c.JWT.TTL
	if ttl <= 0 {
		ttl = auth.DefaultAccessTokenTTL
	}

	return auth.JWTConfig{
		Secret:         c.JWT.Secret,
		Issuer:         c.JWT.Issuer,
		AccessTokenTTL: ttl,
	}
}

// LoginServiceConfig converts AuthConfig into LoginService parameters.
func (c AuthConfig) LoginServiceConfig() auth.LoginConfig {
	duration := c.Local.LockoutDuration
	if duration <= 0 {
		duration = defaultLockoutDuration
	}

	threshold := c.Local.LockoutThreshold
	if threshold <= 0 {
		threshold = defaultLockoutThreshold
	}

	limit := c.Sessions.DefaultLimit
	if limit <= 0 {
		limit = defaultSessionLimit
	}

	return auth.LoginConfig{
		LockoutThreshold:    threshold,
		LockoutDuration:     duration,
		DefaultSessionLimit: limit,
	}
}
