package app

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/wardenhq/warden/pkg/crypto"
)

const (
	jwtSecretBytes = 48
	mfaSecretBytes = 32
)

// ApplyRuntimeDefaults ensures critical secrets are populated even when no
// configuration file is supplied. It returns the set of keys that were
// generated so callers can log the event without exposing values.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	generated := make(map[string]bool)

	if missing(cfg.Auth.JWT.Secret) {
		secret, err := crypto.GenerateToken(jwtSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.Auth.JWT.Secret = secret
		generated["auth.jwt.secret"] = true
	}

	if missing(cfg.MFA.EncryptionKey) {
		// Hex keeps the decoded length exact for AES key sizing.
		key, err := generateHexKey(mfaSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("generate mfa encryption key: %w", err)
		}
		cfg.MFA.EncryptionKey = key
		generated["mfa.encryption_key"] = true
	}

	return generated, nil
}

func missing(v string) bool {
	return strings.TrimSpace(v) == ""
}

func generateHexKey(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("length must be positive")
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
