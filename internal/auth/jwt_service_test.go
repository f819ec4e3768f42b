package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// newClockedService builds a JWTService pinned to a mutable clock so tests can
// advance time deterministically.
func newClockedService(t *testing.T, secret, issuer string, ttl time.Duration, at *time.Time) *JWTService {
	t.Helper()
	svc, err := NewJWTService(JWTConfig{
		Secret:         secret,
		Issuer:         issuer,
		AccessTokenTTL: ttl,
		Clock:          func() time.Time { return *at },
	})
	require.NoError(t, err)
	return svc
}

func TestNewJWTServiceRequiresSecret(t *testing.T) {
	_, err := NewJWTService(JWTConfig{})
	require.EqualError(t, err, "jwt: secret must be provided")
}

func TestGenerateAndValidateAccessToken(t *testing.T) {
	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	svc := newClockedService(t, "super-secret", "warden", time.Hour, &current)

	inputMeta := map[string]any{"role": "admin"}
	token, err := svc.GenerateAccessToken(AccessTokenInput{
		UserID:    "user-123",
		SessionID: "session-456",
		Audience:  []string{"api"},
		Metadata:  inputMeta,
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// Mutating the caller's map after issuance must not change the claims.
	inputMeta["role"] = "user"

	claims, err := svc.ValidateAccessToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-123", claims.UserID)
	require.Equal(t, "session-456", claims.SessionID)
	require.Equal(t, "warden", claims.Issuer)
	require.Equal(t, jwt.ClaimStrings{"api"}, claims.Audience)
	require.Equal(t, "admin", claims.Metadata["role"])
	require.True(t, claims.IssuedAt.Time.Equal(current))
	require.True(t, claims.ExpiresAt.Time.Equal(current.Add(time.Hour)))
}

func TestValidateAccessTokenInvalidSignature(t *testing.T) {
	current := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)
	issuer := newClockedService(t, "issuer-secret", "", time.Minute, &current)
	verifier := newClockedService(t, "other-secret", "", time.Minute, &current)

	token, err := issuer.GenerateAccessToken(AccessTokenInput{UserID: "user-123"})
	require.NoError(t, err)

	_, err = verifier.ValidateAccessToken(token)
	require.True(t, errors.Is(err, jwt.ErrTokenSignatureInvalid))
}

func TestValidateAccessTokenExpired(t *testing.T) {
	current := time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)
	svc := newClockedService(t, "secret", "", time.Minute, &current)

	token, err := svc.GenerateAccessToken(AccessTokenInput{UserID: "user-123"})
	require.NoError(t, err)

	current = current.Add(2 * time.Minute)

	_, err = svc.ValidateAccessToken(token)
	require.True(t, errors.Is(err, jwt.ErrTokenExpired))
}

func TestValidateAccessTokenWrongIssuer(t *testing.T) {
	current := time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)
	minter := newClockedService(t, "secret", "other-service", time.Minute, &current)
	verifier := newClockedService(t, "secret", "warden", time.Minute, &current)

	token, err := minter.GenerateAccessToken(AccessTokenInput{UserID: "user-123"})
	require.NoError(t, err)

	_, err = verifier.ValidateAccessToken(token)
	require.ErrorContains(t, err, "invalid issuer")
}

func TestImpersonationClaim(t *testing.T) {
	svc, err := NewJWTService(JWTConfig{Secret: "secret"})
	require.NoError(t, err)

	token, err := svc.GenerateAccessToken(AccessTokenInput{
		UserID:          "target-user",
		SessionID:       "session-1",
		ImpersonationID: "imp-42",
	})
	require.NoError(t, err)

	claims, err := svc.ValidateAccessToken(token)
	require.NoError(t, err)
	require.True(t, claims.Impersonated())
	require.Equal(t, "imp-42", claims.ImpersonationID)

	plain, err := svc.GenerateAccessToken(AccessTokenInput{UserID: "target-user"})
	require.NoError(t, err)
	plainClaims, err := svc.ValidateAccessToken(plain)
	require.NoError(t, err)
	require.False(t, plainClaims.Impersonated())
}
