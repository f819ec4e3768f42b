package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	iauth "github.com/wardenhq/warden/internal/auth"
)

func newAuthFixture(t *testing.T) (*iauth.JWTService, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         "secret",
		Issuer:         "test-suite",
		AccessTokenTTL: time.Minute,
	})
	require.NoError(t, err)

	r := gin.New()
	r.GET("/secure", Auth(jwtSvc), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":       c.GetString(CtxUserIDKey),
			"session_id":    c.GetString(CtxSessionIDKey),
			"impersonation": c.GetString(CtxImpersonationIDKey),
		})
	})
	return jwtSvc, r
}

func secureRequest(r *gin.Engine, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestAuthRejectsMissingAndGarbageTokens(t *testing.T) {
	_, r := newAuthFixture(t)

	require.Equal(t, http.StatusUnauthorized, secureRequest(r, "").Code)
	require.Equal(t, http.StatusUnauthorized, secureRequest(r, "not-a-jwt").Code)
}

func TestAuthPropagatesIdentity(t *testing.T) {
	jwtSvc, r := newAuthFixture(t)

	token, err := jwtSvc.GenerateAccessToken(iauth.AccessTokenInput{
		UserID:    "user-123",
		SessionID: "session-abc",
	})
	require.NoError(t, err)

	w := secureRequest(r, token)
	require.Equal(t, http.StatusOK, w.Code)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Equal(t, "user-123", payload["user_id"])
	require.Equal(t, "session-abc", payload["session_id"])
	require.Empty(t, payload["impersonation"])
}

func TestAuthExposesImpersonationClaim(t *testing.T) {
	jwtSvc, r := newAuthFixture(t)

	token, err := jwtSvc.GenerateAccessToken(iauth.AccessTokenInput{
		UserID:          "target-user",
		ImpersonationID: "imp-77",
	})
	require.NoError(t, err)

	w := secureRequest(r, token)
	require.Equal(t, http.StatusOK, w.Code)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Equal(t, "target-user", payload["user_id"])
	require.Equal(t, "imp-77", payload["impersonation"])
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	past := time.Now().Add(-time.Hour)
	stale, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         "secret",
		Issuer:         "test-suite",
		AccessTokenTTL: time.Minute,
		Clock:          func() time.Time { return past },
	})
	require.NoError(t, err)

	token, err := stale.GenerateAccessToken(iauth.AccessTokenInput{UserID: "user-123"})
	require.NoError(t, err)

	_, r := newAuthFixture(t)
	w := secureRequest(r, token)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
}
