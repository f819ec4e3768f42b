package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/wardenhq/warden/internal/app"
	iauth "github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/auth/mfa"
	"github.com/wardenhq/warden/internal/database/testutil"
	"github.com/wardenhq/warden/internal/models"
	"github.com/wardenhq/warden/internal/services"
	"github.com/wardenhq/warden/pkg/crypto"
)

type routerEnv struct {
	t      *testing.T
	db     *gorm.DB
	router *gin.Engine
}

type envelope struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newRouterEnv(t *testing.T) *routerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())

	users, err := services.NewUserService(db)
	require.NoError(t, err)
	audit, err := services.NewAuditService(db)
	require.NoError(t, err)
	sync, err := services.NewStatusSyncService(db, nil)
	require.NoError(t, err)
	bans, err := services.NewBanService(db, sync, audit)
	require.NoError(t, err)
	appeals, err := services.NewAppealService(db, bans, audit, nil)
	require.NoError(t, err)
	devices, err := services.NewDeviceService(db, audit)
	require.NoError(t, err)
	imps, err := services.NewImpersonationService(db, users, audit)
	require.NoError(t, err)
	totp, err := mfa.NewTOTPService(db, bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)
	jwt, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "router-test-secret", Issuer: "warden"})
	require.NoError(t, err)
	login, err := iauth.NewLoginService(db, bans, users, devices, totp, jwt, audit, iauth.LoginConfig{})
	require.NoError(t, err)

	cfg := &app.Config{}
	cfg.Appeals.RateRequests = 100
	cfg.Appeals.RateWindow = time.Minute
	cfg.Monitoring.Prometheus.Enabled = true

	router, err := NewRouter(db, jwt, cfg, Services{
		Users:   users,
		Bans:    bans,
		Appeals: appeals,
		Devices: devices,
		Imps:    imps,
		Audit:   audit,
		Login:   login,
		TOTP:    totp,
	})
	require.NoError(t, err)

	return &routerEnv{t: t, db: db, router: router}
}

func (e *routerEnv) do(method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	e.t.Helper()

	var payload *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		payload = bytes.NewBuffer(raw)
	} else {
		payload = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var env envelope
	if len(w.Body.Bytes()) > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w, env
}

func (e *routerEnv) createUser(t *testing.T, username, password string, roles ...string) *models.User {
	t.Helper()

	hashed, err := crypto.HashPassword(password)
	require.NoError(t, err)
	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		Password: hashed,
		Status:   models.UserStatusActive,
	}
	require.NoError(t, e.db.Create(user).Error)
	for _, role := range roles {
		require.NoError(t, e.db.Exec(
			"INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)", user.ID, role,
		).Error)
	}
	return user
}

func (e *routerEnv) login(t *testing.T, username, password, deviceID string) string {
	t.Helper()

	w, env := e.do(http.MethodPost, "/api/auth/login", "", gin.H{
		"identifier": username,
		"password":   password,
		"device_id":  deviceID,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	token, _ := env.Data["access_token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestRouterHealthAndAuth(t *testing.T) {
	env := newRouterEnv(t)

	w, body := env.do(http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", body.Data["status"])

	// No token: protected surface is closed.
	w, _ = env.do(http.MethodGet, "/api/auth/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	env.createUser(t, "alice", "str0ng-password")
	token := env.login(t, "alice", "str0ng-password", "fp-alice")

	w, body = env.do(http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "alice", body.Data["username"])
}

func TestRouterLogoutEndsSession(t *testing.T) {
	env := newRouterEnv(t)
	env.createUser(t, "alice", "str0ng-password")
	token := env.login(t, "alice", "str0ng-password", "fp-alice")

	w, _ := env.do(http.MethodPost, "/api/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// The session guard rejects the token once the device session is closed.
	w, _ = env.do(http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouterAdminGate(t *testing.T) {
	env := newRouterEnv(t)
	env.createUser(t, "plain", "str0ng-password", models.RoleUser)
	env.createUser(t, "root", "str0ng-password", models.RoleAdmin)

	plainToken := env.login(t, "plain", "str0ng-password", "fp-plain")
	adminToken := env.login(t, "root", "str0ng-password", "fp-root")

	w, _ := env.do(http.MethodGet, "/api/bans", plainToken, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w, _ = env.do(http.MethodGet, "/api/bans", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRouterBanAppealFlow(t *testing.T) {
	env := newRouterEnv(t)
	subject := env.createUser(t, "subject", "str0ng-password", models.RoleUser)
	env.createUser(t, "root", "str0ng-password", models.RoleAdmin)

	subjectToken := env.login(t, "subject", "str0ng-password", "fp-subject")
	adminToken := env.login(t, "root", "str0ng-password", "fp-root")

	// Admin bans the subject.
	w, body := env.do(http.MethodPost, "/api/bans", adminToken, gin.H{
		"user_id": subject.ID,
		"reason":  "abuse",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	banID, _ := body.Data["id"].(string)
	require.NotEmpty(t, banID)

	// The ban guard cuts off the subject's existing session.
	w, body = env.do(http.MethodGet, "/api/auth/me", subjectToken, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "ACCOUNT_BANNED", body.Error.Code)

	// Fresh logins are refused too.
	w, _ = env.do(http.MethodPost, "/api/auth/login", "", gin.H{
		"identifier": "subject",
		"password":   "str0ng-password",
		"device_id":  "fp-subject",
	})
	require.Equal(t, http.StatusForbidden, w.Code)

	// Admin issues the appeal URL token.
	w, body = env.do(http.MethodPost, "/api/bans/"+banID+"/appeal-url", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	banToken, _ := body.Data["appeal_token"].(string)
	require.NotEmpty(t, banToken)

	// The banned user appeals without any session.
	w, body = env.do(http.MethodPost, "/api/appeals", "", gin.H{
		"ban_token":      banToken,
		"reason":         "it was my roommate",
		"terms_accepted": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	appealToken, _ := body.Data["appeal_token"].(string)
	require.NotEmpty(t, appealToken)
	appeal, _ := body.Data["appeal"].(map[string]any)
	appealID, _ := appeal["id"].(string)
	require.NotEmpty(t, appealID)

	// Ticket view works with the appeal token.
	w, _ = env.do(http.MethodGet, "/api/appeals/ticket?token="+appealToken, "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Admin approves; the ban lifts.
	w, _ = env.do(http.MethodPost, "/api/appeals/"+appealID+"/review", adminToken, gin.H{
		"decision":       "approved",
		"admin_response": "verified",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Subject can log in again.
	token := env.login(t, "subject", "str0ng-password", "fp-subject")
	w, _ = env.do(http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRouterDeviceRoutes(t *testing.T) {
	env := newRouterEnv(t)
	env.createUser(t, "alice", "str0ng-password", models.RoleUser)

	tokenA := env.login(t, "alice", "str0ng-password", "fp-a")
	_ = env.login(t, "alice", "str0ng-password", "fp-b")

	w, _ := env.do(http.MethodGet, "/api/devices", tokenA, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var devices []models.UserDevice
	require.NoError(t, env.db.Where("device_id = ?", "fp-b").Find(&devices).Error)
	require.Len(t, devices, 1)

	// Revoke the other device.
	w, _ = env.do(http.MethodPost, "/api/devices/"+devices[0].ID+"/revoke", tokenA, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Own session still works.
	w, _ = env.do(http.MethodGet, "/api/auth/me", tokenA, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRouterImpersonation(t *testing.T) {
	env := newRouterEnv(t)
	target := env.createUser(t, "target", "str0ng-password", models.RoleUser)
	env.createUser(t, "root", "str0ng-password", models.RoleAdmin)
	adminToken := env.login(t, "root", "str0ng-password", "fp-root")

	w, body := env.do(http.MethodPost, "/api/impersonation", adminToken, gin.H{
		"target_user_id": target.ID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	session, _ := body.Data["session"].(map[string]any)
	sessionID, _ := session["id"].(string)
	require.NotEmpty(t, sessionID)
	require.NotEmpty(t, body.Data["access_token"])

	w, _ = env.do(http.MethodGet, "/api/impersonation", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = env.do(http.MethodPost, "/api/impersonation/"+sessionID+"/end", adminToken, gin.H{"reason": "manual"})
	require.Equal(t, http.StatusOK, w.Code)
}
