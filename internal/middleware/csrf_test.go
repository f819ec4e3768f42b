package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func csrfRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CSRF())
	r.GET("/status", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/submit", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

// fetchToken performs a safe request and returns the issued cookie + header token.
func fetchToken(t *testing.T, r *gin.Engine) (*http.Cookie, string) {
	t.Helper()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	resp := w.Result()
	defer resp.Body.Close()

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == CSRFCookieName {
			cookie = c
			break
		}
	}
	require.NotNil(t, cookie)
	require.NotEmpty(t, cookie.Value)

	header := resp.Header.Get(CSRFHeaderName)
	require.Equal(t, cookie.Value, header)
	return cookie, header
}

func TestCSRFIssuesTokenOnSafeMethod(t *testing.T) {
	fetchToken(t, csrfRouter())
}

func TestCSRFAcceptsValidToken(t *testing.T) {
	r := csrfRouter()
	cookie, token := fetchToken(t, r)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/submit", nil)
	req.AddCookie(cookie)
	req.Header.Set(CSRFHeaderName, token)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestCSRFFailsWithMissingToken(t *testing.T) {
	r := csrfRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/submit", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestCSRFFailsWithMismatchedToken(t *testing.T) {
	r := csrfRouter()
	cookie, _ := fetchToken(t, r)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/submit", nil)
	req.AddCookie(cookie)
	req.Header.Set(CSRFHeaderName, "not-the-issued-token")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}
