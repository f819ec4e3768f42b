package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wardenhq/warden/pkg/crypto"
	"github.com/wardenhq/warden/pkg/errors"
	"github.com/wardenhq/warden/pkg/logger"
	"github.com/wardenhq/warden/pkg/response"
)

const (
	// CSRFCookieName is the cookie that carries the CSRF token to clients.
	CSRFCookieName = "warden_csrf"
	// CSRFHeaderName is the header mutating requests must echo the token in.
	CSRFHeaderName = "X-CSRF-Token"

	csrfTokenLength  = 48
	csrfCookieMaxAge = 12 * 60 * 60 // seconds
)

// CSRF applies the double-submit-cookie pattern. Safe methods are handed a
// token via cookie and response header; POST, PUT, PATCH and DELETE must
// present the same token in X-CSRF-Token or the request is rejected.
func CSRF() gin.HandlerFunc {
	log := logger.WithModule("csrf")

	return func(c *gin.Context) {
		method := c.Request.Method
		if method == http.MethodOptions {
			c.Next()
			return
		}

		token, freshlyIssued, err := csrfToken(c)
		if err != nil {
			response.Error(c, errors.ErrInternalServer)
			c.Abort()
			return
		}

		switch method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			presented := strings.TrimSpace(c.GetHeader(CSRFHeaderName))
			if !tokensMatch(token, presented) {
				// Token values are never logged.
				log.Warn("csrf validation failed",
					zap.String("method", method),
					zap.String("path", c.FullPath()),
					zap.Bool("cookie_issued", freshlyIssued),
				)
				response.Error(c, errors.ErrCSRFInvalid)
				c.Abort()
				return
			}
		default:
			c.Header(CSRFHeaderName, token)
		}

		c.Next()
	}
}

// csrfToken returns the caller's existing token, minting and setting a new
// one when the cookie is absent.
func csrfToken(c *gin.Context) (token string, issued bool, err error) {
	if existing, err := c.Cookie(CSRFCookieName); err == nil && existing != "" {
		writeCSRFCookie(c, existing)
		return existing, false, nil
	}

	token, err = crypto.GenerateToken(csrfTokenLength)
	if err != nil {
		return "", false, err
	}
	writeCSRFCookie(c, token)
	return token, true, nil
}

func writeCSRFCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteStrictMode)
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		Secure:   requestIsHTTPS(c.Request),
		HttpOnly: false,
		MaxAge:   csrfCookieMaxAge,
		SameSite: http.SameSiteStrictMode,
	})
}

func requestIsHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func tokensMatch(expected, presented string) bool {
	if expected == "" || presented == "" || len(expected) != len(presented) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
