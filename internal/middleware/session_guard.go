package middleware

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/wardenhq/warden/internal/services"
	apperrors "github.com/wardenhq/warden/pkg/errors"
	"github.com/wardenhq/warden/pkg/response"
)

// SessionGuard validates the token's session claim against the device
// registry and bumps last_used_at. A JWT backed by a revoked or evicted
// session stops working here, before its expiry. Runs after Auth.
func SessionGuard(devices *services.DeviceService) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(CtxSessionIDKey)
		if !ok {
			response.Error(c, apperrors.ErrUnauthorized)
			c.Abort()
			return
		}
		sessionID, _ := v.(string)

		if err := devices.Touch(c.Request.Context(), sessionID); err != nil {
			if errors.Is(err, services.ErrSessionRevoked) {
				response.Error(c, apperrors.ErrUnauthorized)
			} else {
				response.Error(c, apperrors.FromError(err))
			}
			c.Abort()
			return
		}

		c.Next()
	}
}
