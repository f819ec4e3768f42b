package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/wardenhq/warden/internal/services"
	"github.com/wardenhq/warden/pkg/errors"
	"github.com/wardenhq/warden/pkg/response"
)

// BanGuard rejects requests from currently banned users and banned source IPs.
// It consults the ban ledger directly, so a ban takes effect on the very next
// request and an expired ban stops blocking without waiting for any sweep.
// Appeal routes are mounted outside this guard: banned users must be able to
// reach them.
func BanGuard(bans *services.BanService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if banned, err := bans.IsIPBanned(ctx, c.ClientIP()); err != nil {
			response.Error(c, errors.FromError(err))
			c.Abort()
			return
		} else if banned {
			response.Error(c, errors.ErrAccountBanned)
			c.Abort()
			return
		}

		if v, ok := c.Get(CtxUserIDKey); ok {
			userID, _ := v.(string)
			if banned, err := bans.IsUserCurrentlyBanned(ctx, userID); err != nil {
				response.Error(c, errors.FromError(err))
				c.Abort()
				return
			} else if banned {
				response.Error(c, errors.ErrAccountBanned)
				c.Abort()
				return
			}
		}

		c.Next()
	}
}
