package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/wardenhq/warden/internal/services"
	"github.com/wardenhq/warden/pkg/errors"
	"github.com/wardenhq/warden/pkg/response"
)

// RequireAdmin restricts the route to users holding the admin role. It must
// run after Auth so the user id is already in the request context.
func RequireAdmin(users *services.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(CtxUserIDKey)
		if !ok {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}
		userID, _ := v.(string)

		isAdmin, err := users.IsAdmin(c.Request.Context(), userID)
		if err != nil {
			response.Error(c, errors.FromError(err))
			c.Abort()
			return
		}
		if !isAdmin {
			response.Error(c, errors.ErrForbidden)
			c.Abort()
			return
		}

		c.Next()
	}
}
