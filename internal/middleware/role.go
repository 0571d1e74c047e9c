package middleware

import (
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/connectra/backend/internal/models"
	"github.com/connectra/backend/pkg/response"
)

// RequireRole lets through only tokens issued for one of roles. Must run after JWT.
func RequireRole(roles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := c.Value(ContextUserRole).(models.Role)
		if !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		if !slices.Contains(roles, role) {
			response.Forbidden(c, "your role cannot perform this action")
			c.Abort()
			return
		}
		c.Next()
	}
}
