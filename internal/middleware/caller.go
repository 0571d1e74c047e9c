package middleware

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/connectra/backend/internal/models"
	"github.com/connectra/backend/pkg/database"
	"github.com/connectra/backend/pkg/response"
)

// ContextCaller is the key for the resolved models.Caller in gin context.
const ContextCaller = "caller"

// UserLookup loads the user behind a validated token.
type UserLookup interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

// ResolveCaller loads the authenticated user once per request and stores the
// Caller (role, display name and cohort) for handlers. Must run after JWT.
func ResolveCaller(users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := c.Get(ContextUserID)
		if !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		userID, _ := id.(int64)
		u, err := users.GetByID(c.Request.Context(), userID)
		if errors.Is(err, database.ErrNotFound) {
			response.Unauthorized(c, "user no longer exists")
			c.Abort()
			return
		}
		if err != nil {
			response.Internal(c, "failed to resolve user")
			c.Abort()
			return
		}
		c.Set(ContextCaller, u.Caller())
		c.Next()
	}
}

// CallerFrom returns the caller stored by ResolveCaller, or the zero Caller.
func CallerFrom(c *gin.Context) models.Caller {
	v, _ := c.Get(ContextCaller)
	caller, _ := v.(models.Caller)
	return caller
}
