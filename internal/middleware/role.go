package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/restream/internal/models"
	"github.com/aura-webinar/restream/pkg/response"
)

// RequireRole lets through only callers whose token carries one of roles.
// It must run after JWT.
func RequireRole(roles ...models.Role) gin.HandlerFunc {
	allowed := make(map[models.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		role, ok := c.Get(ContextUserRole)
		if !ok {
			response.Abort(c, http.StatusUnauthorized, "missing user context")
			return
		}
		s, _ := role.(string)
		if !allowed[models.Role(s)] {
			response.Abort(c, http.StatusForbidden, "insufficient permissions")
			return
		}
		c.Next()
	}
}
