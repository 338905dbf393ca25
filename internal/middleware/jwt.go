package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/restream/internal/auth"
	"github.com/aura-webinar/restream/pkg/response"
)

const (
	// ContextUserID holds the caller's uuid.UUID; it is the owner of everything the caller creates.
	ContextUserID = "user_id"
	// ContextUserRole holds the caller's role as a string.
	ContextUserRole = "user_role"
	// ContextUserEmail holds the caller's email.
	ContextUserEmail = "user_email"
)

// JWT validates the bearer token and stores the caller's identity in the context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearer(c.GetHeader("Authorization"))
		if !ok {
			response.Abort(c, http.StatusUnauthorized, "missing or malformed authorization header")
			return
		}
		claims, err := jwtService.Validate(token)
		if err != nil {
			response.Abort(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserRole, claims.Role)
		c.Set(ContextUserEmail, claims.Email)
		c.Next()
	}
}

func bearer(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
