package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notification-engine/pkg/auth"
	"github.com/jwalitptl/notification-engine/pkg/httputil"
)

// ContextIssuer holds the authenticated caller's subject.
const ContextIssuer = "issuer"

type AuthMiddleware struct {
	jwt auth.JWTService
}

func NewAuthMiddleware(jwt auth.JWTService) *AuthMiddleware {
	return &AuthMiddleware{jwt: jwt}
}

// Authenticate verifies the bearer token and stores its subject in the context.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			httputil.RespondWithMessage(c, http.StatusUnauthorized, "missing authorization header")
			return
		}

		token, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found || token == "" {
			httputil.RespondWithMessage(c, http.StatusUnauthorized, "invalid authorization format")
			return
		}

		claims, err := m.jwt.ValidateToken(token)
		if err != nil {
			httputil.RespondWithMessage(c, http.StatusUnauthorized, "invalid token")
			return
		}

		c.Set(ContextIssuer, claims.Subject)
		c.Next()
	}
}

// Issuer returns the authenticated subject, or "" when auth is disabled.
func Issuer(c *gin.Context) string {
	return c.GetString(ContextIssuer)
}
