package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notification-hub/internal/handler"
	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/pkg/auth"
)

const ContextIdentity = "identity"

type AuthMiddleware struct {
	jwt auth.JWTService
}

func NewAuthMiddleware(jwt auth.JWTService) *AuthMiddleware {
	return &AuthMiddleware{jwt: jwt}
}

// Authenticate verifies the bearer token and stores the caller identity in the
// context. Browsers cannot set headers on a WebSocket handshake, so the token is
// also accepted in the access_token query parameter.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("access_token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid authorization format"))
				return
			}
			token = parts[1]
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, handler.NewErrorResponse("missing authorization header"))
			return
		}

		identity, err := m.jwt.Parse(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid token"))
			return
		}

		c.Set(ContextIdentity, identity)
		c.Next()
	}
}

// RequirePermission checks the caller's permission set.
func (m *AuthMiddleware) RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := IdentityFrom(c)
		if identity == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, handler.NewErrorResponse("unauthenticated"))
			return
		}
		if !identity.Can(permission) {
			c.AbortWithStatusJSON(http.StatusForbidden, handler.NewErrorResponse("permission denied"))
			return
		}
		c.Next()
	}
}

// IdentityFrom returns the identity set by Authenticate, or nil.
func IdentityFrom(c *gin.Context) *model.Identity {
	v, ok := c.Get(ContextIdentity)
	if !ok {
		return nil
	}
	identity, _ := v.(*model.Identity)
	return identity
}
