package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/recapd/recapd/internal/apperr"
)

// OwnerKey is the Gin context key holding the authenticated owner identity.
const OwnerKey = "owner"

// AuthConfig configures the bearer token authentication middleware.
type AuthConfig struct {
	// TokenValidator validates a token string and returns the owner identity.
	TokenValidator func(token string) (string, error)
	// SkipPaths are URL path prefixes that bypass authentication.
	SkipPaths []string
}

// Auth returns a Gin middleware that validates Bearer tokens using the
// configured TokenValidator. The owner identity is stored in the Gin context
// under OwnerKey.
func Auth(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, skip := range cfg.SkipPaths {
			if strings.HasPrefix(path, skip) {
				c.Next()
				return
			}
		}

		token, err := bearerToken(c)
		if err != nil {
			ae := apperr.From(err)
			c.AbortWithStatusJSON(ae.HTTPStatus, ae.ToResponse())
			return
		}

		owner, err := cfg.TokenValidator(token)
		if err != nil {
			ae := apperr.From(err)
			c.AbortWithStatusJSON(ae.HTTPStatus, ae.ToResponse())
			return
		}

		c.Set(OwnerKey, owner)
		c.Next()
	}
}

// bearerToken extracts the token from the Authorization header, falling back
// to a "token" query parameter for EventSource clients that cannot set
// headers.
func bearerToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if t := c.Query("token"); t != "" {
			return t, nil
		}
		return "", apperr.Unauthorized("Authorization header required.")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", apperr.Unauthorized("Invalid authorization header format.")
	}
	return parts[1], nil
}

// Owner returns the authenticated owner from the Gin context.
func Owner(c *gin.Context) string {
	return c.GetString(OwnerKey)
}
