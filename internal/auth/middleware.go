package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"outpass/internal/outpass"
)

const principalKey = "principal"

// Require enforces bearer JWT tokens signed with HS256 and stores the
// resulting principal in the request context.
func Require(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(principalKey, outpass.Principal{
			ID:        claims.Subject,
			Role:      claims.Role,
			StudentID: claims.StudentID,
		})
		c.Next()
	}
}

// RequireRole rejects principals whose role is not in the allowed set.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := PrincipalFrom(c)
		for _, role := range roles {
			if p.Role == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied", "kind": "authorization"})
	}
}

// PrincipalFrom returns the authenticated principal stored by Require.
func PrincipalFrom(c *gin.Context) outpass.Principal {
	p, _ := c.Get(principalKey)
	principal, _ := p.(outpass.Principal)
	return principal
}
