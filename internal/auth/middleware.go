// Package auth guards the analyst-facing fraud API with a shared admin secret.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderAdminSecret is accepted as an alternative to a bearer token.
const HeaderAdminSecret = "X-Admin-Secret"

// RequireAdmin rejects requests that do not present secret, either as
// "Authorization: Bearer <secret>" or in the X-Admin-Secret header.
// An empty secret disables the check, which is only meant for local runs.
func RequireAdmin(secret string) gin.HandlerFunc {
	if secret == "" {
		return func(c *gin.Context) { c.Next() }
	}
	want := []byte(secret)

	return func(c *gin.Context) {
		presented := bearerToken(c.GetHeader("Authorization"))
		if presented == "" {
			presented = c.GetHeader(HeaderAdminSecret)
		}
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin credentials required. Include 'Authorization: Bearer <secret>' header.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), want) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin credentials.",
			})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
