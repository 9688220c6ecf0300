// Package validation provides request-shape middleware for the fraud API.
// Event payloads are validated in the fraud package; this package only
// guards transport-level limits and path identifiers.
package validation

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxIdentifierLength bounds user and alert ids in paths.
const MaxIdentifierLength = 128

// identifierRegex accepts the id shapes upstream audit systems emit:
// uuids, prefixed ids, emails and dotted service accounts.
var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9._:@+-]+$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIdentifier reports whether s is a non-empty, bounded identifier.
func IsValidIdentifier(s string) bool {
	return len(s) > 0 && len(s) <= MaxIdentifierLength && identifierRegex.MatchString(s)
}

// ParamMiddleware rejects requests whose named path parameters are not
// valid identifiers. Parameters absent from the matched route are skipped,
// so the middleware can sit on a whole route group.
func ParamMiddleware(names ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range names {
			v, ok := c.Params.Get(name)
			if !ok {
				continue
			}
			if !IsValidIdentifier(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_identifier",
					"message": name + " must be 1-128 characters of letters, digits or ._:@+-",
				})
				return
			}
		}
		c.Next()
	}
}
