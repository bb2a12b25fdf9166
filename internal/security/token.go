package security

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/daniallc-1994/TaskUp/internal/logging"
)

// TokenHeader carries the shared secret of the platform services that sit
// in front of this API.
const TokenHeader = "X-Internal-Token"

// InternalToken rejects requests without the shared token. An empty token
// disables the check.
func InternalToken(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	want := []byte(token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(TokenHeader))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			logging.Security(c.Request.Context()).Warn("rejected internal token",
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP(),
				"present", len(got) > 0,
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"ok": false,
				"error": gin.H{
					"kind":      "invalid_request",
					"code":      "unauthorized",
					"message":   "missing or invalid " + TokenHeader,
					"retryable": false,
				},
			})
			return
		}
		c.Next()
	}
}
