package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// APIKeyHeader carries the local API key
	APIKeyHeader = "X-Famlink-Key"
	// APIKeyQuery carries the key for websocket upgrades, where browsers
	// cannot set headers
	APIKeyQuery = "key"
)

// APIKey rejects requests that do not present key. An empty key disables
// the check.
func APIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}

		provided := c.GetHeader(APIKeyHeader)
		if provided == "" {
			provided = c.Query(APIKeyQuery)
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Unauthorized",
				"code":  "UNAUTHORIZED",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
