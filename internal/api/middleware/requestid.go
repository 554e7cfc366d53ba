package middleware

import (
	"famlink/internal/idgen"

	"github.com/gin-gonic/gin"
)

// RequestIDKey is both the header and the gin context key
const RequestIDKey = "X-Request-ID"

const maxRequestIDLen = 64

// RequestID tags each request with an ID. A caller-supplied ID is kept when
// it is short and printable, so the embedded UI can correlate its own logs.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDKey)
		if !validRequestID(requestID) {
			requestID = idgen.NewRequest()
		}
		c.Header(RequestIDKey, requestID)
		c.Set(RequestIDKey, requestID)
		c.Next()
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
