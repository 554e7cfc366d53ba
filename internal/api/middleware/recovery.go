package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
)

// Recovery turns a handler panic into a 500. A hijacked or already written
// response, such as the bridge websocket, is only logged and aborted.
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	logger = logger.With("component", "api")
	return func(c *gin.Context) {
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			requestID := c.GetString(RequestIDKey)
			logger.Error("Handler panicked",
				"request_id", requestID,
				"method", c.Request.Method,
				"path", c.FullPath(),
				"error", err,
				"stack", string(debug.Stack()),
			)

			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":      "internal error",
				"code":       "HANDLER_PANIC",
				"request_id": requestID,
			})
		}()
		c.Next()
	}
}
