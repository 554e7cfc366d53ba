package middleware

import (
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContentType requires a JSON body on POST, PUT and PATCH. Requests with no
// body pass through so bodiless commands still work.
func ContentType() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			c.Next()
			return
		}
		if c.Request.ContentLength == 0 {
			c.Next()
			return
		}

		mediaType, _, err := mime.ParseMediaType(c.GetHeader("Content-Type"))
		if err != nil || mediaType != "application/json" {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{
				"error": "body must be application/json",
				"code":  "UNSUPPORTED_MEDIA_TYPE",
			})
			return
		}
		c.Next()
	}
}
