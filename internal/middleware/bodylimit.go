package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avaguard/internal/observability"
)

// DefaultMaxBodySize is the admin API request body limit.
const DefaultMaxBodySize int64 = 1 << 20

// BodyLimit rejects bodies over maxSize with 413. Requests without a
// Content-Length are cut off while reading.
func BodyLimit(maxSize int64, logger observability.Logger, metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			logger.Warn("request body too large",
				observability.Int64("content_length", c.Request.ContentLength),
				observability.Int64("max_size", maxSize),
				observability.String("path", c.Request.URL.Path),
			)
			metrics.bodyLimit()
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": ErrRequestEntityTooLarge})
			return
		}

		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		}
		c.Next()
	}
}
