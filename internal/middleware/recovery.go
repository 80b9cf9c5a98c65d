package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avaguard/internal/observability"
)

// Recovery turns panics into 500 responses and logs the stack.
func Recovery(logger observability.Logger, metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					observability.String("path", c.Request.URL.Path),
					observability.String("method", c.Request.Method),
					observability.String("request_id", observability.RequestIDFromContext(c.Request.Context())),
					observability.Any("error", err),
					observability.String("stack", string(debug.Stack())),
				)
				metrics.panicked()

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": ErrInternalServerError})
			}
		}()

		c.Next()
	}
}
