package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avaguard/internal/observability"
)

// unknownRoute labels requests that matched no route.
const unknownRoute = "unknown"

func routeOf(c *gin.Context) string {
	if r := c.FullPath(); r != "" {
		return r
	}
	return unknownRoute
}

// Logging logs every request and records request metrics.
func Logging(logger observability.Logger, metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		route := routeOf(c)
		metrics.observeRequest(c.Request.Method, route, strconv.Itoa(status), duration.Seconds())

		fields := []observability.Field{
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.String("route", route),
			observability.Int("status", status),
			observability.Int("size", c.Writer.Size()),
			observability.Duration("duration", duration),
			observability.String("remote_addr", c.Request.RemoteAddr),
			observability.String("request_id", observability.RequestIDFromContext(c.Request.Context())),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, observability.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			logger.Error("http request", fields...)
		case status >= 400:
			logger.Warn("http request", fields...)
		default:
			logger.Debug("http request", fields...)
		}
	}
}
