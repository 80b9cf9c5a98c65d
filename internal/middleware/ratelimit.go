package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avaguard/internal/engine"
	"github.com/vyrodovalexey/avaguard/internal/observability"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit"
)

// KeyPrefix namespaces admin API clients in the engine.
const KeyPrefix = "admin:"

// Admitter decides admission. It is satisfied by *engine.Engine.
type Admitter interface {
	CheckAdmission(ctx context.Context, req engine.Request) (ratelimit.Decision, error)
}

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	Limits ratelimit.LimitConfig

	// KeyHeader names a header carrying the client identity. Requests
	// without it fall back to the client IP.
	KeyHeader string

	// Extractor finds the client IP. Nil trusts only the peer address.
	Extractor *ClientIPExtractor

	Logger  observability.Logger
	Metrics *Metrics
}

// RateLimit admits requests through the engine, one key per client and
// the route as the abuse scope. Denied requests get 429 with Retry-After.
// Engine errors other than a malformed client key let the request through.
func RateLimit(admitter Admitter, cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.Extractor == nil {
		cfg.Extractor = NewClientIPExtractor(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}

	return func(c *gin.Context) {
		client := ""
		if cfg.KeyHeader != "" {
			client = c.GetHeader(cfg.KeyHeader)
		}
		if client == "" {
			client = cfg.Extractor.Extract(c.Request)
		}
		route := routeOf(c)

		d, err := admitter.CheckAdmission(c.Request.Context(), engine.Request{
			Key:    KeyPrefix + client,
			Config: cfg.Limits,
			Scope:  route,
		})
		if err != nil {
			if errors.Is(err, ratelimit.ErrInvalidKey) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			cfg.Logger.Warn("admission check failed, admitting request",
				observability.String("client", client),
				observability.Error(err),
			)
			c.Next()
			return
		}

		SetRateLimitHeaders(c, d)
		cfg.Metrics.rateLimit(route, d.Allowed)

		if !d.Allowed {
			cfg.Logger.Warn("rate limit exceeded",
				observability.String("client", client),
				observability.String("path", c.Request.URL.Path),
				observability.String("reason", d.Reason),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":  ErrRateLimitExceeded,
				"reason": d.Reason,
			})
			return
		}
		c.Next()
	}
}

// SetRateLimitHeaders writes the X-RateLimit headers for d, and Retry-After
// when it is a denial.
func SetRateLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	c.Header(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
	c.Header(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		c.Header(HeaderRateLimitReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if !d.Allowed {
		c.Header(HeaderRetryAfter, strconv.Itoa(max(d.RetryAfterSeconds(), 1)))
	}
}
