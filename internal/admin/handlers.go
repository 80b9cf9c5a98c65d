package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avaguard/internal/engine"
	"github.com/vyrodovalexey/avaguard/internal/middleware"
	"github.com/vyrodovalexey/avaguard/internal/observability"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit"
)

// limitsBody is the wire form of ratelimit.LimitConfig with a duration
// string window.
type limitsBody struct {
	RequestsPerMinute int     `json:"requests_per_minute"`
	RequestsPerHour   int     `json:"requests_per_hour"`
	RequestsPerDay    int     `json:"requests_per_day"`
	BurstSize         int     `json:"burst_size"`
	RefillRate        float64 `json:"refill_rate"`
	Window            string  `json:"window"`
}

func (b limitsBody) limitConfig() (ratelimit.LimitConfig, error) {
	cfg := ratelimit.LimitConfig{
		RequestsPerMinute: b.RequestsPerMinute,
		RequestsPerHour:   b.RequestsPerHour,
		RequestsPerDay:    b.RequestsPerDay,
		BurstSize:         b.BurstSize,
		RefillRate:        b.RefillRate,
	}
	if b.Window != "" {
		w, err := time.ParseDuration(b.Window)
		if err != nil {
			return cfg, errors.Join(ratelimit.ErrInvalidLimit, err)
		}
		cfg.Window = w
	}
	return cfg, nil
}

// CheckRequest is the body of POST /v1/check.
type CheckRequest struct {
	Key        string      `json:"key" binding:"required"`
	Limits     *limitsBody `json:"limits,omitempty"`
	TrustScore *float64    `json:"trust_score,omitempty"`
	Scope      string      `json:"scope,omitempty"`
}

// CheckResponse is the decision with the retry delay in whole seconds.
type CheckResponse struct {
	ratelimit.Decision
	RetryAfterSeconds int `json:"retry_after_seconds"`
}

type trustBody struct {
	Score *float64 `json:"score" binding:"required"`
}

type tierBody struct {
	Tier string `json:"tier"`
}

type handlers struct {
	service  Service
	defaults ratelimit.LimitConfig
	logger   observability.Logger
}

func (h *handlers) check(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limits := h.defaults
	if req.Limits != nil {
		var err error
		if limits, err = req.Limits.limitConfig(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	d, err := h.service.CheckAdmission(c.Request.Context(), engine.Request{
		Key:        req.Key,
		Config:     limits,
		TrustScore: req.TrustScore,
		Scope:      req.Scope,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	middleware.SetRateLimitHeaders(c, d)
	c.JSON(http.StatusOK, CheckResponse{Decision: d, RetryAfterSeconds: d.RetryAfterSeconds()})
}

func (h *handlers) reset(c *gin.Context) {
	if err := h.service.Reset(c.Request.Context(), c.Param("key")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) setTrust(c *gin.Context) {
	var body trustBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.SetTrustScore(c.Param("key"), *body.Score); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) setTier(c *gin.Context) {
	var body tierBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.SetClientTier(c.Param("key"), body.Tier); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) cluster(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.ClusterHealth())
}

func (h *handlers) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Stats())
}

// fail maps service errors onto status codes.
func (h *handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ratelimit.ErrInvalidKey),
		errors.Is(err, ratelimit.ErrInvalidLimit),
		errors.Is(err, engine.ErrInvalidTrustScore),
		errors.Is(err, engine.ErrInvalidTier):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("admin request failed",
			observability.String("path", c.Request.URL.Path),
			observability.String("request_id", observability.RequestIDFromContext(c.Request.Context())),
			observability.Error(err),
		)
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}
