package health

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avaguard/internal/observability"
)

// Default timeout values for health checks.
const (
	// DefaultReadinessProbeTimeout is the default timeout for readiness probes.
	DefaultReadinessProbeTimeout = 5 * time.Second

	// DefaultLivenessProbeTimeout is the default timeout for detailed health probes.
	DefaultLivenessProbeTimeout = 10 * time.Second
)

// Status is the outcome of a check or of all checks.
type Status string

const (
	// StatusOK means every check passed.
	StatusOK Status = "ok"
	// StatusDegraded means a non-critical check failed or a check reported
	// ErrDegraded. The service still answers.
	StatusDegraded Status = "degraded"
	// StatusError means a critical check failed.
	StatusError Status = "error"
)

// HandlerConfig holds configuration for the health handler.
type HandlerConfig struct {
	// ReadinessProbeTimeout is the timeout for readiness probe checks.
	ReadinessProbeTimeout time.Duration

	// LivenessProbeTimeout is the timeout for detailed health checks.
	LivenessProbeTimeout time.Duration
}

// DefaultHandlerConfig returns a HandlerConfig with default values.
func DefaultHandlerConfig() *HandlerConfig {
	return &HandlerConfig{
		ReadinessProbeTimeout: DefaultReadinessProbeTimeout,
		LivenessProbeTimeout:  DefaultLivenessProbeTimeout,
	}
}

// HealthCheck defines the interface for health checks.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// criticality is implemented by checks that can be non-critical.
type criticality interface {
	IsCritical() bool
}

func isCritical(c HealthCheck) bool {
	if cc, ok := c.(criticality); ok {
		return cc.IsCritical()
	}
	return true
}

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status    Status                  `json:"status"`
	Version   string                  `json:"version,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime,omitempty"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Status    Status    `json:"status"`
	Critical  bool      `json:"critical"`
	Error     string    `json:"error,omitempty"`
	Duration  string    `json:"duration,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler serves liveness, readiness and detailed health endpoints.
type Handler struct {
	version   string
	checks    []HealthCheck
	logger    observability.Logger
	metrics   *Metrics
	mu        sync.RWMutex
	startTime time.Time
	config    *HandlerConfig
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMetrics sets the check metrics.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithConfig sets the probe timeouts.
func WithConfig(cfg *HandlerConfig) Option {
	return func(h *Handler) {
		if cfg != nil {
			h.config = cfg
		}
	}
}

// NewHandler creates a new health handler.
func NewHandler(version string, opts ...Option) *Handler {
	h := &Handler{
		version:   version,
		checks:    make([]HealthCheck, 0),
		logger:    observability.NopLogger(),
		startTime: time.Now(),
		config:    DefaultHandlerConfig(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) readinessTimeout() time.Duration {
	if h.config.ReadinessProbeTimeout > 0 {
		return h.config.ReadinessProbeTimeout
	}
	return DefaultReadinessProbeTimeout
}

func (h *Handler) livenessTimeout() time.Duration {
	if h.config.LivenessProbeTimeout > 0 {
		return h.config.LivenessProbeTimeout
	}
	return DefaultLivenessProbeTimeout
}

// AddCheck adds a health check.
func (h *Handler) AddCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// RemoveCheck removes a health check by name.
func (h *Handler) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, check := range h.checks {
		if check.Name() == name {
			h.checks = append(h.checks[:i], h.checks[i+1:]...)
			return
		}
	}
}

// Run executes every check concurrently.
func (h *Handler) Run(ctx context.Context) *HealthStatus {
	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := &HealthStatus{
		Status:    StatusOK,
		Version:   h.version,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]*CheckResult, len(checks)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, check := range checks {
		wg.Add(1)
		go func(c HealthCheck) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			duration := time.Since(start)

			result := &CheckResult{
				Status:    StatusOK,
				Critical:  isCritical(c),
				Duration:  duration.String(),
				Timestamp: time.Now().UTC(),
			}
			if err != nil {
				result.Error = err.Error()
				result.Status = StatusError
				if errors.Is(err, ErrDegraded) || !result.Critical {
					result.Status = StatusDegraded
				}
				h.logger.Warn("health check failed",
					observability.String("check", c.Name()),
					observability.String("status", string(result.Status)),
					observability.Error(err),
					observability.Duration("duration", duration),
				)
			}
			h.metrics.record(c.Name(), result.Status)

			mu.Lock()
			status.Checks[c.Name()] = result
			status.Status = worse(status.Status, result.Status)
			mu.Unlock()
		}(check)
	}

	wg.Wait()
	return status
}

func worse(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusError:
			return 2
		case StatusDegraded:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func statusCode(s Status) int {
	if s == StatusError {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// LivenessHandler reports that the process is running.
func (h *Handler) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    StatusOK,
			"timestamp": time.Now().UTC(),
		})
	}
}

// ReadinessHandler answers 503 only when a critical check fails.
func (h *Handler) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.readinessTimeout())
		defer cancel()

		status := h.Run(ctx)
		c.JSON(statusCode(status.Status), status)
	}
}

// HealthHandler returns a handler for detailed health checks.
func (h *Handler) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.livenessTimeout())
		defer cancel()

		status := h.Run(ctx)
		status.Uptime = time.Since(h.startTime).Round(time.Second).String()
		c.JSON(statusCode(status.Status), status)
	}
}

// RegisterRoutes registers health check routes.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.HealthHandler())
	r.GET("/healthz", h.LivenessHandler())
	r.GET("/livez", h.LivenessHandler())
	r.GET("/readyz", h.ReadinessHandler())
}
