// Package admin serves the operator HTTP API: admission checks, client
// management, cluster and engine status, health probes and metrics.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avaguard/internal/cluster"
	"github.com/vyrodovalexey/avaguard/internal/engine"
	"github.com/vyrodovalexey/avaguard/internal/health"
	"github.com/vyrodovalexey/avaguard/internal/middleware"
	"github.com/vyrodovalexey/avaguard/internal/observability"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit"
)

// ginModeOnce ensures gin.SetMode is only called once.
var ginModeOnce sync.Once

// Service is the engine surface exposed by the API. It is satisfied by
// *engine.Engine.
type Service interface {
	middleware.Admitter
	Reset(ctx context.Context, key string) error
	SetTrustScore(key string, value float64) error
	SetClientTier(key, tier string) error
	ClusterHealth() cluster.Snapshot
	Stats() engine.Stats
}

// Config holds configuration for the admin server.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodySize  int64

	// DefaultLimits apply to checks that carry no limits.
	DefaultLimits ratelimit.LimitConfig

	// RateLimit guards the API itself. Nil disables it.
	RateLimit *middleware.RateLimitConfig
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Address:       ":9090",
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   60 * time.Second,
		MaxBodySize:   middleware.DefaultMaxBodySize,
		DefaultLimits: ratelimit.LimitConfig{RequestsPerMinute: 60, BurstSize: 10},
	}
}

// Server is the admin HTTP server.
type Server struct {
	engine      *gin.Engine
	httpServer  *http.Server
	service     Service
	config      Config
	logger      observability.Logger
	tracer      *observability.Tracer
	httpMetrics *middleware.Metrics
	metrics     http.Handler
	health      *health.Handler

	mu       sync.Mutex
	running  bool
	listener net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithTracer sets the tracer used for request spans.
func WithTracer(tracer *observability.Tracer) Option {
	return func(s *Server) {
		s.tracer = tracer
	}
}

// WithHTTPMetrics sets the request metrics.
func WithHTTPMetrics(m *middleware.Metrics) Option {
	return func(s *Server) {
		s.httpMetrics = m
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithHealth serves the health probes.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// NewServer creates the server and its routes.
func NewServer(cfg Config, service Service, opts ...Option) *Server {
	ginModeOnce.Do(func() {
		if gin.Mode() == gin.DebugMode {
			gin.SetMode(gin.ReleaseMode)
		}
	})

	d := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = d.Address
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = d.MaxBodySize
	}

	s := &Server{
		service: service,
		config:  cfg,
		logger:  observability.NopLogger(),
		tracer:  observability.NopTracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.UseRawPath = true
	r.UnescapePathValues = true

	r.Use(
		middleware.RequestID(),
		middleware.Recovery(s.logger, s.httpMetrics),
		middleware.Tracing(s.tracer),
		middleware.Logging(s.logger, s.httpMetrics),
	)

	if s.health != nil {
		s.health.RegisterRoutes(r)
	}
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := r.Group("/v1", middleware.BodyLimit(s.config.MaxBodySize, s.logger, s.httpMetrics))
	if s.config.RateLimit != nil {
		rl := *s.config.RateLimit
		if rl.Logger == nil {
			rl.Logger = s.logger
		}
		if rl.Metrics == nil {
			rl.Metrics = s.httpMetrics
		}
		v1.Use(middleware.RateLimit(s.service, rl))
	}

	h := &handlers{service: s.service, defaults: s.config.DefaultLimits, logger: s.logger}
	v1.POST("/check", h.check)
	v1.DELETE("/clients/:key", h.reset)
	v1.PUT("/clients/:key/trust", h.setTrust)
	v1.PUT("/clients/:key/tier", h.setTier)
	v1.GET("/cluster", h.cluster)
	v1.GET("/stats", h.stats)

	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("server already running")
	}
	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.listener = ln
	s.running = true
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("starting admin server",
		observability.String("address", ln.Addr().String()),
		observability.Duration("readTimeout", s.config.ReadTimeout),
		observability.Duration("writeTimeout", s.config.WriteTimeout),
	)

	err := srv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("stopping admin server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("admin server stopped")
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
