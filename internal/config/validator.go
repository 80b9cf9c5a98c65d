package config

import (
	"fmt"
	"math"
	"net"
	"strings"

	"github.com/vyrodovalexey/avaguard/internal/observability"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateConfig validates cfg and returns ValidationErrors on failure.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateLog(cfg)
	v.validateTracing(cfg)
	algorithm := v.validateEngine(cfg)
	v.validateAdmin(cfg, algorithm)
	v.validateTuning(cfg)
	v.validateCluster(cfg, algorithm)
	v.validateEvents(cfg)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateLog(cfg *Config) {
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		v.addError("log.level", fmt.Sprintf("unknown level %q", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "json", "console", "":
	default:
		v.addError("log.format", "format must be json or console")
	}
	switch cfg.Log.Output {
	case "stdout", "stderr", "":
	default:
		v.addError("log.output", "output must be stdout or stderr")
	}
}

func (v *Validator) validateTracing(cfg *Config) {
	t := cfg.Tracing
	if !t.Enabled {
		return
	}
	if t.OTLPEndpoint == "" {
		v.addError("tracing.otlpEndpoint", "endpoint is required when tracing is enabled")
	}
	if t.SamplingRate < 0 || t.SamplingRate > 1 || math.IsNaN(t.SamplingRate) {
		v.addError("tracing.samplingRate", "sampling rate must be within [0, 1]")
	}
	switch t.Protocol {
	case observability.ProtocolGRPC, observability.ProtocolHTTP, "":
	default:
		v.addError("tracing.protocol", "protocol must be grpc or http")
	}
}

func (v *Validator) validateAdmin(cfg *Config, algorithm ratelimit.Algorithm) {
	a := cfg.Admin
	if !a.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(a.Address); err != nil {
		v.addError("admin.address", fmt.Sprintf("invalid address %q", a.Address))
	}
	if a.ReadTimeout < 0 || a.WriteTimeout < 0 || a.ShutdownTimeout < 0 {
		v.addError("admin", "timeouts must not be negative")
	}
	if a.RateLimit.Enabled {
		v.validateLimits("admin.rateLimit.limits", a.RateLimit.Limits, algorithm)
	}
	for i, p := range a.RateLimit.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			v.addError(fmt.Sprintf("admin.rateLimit.trustedProxies[%d]", i), fmt.Sprintf("invalid IP or CIDR %q", p))
		}
	}
}

// validateEngine returns the parsed algorithm, or "" when it is invalid.
func (v *Validator) validateEngine(cfg *Config) ratelimit.Algorithm {
	e := cfg.Engine
	algorithm, err := ratelimit.ParseAlgorithm(e.Algorithm)
	if err != nil {
		v.addError("engine.algorithm", err.Error())
	}
	if e.Retention <= 0 {
		v.addError("engine.retention", "retention must be positive")
	}
	if e.CleanupInterval <= 0 {
		v.addError("engine.cleanupInterval", "cleanup interval must be positive")
	}
	if e.FailOpenLogInterval < 0 {
		v.addError("engine.failOpenLogInterval", "interval must not be negative")
	}
	if algorithm != "" {
		v.validateLimits("engine.defaultLimits", e.DefaultLimits, algorithm)
	}
	return algorithm
}

func (v *Validator) validateLimits(path string, l LimitsConfig, algorithm ratelimit.Algorithm) {
	if algorithm == "" {
		return
	}
	if err := l.LimitConfig().ValidateFor(algorithm); err != nil {
		v.addError(path, err.Error())
	}
}

func (v *Validator) validateTuning(cfg *Config) {
	if err := cfg.Adaptive.Validate(); err != nil {
		v.addError("adaptive", err.Error())
	}
	if err := cfg.Abuse.Validate(); err != nil {
		v.addError("abuse", err.Error())
	}
}

func (v *Validator) validateCluster(cfg *Config, algorithm ratelimit.Algorithm) {
	c := cfg.Cluster
	if !c.Enabled {
		return
	}

	switch algorithm {
	case ratelimit.AlgorithmSlidingWindow, ratelimit.AlgorithmTokenBucket, ratelimit.AlgorithmAdaptive, "":
	default:
		v.addError("engine.algorithm",
			fmt.Sprintf("%s has no distributed implementation; use sliding_window, token_bucket or adaptive", algorithm))
	}

	if c.CheckTimeout <= 0 {
		v.addError("cluster.checkTimeout", "check timeout must be positive")
	}
	if c.HealthInterval <= 0 {
		v.addError("cluster.healthInterval", "health interval must be positive")
	}
	if c.RebalanceInterval <= 0 {
		v.addError("cluster.rebalanceInterval", "rebalance interval must be positive")
	}
	if c.ProbeTimeout <= 0 {
		v.addError("cluster.probeTimeout", "probe timeout must be positive")
	}
	if c.UnavailableAfter < 1 {
		v.addError("cluster.unavailableAfter", "must be at least 1")
	}
	if c.Redis.PoolSize < 0 || c.Redis.MinIdleConns < 0 || c.Redis.ConnectRetries < 0 {
		v.addError("cluster.redis", "pool sizes and retries must not be negative")
	}
	if cb := c.CircuitBreaker; cb.FailureRatio < 0 || cb.FailureRatio > 1 {
		v.addError("cluster.circuitBreaker.failureRatio", "failure ratio must be within [0, 1]")
	}

	if len(c.Nodes) == 0 {
		v.addError("cluster.nodes", "at least one node is required")
	}
	ids := make(map[string]int, len(c.Nodes))
	for i, n := range c.Nodes {
		path := fmt.Sprintf("cluster.nodes[%d]", i)
		if err := n.Validate(); err != nil {
			v.addError(path, err.Error())
		}
		if prev, ok := ids[n.ID]; ok && n.ID != "" {
			v.addError(path+".id", fmt.Sprintf("duplicate id %q, first used at cluster.nodes[%d]", n.ID, prev))
			continue
		}
		ids[n.ID] = i
	}
}

func (v *Validator) validateEvents(cfg *Config) {
	e := cfg.Events
	if !e.Enabled {
		return
	}
	if e.BufferSize < 0 || e.BatchSize < 0 {
		v.addError("events", "buffer and batch sizes must not be negative")
	}
	if e.FlushInterval < 0 || e.WriteTimeout < 0 {
		v.addError("events", "intervals must not be negative")
	}
	if p := e.Postgres; p.Enabled {
		if p.DSN == "" {
			v.addError("events.postgres.dsn", "dsn is required when the postgres sink is enabled")
		}
		if p.MaxConns < 0 || p.MinConns < 0 || (p.MaxConns > 0 && p.MinConns > p.MaxConns) {
			v.addError("events.postgres", "connection limits must satisfy 0 <= minConns <= maxConns")
		}
	}
}

// addError adds a validation error.
func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
