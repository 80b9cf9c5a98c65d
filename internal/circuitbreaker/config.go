// Package circuitbreaker guards calls to shared store nodes. It wraps
// sony/gobreaker with the engine's logging, metrics and tracing.
package circuitbreaker

import (
	"time"
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int

	// FailureRatio opens the circuit once at least MinRequests were seen in
	// the current interval and this fraction of them failed. Zero disables it.
	FailureRatio float64

	// MinRequests is the sample size required before FailureRatio applies.
	MinRequests int

	// Timeout is how long the circuit stays open before probing again.
	Timeout time.Duration

	// HalfOpenMax is the number of probe requests allowed while half-open.
	HalfOpenMax int

	// Interval is the cyclic period after which counts reset while closed.
	Interval time.Duration

	// IsSuccessful decides whether an error counts as a failure.
	// If nil, every non-nil error is a failure.
	IsSuccessful func(err error) bool

	// OnStateChange is called after the breaker changes state.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:  5,
		FailureRatio: 0,
		MinRequests:  10,
		Timeout:      30 * time.Second,
		HalfOpenMax:  1,
		Interval:     time.Minute,
	}
}

// normalize replaces unusable values with defaults.
func (c *Config) normalize() {
	d := DefaultConfig()
	if c.MaxFailures < 1 {
		c.MaxFailures = d.MaxFailures
	}
	if c.FailureRatio < 0 || c.FailureRatio > 1 {
		c.FailureRatio = 0
	}
	if c.MinRequests < 1 {
		c.MinRequests = d.MinRequests
	}
	if c.Timeout < time.Millisecond {
		c.Timeout = d.Timeout
	}
	if c.HalfOpenMax < 1 {
		c.HalfOpenMax = d.HalfOpenMax
	}
	if c.Interval < 0 {
		c.Interval = d.Interval
	}
}
