package ratelimit

import (
	"fmt"
	"math"
	"time"
)

// AdaptiveConfig tunes the trust gate.
type AdaptiveConfig struct {
	// HighTrustThreshold is the trust above which reported remaining
	// quota is multiplied by HighTrustMultiplier.
	HighTrustThreshold float64 `yaml:"highTrustThreshold" json:"high_trust_threshold"`

	// HighTrustMultiplier scales the reported remaining quota.
	HighTrustMultiplier float64 `yaml:"highTrustMultiplier" json:"high_trust_multiplier"`

	// LowTrustThreshold is the trust below which admissions are re-checked
	// against LowTrustFactor times the nominal limit.
	LowTrustThreshold float64 `yaml:"lowTrustThreshold" json:"low_trust_threshold"`

	// LowTrustFactor is the fraction of the nominal limit granted to
	// low-trust clients.
	LowTrustFactor float64 `yaml:"lowTrustFactor" json:"low_trust_factor"`
}

// DefaultAdaptiveConfig returns an AdaptiveConfig with default values.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		HighTrustThreshold:  0.8,
		HighTrustMultiplier: 1.5,
		LowTrustThreshold:   0.3,
		LowTrustFactor:      0.7,
	}
}

// Validate checks thresholds and factors.
func (c AdaptiveConfig) Validate() error {
	switch {
	case c.LowTrustThreshold < 0 || c.HighTrustThreshold > 1 || c.LowTrustThreshold > c.HighTrustThreshold:
		return fmt.Errorf("%w: trust thresholds must satisfy 0 <= low <= high <= 1", ErrInvalidLimit)
	case c.HighTrustMultiplier < 1:
		return fmt.Errorf("%w: high trust multiplier must be >= 1", ErrInvalidLimit)
	case c.LowTrustFactor <= 0 || c.LowTrustFactor > 1:
		return fmt.Errorf("%w: low trust factor must be in (0, 1]", ErrInvalidLimit)
	}
	return nil
}

// Adaptive layers the trust gate over a base algorithm. For
// AlgorithmAdaptive the base is token bucket.
type Adaptive struct {
	algorithm Algorithm
	base      algorithmFuncs
	config    AdaptiveConfig
}

// NewAdaptive creates an adaptive limiter over algorithm.
func NewAdaptive(algorithm Algorithm, config AdaptiveConfig) (*Adaptive, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	base, ok := algorithms[algorithm]
	if !ok {
		return nil, fmt.Errorf("unknown algorithm: %q", algorithm)
	}
	return &Adaptive{algorithm: algorithm, base: base, config: config}, nil
}

// Algorithm returns the configured algorithm.
func (a *Adaptive) Algorithm() Algorithm {
	return a.algorithm
}

// Config returns the trust gate configuration.
func (a *Adaptive) Config() AdaptiveConfig {
	return a.config
}

// Decide runs the base algorithm and applies the trust adjustment. High
// trust only changes what is reported; low trust can turn an admission into
// a denial, never the reverse.
func (a *Adaptive) Decide(s *ClientState, limits LimitConfig, now time.Time, trust float64) Decision {
	d := a.base.decide(s, limits, now)
	d.Algorithm = a.algorithm

	switch {
	case trust > a.config.HighTrustThreshold:
		d.Remaining = int(math.Floor(float64(d.Remaining) * a.config.HighTrustMultiplier))

	case trust < a.config.LowTrustThreshold && d.Allowed:
		used, limit := a.base.usage(s, limits)
		effective := a.config.LowTrustFactor * limit
		if used <= effective {
			d.Limit = int(math.Floor(effective))
			d.Remaining = int(math.Max(0, math.Floor(effective-used)))
			return d
		}

		a.base.refund(s, limits, now)
		return Decision{
			Allowed:    false,
			Remaining:  0,
			Limit:      int(math.Floor(effective)),
			ResetAt:    d.ResetAt,
			RetryAfter: a.base.retry(s, limits, now, effective),
			Reason:     ReasonLowTrust,
			Algorithm:  a.algorithm,
		}
	}

	return d
}
