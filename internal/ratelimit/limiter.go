// Package ratelimit provides the admission algorithms of the engine.
// It supports fixed window, sliding window, token bucket and leaky bucket,
// plus a trust-aware adaptive gate layered on top of any of them.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
)

// Input validation errors. They indicate a programming error upstream and
// are never converted into a fail-open decision.
var (
	// ErrInvalidKey is returned for empty, oversized or malformed keys.
	ErrInvalidKey = errors.New("invalid limit key")

	// ErrInvalidLimit is returned for negative or unusable limit values.
	ErrInvalidLimit = errors.New("invalid limit configuration")
)

// MaxKeyLength is the maximum accepted key length in bytes.
const MaxKeyLength = 512

// DefaultWindow is the sliding window length used when LimitConfig.Window is zero.
const DefaultWindow = time.Minute

// Key identifies the scope being limited, e.g. a client and endpoint composite.
type Key string

// ParseKey validates s and returns it as a Key.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(s) > MaxKeyLength {
		return "", fmt.Errorf("%w: length %d exceeds %d", ErrInvalidKey, len(s), MaxKeyLength)
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}) >= 0 {
		return "", fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidKey)
	}
	return Key(s), nil
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return string(k)
}

// Algorithm represents the rate limiting algorithm type.
type Algorithm string

const (
	// AlgorithmFixedWindow counts requests in minute, hour and day windows.
	AlgorithmFixedWindow Algorithm = "fixed_window"

	// AlgorithmSlidingWindow keeps a log of admitted request timestamps.
	AlgorithmSlidingWindow Algorithm = "sliding_window"

	// AlgorithmTokenBucket refills tokens at a fixed rate.
	AlgorithmTokenBucket Algorithm = "token_bucket"

	// AlgorithmLeakyBucket drains a level at a fixed rate.
	AlgorithmLeakyBucket Algorithm = "leaky_bucket"

	// AlgorithmAdaptive is token bucket with the trust gate.
	AlgorithmAdaptive Algorithm = "adaptive"
)

// ParseAlgorithm converts s into a known Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case AlgorithmFixedWindow, AlgorithmSlidingWindow, AlgorithmTokenBucket, AlgorithmLeakyBucket, AlgorithmAdaptive:
		return a, nil
	case "":
		return AlgorithmAdaptive, nil
	default:
		return "", fmt.Errorf("unknown algorithm: %q", s)
	}
}

// LimitConfig holds the effective limits for a key. The values are derived
// externally (tier and endpoint overrides); zero means "not set".
type LimitConfig struct {
	// RequestsPerMinute is the per-minute quota. It also drives the default
	// bucket capacity and refill rate.
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requestsPerMinute"`

	// RequestsPerHour is the per-hour quota (fixed window only).
	RequestsPerHour int `json:"requests_per_hour" yaml:"requestsPerHour"`

	// RequestsPerDay is the per-day quota (fixed window only).
	RequestsPerDay int `json:"requests_per_day" yaml:"requestsPerDay"`

	// BurstSize is the bucket capacity. Defaults to RequestsPerMinute.
	BurstSize int `json:"burst_size" yaml:"burstSize"`

	// RefillRate is the refill (or leak) rate in tokens per second.
	// Defaults to RequestsPerMinute/60.
	RefillRate float64 `json:"refill_rate" yaml:"refillRate"`

	// Window is the sliding window length. Defaults to one minute.
	Window time.Duration `json:"window" yaml:"window"`
}

// Validate reports negative or non-finite values.
func (c LimitConfig) Validate() error {
	switch {
	case c.RequestsPerMinute < 0:
		return fmt.Errorf("%w: requests per minute is negative", ErrInvalidLimit)
	case c.RequestsPerHour < 0:
		return fmt.Errorf("%w: requests per hour is negative", ErrInvalidLimit)
	case c.RequestsPerDay < 0:
		return fmt.Errorf("%w: requests per day is negative", ErrInvalidLimit)
	case c.BurstSize < 0:
		return fmt.Errorf("%w: burst size is negative", ErrInvalidLimit)
	case c.RefillRate < 0 || math.IsNaN(c.RefillRate) || math.IsInf(c.RefillRate, 0):
		return fmt.Errorf("%w: refill rate must be a finite non-negative number", ErrInvalidLimit)
	case c.Window < 0:
		return fmt.Errorf("%w: window is negative", ErrInvalidLimit)
	}
	return nil
}

// ValidateFor checks that c carries the values algorithm a needs.
func (c LimitConfig) ValidateFor(a Algorithm) error {
	if err := c.Validate(); err != nil {
		return err
	}

	switch a {
	case AlgorithmFixedWindow:
		if c.RequestsPerMinute == 0 && c.RequestsPerHour == 0 && c.RequestsPerDay == 0 {
			return fmt.Errorf("%w: fixed window needs at least one of minute, hour or day limits", ErrInvalidLimit)
		}
	case AlgorithmSlidingWindow:
		if c.RequestsPerMinute == 0 {
			return fmt.Errorf("%w: sliding window needs requests per minute", ErrInvalidLimit)
		}
	default:
		if c.Capacity() == 0 || c.Rate() == 0 {
			return fmt.Errorf("%w: %s needs a capacity and a refill rate", ErrInvalidLimit, a)
		}
	}
	return nil
}

// Capacity returns the bucket capacity.
func (c LimitConfig) Capacity() int {
	if c.BurstSize > 0 {
		return c.BurstSize
	}
	return c.RequestsPerMinute
}

// Rate returns the refill or leak rate in tokens per second.
func (c LimitConfig) Rate() float64 {
	if c.RefillRate > 0 {
		return c.RefillRate
	}
	return float64(c.RequestsPerMinute) / 60.0
}

// SlidingWindow returns the sliding window length.
func (c LimitConfig) SlidingWindow() time.Duration {
	if c.Window > 0 {
		return c.Window
	}
	return DefaultWindow
}

// Decision reasons.
const (
	ReasonLimitExceeded = "rate_limit_exceeded"
	ReasonBlocked       = "blocked"
	ReasonLowTrust      = "low_trust"
	ReasonFailOpen      = "fail_open"
)

// Decision is the outcome of one admission check. It is produced fresh per
// call and never mutated after it is returned.
type Decision struct {
	// Allowed indicates whether the request is admitted.
	Allowed bool `json:"allowed"`

	// Remaining is the number of requests left under the binding limit.
	Remaining int `json:"remaining"`

	// Limit is the binding limit.
	Limit int `json:"limit"`

	// ResetAt is when the binding limit fully resets, if known.
	ResetAt time.Time `json:"reset_at,omitempty"`

	// RetryAfter is how long to wait before retrying a denied request.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Reason explains a denial or a fail-open admission.
	Reason string `json:"reason,omitempty"`

	// Algorithm is the algorithm that produced the decision.
	Algorithm Algorithm `json:"algorithm"`

	// Degraded marks decisions taken by the non-atomic store fallback.
	Degraded bool `json:"degraded,omitempty"`

	// FailOpen marks admissions granted because the store was unreachable.
	FailOpen bool `json:"fail_open,omitempty"`

	// Node is the store node that served a distributed decision.
	Node string `json:"node,omitempty"`
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// FailOpenDecision admits a request whose check could not be completed.
func FailOpenDecision(algorithm Algorithm, limit int) Decision {
	return Decision{
		Allowed:   true,
		Remaining: limit,
		Limit:     limit,
		Reason:    ReasonFailOpen,
		Algorithm: algorithm,
		FailOpen:  true,
	}
}

// durationFromSeconds converts fractional seconds into a duration.
func durationFromSeconds(s float64) time.Duration {
	if s <= 0 || math.IsNaN(s) {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// elapsedSince returns now-last clamped at zero to absorb clock skew.
func elapsedSince(last, now time.Time) time.Duration {
	if last.IsZero() {
		return 0
	}
	d := now.Sub(last)
	if d < 0 {
		return 0
	}
	return d
}

// laterOf returns the later of two timestamps so state clocks never run backwards.
func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
