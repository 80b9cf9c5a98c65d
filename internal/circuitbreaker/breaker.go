package circuitbreaker

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avaguard/internal/observability"
)

var cbTracer = otel.Tracer("avaguard/circuitbreaker")

// State represents the state of a circuit breaker.
type State int

// The values match gobreaker's ordering.
const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call, either
// because it is open or because the half-open probe budget is spent.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// IsOpen reports whether err is a rejection by a breaker.
func IsOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// CircuitBreaker wraps gobreaker.CircuitBreaker.
type CircuitBreaker struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	logger  observability.Logger
	metrics *observability.Metrics
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithMetrics sets the metrics sink for state changes.
func WithMetrics(m *observability.Metrics) Option {
	return func(cb *CircuitBreaker) {
		cb.metrics = m
	}
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, config *Config, opts ...Option) *CircuitBreaker {
	cfg := DefaultConfig()
	if config != nil {
		c := *config
		cfg = &c
	}
	cfg.normalize()

	cb := &CircuitBreaker{
		name:   name,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(cb)
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: safeIntToUint32(cfg.HalfOpenMax),
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= safeIntToUint32(cfg.MaxFailures) {
				return true
			}
			if cfg.FailureRatio > 0 && counts.Requests >= safeIntToUint32(cfg.MinRequests) {
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
			}
			return false
		},
		IsSuccessful: cfg.IsSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.logger.Info("circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)

			cb.metrics.SetCircuitBreakerState(name, int(to))

			_, span := cbTracer.Start(context.Background(),
				"circuitbreaker.state_change",
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			span.AddEvent("state_change", trace.WithAttributes(
				attribute.String("circuitbreaker.name", name),
				attribute.String("circuitbreaker.from", from.String()),
				attribute.String("circuitbreaker.to", to.String()),
			))
			span.End()

			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, State(from), State(to))
			}
		},
	}

	cb.cb = gobreaker.NewCircuitBreaker(settings)
	cb.metrics.SetCircuitBreakerState(name, int(StateClosed))
	return cb
}

// safeIntToUint32 converts n to uint32, clamping out-of-range values.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}

// Execute runs fn with circuit breaker protection. A rejected call returns
// ErrCircuitOpen without running fn; otherwise fn's error is returned as is.
// The context is checked before the call only; fn is expected to honor it.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := cb.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	return State(cb.cb.State())
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Counts returns the counters of the current interval.
func (cb *CircuitBreaker) Counts() gobreaker.Counts {
	return cb.cb.Counts()
}
