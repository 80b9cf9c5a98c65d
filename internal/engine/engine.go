// Package engine is the admission control entry point. An Engine owns the
// local client state, the abuse detector and the trust gate and, in
// distributed mode, a cluster of Redis nodes that holds shared counters.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avaguard/internal/abuse"
	"github.com/vyrodovalexey/avaguard/internal/circuitbreaker"
	"github.com/vyrodovalexey/avaguard/internal/cluster"
	"github.com/vyrodovalexey/avaguard/internal/events"
	"github.com/vyrodovalexey/avaguard/internal/observability"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit/store"
)

var engineTracer = otel.Tracer("avaguard/engine")

var (
	// ErrInvalidConfig indicates an engine configuration that cannot run.
	ErrInvalidConfig = errors.New("invalid engine configuration")

	// ErrInvalidTrustScore indicates a trust score outside [0, 1].
	ErrInvalidTrustScore = errors.New("trust score must be within [0, 1]")

	// ErrInvalidTier indicates an over-long tier label.
	ErrInvalidTier = errors.New("invalid tier")
)

// MaxTierLength bounds tier labels.
const MaxTierLength = 64

// DefaultFailOpenLogInterval is the minimum spacing of fail-open warnings.
const DefaultFailOpenLogInterval = 10 * time.Second

// Mode tells where limit state lives.
type Mode string

const (
	// ModeLocal keeps every counter in process memory.
	ModeLocal Mode = "local"
	// ModeDistributed keeps counters on the cluster.
	ModeDistributed Mode = "distributed"
)

// Config holds engine settings.
type Config struct {
	Algorithm ratelimit.Algorithm      `yaml:"algorithm" json:"algorithm"`
	Adaptive  ratelimit.AdaptiveConfig `yaml:"adaptive" json:"adaptive"`
	Abuse     abuse.Config             `yaml:"abuse" json:"abuse"`

	// Retention is the inactivity window after which local state is evicted.
	Retention       time.Duration `yaml:"retention" json:"retention"`
	CleanupInterval time.Duration `yaml:"cleanupInterval" json:"cleanup_interval"`

	// FailOpenLogInterval throttles fail-open warnings during an outage.
	FailOpenLogInterval time.Duration `yaml:"failOpenLogInterval" json:"fail_open_log_interval"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Algorithm:           ratelimit.AlgorithmTokenBucket,
		Adaptive:            ratelimit.DefaultAdaptiveConfig(),
		Abuse:               abuse.DefaultConfig(),
		Retention:           store.DefaultRetention,
		CleanupInterval:     store.DefaultCleanupInterval,
		FailOpenLogInterval: DefaultFailOpenLogInterval,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Algorithm == "" {
		c.Algorithm = d.Algorithm
	}
	if c.Adaptive == (ratelimit.AdaptiveConfig{}) {
		c.Adaptive = d.Adaptive
	}
	if c.Abuse == (abuse.Config{}) {
		c.Abuse = d.Abuse
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.FailOpenLogInterval <= 0 {
		c.FailOpenLogInterval = d.FailOpenLogInterval
	}
}

// Cluster is the shared store used in distributed mode. It is satisfied by
// *cluster.Coordinator.
type Cluster interface {
	Start(ctx context.Context) error
	Close() error
	Check(
		ctx context.Context,
		algorithm ratelimit.Algorithm,
		key ratelimit.Key,
		cfg ratelimit.LimitConfig,
		now time.Time,
		requestID string,
	) (ratelimit.Decision, error)
	Reset(ctx context.Context, key ratelimit.Key) error
	Snapshot() cluster.Snapshot
}

// Request is one admission check.
type Request struct {
	Key    string
	Config ratelimit.LimitConfig

	// Now defaults to the engine clock.
	Now time.Time

	// TrustScore overrides the stored trust of the client for this request.
	TrustScore *float64

	// Scope is the resource touched, used for abuse diversity scoring.
	Scope string

	// IdempotencyKey lets a caller retry a distributed check without
	// consuming twice. It must be unique per logical request; when empty
	// a fresh id is generated for every check.
	IdempotencyKey string
}

// Stats are the engine counters. Allowed includes fail-open admissions and
// Denied includes blocked requests.
type Stats struct {
	Mode           Mode   `json:"mode"`
	Decisions      uint64 `json:"decisions"`
	Allowed        uint64 `json:"allowed"`
	Denied         uint64 `json:"denied"`
	Blocked        uint64 `json:"blocked"`
	FailOpen       uint64 `json:"fail_open"`
	Degraded       uint64 `json:"degraded"`
	StoreErrors    uint64 `json:"store_errors"`
	BlockedClients int    `json:"blocked_clients"`
	TrackedKeys    int    `json:"tracked_keys"`
}

type counters struct {
	decisions   atomic.Uint64
	allowed     atomic.Uint64
	denied      atomic.Uint64
	blocked     atomic.Uint64
	failOpen    atomic.Uint64
	degraded    atomic.Uint64
	storeErrors atomic.Uint64
}

// Engine decides whether requests are admitted.
type Engine struct {
	config    Config
	store     *store.MemoryStore
	detector  *abuse.Detector
	adaptive  atomic.Pointer[ratelimit.Adaptive]
	cluster   Cluster
	publisher events.Publisher
	logger    observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	failOpenLog *rate.Limiter
	suppressed  atomic.Uint64
	stats       counters

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithPublisher sets where usage events and abuse signals go.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithCluster switches the engine to distributed mode.
func WithCluster(c Cluster) Option {
	return func(e *Engine) {
		e.cluster = c
	}
}

// WithStore sets the local state store.
func WithStore(s *store.MemoryStore) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// WithClock overrides the clock used when a request carries no timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine. Distributed mode supports the algorithms that
// have an atomic script: sliding window, token bucket and adaptive.
func New(config Config, opts ...Option) (*Engine, error) {
	config.normalize()

	e := &Engine{
		config:    config,
		publisher: events.NopPublisher{},
		logger:    observability.NopLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.cluster != nil {
		switch config.Algorithm {
		case ratelimit.AlgorithmSlidingWindow, ratelimit.AlgorithmTokenBucket, ratelimit.AlgorithmAdaptive:
		default:
			return nil, fmt.Errorf("%w: algorithm %s has no distributed implementation",
				ErrInvalidConfig, config.Algorithm)
		}
	}

	adaptive, err := ratelimit.NewAdaptive(config.Algorithm, config.Adaptive)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	e.adaptive.Store(adaptive)

	e.detector, err = abuse.NewDetector(config.Abuse,
		abuse.WithLogger(e.logger),
		abuse.WithMetrics(e.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if e.store == nil {
		e.store = store.NewMemoryStore(
			store.WithRetention(config.Retention),
			store.WithCleanupInterval(config.CleanupInterval),
			store.WithMemoryLogger(e.logger),
			store.WithMemoryMetrics(e.metrics),
		)
	}

	e.failOpenLog = rate.NewLimiter(rate.Every(config.FailOpenLogInterval), 1)
	return e, nil
}

// Start connects the cluster, if any, and starts the cleanup loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	if e.cluster != nil {
		if err := e.cluster.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("start cluster: %w", err)
		}
	}
	e.started = true
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.store.Run(ctx)
	}()

	e.logger.Info("admission engine started",
		observability.String("mode", string(e.Mode())),
		observability.String("algorithm", string(e.config.Algorithm)),
	)
	return nil
}

// Close stops the loops and the cluster.
func (e *Engine) Close() error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	if e.cluster != nil {
		return e.cluster.Close()
	}
	return nil
}

// Mode returns where limit state lives.
func (e *Engine) Mode() Mode {
	if e.cluster != nil {
		return ModeDistributed
	}
	return ModeLocal
}

// Algorithm returns the configured algorithm.
func (e *Engine) Algorithm() ratelimit.Algorithm {
	return e.config.Algorithm
}

// CheckAdmission decides whether the request is admitted. Invalid input is
// returned as an error; shared store failures never are: the request is
// admitted with FailOpen set.
func (e *Engine) CheckAdmission(ctx context.Context, req Request) (ratelimit.Decision, error) {
	key, err := ratelimit.ParseKey(req.Key)
	if err != nil {
		return ratelimit.Decision{}, err
	}
	algorithm := e.config.Algorithm
	if err := req.Config.ValidateFor(algorithm); err != nil {
		return ratelimit.Decision{}, err
	}
	if req.TrustScore != nil {
		if err := validateTrust(*req.TrustScore); err != nil {
			return ratelimit.Decision{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return ratelimit.Decision{}, err
	}

	now := req.Now
	if now.IsZero() {
		now = e.now()
	}

	start := time.Now()
	var (
		d    ratelimit.Decision
		tier string
		path string
	)
	if e.cluster != nil {
		path = observability.PathDistributed
		d, err = e.checkDistributed(ctx, key, req, now)
		if err != nil {
			return ratelimit.Decision{}, err
		}
		tier = e.tierOf(key)
	} else {
		path = observability.PathLocal
		d, tier = e.checkLocal(key, req, now)
	}
	e.metrics.ObserveCheck(path, time.Since(start))
	e.record(d)

	e.publisher.PublishUsage(events.UsageEvent{
		Key:       key.String(),
		Scope:     req.Scope,
		Tier:      tier,
		Allowed:   d.Allowed,
		Reason:    d.Reason,
		Algorithm: string(d.Algorithm),
		FailOpen:  d.FailOpen,
		Degraded:  d.Degraded,
		Timestamp: now,
	})
	return d, nil
}

// checkLocal runs the check against the in-memory state of key.
func (e *Engine) checkLocal(key ratelimit.Key, req Request, now time.Time) (ratelimit.Decision, string) {
	adaptive := e.adaptive.Load()

	var (
		d    ratelimit.Decision
		out  abuse.Outcome
		tier string
	)
	e.store.Update(key, func(s *ratelimit.ClientState) {
		s.Touch(now)
		tier = s.Tier

		if e.detector.CheckBlocked(s, now) {
			d = abuse.BlockedDecision(s, adaptive.Algorithm(), now)
			return
		}

		trust := s.TrustScore
		if req.TrustScore != nil {
			trust = *req.TrustScore
		}
		d = adaptive.Decide(s, req.Config, now, trust)
		out = e.detector.Observe(s, abuse.Observation{
			Scope:          req.Scope,
			PerMinuteLimit: perMinuteLimit(req.Config),
			Denied:         !d.Allowed,
			Now:            now,
		})
	})

	if out.Alert || out.Blocked {
		if out.Alert {
			e.logger.Info("abuse score crossed alert threshold",
				observability.String("key", key.String()),
				observability.Float64("abuse_score", out.Score),
				observability.Int("violations", out.ViolationCount),
			)
		}
		e.publisher.PublishAbuse(events.AbuseSignal{
			Key:            key.String(),
			AbuseScore:     out.Score,
			ViolationCount: out.ViolationCount,
			Blocked:        out.Blocked,
			Timestamp:      now,
		})
	}
	return d, tier
}

// checkDistributed runs the check on the node that owns key. Only a
// cancellation by the caller is returned as an error.
func (e *Engine) checkDistributed(
	ctx context.Context,
	key ratelimit.Key,
	req Request,
	now time.Time,
) (ratelimit.Decision, error) {
	algorithm := e.config.Algorithm
	ctx, span := engineTracer.Start(ctx, "engine.check",
		trace.WithAttributes(attribute.String("ratelimit.algorithm", string(algorithm))),
	)
	defer span.End()

	requestID := req.IdempotencyKey
	if requestID == "" {
		requestID = uuid.NewString()
	}

	d, err := e.cluster.Check(ctx, algorithm, key, req.Config, now, requestID)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			span.SetStatus(codes.Error, "canceled")
			return ratelimit.Decision{}, ctx.Err()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "fail open")
		return e.failOpen(key, algorithm, req.Config, err), nil
	}

	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", d.Allowed),
		attribute.Bool("ratelimit.degraded", d.Degraded),
		attribute.String("ratelimit.node", d.Node),
	)
	return d, nil
}

// failOpen admits a request whose shared check failed.
func (e *Engine) failOpen(key ratelimit.Key, algorithm ratelimit.Algorithm, cfg ratelimit.LimitConfig, err error) ratelimit.Decision {
	kind := storeErrorKind(err)
	e.stats.storeErrors.Add(1)
	e.metrics.RecordStoreError("cluster", kind)

	if e.failOpenLog.Allow() {
		e.logger.Warn("shared store unavailable, failing open",
			observability.String("key", key.String()),
			observability.String("kind", kind),
			observability.Uint64("suppressed", e.suppressed.Swap(0)),
			observability.Error(err),
		)
	} else {
		e.suppressed.Add(1)
	}

	return ratelimit.FailOpenDecision(algorithm, nominalLimit(algorithm, cfg))
}

func storeErrorKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case circuitbreaker.IsOpen(err):
		return "circuit_open"
	case errors.Is(err, cluster.ErrNoNodeAvailable):
		return "no_node"
	default:
		return "error"
	}
}

func (e *Engine) record(d ratelimit.Decision) {
	e.stats.decisions.Add(1)
	if d.Degraded {
		e.stats.degraded.Add(1)
	}

	var result string
	switch {
	case d.FailOpen:
		e.stats.allowed.Add(1)
		e.stats.failOpen.Add(1)
		result = observability.ResultFailOpen
	case d.Allowed:
		e.stats.allowed.Add(1)
		result = observability.ResultAllowed
	case d.Reason == ratelimit.ReasonBlocked:
		e.stats.denied.Add(1)
		e.stats.blocked.Add(1)
		result = observability.ResultBlocked
	default:
		e.stats.denied.Add(1)
		result = observability.ResultDenied
	}
	e.metrics.RecordDecision(string(d.Algorithm), result)
}

func (e *Engine) tierOf(key ratelimit.Key) string {
	var tier string
	e.store.View(key, func(s *ratelimit.ClientState) {
		tier = s.Tier
	})
	return tier
}

// Reset forgets key locally and on the cluster. Resetting an unknown key
// is not an error.
func (e *Engine) Reset(ctx context.Context, key string) error {
	k, err := ratelimit.ParseKey(key)
	if err != nil {
		return err
	}
	e.store.Delete(k)

	if e.cluster != nil {
		if err := e.cluster.Reset(ctx, k); err != nil {
			return fmt.Errorf("reset %s on cluster: %w", k, err)
		}
	}
	return nil
}

// SetTrustScore stores the trust score of key, used when a request carries
// none.
func (e *Engine) SetTrustScore(key string, value float64) error {
	k, err := ratelimit.ParseKey(key)
	if err != nil {
		return err
	}
	if err := validateTrust(value); err != nil {
		return err
	}
	now := e.now()
	e.store.Update(k, func(s *ratelimit.ClientState) {
		s.Touch(now)
		s.TrustScore = value
	})
	return nil
}

// SetClientTier stores the tier label reported on usage events of key.
func (e *Engine) SetClientTier(key, tier string) error {
	k, err := ratelimit.ParseKey(key)
	if err != nil {
		return err
	}
	if len(tier) > MaxTierLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidTier, MaxTierLength)
	}
	now := e.now()
	e.store.Update(k, func(s *ratelimit.ClientState) {
		s.Touch(now)
		s.Tier = tier
	})
	return nil
}

// SetAdaptiveConfig swaps the trust gate settings.
func (e *Engine) SetAdaptiveConfig(cfg ratelimit.AdaptiveConfig) error {
	adaptive, err := ratelimit.NewAdaptive(e.config.Algorithm, cfg)
	if err != nil {
		return err
	}
	e.adaptive.Store(adaptive)
	return nil
}

// SetAbuseConfig swaps the abuse scoring settings.
func (e *Engine) SetAbuseConfig(cfg abuse.Config) error {
	return e.detector.SetConfig(cfg)
}

// ClusterHealth returns the cluster view. In local mode it reports a
// healthy cluster without nodes.
func (e *Engine) ClusterHealth() cluster.Snapshot {
	if e.cluster == nil {
		return cluster.Snapshot{
			Status:    cluster.StatusHealthy,
			Nodes:     []cluster.NodeStatus{},
			LastCheck: e.now(),
		}
	}
	return e.cluster.Snapshot()
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	now := e.now()
	blocked := 0
	e.store.Range(func(_ ratelimit.Key, s *ratelimit.ClientState) bool {
		if s.Blocked && !now.After(s.BlockExpiry) {
			blocked++
		}
		return true
	})

	return Stats{
		Mode:           e.Mode(),
		Decisions:      e.stats.decisions.Load(),
		Allowed:        e.stats.allowed.Load(),
		Denied:         e.stats.denied.Load(),
		Blocked:        e.stats.blocked.Load(),
		FailOpen:       e.stats.failOpen.Load(),
		Degraded:       e.stats.degraded.Load(),
		StoreErrors:    e.stats.storeErrors.Load(),
		BlockedClients: blocked,
		TrackedKeys:    e.store.Len(),
	}
}

func validateTrust(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidTrustScore, v)
	}
	return nil
}

// perMinuteLimit is the nominal per-minute allowance of cfg.
func perMinuteLimit(cfg ratelimit.LimitConfig) float64 {
	switch {
	case cfg.RequestsPerMinute > 0:
		return float64(cfg.RequestsPerMinute)
	case cfg.RefillRate > 0:
		return cfg.RefillRate * 60
	case cfg.RequestsPerHour > 0:
		return float64(cfg.RequestsPerHour) / 60
	case cfg.RequestsPerDay > 0:
		return float64(cfg.RequestsPerDay) / (24 * 60)
	}
	return 0
}

// nominalLimit is the limit reported on fail-open decisions.
func nominalLimit(algorithm ratelimit.Algorithm, cfg ratelimit.LimitConfig) int {
	if algorithm == ratelimit.AlgorithmSlidingWindow {
		return cfg.RequestsPerMinute
	}
	return cfg.Capacity()
}
