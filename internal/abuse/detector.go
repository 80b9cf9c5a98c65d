package abuse

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avaguard/internal/observability"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit"
)

// Observation describes one decision fed to the detector.
type Observation struct {
	Scope          string
	PerMinuteLimit float64
	Denied         bool
	Now            time.Time
}

// Outcome reports what one observation changed.
type Outcome struct {
	Previous       float64
	Score          float64
	Incremental    float64
	ViolationCount int

	// Alert is set when the score crossed the alert threshold upward.
	Alert bool

	// Blocked is set when this observation blocked the client.
	Blocked bool
}

// Detector scores client behavior. It keeps no per-client data of its own:
// everything lives on the ratelimit.ClientState passed in, and callers
// serialize access per state.
type Detector struct {
	config  atomic.Pointer[Config]
	logger  observability.Logger
	metrics *observability.Metrics
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(d *Detector) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Detector) {
		d.metrics = m
	}
}

// NewDetector creates a detector.
func NewDetector(config Config, opts ...Option) (*Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(d)
	}
	d.config.Store(&config)
	return d, nil
}

// Config returns the active configuration.
func (d *Detector) Config() Config {
	return *d.config.Load()
}

// SetConfig swaps the configuration. Scores already accumulated are kept.
func (d *Detector) SetConfig(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	d.config.Store(&config)
	return nil
}

// CheckBlocked reports whether s is blocked at now. An expired block is
// lifted here: the violation count restarts while the score is kept.
func (d *Detector) CheckBlocked(s *ratelimit.ClientState, now time.Time) bool {
	if !s.Blocked {
		return false
	}
	if !now.After(s.BlockExpiry) {
		return true
	}

	s.Blocked = false
	s.BlockReason = ""
	s.BlockExpiry = time.Time{}
	s.ViolationCount = 0
	return false
}

// BlockedDecision returns the denial served to a blocked client.
func BlockedDecision(s *ratelimit.ClientState, algorithm ratelimit.Algorithm, now time.Time) ratelimit.Decision {
	retry := s.BlockExpiry.Sub(now)
	if retry < 0 {
		retry = 0
	}
	return ratelimit.Decision{
		Allowed:    false,
		ResetAt:    s.BlockExpiry,
		RetryAfter: retry,
		Reason:     ratelimit.ReasonBlocked,
		Algorithm:  algorithm,
	}
}

// Observe records one decision on s and updates its score.
func (d *Detector) Observe(s *ratelimit.ClientState, obs Observation) Outcome {
	cfg := d.config.Load()
	now := obs.Now

	// One entry past the limit is enough for the rate signals to fire.
	recent := s.RecordRequest(obs.Scope, now, cfg.Window, int(math.Ceil(obs.PerMinuteLimit))+1)

	var incremental float64
	if obs.Denied {
		incremental += cfg.DeniedWeight
		s.ViolationCount++
		s.LastViolation = now
	}
	if obs.PerMinuteLimit > 0 {
		n := float64(recent)
		if n > cfg.HighRateRatio*obs.PerMinuteLimit {
			incremental += cfg.RateWeight
		}
		if n >= cfg.HighVolumeRatio*obs.PerMinuteLimit && distinctScopes(s.RecentScopes) < cfg.MinScopes {
			incremental += cfg.DiversityWeight
		}
	}
	if cfg.UnusualHours.Contains(now) {
		incremental += cfg.HoursWeight
	}

	signal := math.Min(1, incremental/cfg.SignalSaturation)
	prev := s.AbuseScore
	if prev < 0 || math.IsNaN(prev) {
		prev = 0
	}
	score := math.Min(1, prev*cfg.Decay+signal*(1-cfg.Decay))
	s.AbuseScore = score

	out := Outcome{
		Previous:       prev,
		Score:          score,
		Incremental:    incremental,
		ViolationCount: s.ViolationCount,
		Alert:          prev <= cfg.AlertThreshold && score > cfg.AlertThreshold,
	}
	if out.Alert {
		d.metrics.RecordAbuseAlert()
	}

	if !s.Blocked && score > cfg.BlockThreshold && s.ViolationCount > cfg.MinViolations {
		s.Blocked = true
		s.BlockReason = "abuse score exceeded"
		s.BlockExpiry = now.Add(cfg.BlockDuration)
		out.Blocked = true

		d.metrics.RecordAbuseBlock()
		d.logger.Warn("client blocked",
			observability.Float64("abuse_score", score),
			observability.Int("violations", s.ViolationCount),
			observability.Time("block_expiry", s.BlockExpiry),
		)
	}

	return out
}

// distinctScopes counts the distinct scopes in hits.
func distinctScopes(hits []ratelimit.ScopeHit) int {
	seen := make(map[string]struct{}, 4)
	for _, h := range hits {
		seen[h.Scope] = struct{}{}
	}
	return len(seen)
}
