package abuse

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaguard/internal/observability"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 5, 0, time.UTC)

func newTestDetector(t *testing.T, opts ...Option) *Detector {
	t.Helper()
	d, err := NewDetector(DefaultConfig(), opts...)
	require.NoError(t, err)
	return d
}

// drive sends n requests 100ms apart through a fixed window of limit per
// minute and feeds every decision to d.
func drive(d *Detector, s *ratelimit.ClientState, limit, n int, start time.Time) []Outcome {
	cfg := ratelimit.LimitConfig{RequestsPerMinute: limit}
	out := make([]Outcome, 0, n)
	for i := 0; i < n; i++ {
		now := start.Add(time.Duration(i) * 100 * time.Millisecond)
		dec := ratelimit.FixedWindow(s, cfg, now)
		out = append(out, d.Observe(s, Observation{
			Scope:          "/v1/orders",
			PerMinuteLimit: float64(limit),
			Denied:         !dec.Allowed,
			Now:            now,
		}))
	}
	return out
}

func TestDetector_EscalatesToBlock(t *testing.T) {
	metrics := observability.NewMetrics("test")
	d := newTestDetector(t, WithMetrics(metrics))
	s := ratelimit.NewClientState()

	out := drive(d, s, 10, 16, t0)

	// Ten admissions, then six denials.
	for i, o := range out[:15] {
		assert.False(t, o.Blocked, "request %d", i+1)
	}
	last := out[15]
	assert.True(t, last.Blocked)
	assert.Equal(t, 6, last.ViolationCount)
	assert.Greater(t, last.Score, 0.9)
	assert.True(t, s.Blocked)
	assert.Equal(t, t0.Add(1500*time.Millisecond).Add(time.Hour), s.BlockExpiry)

	// Score stays in [0, 1] and only the upward crossing alerts.
	alerts := 0
	for _, o := range out {
		assert.GreaterOrEqual(t, o.Score, 0.0)
		assert.LessOrEqual(t, o.Score, 1.0)
		if o.Alert {
			alerts++
		}
	}
	assert.Equal(t, 1, alerts)
	assert.True(t, out[13].Alert, "fourth denial crosses the alert threshold")

	expected := `
# HELP test_abuse_alerts_total Total number of abuse score alerts
# TYPE test_abuse_alerts_total counter
test_abuse_alerts_total 1
# HELP test_abuse_blocks_total Total number of keys blocked for abuse
# TYPE test_abuse_blocks_total counter
test_abuse_blocks_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected),
		"test_abuse_alerts_total", "test_abuse_blocks_total"))
}

func TestDetector_BlockedUntilExpiry(t *testing.T) {
	d := newTestDetector(t)
	s := ratelimit.NewClientState()
	drive(d, s, 10, 16, t0)
	require.True(t, s.Blocked)

	assert.True(t, d.CheckBlocked(s, t0.Add(30*time.Minute)))
	assert.True(t, d.CheckBlocked(s, s.BlockExpiry), "expiry itself is still blocked")

	dec := BlockedDecision(s, ratelimit.AlgorithmFixedWindow, t0.Add(30*time.Minute))
	assert.False(t, dec.Allowed)
	assert.Equal(t, ratelimit.ReasonBlocked, dec.Reason)
	assert.Equal(t, s.BlockExpiry.Sub(t0.Add(30*time.Minute)), dec.RetryAfter)

	score := s.AbuseScore
	after := s.BlockExpiry.Add(time.Second)
	assert.False(t, d.CheckBlocked(s, after))
	assert.False(t, s.Blocked)
	assert.Zero(t, s.ViolationCount)
	assert.Equal(t, score, s.AbuseScore, "score is kept across unblock")

	// A well-behaved client decays back down.
	dec = ratelimit.FixedWindow(s, ratelimit.LimitConfig{RequestsPerMinute: 10}, after)
	assert.True(t, dec.Allowed)
	o := d.Observe(s, Observation{Scope: "/v1/orders", PerMinuteLimit: 10, Now: after})
	assert.Less(t, o.Score, score)
	assert.False(t, o.Blocked)
}

func TestDetector_ViolationsAloneDoNotBlock(t *testing.T) {
	cfg := DefaultConfig()
	d, err := NewDetector(cfg)
	require.NoError(t, err)
	s := ratelimit.NewClientState()

	// Sparse denials: no rate or diversity contribution.
	for i := 0; i < 20; i++ {
		o := d.Observe(s, Observation{PerMinuteLimit: 100, Denied: true, Now: t0.Add(time.Duration(i) * 10 * time.Minute)})
		assert.LessOrEqual(t, o.Score, 0.61)
		assert.False(t, o.Blocked)
	}
	assert.Equal(t, 20, s.ViolationCount)
	assert.False(t, s.Blocked)
}

func TestDetector_Contributions(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(s *ratelimit.ClientState)
		obs    Observation
		config func(c *Config)
		want   float64
	}{
		{
			name: "quiet admission",
			obs:  Observation{Scope: "a", PerMinuteLimit: 10, Now: t0},
			want: 0,
		},
		{
			name: "denied",
			obs:  Observation{Scope: "a", PerMinuteLimit: 10, Denied: true, Now: t0},
			want: 0.3,
		},
		{
			name: "high volume on one scope",
			setup: func(s *ratelimit.ClientState) {
				for i := 0; i < 4; i++ {
					s.RecordRequest("a", t0.Add(-time.Duration(i+1)*time.Second), time.Minute, 0)
				}
			},
			obs:  Observation{Scope: "a", PerMinuteLimit: 10, Now: t0},
			want: 0.1,
		},
		{
			name: "high volume across scopes",
			setup: func(s *ratelimit.ClientState) {
				for i := 0; i < 4; i++ {
					s.RecordRequest("b", t0.Add(-time.Duration(i+1)*time.Second), time.Minute, 0)
				}
			},
			obs:  Observation{Scope: "a", PerMinuteLimit: 10, Now: t0},
			want: 0,
		},
		{
			name: "high rate",
			setup: func(s *ratelimit.ClientState) {
				for i := 0; i < 8; i++ {
					s.RecordRequest("a", t0.Add(-time.Duration(i+1)*time.Second), time.Minute, 0)
				}
			},
			obs:  Observation{Scope: "a", PerMinuteLimit: 10, Now: t0},
			want: 0.3,
		},
		{
			name: "old requests are outside the window",
			setup: func(s *ratelimit.ClientState) {
				for i := 0; i < 8; i++ {
					s.RecordRequest("a", t0.Add(-2*time.Minute), time.Minute, 0)
				}
			},
			obs:  Observation{Scope: "a", PerMinuteLimit: 10, Now: t0},
			want: 0,
		},
		{
			name:   "unusual hours",
			obs:    Observation{Scope: "a", PerMinuteLimit: 10, Now: time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC)},
			config: func(c *Config) { c.UnusualHours.Enabled = true },
			want:   0.1,
		},
		{
			name: "unusual hours disabled by default",
			obs:  Observation{Scope: "a", PerMinuteLimit: 10, Now: time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC)},
			want: 0,
		},
		{
			name: "no per-minute limit",
			obs:  Observation{Scope: "a", Denied: true, Now: t0},
			want: 0.3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.config != nil {
				tt.config(&cfg)
			}
			d, err := NewDetector(cfg)
			require.NoError(t, err)

			s := ratelimit.NewClientState()
			if tt.setup != nil {
				tt.setup(s)
			}

			o := d.Observe(s, tt.obs)
			assert.InDelta(t, tt.want, o.Incremental, 1e-9)
			assert.InDelta(t, 0.3*minFloat(1, tt.want/0.5), o.Score, 1e-9)
		})
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func TestDetector_SetConfig(t *testing.T) {
	d := newTestDetector(t)

	bad := DefaultConfig()
	bad.Decay = 1
	assert.ErrorIs(t, d.SetConfig(bad), ErrInvalidConfig)
	assert.Equal(t, DefaultConfig(), d.Config())

	cfg := DefaultConfig()
	cfg.BlockDuration = time.Minute
	require.NoError(t, d.SetConfig(cfg))
	assert.Equal(t, time.Minute, d.Config().BlockDuration)
}

func TestHourBand_Contains(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2025, 3, 10, h, 30, 0, 0, time.UTC) }

	tests := []struct {
		name string
		band HourBand
		hour int
		want bool
	}{
		{name: "disabled", band: HourBand{Start: 0, End: 6}, hour: 3, want: false},
		{name: "inside", band: HourBand{Enabled: true, Start: 2, End: 5}, hour: 2, want: true},
		{name: "end excluded", band: HourBand{Enabled: true, Start: 2, End: 5}, hour: 5, want: false},
		{name: "wrap late", band: HourBand{Enabled: true, Start: 22, End: 4}, hour: 23, want: true},
		{name: "wrap early", band: HourBand{Enabled: true, Start: 22, End: 4}, hour: 1, want: true},
		{name: "wrap outside", band: HourBand{Enabled: true, Start: 22, End: 4}, hour: 12, want: false},
		{name: "empty", band: HourBand{Enabled: true, Start: 3, End: 3}, hour: 3, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.band.Contains(at(tt.hour)))
		})
	}

	// Non-UTC times are converted.
	band := HourBand{Enabled: true, Start: 2, End: 5}
	loc := time.FixedZone("UTC+3", 3*3600)
	assert.True(t, band.Contains(time.Date(2025, 3, 10, 6, 0, 0, 0, loc)))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{name: "alert threshold", modify: func(c *Config) { c.AlertThreshold = 0 }},
		{name: "block threshold", modify: func(c *Config) { c.BlockThreshold = 1 }},
		{name: "min violations", modify: func(c *Config) { c.MinViolations = -1 }},
		{name: "block duration", modify: func(c *Config) { c.BlockDuration = 0 }},
		{name: "window", modify: func(c *Config) { c.Window = 0 }},
		{name: "decay", modify: func(c *Config) { c.Decay = -0.1 }},
		{name: "saturation", modify: func(c *Config) { c.SignalSaturation = 0 }},
		{name: "weights", modify: func(c *Config) { c.RateWeight = -1 }},
		{name: "ratios", modify: func(c *Config) { c.HighRateRatio = 0 }},
		{name: "hours", modify: func(c *Config) { c.UnusualHours.Start = 24 }},
	}

	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestDetector_HighRateAboveLogFloor(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t)
	s := ratelimit.NewClientState()
	const limit = 6000

	var last Outcome
	for i := 0; i <= 4800; i++ {
		last = d.Observe(s, Observation{
			Scope:          "/v1/orders",
			PerMinuteLimit: limit,
			Now:            t0.Add(time.Duration(i) * time.Millisecond),
		})
		if i == 4799 {
			assert.InDelta(t, 0.1, last.Incremental, 1e-9, "4800 requests stay within the high rate ratio")
		}
	}
	assert.InDelta(t, 0.3, last.Incremental, 1e-9, "request 4801 crosses the high rate ratio")
	assert.Len(t, s.RecentRequests, 4801)
}

func TestDetector_UnitSaturationIsPlainAverage(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.SignalSaturation = 1
	d, err := NewDetector(cfg)
	require.NoError(t, err)
	s := ratelimit.NewClientState()

	first := d.Observe(s, Observation{Denied: true, Now: t0})
	assert.InDelta(t, 0.3*0.3, first.Score, 1e-9)

	second := d.Observe(s, Observation{Denied: true, Now: t0.Add(time.Second)})
	assert.InDelta(t, first.Score*0.7+0.3*0.3, second.Score, 1e-9)
}
