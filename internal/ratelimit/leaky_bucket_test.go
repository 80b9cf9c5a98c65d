package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeakyBucket_FillAndLeak(t *testing.T) {
	s := NewClientState()
	cfg := LimitConfig{RequestsPerMinute: 60, BurstSize: 3}

	for i := 0; i < 3; i++ {
		d := LeakyBucket(s, cfg, t0)
		require.True(t, d.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 3-i-1, d.Remaining)
	}

	d := LeakyBucket(s, cfg, t0)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonLimitExceeded, d.Reason)
	assert.Equal(t, time.Second, d.RetryAfter)

	d = LeakyBucket(s, cfg, t0.Add(time.Second))
	assert.True(t, d.Allowed, "one unit leaked after a second")
	assert.InDelta(t, 3.0, s.Level, 1e-9)
}

func TestLeakyBucket_FractionalLevelDoesNotOverflow(t *testing.T) {
	s := NewClientState()
	cfg := LimitConfig{BurstSize: 2, RefillRate: 1}

	s.Level = 1.5
	s.LastLeak = t0

	d := LeakyBucket(s, cfg, t0)
	assert.False(t, d.Allowed, "admitting would push the level past capacity")
	assert.Equal(t, 500*time.Millisecond, d.RetryAfter)
}

func TestLeakyBucket_LevelStaysWithinCapacity(t *testing.T) {
	cfg := LimitConfig{RequestsPerMinute: 30, BurstSize: 4}

	for _, start := range []float64{-1, 0, 2.5, 100} {
		s := NewClientState()
		s.Level = start
		now := t0
		for i := 0; i < 40; i++ {
			if i%5 == 0 {
				now = now.Add(-time.Second)
			} else {
				now = now.Add(time.Duration(i*50) * time.Millisecond)
			}
			LeakyBucket(s, cfg, now)
			assert.GreaterOrEqual(t, s.Level, 0.0)
			assert.LessOrEqual(t, s.Level, 4.0)
		}
	}
}
