package ratelimit

import (
	"math"
	"time"
)

// leak drains the level accumulated since the last leak, floored at zero.
func (s *ClientState) leak(capacity, rate float64, now time.Time) {
	s.Heal(capacity)
	elapsed := elapsedSince(s.LastLeak, now).Seconds()
	s.Level = math.Max(0, s.Level-elapsed*rate)
	s.LastLeak = laterOf(s.LastLeak, now)
}

// LeakyBucket admits a request if adding it keeps the level within
// capacity. The level drains at cfg.Rate() per second. Admission needs
// level+1 <= capacity, so a fractional level denies slightly before the
// bucket is full.
func LeakyBucket(s *ClientState, cfg LimitConfig, now time.Time) Decision {
	capacity := float64(cfg.Capacity())
	rate := cfg.Rate()

	s.leak(capacity, rate, now)

	allowed := s.Level+1 <= capacity
	if allowed {
		s.Level++
	}

	d := Decision{
		Allowed:   allowed,
		Remaining: int(math.Floor(capacity - s.Level)),
		Limit:     cfg.Capacity(),
		ResetAt:   now.Add(durationFromSeconds(s.Level / rate)),
		Algorithm: AlgorithmLeakyBucket,
	}
	if !allowed {
		d.RetryAfter = durationFromSeconds((s.Level + 1 - capacity) / rate)
		d.Reason = ReasonLimitExceeded
	}
	return d
}

// refundLeakyBucket removes the unit added by the last admission.
func refundLeakyBucket(s *ClientState) {
	s.Level = math.Max(0, s.Level-1)
}
