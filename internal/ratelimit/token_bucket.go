package ratelimit

import (
	"math"
	"time"
)

// refill adds the tokens earned since the last refill, capped at capacity.
func (s *ClientState) refill(capacity, rate float64, now time.Time) {
	if !s.bucketReady {
		s.Tokens = capacity
		s.LastRefill = now
		s.bucketReady = true
		return
	}

	s.Heal(capacity)
	elapsed := elapsedSince(s.LastRefill, now).Seconds()
	s.Tokens = math.Min(capacity, s.Tokens+elapsed*rate)
	s.LastRefill = laterOf(s.LastRefill, now)
}

// TokenBucket admits a request if at least one token is available. Tokens
// refill continuously at cfg.Rate() up to cfg.Capacity(); a new bucket
// starts full.
func TokenBucket(s *ClientState, cfg LimitConfig, now time.Time) Decision {
	capacity := float64(cfg.Capacity())
	rate := cfg.Rate()

	s.refill(capacity, rate, now)

	allowed := s.Tokens >= 1
	if allowed {
		s.Tokens--
	}

	d := Decision{
		Allowed:   allowed,
		Remaining: int(math.Floor(s.Tokens)),
		Limit:     cfg.Capacity(),
		ResetAt:   now.Add(durationFromSeconds((capacity - s.Tokens) / rate)),
		Algorithm: AlgorithmTokenBucket,
	}
	if !allowed {
		d.RetryAfter = durationFromSeconds((1 - s.Tokens) / rate)
		d.Reason = ReasonLimitExceeded
	}
	return d
}

// refundTokenBucket returns the token taken by the last admission.
func refundTokenBucket(s *ClientState, cfg LimitConfig) {
	s.Tokens = math.Min(float64(cfg.Capacity()), s.Tokens+1)
}
