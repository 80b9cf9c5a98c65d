package ratelimit

import (
	"math"
	"time"
)

// algorithmFuncs bundles a decision function with the hooks the trust gate
// needs to measure and undo an admission.
type algorithmFuncs struct {
	decide func(*ClientState, LimitConfig, time.Time) Decision

	// usage reports consumption after an admission and the nominal limit.
	usage func(*ClientState, LimitConfig) (used, limit float64)

	// refund undoes the admission made at now.
	refund func(*ClientState, LimitConfig, time.Time)

	// retry returns when consumption drops low enough for one more
	// request under the effective limit.
	retry func(s *ClientState, cfg LimitConfig, now time.Time, effective float64) time.Duration
}

var tokenBucketFuncs = algorithmFuncs{
	decide: TokenBucket,
	usage: func(s *ClientState, cfg LimitConfig) (float64, float64) {
		capacity := float64(cfg.Capacity())
		return capacity - s.Tokens, capacity
	},
	refund: func(s *ClientState, cfg LimitConfig, _ time.Time) { refundTokenBucket(s, cfg) },
	retry: func(s *ClientState, cfg LimitConfig, _ time.Time, effective float64) time.Duration {
		used := float64(cfg.Capacity()) - s.Tokens
		return durationFromSeconds((used + 1 - effective) / cfg.Rate())
	},
}

var algorithms = map[Algorithm]algorithmFuncs{
	AlgorithmFixedWindow: {
		decide: FixedWindow,
		usage: func(s *ClientState, cfg LimitConfig) (float64, float64) {
			used, limit := fixedWindowUsage(s, cfg)
			return float64(used), float64(limit)
		},
		refund: refundFixedWindow,
		retry: func(s *ClientState, cfg LimitConfig, now time.Time, _ float64) time.Duration {
			windows := fixedWindows(s, cfg)
			if len(windows) == 0 {
				return 0
			}
			tightest := windows[0]
			for _, w := range windows[1:] {
				if w.remaining() < tightest.remaining() {
					tightest = w
				}
			}
			return tightest.resetAt().Sub(now)
		},
	},
	AlgorithmSlidingWindow: {
		decide: SlidingWindow,
		usage: func(s *ClientState, cfg LimitConfig) (float64, float64) {
			return float64(len(s.Timestamps)), float64(cfg.RequestsPerMinute)
		},
		refund: func(s *ClientState, _ LimitConfig, _ time.Time) { refundSlidingWindow(s) },
		retry: func(s *ClientState, cfg LimitConfig, now time.Time, effective float64) time.Duration {
			// Enough of the oldest entries must age out for count+1 <= effective.
			excess := int(math.Ceil(float64(len(s.Timestamps)) + 1 - effective))
			if excess <= 0 || len(s.Timestamps) == 0 {
				return 0
			}
			if excess > len(s.Timestamps) {
				excess = len(s.Timestamps)
			}
			wait := s.Timestamps[excess-1].Add(cfg.SlidingWindow()).Sub(now)
			if wait < 0 {
				return 0
			}
			return wait
		},
	},
	AlgorithmTokenBucket: tokenBucketFuncs,
	AlgorithmAdaptive:    tokenBucketFuncs,
	AlgorithmLeakyBucket: {
		decide: LeakyBucket,
		usage: func(s *ClientState, cfg LimitConfig) (float64, float64) {
			return s.Level, float64(cfg.Capacity())
		},
		refund: func(s *ClientState, _ LimitConfig, _ time.Time) { refundLeakyBucket(s) },
		retry: func(s *ClientState, cfg LimitConfig, _ time.Time, effective float64) time.Duration {
			return durationFromSeconds((s.Level + 1 - effective) / cfg.Rate())
		},
	},
}

// Decide runs algorithm a against s without any trust adjustment.
func Decide(a Algorithm, s *ClientState, cfg LimitConfig, now time.Time) Decision {
	fn, ok := algorithms[a]
	if !ok {
		fn = tokenBucketFuncs
	}
	d := fn.decide(s, cfg, now)
	d.Algorithm = a
	return d
}
