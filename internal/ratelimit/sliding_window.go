package ratelimit

import (
	"time"
)

// pruneBefore drops timestamps at or before cutoff. The slice is ordered,
// so the first survivor marks the split point.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// SlidingWindow admits a request if fewer than RequestsPerMinute requests
// were admitted during the last window. Only admissions are logged, so the
// log never holds more than the limit.
func SlidingWindow(s *ClientState, cfg LimitConfig, now time.Time) Decision {
	limit := cfg.RequestsPerMinute
	window := cfg.SlidingWindow()

	s.Timestamps = pruneBefore(s.Timestamps, now.Add(-window))
	count := len(s.Timestamps)

	var resetAt time.Time
	if count > 0 {
		resetAt = s.Timestamps[0].Add(window)
	}

	if count >= limit {
		retryAfter := window - elapsedSince(s.Timestamps[0], now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{
			Allowed:    false,
			Remaining:  0,
			Limit:      limit,
			ResetAt:    resetAt,
			RetryAfter: retryAfter,
			Reason:     ReasonLimitExceeded,
			Algorithm:  AlgorithmSlidingWindow,
		}
	}

	// Keep the log ordered even if the clock stepped back.
	at := now
	if count > 0 {
		at = laterOf(s.Timestamps[count-1], now)
	}
	s.Timestamps = append(s.Timestamps, at)
	if count == 0 {
		resetAt = at.Add(window)
	}

	return Decision{
		Allowed:   true,
		Remaining: limit - count - 1,
		Limit:     limit,
		ResetAt:   resetAt,
		Algorithm: AlgorithmSlidingWindow,
	}
}

// refundSlidingWindow removes the entry appended by the last admission.
func refundSlidingWindow(s *ClientState) {
	if n := len(s.Timestamps); n > 0 {
		s.Timestamps = s.Timestamps[:n-1]
	}
}
