package ratelimit

import (
	"time"
)

// Fixed window sizes.
const (
	windowMinute = time.Minute
	windowHour   = time.Hour
	windowDay    = 24 * time.Hour
)

// fixedWindow binds one configured limit to its counter.
type fixedWindow struct {
	size    time.Duration
	limit   int
	counter *windowCounter
}

// resetAt returns the end of the current window.
func (w fixedWindow) resetAt() time.Time {
	return w.counter.Start.Add(w.size)
}

// remaining returns the requests left in the current window.
func (w fixedWindow) remaining() int {
	if r := w.limit - w.counter.Count; r > 0 {
		return r
	}
	return 0
}

// fixedWindows returns the configured windows, shortest first.
func fixedWindows(s *ClientState, cfg LimitConfig) []fixedWindow {
	windows := make([]fixedWindow, 0, 3)
	if cfg.RequestsPerMinute > 0 {
		windows = append(windows, fixedWindow{size: windowMinute, limit: cfg.RequestsPerMinute, counter: &s.Minute})
	}
	if cfg.RequestsPerHour > 0 {
		windows = append(windows, fixedWindow{size: windowHour, limit: cfg.RequestsPerHour, counter: &s.Hour})
	}
	if cfg.RequestsPerDay > 0 {
		windows = append(windows, fixedWindow{size: windowDay, limit: cfg.RequestsPerDay, counter: &s.Day})
	}
	return windows
}

// FixedWindow checks the minute, hour and day counters. Every configured
// window is independently authoritative: a request is admitted only if all
// of them have room, and counters increase only on admission. The window
// with the smallest remaining quota is reported.
func FixedWindow(s *ClientState, cfg LimitConfig, now time.Time) Decision {
	windows := fixedWindows(s, cfg)
	if len(windows) == 0 {
		return Decision{Allowed: true, Algorithm: AlgorithmFixedWindow}
	}
	for _, w := range windows {
		w.counter.roll(now, w.size)
	}

	// Denied: report the exhausted window that resets last, since the
	// request cannot pass before every exhausted window has rolled over.
	var binding *fixedWindow
	for i := range windows {
		w := &windows[i]
		if w.counter.Count < w.limit {
			continue
		}
		if binding == nil || w.resetAt().After(binding.resetAt()) {
			binding = w
		}
	}
	if binding != nil {
		retryAfter := binding.resetAt().Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{
			Allowed:    false,
			Remaining:  0,
			Limit:      binding.limit,
			ResetAt:    binding.resetAt(),
			RetryAfter: retryAfter,
			Reason:     ReasonLimitExceeded,
			Algorithm:  AlgorithmFixedWindow,
		}
	}

	for _, w := range windows {
		w.counter.Count++
	}

	tightest := windows[0]
	for _, w := range windows[1:] {
		if w.remaining() < tightest.remaining() {
			tightest = w
		}
	}

	return Decision{
		Allowed:   true,
		Remaining: tightest.remaining(),
		Limit:     tightest.limit,
		ResetAt:   tightest.resetAt(),
		Algorithm: AlgorithmFixedWindow,
	}
}

// refundFixedWindow undoes the increments of an admission made at now.
func refundFixedWindow(s *ClientState, cfg LimitConfig, now time.Time) {
	for _, w := range fixedWindows(s, cfg) {
		if w.counter.Start.Equal(now.Truncate(w.size)) && w.counter.Count > 0 {
			w.counter.Count--
		}
	}
}

// fixedWindowUsage returns the used fraction numerator/denominator of the
// tightest window, for the trust gate.
func fixedWindowUsage(s *ClientState, cfg LimitConfig) (used, limit int) {
	windows := fixedWindows(s, cfg)
	if len(windows) == 0 {
		return 0, 0
	}
	tightest := windows[0]
	for _, w := range windows[1:] {
		if w.remaining() < tightest.remaining() {
			tightest = w
		}
	}
	return tightest.counter.Count, tightest.limit
}
