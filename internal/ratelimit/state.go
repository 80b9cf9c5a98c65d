package ratelimit

import (
	"math"
	"time"
)

// DefaultTrustScore is the neutral trust value used until an external
// system provides one.
const DefaultTrustScore = 0.5

// minRecent is the smallest bound of the abuse request and scope logs.
const minRecent = 4096

// windowCounter is a fixed window counter keyed by its window start.
type windowCounter struct {
	Start time.Time
	Count int
}

// roll resets the counter when now falls into a later window.
func (w *windowCounter) roll(now time.Time, size time.Duration) {
	start := now.Truncate(size)
	if start.After(w.Start) {
		w.Start = start
		w.Count = 0
	}
}

// ScopeHit records when a scope was touched.
type ScopeHit struct {
	Scope string
	At    time.Time
}

// ClientState is the local per-key state. It carries the fields of every
// algorithm up front; the configured algorithm decides which ones move.
// Callers must serialize access per key.
type ClientState struct {
	// Fixed window counters.
	Minute windowCounter
	Hour   windowCounter
	Day    windowCounter

	// Sliding window log of admitted requests, oldest first.
	Timestamps []time.Time

	// Token bucket.
	Tokens      float64
	LastRefill  time.Time
	bucketReady bool

	// Leaky bucket.
	Level    float64
	LastLeak time.Time

	// Abuse tracking.
	AbuseScore     float64
	ViolationCount int
	LastViolation  time.Time
	Blocked        bool
	BlockReason    string
	BlockExpiry    time.Time

	// Every request seen (admitted or not) and the scopes it touched,
	// pruned to the abuse observation window.
	RecentRequests []time.Time
	RecentScopes   []ScopeHit

	// Inputs fed by external systems.
	TrustScore float64
	Tier       string

	LastSeen time.Time
}

// NewClientState returns a state with neutral trust.
func NewClientState() *ClientState {
	return &ClientState{TrustScore: DefaultTrustScore}
}

// Heal clamps bucket fields into [0, capacity] and repairs non-finite
// values left by earlier races.
func (s *ClientState) Heal(capacity float64) {
	s.Tokens = clamp(s.Tokens, 0, capacity, capacity)
	s.Level = clamp(s.Level, 0, capacity, 0)
	if s.AbuseScore < 0 || math.IsNaN(s.AbuseScore) {
		s.AbuseScore = 0
	}
	if s.AbuseScore > 1 {
		s.AbuseScore = 1
	}
}

// Touch records the latest activity time.
func (s *ClientState) Touch(now time.Time) {
	s.LastSeen = laterOf(s.LastSeen, now)
}

// RecordRequest appends a request on scope to the recent log, drops entries
// older than window and returns how many requests remain in the window,
// this one included. The logs keep at most max(bound, 4096) entries, so the
// returned count saturates at that bound.
func (s *ClientState) RecordRequest(scope string, now time.Time, window time.Duration, bound int) int {
	cutoff := now.Add(-window)
	maxRecent := max(bound, minRecent)

	s.RecentRequests = append(s.RecentRequests, now)
	keep := s.RecentRequests[:0]
	for _, t := range s.RecentRequests {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	if len(keep) > maxRecent {
		keep = keep[len(keep)-maxRecent:]
	}
	s.RecentRequests = keep

	if scope != "" {
		s.RecentScopes = append(s.RecentScopes, ScopeHit{Scope: scope, At: now})
	}
	hits := s.RecentScopes[:0]
	for _, h := range s.RecentScopes {
		if h.At.After(cutoff) {
			hits = append(hits, h)
		}
	}
	if len(hits) > maxRecent {
		hits = hits[len(hits)-maxRecent:]
	}
	s.RecentScopes = hits

	return len(s.RecentRequests)
}

// Idle reports whether the state has been inactive for longer than ttl.
func (s *ClientState) Idle(now time.Time, ttl time.Duration) bool {
	if s.Blocked && now.Before(s.BlockExpiry) {
		return false
	}
	return now.Sub(s.LastSeen) > ttl
}

// clamp bounds v into [lo, hi]; NaN becomes fallback.
func clamp(v, lo, hi, fallback float64) float64 {
	switch {
	case math.IsNaN(v):
		return fallback
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
