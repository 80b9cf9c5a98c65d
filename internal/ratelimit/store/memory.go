package store

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/avaguard/internal/observability"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit"
)

// Memory store defaults.
const (
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultCleanupInterval = time.Hour
)

// entry is one key's state. The mutex serializes every mutation of the key.
type entry struct {
	mu      sync.Mutex
	state   *ratelimit.ClientState
	removed bool
}

// MemoryStore keeps ClientState per key. Entries are created lazily and
// evicted after Retention of inactivity or on Delete.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[ratelimit.Key]*entry

	retention time.Duration
	interval  time.Duration
	logger    observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithRetention sets the inactivity window after which state is evicted.
func WithRetention(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithCleanupInterval sets how often Run sweeps idle entries.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger observability.Logger) MemoryOption {
	return func(s *MemoryStore) {
		s.logger = logger
	}
}

// WithMemoryMetrics sets the metrics used to report the number of tracked keys.
func WithMemoryMetrics(m *observability.Metrics) MemoryOption {
	return func(s *MemoryStore) {
		s.metrics = m
	}
}

// WithClock overrides the clock used by the cleanup sweep.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:   make(map[ratelimit.Key]*entry),
		retention: DefaultRetention,
		interval:  DefaultCleanupInterval,
		logger:    observability.NopLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update runs fn with exclusive access to the state of key, creating the
// state on first use. fn must not retain the pointer.
func (s *MemoryStore) Update(key ratelimit.Key, fn func(*ratelimit.ClientState)) {
	for {
		e := s.getOrCreate(key)
		e.mu.Lock()
		if e.removed {
			// Lost a race with Delete or cleanup; the next lookup creates a fresh entry.
			e.mu.Unlock()
			continue
		}
		fn(e.state)
		e.mu.Unlock()
		return
	}
}

// View runs fn with exclusive access to the state of key if it exists.
// It reports whether the key was found.
func (s *MemoryStore) View(key ratelimit.Key, fn func(*ratelimit.ClientState)) bool {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	fn(e.state)
	return true
}

func (s *MemoryStore) getOrCreate(key ratelimit.Key) *entry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; ok {
		return e
	}
	e = &entry{state: ratelimit.NewClientState()}
	s.entries[key] = e
	s.metrics.SetTrackedKeys(len(s.entries))
	return e
}

// Delete removes the state of key. Deleting a missing key is a no-op.
// It reports whether state existed.
func (s *MemoryStore) Delete(key ratelimit.Key) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.metrics.SetTrackedKeys(len(s.entries))
	s.mu.Unlock()

	if !ok {
		return false
	}

	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	return true
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Range calls fn for every key with exclusive access to its state until fn
// returns false. Keys added during the walk may be missed.
func (s *MemoryStore) Range(fn func(ratelimit.Key, *ratelimit.ClientState) bool) {
	s.mu.RLock()
	snapshot := make(map[ratelimit.Key]*entry, len(s.entries))
	for k, e := range s.entries {
		snapshot[k] = e
	}
	s.mu.RUnlock()

	for k, e := range snapshot {
		e.mu.Lock()
		cont := true
		if !e.removed {
			cont = fn(k, e.state)
		}
		e.mu.Unlock()
		if !cont {
			return
		}
	}
}

// Cleanup evicts entries idle for longer than the retention window and
// returns how many were removed. Blocked clients are kept until their
// block expires.
func (s *MemoryStore) Cleanup(now time.Time) int {
	var idle []ratelimit.Key
	s.Range(func(k ratelimit.Key, st *ratelimit.ClientState) bool {
		if st.Idle(now, s.retention) {
			idle = append(idle, k)
		}
		return true
	})

	removed := 0
	for _, k := range idle {
		s.mu.Lock()
		e, ok := s.entries[k]
		if ok {
			e.mu.Lock()
			// Re-check under the entry lock: a request may have touched it.
			if e.state.Idle(now, s.retention) {
				e.removed = true
				delete(s.entries, k)
				removed++
			}
			e.mu.Unlock()
		}
		s.mu.Unlock()
	}

	s.mu.RLock()
	s.metrics.SetTrackedKeys(len(s.entries))
	s.mu.RUnlock()

	return removed
}

// Run sweeps idle entries every cleanup interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Cleanup(s.now()); n > 0 {
				s.logger.Debug("evicted idle client state",
					observability.Int("evicted", n),
					observability.Int("remaining", s.Len()),
				)
			}
		}
	}
}
