package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaguard/internal/ratelimit"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 5, 0, time.UTC)

func TestMemoryStore_UpdateCreatesLazily(t *testing.T) {
	s := NewMemoryStore()

	found := s.View("client-1", func(*ratelimit.ClientState) {})
	assert.False(t, found)
	assert.Equal(t, 0, s.Len())

	s.Update("client-1", func(st *ratelimit.ClientState) {
		assert.Equal(t, ratelimit.DefaultTrustScore, st.TrustScore)
		st.Tier = "gold"
	})
	assert.Equal(t, 1, s.Len())

	var tier string
	found = s.View("client-1", func(st *ratelimit.ClientState) { tier = st.Tier })
	assert.True(t, found)
	assert.Equal(t, "gold", tier)
}

func TestMemoryStore_DeleteIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	s.Update("client-1", func(st *ratelimit.ClientState) { st.ViolationCount = 3 })

	assert.True(t, s.Delete("client-1"))
	assert.False(t, s.Delete("client-1"))
	assert.False(t, s.Delete("never-seen"))
	assert.Equal(t, 0, s.Len())

	s.Update("client-1", func(st *ratelimit.ClientState) {
		assert.Zero(t, st.ViolationCount, "state after delete starts fresh")
	})
}

func TestMemoryStore_UpdatesAreSerializedPerKey(t *testing.T) {
	s := NewMemoryStore()

	const workers, iterations = 50, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				s.Update("shared", func(st *ratelimit.ClientState) { st.ViolationCount++ })
			}
		}()
	}
	wg.Wait()

	s.View("shared", func(st *ratelimit.ClientState) {
		assert.Equal(t, workers*iterations, st.ViolationCount)
	})
}

func TestMemoryStore_ConcurrentDeleteAndUpdate(t *testing.T) {
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s.Update("k", func(st *ratelimit.ClientState) { st.ViolationCount++ })
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Delete("k")
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, s.Len(), 1)
}

func TestMemoryStore_Cleanup(t *testing.T) {
	s := NewMemoryStore(WithRetention(time.Hour))

	s.Update("active", func(st *ratelimit.ClientState) { st.Touch(t0.Add(50 * time.Minute)) })
	s.Update("idle", func(st *ratelimit.ClientState) { st.Touch(t0) })
	s.Update("blocked", func(st *ratelimit.ClientState) {
		st.Touch(t0)
		st.Blocked = true
		st.BlockExpiry = t0.Add(3 * time.Hour)
	})

	removed := s.Cleanup(t0.Add(2 * time.Hour))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, s.Len())
	assert.False(t, s.View("idle", func(*ratelimit.ClientState) {}))
	assert.True(t, s.View("blocked", func(*ratelimit.ClientState) {}))

	removed = s.Cleanup(t0.Add(4 * time.Hour))
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStore_Range(t *testing.T) {
	s := NewMemoryStore()
	for _, k := range []ratelimit.Key{"a", "b", "c"} {
		s.Update(k, func(st *ratelimit.ClientState) { st.Blocked = k == "b" })
	}

	blocked := 0
	s.Range(func(_ ratelimit.Key, st *ratelimit.ClientState) bool {
		if st.Blocked {
			blocked++
		}
		return true
	})
	assert.Equal(t, 1, blocked)

	visited := 0
	s.Range(func(ratelimit.Key, *ratelimit.ClientState) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited)
}

func TestMemoryStore_RunStopsOnCancel(t *testing.T) {
	now := t0
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	s := NewMemoryStore(
		WithRetention(time.Minute),
		WithCleanupInterval(10*time.Millisecond),
		WithClock(clock),
	)
	s.Update("k", func(st *ratelimit.ClientState) { st.Touch(t0) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	mu.Lock()
	now = t0.Add(time.Hour)
	mu.Unlock()

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
