package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vyrodovalexey/avaguard/internal/observability"
)

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()

	assert.Equal(t, "localhost:6379", cfg.Address)
	assert.Positive(t, cfg.PoolSize)
	assert.Positive(t, cfg.DialTimeout)
	assert.LessOrEqual(t, cfg.InitialBackoff, cfg.MaxBackoff)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := DefaultRedisConfig()
	cfg.Address = mr.Addr()
	client := NewClient(cfg)
	defer client.Close()

	logger := observability.NewZapLogger(zaptest.NewLogger(t))
	require.NoError(t, Connect(context.Background(), client, cfg, logger))
}

func TestConnect_GivesUp(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := DefaultRedisConfig()
	cfg.Address = addr
	cfg.ConnectRetries = 2
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	defer client.Close()

	err := Connect(context.Background(), client, cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestConnect_ContextCancelled(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := DefaultRedisConfig()
	cfg.Address = addr
	cfg.ConnectRetries = 100
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := Connect(ctx, client, cfg, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDecorrelatedJitterBackoff(t *testing.T) {
	b := newDecorrelatedJitterBackoff(10*time.Millisecond, 200*time.Millisecond)

	assert.Equal(t, 10*time.Millisecond, b.next(0))
	for attempt := 1; attempt < 50; attempt++ {
		d := b.next(attempt)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 200*time.Millisecond)
	}
	assert.Equal(t, 10*time.Millisecond, b.next(0), "attempt 0 restarts from initial")

	b = newDecorrelatedJitterBackoff(0, 0)
	assert.Equal(t, 100*time.Millisecond, b.next(0))
	assert.Equal(t, 100*time.Millisecond, b.next(1))
}
