package store

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avaguard/internal/observability"
)

// RedisConfig holds connection settings for one store node.
type RedisConfig struct {
	Address  string
	Password string
	DB       int

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ConnectRetries is the number of extra ping attempts made by Connect.
	ConnectRetries int

	// InitialBackoff and MaxBackoff bound the jittered wait between attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:        "localhost:6379",
		PoolSize:       10,
		MinIdleConns:   2,
		DialTimeout:    2 * time.Second,
		ReadTimeout:    500 * time.Millisecond,
		WriteTimeout:   500 * time.Millisecond,
		ConnectRetries: 2,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// NewClient creates a client for cfg without contacting the server.
// Client-side retries are disabled: the hot path has a tight deadline and
// fails open instead.
func NewClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   -1,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// Connect pings client until it answers, waiting a decorrelated jittered
// backoff between attempts, and gives up after cfg.ConnectRetries retries
// or when ctx is done.
func Connect(ctx context.Context, client redis.UniversalClient, cfg RedisConfig, logger observability.Logger) error {
	if logger == nil {
		logger = observability.NopLogger()
	}
	backoff := newDecorrelatedJitterBackoff(cfg.InitialBackoff, cfg.MaxBackoff)

	var lastErr error
	for attempt := 0; attempt <= cfg.ConnectRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		lastErr = client.Ping(pingCtx).Err()
		cancel()

		if lastErr == nil {
			if attempt > 0 {
				logger.Info("redis connection established after retry",
					observability.String("address", cfg.Address),
					observability.Int("attempt", attempt+1),
				)
			}
			return nil
		}

		if attempt == cfg.ConnectRetries {
			break
		}

		wait := backoff.next(attempt)
		logger.Debug("redis connection failed, retrying",
			observability.String("address", cfg.Address),
			observability.Int("attempt", attempt+1),
			observability.Duration("backoff", wait),
			observability.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("connect %s: %w", cfg.Address, ctx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("connect %s after %d attempts: %w", cfg.Address, cfg.ConnectRetries+1, lastErr)
}

// decorrelatedJitterBackoff spreads reconnect attempts of many instances:
// sleep = min(max, random_between(initial, previous*3)).
type decorrelatedJitterBackoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newDecorrelatedJitterBackoff(initial, maxDuration time.Duration) *decorrelatedJitterBackoff {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if maxDuration < initial {
		maxDuration = initial
	}
	return &decorrelatedJitterBackoff{initial: initial, max: maxDuration, current: initial}
}

func (b *decorrelatedJitterBackoff) next(attempt int) time.Duration {
	if attempt == 0 {
		b.current = b.initial
		return b.current
	}

	lo := float64(b.initial)
	hi := float64(b.current) * 3
	//nolint:gosec // jitter does not need a secure source
	d := lo + rand.Float64()*(hi-lo)
	if d > float64(b.max) {
		d = float64(b.max)
	}

	b.current = time.Duration(d)
	return b.current
}
