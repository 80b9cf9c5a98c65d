package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avaguard/internal/circuitbreaker"
	"github.com/vyrodovalexey/avaguard/internal/observability"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit"
)

// DefaultCheckTimeout bounds one distributed check, including the fallback.
const DefaultCheckTimeout = 150 * time.Millisecond

// Script names used in logs and metrics.
const (
	scriptSlidingWindow = "sliding_window"
	scriptTokenBucket   = "token_bucket"
)

// RunnerConfig holds ScriptRunner settings.
type RunnerConfig struct {
	// Node identifies the node in decisions, logs and metrics.
	Node string

	// Prefix is prepended to every key.
	Prefix string

	// Timeout bounds each check.
	Timeout time.Duration

	// DisableScripts forces the non-atomic fallback.
	DisableScripts bool
}

// ScriptRunner executes admission checks against one Redis node. Checks
// run through the atomic Lua scripts; when the node cannot run scripts the
// equivalent command sequence is issued instead and the decision is marked
// Degraded. The runner does not own the client.
type ScriptRunner struct {
	client  redis.UniversalClient
	config  RunnerConfig
	breaker *circuitbreaker.CircuitBreaker
	logger  observability.Logger
	metrics *observability.Metrics

	scriptsDisabled atomic.Bool
}

// RunnerOption configures a ScriptRunner.
type RunnerOption func(*ScriptRunner)

// WithBreaker guards every call with cb.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) RunnerOption {
	return func(r *ScriptRunner) {
		r.breaker = cb
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger observability.Logger) RunnerOption {
	return func(r *ScriptRunner) {
		r.logger = logger
	}
}

// WithRunnerMetrics sets the metrics.
func WithRunnerMetrics(m *observability.Metrics) RunnerOption {
	return func(r *ScriptRunner) {
		r.metrics = m
	}
}

// NewScriptRunner creates a runner for client.
func NewScriptRunner(client redis.UniversalClient, config RunnerConfig, opts ...RunnerOption) *ScriptRunner {
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultCheckTimeout
	}

	r := &ScriptRunner{
		client: client,
		config: config,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(observability.String("node", config.Node))
	r.scriptsDisabled.Store(config.DisableScripts)
	return r
}

// Node returns the node id.
func (r *ScriptRunner) Node() string {
	return r.config.Node
}

// Degraded reports whether the runner is using the non-atomic fallback.
func (r *ScriptRunner) Degraded() bool {
	return r.scriptsDisabled.Load()
}

// Load pre-loads both scripts into the node's script cache. If the node
// cannot run scripts the runner switches to the fallback and the returned
// error wraps ErrScriptUnavailable. A successful load switches a runner in
// fallback mode back to the atomic scripts, unless DisableScripts is set.
func (r *ScriptRunner) Load(ctx context.Context) error {
	if r.config.DisableScripts {
		return nil
	}

	for name, script := range map[string]*redis.Script{
		scriptSlidingWindow: slidingWindowScript,
		scriptTokenBucket:   tokenBucketScript,
	} {
		if err := script.Load(ctx, r.client).Err(); err != nil {
			if isScriptUnavailable(err) {
				r.disableScripts(err)
				return fmt.Errorf("load %s script on %s: %w: %w", name, r.config.Node, ErrScriptUnavailable, err)
			}
			return fmt.Errorf("load %s script on %s: %w", name, r.config.Node, err)
		}
	}
	if r.scriptsDisabled.CompareAndSwap(true, false) {
		r.logger.Info("atomic scripts available again")
	}
	return nil
}

func (r *ScriptRunner) disableScripts(cause error) {
	if r.scriptsDisabled.CompareAndSwap(false, true) {
		r.logger.Warn("atomic scripts unavailable, using non-atomic fallback",
			observability.Error(cause),
		)
	}
}

// Check runs one admission check for key. Only sliding window and token
// bucket (including adaptive, which is token bucket based) are supported.
func (r *ScriptRunner) Check(
	ctx context.Context,
	algorithm ratelimit.Algorithm,
	key ratelimit.Key,
	cfg ratelimit.LimitConfig,
	now time.Time,
	requestID string,
) (ratelimit.Decision, error) {
	switch algorithm {
	case ratelimit.AlgorithmSlidingWindow:
		return r.SlidingWindow(ctx, key, cfg, now, requestID)
	case ratelimit.AlgorithmTokenBucket, ratelimit.AlgorithmAdaptive:
		d, err := r.TokenBucket(ctx, key, cfg, now, requestID)
		d.Algorithm = algorithm
		return d, err
	default:
		return ratelimit.Decision{}, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}

// SlidingWindow checks key against a sliding window of cfg.SlidingWindow().
func (r *ScriptRunner) SlidingWindow(
	ctx context.Context,
	key ratelimit.Key,
	cfg ratelimit.LimitConfig,
	now time.Time,
	requestID string,
) (ratelimit.Decision, error) {
	redisKey := SlidingWindowKey(r.config.Prefix, key.String())
	window := cfg.SlidingWindow()
	args := slidingArgs{
		windowMs: window.Milliseconds(),
		limit:    int64(cfg.RequestsPerMinute),
		nowMs:    now.UnixMilli(),
		member:   requestID,
	}

	var res scriptResult
	degraded, err := r.run(ctx, scriptSlidingWindow,
		func(ctx context.Context) (err error) {
			res, err = r.evalSlidingWindow(ctx, redisKey, args)
			return err
		},
		func(ctx context.Context) (err error) {
			res, err = r.fallbackSlidingWindow(ctx, redisKey, args)
			return err
		},
	)
	if err != nil {
		return ratelimit.Decision{}, err
	}

	oldest := time.UnixMilli(res.third)
	d := ratelimit.Decision{
		Allowed:   res.admitted,
		Remaining: int(res.second),
		Limit:     cfg.RequestsPerMinute,
		ResetAt:   oldest.Add(window),
		Algorithm: ratelimit.AlgorithmSlidingWindow,
		Degraded:  degraded,
		Node:      r.config.Node,
	}
	if !d.Allowed {
		d.Reason = ratelimit.ReasonLimitExceeded
		if wait := d.ResetAt.Sub(now); wait > 0 {
			d.RetryAfter = wait
		}
	}
	return d, nil
}

// TokenBucket takes one token for key from a bucket of cfg.Capacity()
// refilled at cfg.Rate().
func (r *ScriptRunner) TokenBucket(
	ctx context.Context,
	key ratelimit.Key,
	cfg ratelimit.LimitConfig,
	now time.Time,
	requestID string,
) (ratelimit.Decision, error) {
	redisKey := TokenBucketKey(r.config.Prefix, key.String())
	args := bucketArgs{
		capacity:  float64(cfg.Capacity()),
		rate:      cfg.Rate(),
		needed:    1,
		nowMs:     now.UnixMilli(),
		requestID: requestID,
	}

	var res scriptResult
	degraded, err := r.run(ctx, scriptTokenBucket,
		func(ctx context.Context) (err error) {
			res, err = r.evalTokenBucket(ctx, redisKey, args)
			return err
		},
		func(ctx context.Context) (err error) {
			res, err = r.fallbackTokenBucket(ctx, redisKey, args)
			return err
		},
	)
	if err != nil {
		return ratelimit.Decision{}, err
	}

	tokens := float64(res.second) / 1000
	d := ratelimit.Decision{
		Allowed:   res.admitted,
		Remaining: int(math.Floor(tokens)),
		Limit:     cfg.Capacity(),
		ResetAt:   now.Add(time.Duration((args.capacity - tokens) / args.rate * float64(time.Second))),
		Algorithm: ratelimit.AlgorithmTokenBucket,
		Degraded:  degraded,
		Node:      r.config.Node,
	}
	if !d.Allowed {
		d.Reason = ratelimit.ReasonLimitExceeded
		if wait := time.UnixMilli(res.third).Sub(now); wait > 0 {
			d.RetryAfter = wait
		}
	}
	return d, nil
}

// Reset deletes every distributed state of key.
func (r *ScriptRunner) Reset(ctx context.Context, key ratelimit.Key) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	return r.execute(ctx, func() error {
		return r.client.Del(ctx,
			SlidingWindowKey(r.config.Prefix, key.String()),
			TokenBucketKey(r.config.Prefix, key.String()),
		).Err()
	})
}

// run executes atomic, or fallback when scripts are unavailable, under the
// check timeout and the node's breaker. It reports whether the fallback
// served the call.
func (r *ScriptRunner) run(
	ctx context.Context,
	script string,
	atomicFn, fallbackFn func(context.Context) error,
) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	start := time.Now()
	degraded := r.scriptsDisabled.Load()

	err := r.execute(ctx, func() error {
		if !degraded {
			err := atomicFn(ctx)
			if !isScriptUnavailable(err) {
				return err
			}
			r.disableScripts(err)
			degraded = true
		}
		return fallbackFn(ctx)
	})

	mode := "atomic"
	if degraded {
		mode = "fallback"
	}
	r.metrics.ObserveScript(script, mode, time.Since(start))

	if err != nil {
		return degraded, fmt.Errorf("%s check on %s: %w", script, r.config.Node, err)
	}
	if degraded {
		r.metrics.RecordFallback(r.config.Node)
	}
	return degraded, nil
}

func (r *ScriptRunner) execute(ctx context.Context, fn func() error) error {
	if r.breaker == nil {
		return fn()
	}
	return r.breaker.Execute(ctx, fn)
}

// scriptResult is the common {admitted, second, third} script reply.
type scriptResult struct {
	admitted bool
	second   int64
	third    int64
}

// parseScriptResult parses a three-integer script reply.
func parseScriptResult(result interface{}) (scriptResult, error) {
	values, ok := result.([]interface{})
	if !ok || len(values) < 3 {
		return scriptResult{}, fmt.Errorf("unexpected script result format: %v", result)
	}

	ints := make([]int64, 3)
	for i := range ints {
		v, ok := values[i].(int64)
		if !ok {
			return scriptResult{}, fmt.Errorf("unexpected script result element %d: %T", i, values[i])
		}
		ints[i] = v
	}

	return scriptResult{admitted: ints[0] == 1, second: ints[1], third: ints[2]}, nil
}

type slidingArgs struct {
	windowMs int64
	limit    int64
	nowMs    int64
	member   string
}

func (r *ScriptRunner) evalSlidingWindow(ctx context.Context, key string, a slidingArgs) (scriptResult, error) {
	res, err := slidingWindowScript.Run(ctx, r.client, []string{key},
		a.windowMs, a.limit, a.nowMs, a.member,
	).Result()
	if err != nil {
		return scriptResult{}, err
	}
	return parseScriptResult(res)
}

// fallbackSlidingWindow issues the sliding window script as separate
// commands. Concurrent requests for the same key may over-admit.
func (r *ScriptRunner) fallbackSlidingWindow(ctx context.Context, key string, a slidingArgs) (scriptResult, error) {
	c := r.client

	cutoff := strconv.FormatInt(a.nowMs-a.windowMs, 10)
	if err := c.ZRemRangeByScore(ctx, key, "-inf", cutoff).Err(); err != nil {
		return scriptResult{}, err
	}

	count, err := c.ZCard(ctx, key).Result()
	if err != nil {
		return scriptResult{}, err
	}

	admitted := false
	err = c.ZScore(ctx, key, a.member).Err()
	switch {
	case err == nil:
		admitted = true
	case !errors.Is(err, redis.Nil):
		return scriptResult{}, err
	case count < a.limit:
		if err := c.ZAdd(ctx, key, redis.Z{Score: float64(a.nowMs), Member: a.member}).Err(); err != nil {
			return scriptResult{}, err
		}
		count++
		admitted = true
	}

	if err := c.PExpire(ctx, key, time.Duration(a.windowMs+1000)*time.Millisecond).Err(); err != nil {
		return scriptResult{}, err
	}

	oldest := a.nowMs
	zs, err := c.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return scriptResult{}, err
	}
	if len(zs) > 0 {
		oldest = int64(zs[0].Score)
	}

	remaining := a.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return scriptResult{admitted: admitted, second: remaining, third: oldest}, nil
}

type bucketArgs struct {
	capacity  float64
	rate      float64
	needed    float64
	nowMs     int64
	requestID string
}

func (r *ScriptRunner) evalTokenBucket(ctx context.Context, key string, a bucketArgs) (scriptResult, error) {
	res, err := tokenBucketScript.Run(ctx, r.client, []string{key},
		a.capacity, a.rate, a.needed, a.nowMs, a.requestID,
	).Result()
	if err != nil {
		return scriptResult{}, err
	}
	return parseScriptResult(res)
}

// fallbackTokenBucket computes the bucket client-side between a read and a
// write. Concurrent requests for the same key may over-admit.
func (r *ScriptRunner) fallbackTokenBucket(ctx context.Context, key string, a bucketArgs) (scriptResult, error) {
	c := r.client

	vals, err := c.HMGet(ctx, key, "tokens", "last_refill", "last_request", "last_admitted", "last_retry_at").Result()
	if err != nil {
		return scriptResult{}, err
	}

	tokens, hasTokens := parseFloatField(vals[0])
	lastRefill, hasRefill := parseFloatField(vals[1])

	if a.requestID != "" && hasTokens {
		if last, ok := vals[2].(string); ok && last == a.requestID {
			admitted, _ := parseFloatField(vals[3])
			retryAt, _ := parseFloatField(vals[4])
			return scriptResult{
				admitted: admitted == 1,
				second:   int64(math.Floor(tokens * 1000)),
				third:    int64(retryAt),
			}, nil
		}
	}

	now := float64(a.nowMs)
	if !hasTokens || !hasRefill {
		tokens = a.capacity
		lastRefill = now
	}

	elapsed := math.Max(0, now-lastRefill) / 1000
	tokens = math.Min(a.capacity, math.Max(0, tokens+elapsed*a.rate))
	lastRefill = math.Max(lastRefill, now)

	var admitted, retryAt int64
	if tokens >= a.needed {
		tokens -= a.needed
		admitted = 1
	} else {
		retryAt = a.nowMs + int64(math.Ceil((a.needed-tokens)/a.rate*1000))
	}

	if err := c.HSet(ctx, key,
		"tokens", strconv.FormatFloat(tokens, 'f', -1, 64),
		"last_refill", strconv.FormatFloat(lastRefill, 'f', -1, 64),
		"last_request", a.requestID,
		"last_admitted", admitted,
		"last_retry_at", retryAt,
	).Err(); err != nil {
		return scriptResult{}, err
	}

	ttl := time.Duration(math.Ceil(a.capacity/a.rate*1000)+1000) * time.Millisecond
	if err := c.PExpire(ctx, key, ttl).Err(); err != nil {
		return scriptResult{}, err
	}

	return scriptResult{admitted: admitted == 1, second: int64(math.Floor(tokens * 1000)), third: retryAt}, nil
}

// parseFloatField parses an HMGET element; nil and garbage are reported as absent.
func parseFloatField(v interface{}) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
