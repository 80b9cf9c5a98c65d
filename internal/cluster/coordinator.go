package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avaguard/internal/circuitbreaker"
	"github.com/vyrodovalexey/avaguard/internal/observability"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit/store"
)

var clusterTracer = otel.Tracer("avaguard/cluster")

// Coordinator defaults.
const (
	DefaultHealthInterval    = 30 * time.Second
	DefaultRebalanceInterval = 5 * time.Minute
	DefaultProbeTimeout      = 2 * time.Second
	DefaultUnavailableAfter  = 3
)

// Config configures the Coordinator.
type Config struct {
	Nodes []NodeConfig

	// Redis is the client template; address, password and db come from
	// each node.
	Redis store.RedisConfig

	KeyPrefix      string
	CheckTimeout   time.Duration
	DisableScripts bool

	HealthInterval    time.Duration
	RebalanceInterval time.Duration
	ProbeTimeout      time.Duration

	// UnavailableAfter is the number of failed probes in a row after which
	// a node stops receiving traffic.
	UnavailableAfter int

	Breaker circuitbreaker.Config
}

// DefaultConfig returns a Config with default values and no nodes.
func DefaultConfig() Config {
	return Config{
		Redis:             store.DefaultRedisConfig(),
		KeyPrefix:         store.DefaultPrefix,
		CheckTimeout:      store.DefaultCheckTimeout,
		HealthInterval:    DefaultHealthInterval,
		RebalanceInterval: DefaultRebalanceInterval,
		ProbeTimeout:      DefaultProbeTimeout,
		UnavailableAfter:  DefaultUnavailableAfter,
		Breaker:           *circuitbreaker.DefaultConfig(),
	}
}

// validateNodes checks every node and id uniqueness.
func validateNodes(nodes []NodeConfig) error {
	if len(nodes) == 0 {
		return errors.New("at least one node is required")
	}
	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if err := n.Validate(); err != nil {
			return err
		}
		if _, ok := seen[n.ID]; ok {
			return fmt.Errorf("duplicate node id: %s", n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	return nil
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = d.CheckTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = d.RebalanceInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.UnavailableAfter < 1 {
		c.UnavailableAfter = d.UnavailableAfter
	}
	if c.Redis.DialTimeout <= 0 {
		c.Redis.DialTimeout = d.Redis.DialTimeout
	}
}

// Coordinator owns the node set and the routing table.
type Coordinator struct {
	config   Config
	prober   Prober
	logger   observability.Logger
	metrics  *observability.Metrics
	breakers *circuitbreaker.Registry

	// mu serializes topology changes and table rebuilds. nodes is replaced,
	// never mutated, so tables may share it.
	mu      sync.Mutex
	nodes   map[string]*Node
	version uint64

	table     atomic.Pointer[routingTable]
	lastCheck atomic.Int64

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithProber replaces the default RedisProber.
func WithProber(p Prober) Option {
	return func(c *Coordinator) {
		c.prober = p
	}
}

// NewCoordinator creates a coordinator. No connection is made before Start.
func NewCoordinator(config Config, opts ...Option) (*Coordinator, error) {
	if err := validateNodes(config.Nodes); err != nil {
		return nil, fmt.Errorf("invalid cluster configuration: %w", err)
	}
	config.normalize()

	c := &Coordinator{
		config: config,
		prober: RedisProber{},
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breakers = circuitbreaker.NewRegistry(&c.config.Breaker, c.logger,
		circuitbreaker.WithMetrics(c.metrics))

	c.nodes = make(map[string]*Node, len(config.Nodes))
	for _, nc := range config.Nodes {
		c.nodes[nc.ID] = newNode(nc, c.breakers.GetOrCreate(nc.ID))
	}
	c.table.Store(buildTable(0, c.nodes, time.Now()))
	return c, nil
}

// Start connects to and probes every node concurrently, builds the first
// routing table and starts the health and rebalance loops. Unreachable
// nodes do not fail Start: they are retried by the rebalance loop.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("coordinator already started")
	}

	c.mu.Lock()
	nodes := c.nodes
	c.mu.Unlock()

	c.connectAll(ctx, sortedNodes(nodes))
	c.rebuild(false)

	snap := c.Snapshot()
	c.logger.Info("cluster coordinator started",
		observability.String("status", string(snap.Status)),
		observability.Int("nodes", len(snap.Nodes)),
		observability.Uint64("topology_version", snap.TopologyVersion),
	)

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(2)
	go c.loop(loopCtx, c.config.HealthInterval, c.HealthCheck)
	go c.loop(loopCtx, c.config.RebalanceInterval, c.Rebalance)
	return nil
}

// loop calls fn every interval until ctx is done.
func (c *Coordinator) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Close stops the loops and closes every node client.
func (c *Coordinator) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	nodes := c.nodes
	c.mu.Unlock()

	var errs []error
	for _, n := range sortedNodes(nodes) {
		if client := n.swap(nil, nil); client != nil {
			if err := client.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close node %s: %w", n.ID(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// connectAll connects and probes nodes concurrently.
func (c *Coordinator) connectAll(ctx context.Context, nodes []*Node) {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		g.Go(func() error {
			c.connect(gctx, n)
			return nil
		})
	}
	_ = g.Wait()
}

// newClient creates a client and runner for n.
func (c *Coordinator) newClient(n *Node) (redis.UniversalClient, *store.ScriptRunner) {
	cfg := c.redisConfig(n.Config())
	client := store.NewClient(cfg)
	runner := store.NewScriptRunner(client, store.RunnerConfig{
		Node:           n.ID(),
		Prefix:         c.config.KeyPrefix,
		Timeout:        c.config.CheckTimeout,
		DisableScripts: c.config.DisableScripts,
	},
		store.WithBreaker(n.breaker),
		store.WithRunnerLogger(c.logger),
		store.WithRunnerMetrics(c.metrics),
	)
	return client, runner
}

func (c *Coordinator) redisConfig(nc NodeConfig) store.RedisConfig {
	cfg := c.config.Redis
	cfg.Address = nc.Address
	cfg.Password = nc.Password
	cfg.DB = nc.DB
	return cfg
}

// connect installs a fresh client on n, then probes it and loads the
// scripts. A node that cannot be reached is marked unavailable.
func (c *Coordinator) connect(ctx context.Context, n *Node) {
	client, runner := c.newClient(n)
	if old := n.swap(client, runner); old != nil {
		_ = old.Close()
	}

	if err := store.Connect(ctx, client, c.redisConfig(n.Config()), c.logger); err != nil {
		n.markUnavailable(c.config.UnavailableAfter, time.Now())
		c.recordHealth(n)
		c.logger.Warn("cluster node unreachable",
			observability.String("node", n.ID()),
			observability.Error(err),
		)
		return
	}

	if err := c.probe(ctx, n); err != nil {
		return
	}
	c.loadScripts(ctx, n, runner)
}

// refreshNode checks n and, when it answers while its runner is on
// the fallback, tries to load the scripts again.
func (c *Coordinator) refreshNode(ctx context.Context, n *Node) {
	if err := c.probe(ctx, n); err != nil {
		return
	}
	if runner := n.Runner(); runner != nil && runner.Degraded() {
		c.loadScripts(ctx, n, runner)
	}
}

// loadScripts pre-loads the scripts on n. A node without scripting keeps
// serving through the fallback.
func (c *Coordinator) loadScripts(ctx context.Context, n *Node, runner *store.ScriptRunner) {
	if err := runner.Load(ctx); err != nil {
		c.logger.Warn("failed to load scripts",
			observability.String("node", n.ID()),
			observability.Bool("fallback", runner.Degraded()),
			observability.Error(err),
		)
	}
}

// probe runs one probe of n under the probe timeout. A probe that outlives
// the timeout is abandoned and counted as failed.
func (c *Coordinator) probe(ctx context.Context, n *Node) error {
	ctx, span := clusterTracer.Start(ctx, "cluster.probe",
		trace.WithAttributes(attribute.String("node.id", n.ID())),
	)
	defer span.End()

	pctx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()

	type result struct {
		res ProbeResult
		err error
	}
	done := make(chan result, 1)
	client := n.Client()
	go func() {
		if client == nil {
			done <- result{err: errors.New("node has no client")}
			return
		}
		res, err := c.prober.Probe(pctx, client)
		done <- result{res: res, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-pctx.Done():
		r.err = fmt.Errorf("probe abandoned: %w", pctx.Err())
	}

	wasReachable := n.Reachable()
	now := time.Now()
	if r.err != nil {
		n.recordFailure(c.config.UnavailableAfter, now)
		c.recordHealth(n)
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())

		if wasReachable && !n.Reachable() {
			c.logger.Warn("cluster node unavailable",
				observability.String("node", n.ID()),
				observability.Int("consecutive_errors", n.ConsecutiveErrors()),
				observability.Error(r.err),
			)
		}
		return r.err
	}

	prevRole := n.Role()
	n.recordSuccess(r.res.Role, r.res.Latency, now)
	c.recordHealth(n)
	c.metrics.SetNodeLatency(n.ID(), r.res.Latency)
	span.SetAttributes(attribute.String("node.role", n.Role().String()))

	if !wasReachable {
		c.logger.Info("cluster node reachable",
			observability.String("node", n.ID()),
			observability.String("role", n.Role().String()),
		)
	} else if prevRole != n.Role() {
		c.logger.Info("cluster node role changed",
			observability.String("node", n.ID()),
			observability.String("from", prevRole.String()),
			observability.String("to", n.Role().String()),
		)
	}
	return nil
}

func (c *Coordinator) recordHealth(n *Node) {
	var v float64
	switch n.Health() {
	case HealthHealthy:
		v = 1
	case HealthDegraded:
		v = 0.5
	}
	c.metrics.SetNodeHealth(n.ID(), v)
}

// HealthCheck probes every node once, concurrently, and rebuilds the
// routing table.
func (c *Coordinator) HealthCheck(ctx context.Context) {
	c.mu.Lock()
	nodes := sortedNodes(c.nodes)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			c.refreshNode(ctx, n)
		}(n)
	}
	wg.Wait()

	c.lastCheck.Store(time.Now().UnixNano())
	c.rebuild(false)
}

// Rebalance reconnects every unavailable node, re-probes the others to
// pick up promotions and demotions, and rebuilds the routing table.
func (c *Coordinator) Rebalance(ctx context.Context) {
	c.mu.Lock()
	nodes := sortedNodes(c.nodes)
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		g.Go(func() error {
			if n.Health() == HealthUnavailable {
				c.logger.Debug("reconnecting cluster node", observability.String("node", n.ID()))
				c.connect(gctx, n)
				return nil
			}
			c.refreshNode(gctx, n)
			return nil
		})
	}
	_ = g.Wait()

	c.lastCheck.Store(time.Now().UnixNano())
	c.rebuild(false)
}

// rebuild recomputes the routing table. The version moves when the
// targets change or when force is set.
func (c *Coordinator) rebuild(force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.table.Load()
	next := buildTable(c.version, c.nodes, time.Now())
	if force || !next.sameTargets(old) {
		c.version++
		next.version = c.version

		c.logger.Info("routing table rebuilt",
			observability.Uint64("version", next.version),
			observability.Strings("targets", next.targets),
			observability.Bool("primaries", next.primaries),
		)
	}
	c.table.Store(next)
	c.metrics.SetRoutingTable(next.version, len(next.targets))
}

// SetTopology replaces the node set. Unchanged nodes keep their clients
// and state; new nodes are connected before they become routable; removed
// nodes are closed. An identical node set is a no-op.
func (c *Coordinator) SetTopology(ctx context.Context, configs []NodeConfig) error {
	if err := validateNodes(configs); err != nil {
		return fmt.Errorf("invalid topology: %w", err)
	}

	c.mu.Lock()
	current := c.nodes
	c.mu.Unlock()

	next := make(map[string]*Node, len(configs))
	var added []*Node
	for _, nc := range configs {
		if n, ok := current[nc.ID]; ok && n.Config() == nc {
			next[nc.ID] = n
			continue
		}
		c.breakers.Remove(nc.ID)
		n := newNode(nc, c.breakers.GetOrCreate(nc.ID))
		next[nc.ID] = n
		added = append(added, n)
	}
	if len(added) == 0 && len(next) == len(current) {
		return nil
	}

	c.connectAll(ctx, added)

	c.mu.Lock()
	c.nodes = next
	c.mu.Unlock()
	c.rebuild(true)

	for id, n := range current {
		if kept, ok := next[id]; ok && kept == n {
			continue
		}
		if _, ok := next[id]; !ok {
			c.breakers.Remove(id)
			c.metrics.DeleteNode(id)
		}
		if client := n.swap(nil, nil); client != nil {
			_ = client.Close()
		}
	}

	c.logger.Info("cluster topology updated",
		observability.Int("nodes", len(next)),
		observability.Int("added", len(added)),
	)
	return nil
}

// Route returns the node key is assigned to.
func (c *Coordinator) Route(key string) (*Node, error) {
	return c.table.Load().route(key)
}

// Check routes key and runs the distributed check on its node.
func (c *Coordinator) Check(
	ctx context.Context,
	algorithm ratelimit.Algorithm,
	key ratelimit.Key,
	cfg ratelimit.LimitConfig,
	now time.Time,
	requestID string,
) (ratelimit.Decision, error) {
	n, err := c.Route(key.String())
	if err != nil {
		return ratelimit.Decision{}, err
	}
	runner := n.Runner()
	if runner == nil {
		return ratelimit.Decision{}, fmt.Errorf("node %s: %w", n.ID(), ErrNoNodeAvailable)
	}
	return runner.Check(ctx, algorithm, key, cfg, now, requestID)
}

// Reset deletes key from every reachable node, since earlier topologies
// may have placed it elsewhere.
func (c *Coordinator) Reset(ctx context.Context, key ratelimit.Key) error {
	c.mu.Lock()
	nodes := sortedNodes(c.nodes)
	c.mu.Unlock()

	var errs []error
	reset := 0
	for _, n := range nodes {
		runner := n.Runner()
		if !n.Reachable() || runner == nil {
			continue
		}
		if err := runner.Reset(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", n.ID(), err))
			continue
		}
		reset++
	}
	if reset == 0 && len(errs) == 0 {
		return ErrNoNodeAvailable
	}
	return errors.Join(errs...)
}

// Nodes returns the nodes sorted by id.
func (c *Coordinator) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedNodes(c.nodes)
}

// Snapshot returns the current cluster view.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	nodes := c.nodes
	c.mu.Unlock()

	snap := Snapshot{
		Status:          aggregateStatus(nodes),
		Nodes:           make([]NodeStatus, 0, len(nodes)),
		TopologyVersion: c.table.Load().version,
	}
	if v := c.lastCheck.Load(); v != 0 {
		snap.LastCheck = time.Unix(0, v)
	}
	for _, n := range sortedNodes(nodes) {
		st := n.status()
		if st.LastCheck.After(snap.LastCheck) {
			snap.LastCheck = st.LastCheck
		}
		snap.Nodes = append(snap.Nodes, st)
	}
	return snap
}

func sortedNodes(nodes map[string]*Node) []*Node {
	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
