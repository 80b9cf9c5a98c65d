package cluster

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaguard/internal/observability"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit/store"
)

type testNode struct {
	id   string
	role string
}

func testConfig(t *testing.T, nodes ...testNode) (Config, map[string]*miniredis.Miniredis) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Redis.ConnectRetries = 0
	cfg.Redis.DialTimeout = 200 * time.Millisecond
	cfg.ProbeTimeout = 500 * time.Millisecond
	cfg.CheckTimeout = time.Second
	cfg.HealthInterval = time.Hour
	cfg.RebalanceInterval = time.Hour

	servers := make(map[string]*miniredis.Miniredis, len(nodes))
	for _, n := range nodes {
		mr := miniredis.RunT(t)
		servers[n.id] = mr
		cfg.Nodes = append(cfg.Nodes, NodeConfig{ID: n.id, Address: mr.Addr(), Role: n.role})
	}
	return cfg, servers
}

func startCoordinator(t *testing.T, cfg Config, opts ...Option) *Coordinator {
	t.Helper()

	opts = append([]Option{WithMetrics(observability.NewMetrics("test"))}, opts...)
	c, err := NewCoordinator(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func assignments(t *testing.T, c *Coordinator, n int) map[string]string {
	t.Helper()
	out := make(map[string]string, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("client-%d", i)
		node, err := c.Route(key)
		require.NoError(t, err)
		out[key] = node.ID()
	}
	return out
}

func TestCoordinator_RoutesToPrimaries(t *testing.T) {
	cfg, _ := testConfig(t,
		testNode{id: "a", role: "primary"},
		testNode{id: "b", role: "primary"},
		testNode{id: "c", role: "replica"},
	)
	c := startCoordinator(t, cfg)

	snap := c.Snapshot()
	assert.Equal(t, StatusHealthy, snap.Status)
	assert.Len(t, snap.Nodes, 3)
	assert.Equal(t, uint64(1), snap.TopologyVersion)
	assert.False(t, snap.LastCheck.IsZero())
	for _, n := range snap.Nodes {
		assert.Equal(t, "healthy", n.Health)
		assert.Equal(t, "127.0.0.1", n.Host)
		assert.Positive(t, n.Port)
	}

	targets := []string{"a", "b"}
	for key, id := range assignments(t, c, 200) {
		assert.Equal(t, targets[hashKey(key)%2], id, key)
	}
}

func TestCoordinator_ReplicaAdditionKeepsAssignments(t *testing.T) {
	cfg, _ := testConfig(t,
		testNode{id: "a", role: "primary"},
		testNode{id: "b", role: "primary"},
		testNode{id: "c", role: "primary"},
	)
	c := startCoordinator(t, cfg)
	before := assignments(t, c, 500)
	version := c.Snapshot().TopologyVersion

	replica := miniredis.RunT(t)
	nodes := append(append([]NodeConfig(nil), cfg.Nodes...),
		NodeConfig{ID: "d", Address: replica.Addr(), Role: "replica"})
	require.NoError(t, c.SetTopology(context.Background(), nodes))

	snap := c.Snapshot()
	assert.Len(t, snap.Nodes, 4)
	assert.Greater(t, snap.TopologyVersion, version)
	assert.Equal(t, before, assignments(t, c, 500))
}

func TestCoordinator_PrimaryFailureAndRecovery(t *testing.T) {
	cfg, servers := testConfig(t,
		testNode{id: "a", role: "primary"},
		testNode{id: "b", role: "primary"},
	)
	c := startCoordinator(t, cfg)
	ctx := context.Background()

	servers["b"].Close()

	c.HealthCheck(ctx)
	c.HealthCheck(ctx)
	b := c.Nodes()[1]
	assert.Equal(t, HealthDegraded, b.Health())
	assert.Equal(t, 2, b.ConsecutiveErrors())

	c.HealthCheck(ctx)
	assert.Equal(t, HealthUnavailable, b.Health())
	assert.Equal(t, StatusDegraded, c.Snapshot().Status)
	for _, id := range assignments(t, c, 100) {
		assert.Equal(t, "a", id)
	}

	require.NoError(t, servers["b"].Restart())
	c.Rebalance(ctx)

	assert.Equal(t, HealthHealthy, b.Health())
	assert.Zero(t, b.ConsecutiveErrors())
	assert.Equal(t, StatusHealthy, c.Snapshot().Status)

	seen := make(map[string]bool)
	for _, id := range assignments(t, c, 100) {
		seen[id] = true
	}
	assert.True(t, seen["a"] && seen["b"])
}

func TestCoordinator_ReplicasServeWithoutPrimaries(t *testing.T) {
	cfg, servers := testConfig(t,
		testNode{id: "a", role: "primary"},
		testNode{id: "r1", role: "replica"},
		testNode{id: "r2", role: "replica"},
	)
	servers["a"].Close()
	c := startCoordinator(t, cfg)

	assert.Equal(t, StatusUnavailable, c.Snapshot().Status)
	for _, id := range assignments(t, c, 50) {
		assert.Contains(t, []string{"r1", "r2"}, id)
	}
}

func TestCoordinator_NoNodeAvailable(t *testing.T) {
	cfg, servers := testConfig(t, testNode{id: "a", role: "primary"})
	servers["a"].Close()
	c := startCoordinator(t, cfg)

	_, err := c.Route("client-1")
	assert.ErrorIs(t, err, ErrNoNodeAvailable)

	_, err = c.Check(context.Background(), ratelimit.AlgorithmSlidingWindow, "client-1",
		ratelimit.LimitConfig{RequestsPerMinute: 5}, time.Now(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNoNodeAvailable)

	assert.ErrorIs(t, c.Reset(context.Background(), "client-1"), ErrNoNodeAvailable)
	assert.Equal(t, StatusUnavailable, c.Snapshot().Status)
}

func TestCoordinator_CheckAndReset(t *testing.T) {
	cfg, servers := testConfig(t,
		testNode{id: "a", role: "primary"},
		testNode{id: "b", role: "primary"},
	)
	c := startCoordinator(t, cfg)
	ctx := context.Background()
	limits := ratelimit.LimitConfig{RequestsPerMinute: 2}
	now := time.Date(2025, 3, 10, 12, 0, 5, 0, time.UTC)

	owner, err := c.Route("client-1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		d, err := c.Check(ctx, ratelimit.AlgorithmSlidingWindow, "client-1", limits, now, uuid.NewString())
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, owner.ID(), d.Node)
	}
	d, err := c.Check(ctx, ratelimit.AlgorithmSlidingWindow, "client-1", limits, now, uuid.NewString())
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	key := store.SlidingWindowKey(store.DefaultPrefix, "client-1")
	assert.True(t, servers[owner.ID()].Exists(key))

	require.NoError(t, c.Reset(ctx, "client-1"))
	require.NoError(t, c.Reset(ctx, "client-1"))
	assert.False(t, servers[owner.ID()].Exists(key))

	d, err = c.Check(ctx, ratelimit.AlgorithmSlidingWindow, "client-1", limits, now, uuid.NewString())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCoordinator_HealthCheckRestoresScripts(t *testing.T) {
	cfg, servers := testConfig(t, testNode{id: "a", role: "primary"})
	c := startCoordinator(t, cfg)
	ctx := context.Background()
	limits := ratelimit.LimitConfig{RequestsPerMinute: 5}
	now := time.Date(2025, 3, 10, 12, 0, 5, 0, time.UTC)

	n, err := c.Route("client-1")
	require.NoError(t, err)
	runner := n.Runner()

	servers["a"].SetError("ERR unknown command 'script'")
	require.ErrorIs(t, runner.Load(ctx), store.ErrScriptUnavailable)
	servers["a"].SetError("")
	require.True(t, runner.Degraded())

	d, err := c.Check(ctx, ratelimit.AlgorithmSlidingWindow, "client-1", limits, now, uuid.NewString())
	require.NoError(t, err)
	assert.True(t, d.Degraded)

	c.HealthCheck(ctx)
	assert.False(t, runner.Degraded())

	d, err = c.Check(ctx, ratelimit.AlgorithmSlidingWindow, "client-1", limits, now, uuid.NewString())
	require.NoError(t, err)
	assert.False(t, d.Degraded)
	assert.Equal(t, 3, d.Remaining)

	servers["a"].SetError("ERR unknown command 'script'")
	require.Error(t, runner.Load(ctx))
	servers["a"].SetError("")
	c.Rebalance(ctx)
	assert.False(t, runner.Degraded(), "rebalance restores scripts on reachable nodes too")
}

// roleProber reports roles from a mutable table.
type roleProber struct {
	mu    sync.Mutex
	roles map[string]Role
}

func (p *roleProber) set(addr string, role Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roles[addr] = role
}

func (p *roleProber) Probe(ctx context.Context, client redis.UniversalClient) (ProbeResult, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return ProbeResult{}, err
	}
	c, ok := client.(*redis.Client)
	if !ok {
		return ProbeResult{}, fmt.Errorf("unexpected client %T", client)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProbeResult{Role: p.roles[c.Options().Addr], Latency: time.Millisecond}, nil
}

func TestCoordinator_Promotion(t *testing.T) {
	cfg, servers := testConfig(t, testNode{id: "a"}, testNode{id: "b"})
	prober := &roleProber{roles: map[string]Role{
		servers["a"].Addr(): RolePrimary,
		servers["b"].Addr(): RoleReplica,
	}}
	c := startCoordinator(t, cfg, WithProber(prober))

	nodes := c.Nodes()
	assert.Equal(t, RolePrimary, nodes[0].Role())
	assert.Equal(t, RoleReplica, nodes[1].Role())
	for _, id := range assignments(t, c, 50) {
		assert.Equal(t, "a", id)
	}
	version := c.Snapshot().TopologyVersion

	// a is demoted and b promoted.
	prober.set(servers["a"].Addr(), RoleReplica)
	prober.set(servers["b"].Addr(), RolePrimary)
	c.Rebalance(context.Background())

	assert.Equal(t, RoleReplica, nodes[0].Role())
	assert.Equal(t, RolePrimary, nodes[1].Role())
	for _, id := range assignments(t, c, 50) {
		assert.Equal(t, "b", id)
	}
	assert.Equal(t, version+1, c.Snapshot().TopologyVersion)

	// Nothing changed: the version stays.
	c.HealthCheck(context.Background())
	assert.Equal(t, version+1, c.Snapshot().TopologyVersion)
}

func TestCoordinator_SlowProbeIsAbandoned(t *testing.T) {
	cfg, _ := testConfig(t, testNode{id: "a", role: "primary"})
	cfg.ProbeTimeout = 20 * time.Millisecond

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	var slow sync.Map
	prober := ProberFunc(func(ctx context.Context, client redis.UniversalClient) (ProbeResult, error) {
		if _, ok := slow.Load("on"); ok {
			<-release
		}
		return ProbeResult{Role: RolePrimary}, nil
	})
	c := startCoordinator(t, cfg, WithProber(prober))
	n := c.Nodes()[0]
	require.Equal(t, HealthHealthy, n.Health())

	slow.Store("on", true)
	start := time.Now()
	c.HealthCheck(context.Background())

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, HealthDegraded, n.Health())
	assert.Equal(t, 1, n.ConsecutiveErrors())
}

func TestCoordinator_LoopsRunUntilClose(t *testing.T) {
	cfg, _ := testConfig(t, testNode{id: "a", role: "primary"})
	cfg.HealthInterval = 10 * time.Millisecond

	var mu sync.Mutex
	probes := 0
	prober := ProberFunc(func(ctx context.Context, client redis.UniversalClient) (ProbeResult, error) {
		mu.Lock()
		probes++
		mu.Unlock()
		return ProbeResult{Role: RolePrimary}, nil
	})

	c, err := NewCoordinator(cfg, WithProber(prober))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()), "second start is rejected")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return probes >= 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Check(context.Background(), ratelimit.AlgorithmTokenBucket, "k",
		ratelimit.LimitConfig{RequestsPerMinute: 1}, time.Now(), uuid.NewString())
	assert.Error(t, err, "closed nodes have no runner")
}

func TestCoordinator_SetTopologyRemovesNodes(t *testing.T) {
	cfg, _ := testConfig(t,
		testNode{id: "a", role: "primary"},
		testNode{id: "b", role: "primary"},
	)
	c := startCoordinator(t, cfg)
	removed := c.Nodes()[1]

	version := c.Snapshot().TopologyVersion
	require.NoError(t, c.SetTopology(context.Background(), cfg.Nodes))
	assert.Equal(t, version, c.Snapshot().TopologyVersion, "same node set is a no-op")

	require.NoError(t, c.SetTopology(context.Background(), cfg.Nodes[:1]))

	assert.Len(t, c.Nodes(), 1)
	assert.Nil(t, removed.Client())
	for _, id := range assignments(t, c, 20) {
		assert.Equal(t, "a", id)
	}

	assert.Error(t, c.SetTopology(context.Background(), nil))
}

func TestNewCoordinator_Validation(t *testing.T) {
	tests := []struct {
		name  string
		nodes []NodeConfig
	}{
		{name: "no nodes"},
		{name: "missing id", nodes: []NodeConfig{{Address: "localhost:6379"}}},
		{name: "bad address", nodes: []NodeConfig{{ID: "a", Address: "localhost"}}},
		{name: "bad role", nodes: []NodeConfig{{ID: "a", Address: "localhost:6379", Role: "leader"}}},
		{name: "duplicate", nodes: []NodeConfig{
			{ID: "a", Address: "localhost:6379"},
			{ID: "a", Address: "localhost:6380"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Nodes = tt.nodes
			_, err := NewCoordinator(cfg)
			assert.Error(t, err)
		})
	}
}

func TestParseReplicationRole(t *testing.T) {
	tests := []struct {
		info string
		want Role
	}{
		{info: "# Replication\r\nrole:master\r\nconnected_slaves:0\r\n", want: RolePrimary},
		{info: "# Replication\r\nrole:slave\r\nmaster_host:10.0.0.1\r\n", want: RoleReplica},
		{info: "# Replication\r\nrole:sentinel\r\n", want: RoleUnknown},
		{info: "", want: RoleUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseReplicationRole(tt.info), tt.info)
	}
}

func TestRedisProber(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	_, err := RedisProber{}.Probe(context.Background(), client)
	require.NoError(t, err)

	mr.Close()
	_, err = RedisProber{}.Probe(context.Background(), client)
	assert.Error(t, err)
}

func TestHashKey(t *testing.T) {
	assert.Equal(t, uint32(0x811c9dc5), hashKey(""))
	assert.Equal(t, uint32(0xe40c292c), hashKey("a"))
}

func TestRoleAndHealthStrings(t *testing.T) {
	assert.Equal(t, "primary", RolePrimary.String())
	assert.Equal(t, "replica", RoleReplica.String())
	assert.Equal(t, "unknown", RoleUnknown.String())
	assert.Equal(t, "healthy", HealthHealthy.String())
	assert.Equal(t, "degraded", HealthDegraded.String())
	assert.Equal(t, "unavailable", HealthUnavailable.String())
	assert.Equal(t, "unknown", HealthUnknown.String())

	r, err := ParseRole("MASTER")
	require.NoError(t, err)
	assert.Equal(t, RolePrimary, r)
}
