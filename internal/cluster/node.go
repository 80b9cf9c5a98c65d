// Package cluster routes distributed rate limit checks across a set of
// Redis nodes.
//
// The Coordinator probes every node at startup, keeps probing them on a
// health loop and tries to recover unavailable nodes on a slower rebalance
// loop. Keys are assigned to reachable primaries by FNV-1a hash over an
// immutable, versioned routing table that only the loops rebuild.
package cluster

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avaguard/internal/circuitbreaker"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit/store"
)

// Role is the replication role of a node.
type Role int32

const (
	// RoleUnknown is used until a node has been classified.
	RoleUnknown Role = iota
	// RolePrimary nodes receive traffic.
	RolePrimary
	// RoleReplica nodes receive traffic only when no primary is reachable.
	RoleReplica
)

// String returns the string representation of the role.
func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleReplica:
		return "replica"
	default:
		return "unknown"
	}
}

// ParseRole parses a configured role. The empty string is RoleUnknown.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return RoleUnknown, nil
	case "primary", "master":
		return RolePrimary, nil
	case "replica", "slave":
		return RoleReplica, nil
	default:
		return RoleUnknown, fmt.Errorf("unknown node role: %q", s)
	}
}

// Health is the health of a single node.
type Health int32

const (
	// HealthUnknown is used until the first probe.
	HealthUnknown Health = iota
	// HealthHealthy nodes answered the last probe.
	HealthHealthy
	// HealthDegraded nodes failed recent probes but remain routable.
	HealthDegraded
	// HealthUnavailable nodes are excluded from routing.
	HealthUnavailable
)

// String returns the string representation of the health.
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// NodeConfig describes one node.
type NodeConfig struct {
	ID       string `yaml:"id" json:"id"`
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password,omitempty" json:"-"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`

	// Role is the configured role, used when the node cannot report its own.
	Role string `yaml:"role,omitempty" json:"role,omitempty"`
}

// Validate checks the node configuration.
func (c NodeConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("node id is required")
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("node %s: invalid address %q: %w", c.ID, c.Address, err)
	}
	if _, err := ParseRole(c.Role); err != nil {
		return fmt.Errorf("node %s: %w", c.ID, err)
	}
	return nil
}

// Node is one Redis node of the cluster. Health, role and latency are
// updated by the coordinator loops and read lock-free on the hot path.
type Node struct {
	config     NodeConfig
	configRole Role
	breaker    *circuitbreaker.CircuitBreaker

	mu     sync.RWMutex
	client redis.UniversalClient
	runner *store.ScriptRunner

	role              atomic.Int32
	health            atomic.Int32
	consecutiveErrors atomic.Int32
	latency           atomic.Int64
	lastCheck         atomic.Int64
}

func newNode(cfg NodeConfig, breaker *circuitbreaker.CircuitBreaker) *Node {
	role, _ := ParseRole(cfg.Role)
	n := &Node{config: cfg, configRole: role, breaker: breaker}
	n.role.Store(int32(role))
	return n
}

// ID returns the node id.
func (n *Node) ID() string {
	return n.config.ID
}

// Config returns the node configuration.
func (n *Node) Config() NodeConfig {
	return n.config
}

// Role returns the current role.
func (n *Node) Role() Role {
	return Role(n.role.Load())
}

// Health returns the current health.
func (n *Node) Health() Health {
	return Health(n.health.Load())
}

// Reachable reports whether the node may receive traffic.
func (n *Node) Reachable() bool {
	h := n.Health()
	return h == HealthHealthy || h == HealthDegraded
}

// Latency returns the latency of the last successful probe.
func (n *Node) Latency() time.Duration {
	return time.Duration(n.latency.Load())
}

// ConsecutiveErrors returns the number of failed probes in a row.
func (n *Node) ConsecutiveErrors() int {
	return int(n.consecutiveErrors.Load())
}

// LastCheck returns the time of the last probe.
func (n *Node) LastCheck() time.Time {
	v := n.lastCheck.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// Client returns the node client.
func (n *Node) Client() redis.UniversalClient {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.client
}

// Runner returns the script runner bound to the current client.
func (n *Node) Runner() *store.ScriptRunner {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.runner
}

// swap installs a new client and runner and returns the previous client.
func (n *Node) swap(client redis.UniversalClient, runner *store.ScriptRunner) redis.UniversalClient {
	n.mu.Lock()
	defer n.mu.Unlock()
	old := n.client
	n.client = client
	n.runner = runner
	return old
}

// recordSuccess marks a successful probe.
func (n *Node) recordSuccess(role Role, latency time.Duration, now time.Time) {
	if role == RoleUnknown {
		role = n.configRole
	}
	if role == RoleUnknown {
		role = RolePrimary
	}
	n.role.Store(int32(role))
	n.consecutiveErrors.Store(0)
	n.latency.Store(int64(latency))
	n.health.Store(int32(HealthHealthy))
	n.lastCheck.Store(now.UnixNano())
}

// recordFailure marks a failed probe. threshold consecutive failures make
// the node unavailable.
func (n *Node) recordFailure(threshold int, now time.Time) {
	errs := n.consecutiveErrors.Add(1)
	if int(errs) >= threshold {
		n.health.Store(int32(HealthUnavailable))
	} else {
		n.health.Store(int32(HealthDegraded))
	}
	n.lastCheck.Store(now.UnixNano())
}

// markUnavailable excludes the node until it is recovered.
func (n *Node) markUnavailable(threshold int, now time.Time) {
	if int(n.consecutiveErrors.Load()) < threshold {
		n.consecutiveErrors.Store(int32(threshold))
	}
	n.health.Store(int32(HealthUnavailable))
	n.lastCheck.Store(now.UnixNano())
}

// status returns the node status for snapshots.
func (n *Node) status() NodeStatus {
	host, portStr, _ := net.SplitHostPort(n.config.Address)
	port, _ := strconv.Atoi(portStr)
	return NodeStatus{
		ID:                n.config.ID,
		Host:              host,
		Port:              port,
		Role:              n.Role().String(),
		Health:            n.Health().String(),
		LatencyMs:         float64(n.Latency().Microseconds()) / 1000,
		ConsecutiveErrors: n.ConsecutiveErrors(),
		LastCheck:         n.LastCheck(),
	}
}
