package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vyrodovalexey/avaguard/internal/cluster"
)

// ErrDegraded marks a check result as degraded rather than failed.
var ErrDegraded = errors.New("degraded")

// DependencyType represents the type of dependency.
type DependencyType string

const (
	// DependencyTypeDatabase is a database dependency.
	DependencyTypeDatabase DependencyType = "database"
	// DependencyTypeCluster is the shared counter store.
	DependencyTypeCluster DependencyType = "cluster"
	// DependencyTypeCustom is a custom dependency.
	DependencyTypeCustom DependencyType = "custom"
)

// DependencyCheck represents a dependency health check.
type DependencyCheck struct {
	name     string
	depType  DependencyType
	checkFn  func(ctx context.Context) error
	critical bool
}

// Name returns the name of the dependency check.
func (d *DependencyCheck) Name() string {
	return d.name
}

// Type returns the dependency type.
func (d *DependencyCheck) Type() DependencyType {
	return d.depType
}

// Check performs the dependency health check.
func (d *DependencyCheck) Check(ctx context.Context) error {
	return d.checkFn(ctx)
}

// IsCritical reports whether a failure makes the service unready.
func (d *DependencyCheck) IsCritical() bool {
	return d.critical
}

// DependencyCheckOption is a function that configures a DependencyCheck.
type DependencyCheckOption func(*DependencyCheck)

// WithCritical marks the dependency as critical.
func WithCritical(critical bool) DependencyCheckOption {
	return func(d *DependencyCheck) {
		d.critical = critical
	}
}

// NewDependencyCheck creates a new dependency check. Checks are critical
// unless configured otherwise.
func NewDependencyCheck(
	name string,
	depType DependencyType,
	checkFn func(ctx context.Context) error,
	opts ...DependencyCheckOption,
) *DependencyCheck {
	d := &DependencyCheck{
		name:     name,
		depType:  depType,
		checkFn:  checkFn,
		critical: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ClusterSource reports the shared store health. It is satisfied by
// *engine.Engine.
type ClusterSource interface {
	ClusterHealth() cluster.Snapshot
}

// ClusterHealthCheck maps the cluster status onto a check result: degraded
// clusters report ErrDegraded and unavailable ones fail.
func ClusterHealthCheck(name string, src ClusterSource, opts ...DependencyCheckOption) *DependencyCheck {
	return NewDependencyCheck(name, DependencyTypeCluster, func(context.Context) error {
		snap := src.ClusterHealth()
		switch snap.Status {
		case cluster.StatusHealthy:
			return nil
		case cluster.StatusDegraded:
			return fmt.Errorf("%w: %d of %d nodes reachable", ErrDegraded, reachable(snap), len(snap.Nodes))
		default:
			return fmt.Errorf("no primary reachable (%d nodes)", len(snap.Nodes))
		}
	}, opts...)
}

func reachable(snap cluster.Snapshot) int {
	n := 0
	for _, node := range snap.Nodes {
		if node.Health != cluster.HealthUnavailable.String() {
			n++
		}
	}
	return n
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PostgresHealthCheck pings the event database.
func PostgresHealthCheck(name string, db Pinger, opts ...DependencyCheckOption) *DependencyCheck {
	return NewDependencyCheck(name, DependencyTypeDatabase, func(ctx context.Context) error {
		if db == nil {
			return fmt.Errorf("database pool is nil")
		}
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		return nil
	}, opts...)
}

// CustomHealthCheck creates a custom health check.
func CustomHealthCheck(
	name string,
	checkFn func(ctx context.Context) error,
	opts ...DependencyCheckOption,
) *DependencyCheck {
	return NewDependencyCheck(name, DependencyTypeCustom, checkFn, opts...)
}

// CachedHealthCheck caches health check results for a TTL.
type CachedHealthCheck struct {
	check      HealthCheck
	cacheTTL   time.Duration
	now        func() time.Time
	mu         sync.Mutex
	lastCheck  time.Time
	lastResult error
}

// NewCachedHealthCheck creates a new cached health check.
func NewCachedHealthCheck(check HealthCheck, cacheTTL time.Duration) *CachedHealthCheck {
	return &CachedHealthCheck{
		check:    check,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Name returns the name of the health check.
func (c *CachedHealthCheck) Name() string {
	return c.check.Name()
}

// IsCritical follows the wrapped check.
func (c *CachedHealthCheck) IsCritical() bool {
	return isCritical(c.check)
}

// Check returns the cached result while it is fresh.
func (c *CachedHealthCheck) Check(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.lastCheck.IsZero() && now.Sub(c.lastCheck) < c.cacheTTL {
		return c.lastResult
	}

	c.lastResult = c.check.Check(ctx)
	c.lastCheck = now
	return c.lastResult
}
