package cluster

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProbeResult is what one probe learned about a node.
type ProbeResult struct {
	// Role is RoleUnknown when the node did not report one.
	Role    Role
	Latency time.Duration
}

// Prober checks a node's liveness and role.
type Prober interface {
	Probe(ctx context.Context, client redis.UniversalClient) (ProbeResult, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, client redis.UniversalClient) (ProbeResult, error)

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, client redis.UniversalClient) (ProbeResult, error) {
	return f(ctx, client)
}

// RedisProber pings the node and reads its role from INFO replication.
// Servers that do not serve INFO replication keep their configured role.
type RedisProber struct{}

// Probe implements Prober.
func (RedisProber) Probe(ctx context.Context, client redis.UniversalClient) (ProbeResult, error) {
	start := time.Now()
	if err := client.Ping(ctx).Err(); err != nil {
		return ProbeResult{}, fmt.Errorf("ping: %w", err)
	}
	res := ProbeResult{Latency: time.Since(start)}

	info, err := client.Info(ctx, "replication").Result()
	if err != nil {
		if ctx.Err() != nil {
			return ProbeResult{}, fmt.Errorf("info replication: %w", err)
		}
		return res, nil
	}
	res.Role = parseReplicationRole(info)
	return res, nil
}

// parseReplicationRole extracts the role line of an INFO replication reply.
func parseReplicationRole(info string) Role {
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		value, ok := strings.CutPrefix(line, "role:")
		if !ok {
			continue
		}
		role, err := ParseRole(value)
		if err != nil {
			return RoleUnknown
		}
		return role
	}
	return RoleUnknown
}
