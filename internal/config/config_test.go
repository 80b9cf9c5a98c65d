package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/avaguard/internal/cluster"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, ValidateConfig(cfg))

	assert.Equal(t, "token_bucket", cfg.Engine.Algorithm)
	assert.Equal(t, 7*24*time.Hour, cfg.Engine.Retention.Duration())
	assert.False(t, cfg.Cluster.Enabled)
	assert.Equal(t, 150*time.Millisecond, cfg.Cluster.CheckTimeout.Duration())
	assert.Equal(t, 30*time.Second, cfg.Cluster.HealthInterval.Duration())
	assert.Equal(t, 5*time.Minute, cfg.Cluster.RebalanceInterval.Duration())
	assert.Equal(t, 0.8, cfg.Abuse.AlertThreshold)
	assert.Equal(t, time.Hour, cfg.Abuse.BlockDuration)
	assert.Equal(t, 0.7, cfg.Adaptive.LowTrustFactor)
	assert.Equal(t, ":9090", cfg.Admin.Address)
}

func TestConfig_EngineConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Engine.Algorithm = "Sliding_Window"
	cfg.Engine.Retention = Duration(time.Hour)

	ec := cfg.EngineConfig()
	assert.Equal(t, ratelimit.AlgorithmSlidingWindow, ec.Algorithm)
	assert.Equal(t, time.Hour, ec.Retention)
	assert.Equal(t, cfg.Abuse, ec.Abuse)
	assert.Equal(t, cfg.Adaptive, ec.Adaptive)

	cfg.Engine.Algorithm = "gcra"
	assert.Equal(t, ratelimit.Algorithm("gcra"), cfg.EngineConfig().Algorithm)
}

func TestConfig_ClusterConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Cluster.Nodes = []cluster.NodeConfig{{ID: "a", Address: "10.0.0.1:6379", Role: "primary"}}
	cfg.Cluster.CheckTimeout = Duration(200 * time.Millisecond)
	cfg.Cluster.CircuitBreaker.MaxFailures = 3

	cc := cfg.ClusterConfig()
	assert.Equal(t, cfg.Cluster.Nodes, cc.Nodes)
	assert.Equal(t, 200*time.Millisecond, cc.CheckTimeout)
	assert.Equal(t, 3, cc.Breaker.MaxFailures)
	assert.Equal(t, 2*time.Second, cc.Redis.DialTimeout)

	cc.Nodes[0].ID = "changed"
	assert.Equal(t, "a", cfg.Cluster.Nodes[0].ID, "nodes are copied")
}

func TestConfig_EventConfigs(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Events.Postgres.DSN = "postgres://avaguard@db/avaguard"

	dc := cfg.DispatcherConfig()
	assert.Equal(t, 10000, dc.BufferSize)
	assert.Equal(t, 5*time.Second, dc.FlushInterval)

	pc := cfg.PostgresConfig()
	assert.Equal(t, "postgres://avaguard@db/avaguard", pc.DSN)
	assert.Equal(t, int32(4), pc.MaxConns)
}

func TestLimitsConfig_LimitConfig(t *testing.T) {
	t.Parallel()

	l := LimitsConfig{RequestsPerMinute: 30, RequestsPerHour: 500, BurstSize: 5, RefillRate: 0.5, Window: Duration(30 * time.Second)}
	assert.Equal(t, ratelimit.LimitConfig{
		RequestsPerMinute: 30,
		RequestsPerHour:   500,
		BurstSize:         5,
		RefillRate:        0.5,
		Window:            30 * time.Second,
	}, l.LimitConfig())
}

func TestDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "milliseconds", input: `"150ms"`, want: 150 * time.Millisecond},
		{name: "compound", input: `"1h30m"`, want: 90 * time.Minute},
		{name: "empty", input: `""`, want: 0},
		{name: "null", input: `null`, want: 0},
		{name: "invalid", input: `"soon"`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var d Duration
			err := json.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration())
		})
	}
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	t.Parallel()

	var v struct {
		Timeout Duration `yaml:"timeout"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("timeout: 250ms\n"), &v))
	assert.Equal(t, 250*time.Millisecond, v.Timeout.Duration())

	out, err := yaml.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, "timeout: 250ms\n", string(out))

	b, err := json.Marshal(v.Timeout)
	require.NoError(t, err)
	assert.Equal(t, `"250ms"`, string(b))

	assert.Error(t, yaml.Unmarshal([]byte("timeout: [1]\n"), &v))
}
