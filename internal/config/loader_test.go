package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfigYAML = `
log:
  level: debug
  format: console
engine:
  algorithm: sliding_window
  retention: 48h
  defaultLimits:
    requestsPerMinute: 120
adaptive:
  highTrustThreshold: 0.9
  highTrustMultiplier: 2
  lowTrustThreshold: 0.2
  lowTrustFactor: 0.5
abuse:
  blockDuration: 30m
  unusualHours:
    enabled: true
    start: 1
    end: 4
cluster:
  enabled: true
  checkTimeout: 200ms
  nodes:
    - id: redis-a
      address: ${REDIS_A:-127.0.0.1:6379}
      role: primary
    - id: redis-b
      address: 127.0.0.1:6380
      role: replica
events:
  postgres:
    enabled: true
    dsn: ${PG_DSN}
`

func testLoader(env map[string]string) *Loader {
	return &Loader{lookupEnv: func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}}
}

func TestLoader_LoadFromReader(t *testing.T) {
	t.Parallel()

	cfg, err := testLoader(map[string]string{"PG_DSN": "postgres://u@db/avaguard"}).
		LoadFromReader(strings.NewReader(fullConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "stdout", cfg.Log.Output, "unset fields keep defaults")
	assert.Equal(t, "sliding_window", cfg.Engine.Algorithm)
	assert.Equal(t, 48*time.Hour, cfg.Engine.Retention.Duration())
	assert.Equal(t, time.Hour, cfg.Engine.CleanupInterval.Duration())
	assert.Equal(t, 120, cfg.Engine.DefaultLimits.RequestsPerMinute)
	assert.Equal(t, 10, cfg.Engine.DefaultLimits.BurstSize)
	assert.Equal(t, 0.5, cfg.Adaptive.LowTrustFactor)
	assert.Equal(t, 30*time.Minute, cfg.Abuse.BlockDuration)
	assert.Equal(t, 0.8, cfg.Abuse.AlertThreshold)
	assert.True(t, cfg.Abuse.UnusualHours.Enabled)
	assert.Equal(t, 200*time.Millisecond, cfg.Cluster.CheckTimeout.Duration())
	require.Len(t, cfg.Cluster.Nodes, 2)
	assert.Equal(t, "127.0.0.1:6379", cfg.Cluster.Nodes[0].Address, "default applies when unset")
	assert.Equal(t, "replica", cfg.Cluster.Nodes[1].Role)
	assert.Equal(t, "postgres://u@db/avaguard", cfg.Events.Postgres.DSN)

	require.NoError(t, ValidateConfig(cfg))
}

func TestLoader_Load(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "avaguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  algorithm: fixed_window\n"), 0o600))

	cfg, err := NewLoader().Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fixed_window", cfg.Engine.Algorithm)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestLoader_EmptyInputGivesDefaults(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "# nothing here\n"} {
		cfg, err := LoadConfigFromReader(strings.NewReader(input))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	}
}

func TestLoader_RejectsBadYAML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{name: "unknown field", input: "engine:\n  algoritm: token_bucket\n"},
		{name: "bad duration", input: "engine:\n  retention: forever\n"},
		{name: "syntax", input: "engine: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadConfigFromReader(strings.NewReader(tt.input))
			assert.ErrorContains(t, err, "failed to parse YAML")
		})
	}
}

func TestLoader_SubstituteEnvVars(t *testing.T) {
	t.Parallel()

	l := testLoader(map[string]string{"HOST": "redis", "EMPTY": ""})

	tests := []struct {
		input string
		want  string
	}{
		{input: "${HOST}", want: "redis"},
		{input: "${HOST:-other}", want: "redis"},
		{input: "${MISSING:-fallback}", want: "fallback"},
		{input: "${MISSING}", want: ""},
		{input: "${EMPTY:-fallback}", want: ""},
		{input: "$${HOST}", want: "${HOST}"},
		{input: "plain", want: "plain"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, l.substituteEnvVars(tt.input), tt.input)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "avaguard.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	got, err := ResolveConfigPath(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = ResolveConfigPath(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	_, err = ResolveConfigPath("definitely-not-here.yaml")
	assert.Error(t, err)
}
