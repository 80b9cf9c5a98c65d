package config

import (
	"time"

	"github.com/vyrodovalexey/avaguard/internal/abuse"
	"github.com/vyrodovalexey/avaguard/internal/circuitbreaker"
	"github.com/vyrodovalexey/avaguard/internal/cluster"
	"github.com/vyrodovalexey/avaguard/internal/engine"
	"github.com/vyrodovalexey/avaguard/internal/events"
	"github.com/vyrodovalexey/avaguard/internal/observability"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit/store"
)

// Config is the root configuration.
type Config struct {
	Log      observability.LogConfig    `yaml:"log" json:"log"`
	Tracing  observability.TracerConfig `yaml:"tracing" json:"tracing"`
	Admin    AdminConfig                `yaml:"admin" json:"admin"`
	Engine   EngineConfig               `yaml:"engine" json:"engine"`
	Adaptive ratelimit.AdaptiveConfig   `yaml:"adaptive" json:"adaptive"`
	Abuse    abuse.Config               `yaml:"abuse" json:"abuse"`
	Cluster  ClusterConfig              `yaml:"cluster" json:"cluster"`
	Events   EventsConfig               `yaml:"events" json:"events"`
}

// AdminConfig configures the operator HTTP server.
type AdminConfig struct {
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	Address         string   `yaml:"address" json:"address"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"read_timeout"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdown_timeout"`

	// RateLimit guards the admin API itself through the engine.
	RateLimit AdminRateLimitConfig `yaml:"rateLimit" json:"rate_limit"`
}

// AdminRateLimitConfig limits calls to the admin API per client.
type AdminRateLimitConfig struct {
	Enabled bool         `yaml:"enabled" json:"enabled"`
	Limits  LimitsConfig `yaml:"limits" json:"limits"`

	// KeyHeader names a header carrying the client identity. Empty means
	// the client IP.
	KeyHeader string `yaml:"keyHeader" json:"key_header"`

	// TrustedProxies lists proxy IPs or CIDRs whose X-Forwarded-For is
	// believed. Empty means only the peer address is used.
	TrustedProxies []string `yaml:"trustedProxies" json:"trusted_proxies"`
}

// EngineConfig configures the admission engine.
type EngineConfig struct {
	Algorithm           string   `yaml:"algorithm" json:"algorithm"`
	Retention           Duration `yaml:"retention" json:"retention"`
	CleanupInterval     Duration `yaml:"cleanupInterval" json:"cleanup_interval"`
	FailOpenLogInterval Duration `yaml:"failOpenLogInterval" json:"fail_open_log_interval"`

	// DefaultLimits apply to checks that do not carry their own limits.
	DefaultLimits LimitsConfig `yaml:"defaultLimits" json:"default_limits"`
}

// LimitsConfig is the file form of ratelimit.LimitConfig.
type LimitsConfig struct {
	RequestsPerMinute int      `yaml:"requestsPerMinute" json:"requests_per_minute"`
	RequestsPerHour   int      `yaml:"requestsPerHour" json:"requests_per_hour"`
	RequestsPerDay    int      `yaml:"requestsPerDay" json:"requests_per_day"`
	BurstSize         int      `yaml:"burstSize" json:"burst_size"`
	RefillRate        float64  `yaml:"refillRate" json:"refill_rate"`
	Window            Duration `yaml:"window" json:"window"`
}

// LimitConfig converts l.
func (l LimitsConfig) LimitConfig() ratelimit.LimitConfig {
	return ratelimit.LimitConfig{
		RequestsPerMinute: l.RequestsPerMinute,
		RequestsPerHour:   l.RequestsPerHour,
		RequestsPerDay:    l.RequestsPerDay,
		BurstSize:         l.BurstSize,
		RefillRate:        l.RefillRate,
		Window:            l.Window.Duration(),
	}
}

// ClusterConfig configures distributed mode.
type ClusterConfig struct {
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	KeyPrefix         string   `yaml:"keyPrefix" json:"key_prefix"`
	CheckTimeout      Duration `yaml:"checkTimeout" json:"check_timeout"`
	DisableScripts    bool     `yaml:"disableScripts" json:"disable_scripts"`
	HealthInterval    Duration `yaml:"healthInterval" json:"health_interval"`
	RebalanceInterval Duration `yaml:"rebalanceInterval" json:"rebalance_interval"`
	ProbeTimeout      Duration `yaml:"probeTimeout" json:"probe_timeout"`
	UnavailableAfter  int      `yaml:"unavailableAfter" json:"unavailable_after"`

	Redis          RedisConfig          `yaml:"redis" json:"redis"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuit_breaker"`
	Nodes          []cluster.NodeConfig `yaml:"nodes" json:"nodes"`
}

// RedisConfig is the client template shared by every node.
type RedisConfig struct {
	PoolSize       int      `yaml:"poolSize" json:"pool_size"`
	MinIdleConns   int      `yaml:"minIdleConns" json:"min_idle_conns"`
	DialTimeout    Duration `yaml:"dialTimeout" json:"dial_timeout"`
	ReadTimeout    Duration `yaml:"readTimeout" json:"read_timeout"`
	WriteTimeout   Duration `yaml:"writeTimeout" json:"write_timeout"`
	ConnectRetries int      `yaml:"connectRetries" json:"connect_retries"`
	InitialBackoff Duration `yaml:"initialBackoff" json:"initial_backoff"`
	MaxBackoff     Duration `yaml:"maxBackoff" json:"max_backoff"`
}

// CircuitBreakerConfig configures the per-node breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int      `yaml:"maxFailures" json:"max_failures"`
	FailureRatio float64  `yaml:"failureRatio" json:"failure_ratio"`
	MinRequests  int      `yaml:"minRequests" json:"min_requests"`
	Timeout      Duration `yaml:"timeout" json:"timeout"`
	HalfOpenMax  int      `yaml:"halfOpenMax" json:"half_open_max"`
	Interval     Duration `yaml:"interval" json:"interval"`
}

// EventsConfig configures event dispatch and its sinks.
type EventsConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	BufferSize    int      `yaml:"bufferSize" json:"buffer_size"`
	BatchSize     int      `yaml:"batchSize" json:"batch_size"`
	FlushInterval Duration `yaml:"flushInterval" json:"flush_interval"`
	WriteTimeout  Duration `yaml:"writeTimeout" json:"write_timeout"`

	Log      LogSinkConfig      `yaml:"log" json:"log"`
	Postgres PostgresSinkConfig `yaml:"postgres" json:"postgres"`
}

// LogSinkConfig enables the log sink.
type LogSinkConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// PostgresSinkConfig enables the Postgres sink.
type PostgresSinkConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	DSN          string `yaml:"dsn" json:"-"`
	MaxConns     int32  `yaml:"maxConns" json:"max_conns"`
	MinConns     int32  `yaml:"minConns" json:"min_conns"`
	EnsureSchema bool   `yaml:"ensureSchema" json:"ensure_schema"`
}

// DefaultConfig returns a Config with default values: local mode, token
// bucket, admin server on :9090 and events logged.
func DefaultConfig() *Config {
	ec := engine.DefaultConfig()
	cc := cluster.DefaultConfig()
	rc := store.DefaultRedisConfig()
	bc := circuitbreaker.DefaultConfig()
	evc := events.DefaultConfig()

	return &Config{
		Log: observability.DefaultLogConfig(),
		Tracing: observability.TracerConfig{
			ServiceName:  "avaguard",
			SamplingRate: 1,
		},
		Admin: AdminConfig{
			Enabled:         true,
			Address:         ":9090",
			ReadTimeout:     Duration(5 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			RateLimit: AdminRateLimitConfig{
				Limits: LimitsConfig{RequestsPerMinute: 600, BurstSize: 100},
			},
		},
		Engine: EngineConfig{
			Algorithm:           string(ec.Algorithm),
			Retention:           Duration(ec.Retention),
			CleanupInterval:     Duration(ec.CleanupInterval),
			FailOpenLogInterval: Duration(ec.FailOpenLogInterval),
			DefaultLimits:       LimitsConfig{RequestsPerMinute: 60, BurstSize: 10},
		},
		Adaptive: ratelimit.DefaultAdaptiveConfig(),
		Abuse:    abuse.DefaultConfig(),
		Cluster: ClusterConfig{
			KeyPrefix:         cc.KeyPrefix,
			CheckTimeout:      Duration(cc.CheckTimeout),
			HealthInterval:    Duration(cc.HealthInterval),
			RebalanceInterval: Duration(cc.RebalanceInterval),
			ProbeTimeout:      Duration(cc.ProbeTimeout),
			UnavailableAfter:  cc.UnavailableAfter,
			Redis: RedisConfig{
				PoolSize:       rc.PoolSize,
				MinIdleConns:   rc.MinIdleConns,
				DialTimeout:    Duration(rc.DialTimeout),
				ReadTimeout:    Duration(rc.ReadTimeout),
				WriteTimeout:   Duration(rc.WriteTimeout),
				ConnectRetries: rc.ConnectRetries,
				InitialBackoff: Duration(rc.InitialBackoff),
				MaxBackoff:     Duration(rc.MaxBackoff),
			},
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures:  bc.MaxFailures,
				FailureRatio: bc.FailureRatio,
				MinRequests:  bc.MinRequests,
				Timeout:      Duration(bc.Timeout),
				HalfOpenMax:  bc.HalfOpenMax,
				Interval:     Duration(bc.Interval),
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    evc.BufferSize,
			BatchSize:     evc.BatchSize,
			FlushInterval: Duration(evc.FlushInterval),
			WriteTimeout:  Duration(evc.WriteTimeout),
			Log:           LogSinkConfig{Enabled: true},
			Postgres:      PostgresSinkConfig{MaxConns: 4, EnsureSchema: true},
		},
	}
}

// EngineConfig returns the engine settings. An unknown algorithm is passed
// through for engine.New to reject.
func (c *Config) EngineConfig() engine.Config {
	algorithm, err := ratelimit.ParseAlgorithm(c.Engine.Algorithm)
	if err != nil {
		algorithm = ratelimit.Algorithm(c.Engine.Algorithm)
	}
	return engine.Config{
		Algorithm:           algorithm,
		Adaptive:            c.Adaptive,
		Abuse:               c.Abuse,
		Retention:           c.Engine.Retention.Duration(),
		CleanupInterval:     c.Engine.CleanupInterval.Duration(),
		FailOpenLogInterval: c.Engine.FailOpenLogInterval.Duration(),
	}
}

// ClusterConfig returns the coordinator settings.
func (c *Config) ClusterConfig() cluster.Config {
	cc := c.Cluster
	nodes := make([]cluster.NodeConfig, len(cc.Nodes))
	copy(nodes, cc.Nodes)

	return cluster.Config{
		Nodes: nodes,
		Redis: store.RedisConfig{
			PoolSize:       cc.Redis.PoolSize,
			MinIdleConns:   cc.Redis.MinIdleConns,
			DialTimeout:    cc.Redis.DialTimeout.Duration(),
			ReadTimeout:    cc.Redis.ReadTimeout.Duration(),
			WriteTimeout:   cc.Redis.WriteTimeout.Duration(),
			ConnectRetries: cc.Redis.ConnectRetries,
			InitialBackoff: cc.Redis.InitialBackoff.Duration(),
			MaxBackoff:     cc.Redis.MaxBackoff.Duration(),
		},
		KeyPrefix:         cc.KeyPrefix,
		CheckTimeout:      cc.CheckTimeout.Duration(),
		DisableScripts:    cc.DisableScripts,
		HealthInterval:    cc.HealthInterval.Duration(),
		RebalanceInterval: cc.RebalanceInterval.Duration(),
		ProbeTimeout:      cc.ProbeTimeout.Duration(),
		UnavailableAfter:  cc.UnavailableAfter,
		Breaker: circuitbreaker.Config{
			MaxFailures:  cc.CircuitBreaker.MaxFailures,
			FailureRatio: cc.CircuitBreaker.FailureRatio,
			MinRequests:  cc.CircuitBreaker.MinRequests,
			Timeout:      cc.CircuitBreaker.Timeout.Duration(),
			HalfOpenMax:  cc.CircuitBreaker.HalfOpenMax,
			Interval:     cc.CircuitBreaker.Interval.Duration(),
		},
	}
}

// DispatcherConfig returns the event dispatcher settings.
func (c *Config) DispatcherConfig() events.Config {
	return events.Config{
		BufferSize:    c.Events.BufferSize,
		BatchSize:     c.Events.BatchSize,
		FlushInterval: c.Events.FlushInterval.Duration(),
		WriteTimeout:  c.Events.WriteTimeout.Duration(),
	}
}

// PostgresConfig returns the Postgres sink connection settings.
func (c *Config) PostgresConfig() events.PostgresConfig {
	return events.PostgresConfig{
		DSN:      c.Events.Postgres.DSN,
		MaxConns: c.Events.Postgres.MaxConns,
		MinConns: c.Events.Postgres.MinConns,
	}
}
