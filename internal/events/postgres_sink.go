package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig configures the Postgres sink connection.
type PostgresConfig struct {
	DSN      string `yaml:"dsn" json:"-"`
	MaxConns int32  `yaml:"maxConns" json:"max_conns"`
	MinConns int32  `yaml:"minConns" json:"min_conns"`
}

// DB is the subset of *pgxpool.Pool used by PostgresSink.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// OpenPostgres creates a pool for cfg and verifies connectivity.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	} else {
		poolConfig.MaxConns = 4
	}
	if cfg.MinConns > 0 && cfg.MinConns <= poolConfig.MaxConns {
		poolConfig.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS usage_events (
	id         BIGSERIAL PRIMARY KEY,
	key        TEXT        NOT NULL,
	scope      TEXT        NOT NULL DEFAULT '',
	tier       TEXT        NOT NULL DEFAULT '',
	allowed    BOOLEAN     NOT NULL,
	reason     TEXT        NOT NULL DEFAULT '',
	algorithm  TEXT        NOT NULL,
	fail_open  BOOLEAN     NOT NULL DEFAULT FALSE,
	degraded   BOOLEAN     NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_events_key_created_at ON usage_events (key, created_at);

CREATE TABLE IF NOT EXISTS abuse_signals (
	id              BIGSERIAL PRIMARY KEY,
	key             TEXT             NOT NULL,
	abuse_score     DOUBLE PRECISION NOT NULL,
	violation_count INTEGER          NOT NULL,
	blocked         BOOLEAN          NOT NULL,
	created_at      TIMESTAMPTZ      NOT NULL
);
CREATE INDEX IF NOT EXISTS abuse_signals_key_created_at ON abuse_signals (key, created_at);
`

const (
	insertUsageSQL = `INSERT INTO usage_events
		(key, scope, tier, allowed, reason, algorithm, fail_open, degraded, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	insertSignalSQL = `INSERT INTO abuse_signals
		(key, abuse_score, violation_count, blocked, created_at)
		VALUES ($1, $2, $3, $4, $5)`
)

// PostgresSink stores events in the usage_events and abuse_signals tables.
type PostgresSink struct {
	db DB
}

// NewPostgresSink creates a sink writing through db.
func NewPostgresSink(db DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Name implements Sink.
func (s *PostgresSink) Name() string {
	return "postgres"
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create event tables: %w", err)
	}
	return nil
}

// Write implements Sink. The whole batch is sent in one round trip.
func (s *PostgresSink) Write(ctx context.Context, batch Batch) error {
	if batch.Len() == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, e := range batch.Usage {
		b.Queue(insertUsageSQL,
			e.Key, e.Scope, e.Tier, e.Allowed, e.Reason, e.Algorithm, e.FailOpen, e.Degraded, e.Timestamp,
		)
	}
	for _, sig := range batch.Signals {
		b.Queue(insertSignalSQL,
			sig.Key, sig.AbuseScore, sig.ViolationCount, sig.Blocked, sig.Timestamp,
		)
	}

	br := s.db.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to insert event %d of %d: %w", i+1, b.Len(), err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close event batch: %w", err)
	}
	return nil
}
