package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vyrodovalexey/avaguard/internal/admin"
	"github.com/vyrodovalexey/avaguard/internal/cluster"
	"github.com/vyrodovalexey/avaguard/internal/config"
	"github.com/vyrodovalexey/avaguard/internal/engine"
	"github.com/vyrodovalexey/avaguard/internal/events"
	"github.com/vyrodovalexey/avaguard/internal/health"
	"github.com/vyrodovalexey/avaguard/internal/middleware"
	"github.com/vyrodovalexey/avaguard/internal/observability"
)

const (
	metricsNamespace = "avaguard"

	// postgresCheckTTL spaces out database pings from probes.
	postgresCheckTTL = 10 * time.Second
)

// application holds all application components.
type application struct {
	config     *config.Config
	configPath string
	logger     observability.Logger
	tracer     *observability.Tracer
	metrics    *observability.Metrics

	pool        *pgxpool.Pool
	dispatcher  *events.Dispatcher
	coordinator *cluster.Coordinator
	engine      *engine.Engine
	health      *health.Handler
	admin       *admin.Server
	watcher     *config.Watcher

	// ctx is the run context, used by reload callbacks.
	ctx context.Context
}

// newApplication builds every component from cfg. Nothing is started.
func newApplication(
	ctx context.Context,
	cfg *config.Config,
	configPath string,
	logger observability.Logger,
) (*application, error) {
	app := &application{
		config:     cfg,
		configPath: configPath,
		logger:     logger,
		metrics:    observability.NewMetrics(metricsNamespace),
		ctx:        ctx,
	}
	app.metrics.SetBuildInfo(version, gitCommit, buildTime)

	tracer, err := observability.NewTracer(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	app.tracer = tracer

	publisher, err := app.initEvents(ctx)
	if err != nil {
		app.closeResources(ctx)
		return nil, err
	}

	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMetrics(app.metrics),
		engine.WithPublisher(publisher),
	}
	if cfg.Cluster.Enabled {
		coord, err := cluster.NewCoordinator(cfg.ClusterConfig(),
			cluster.WithLogger(logger),
			cluster.WithMetrics(app.metrics),
		)
		if err != nil {
			app.closeResources(ctx)
			return nil, fmt.Errorf("failed to create cluster coordinator: %w", err)
		}
		app.coordinator = coord
		engineOpts = append(engineOpts, engine.WithCluster(coord))
	}

	eng, err := engine.New(cfg.EngineConfig(), engineOpts...)
	if err != nil {
		app.closeResources(ctx)
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	app.engine = eng

	app.initHealth()
	if cfg.Admin.Enabled {
		app.initAdmin()
	}
	return app, nil
}

// initEvents opens the configured sinks and returns the publisher the
// engine reports to.
func (a *application) initEvents(ctx context.Context) (events.Publisher, error) {
	ec := a.config.Events
	if !ec.Enabled {
		return events.NopPublisher{}, nil
	}

	var sinks []events.Sink
	if ec.Log.Enabled {
		sinks = append(sinks, events.NewLogSink(a.logger))
	}
	if ec.Postgres.Enabled {
		pool, err := events.OpenPostgres(ctx, a.config.PostgresConfig())
		if err != nil {
			return nil, err
		}
		a.pool = pool

		sink := events.NewPostgresSink(pool)
		if ec.Postgres.EnsureSchema {
			if err := sink.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) == 0 {
		a.logger.Warn("events enabled without sinks, events are discarded")
		return events.NopPublisher{}, nil
	}

	a.dispatcher = events.NewDispatcher(a.config.DispatcherConfig(), sinks,
		events.WithLogger(a.logger),
		events.WithMetrics(a.metrics),
	)
	return a.dispatcher, nil
}

func (a *application) initHealth() {
	a.health = health.NewHandler(version,
		health.WithLogger(a.logger),
		health.WithMetrics(health.NewMetrics(metricsNamespace, a.metrics.Registry())),
	)

	// Admission fails open, so a lost cluster degrades but does not fail
	// readiness.
	a.health.AddCheck(health.ClusterHealthCheck("cluster", a.engine, health.WithCritical(false)))
	if a.pool != nil {
		a.health.AddCheck(health.NewCachedHealthCheck(
			health.PostgresHealthCheck("events-postgres", a.pool, health.WithCritical(false)),
			postgresCheckTTL,
		))
	}
}

func (a *application) initAdmin() {
	ac := a.config.Admin
	cfg := admin.DefaultConfig()
	cfg.Address = ac.Address
	cfg.ReadTimeout = ac.ReadTimeout.Duration()
	cfg.WriteTimeout = ac.WriteTimeout.Duration()
	cfg.DefaultLimits = a.config.Engine.DefaultLimits.LimitConfig()

	if ac.RateLimit.Enabled {
		cfg.RateLimit = &middleware.RateLimitConfig{
			Limits:    ac.RateLimit.Limits.LimitConfig(),
			KeyHeader: ac.RateLimit.KeyHeader,
			Extractor: middleware.NewClientIPExtractor(ac.RateLimit.TrustedProxies),
		}
	}

	a.admin = admin.NewServer(cfg, a.engine,
		admin.WithLogger(a.logger),
		admin.WithTracer(a.tracer),
		admin.WithHTTPMetrics(middleware.NewMetrics(metricsNamespace, a.metrics.Registry())),
		admin.WithMetricsHandler(a.metrics.Handler()),
		admin.WithHealth(a.health),
	)
}

// start starts the dispatcher, the engine, the config watcher and the
// admin server. Admin server failures are sent on the returned channel.
func (a *application) start(ctx context.Context) (<-chan error, error) {
	a.ctx = ctx

	if a.dispatcher != nil {
		a.dispatcher.Start(ctx)
	}
	if err := a.engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}

	a.startConfigWatcher(ctx)

	errCh := make(chan error, 1)
	if a.admin != nil {
		go func() {
			if err := a.admin.Start(ctx); err != nil {
				errCh <- err
			}
		}()
	}
	return errCh, nil
}

// shutdown stops everything in reverse dependency order. Buffered events
// are flushed after the engine stops producing them.
func (a *application) shutdown(ctx context.Context) error {
	var errs []error

	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop config watcher: %w", err))
		}
	}
	if a.admin != nil {
		if err := a.admin.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop admin server: %w", err))
		}
	}
	if err := a.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	a.closeResources(ctx)

	if err := errors.Join(errs...); err != nil {
		a.logger.Error("shutdown completed with errors", observability.Error(err))
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}

// closeResources releases the event pipeline and the tracer.
func (a *application) closeResources(ctx context.Context) {
	if a.dispatcher != nil {
		_ = a.dispatcher.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Error("failed to shutdown tracer", observability.Error(err))
		}
	}
}
