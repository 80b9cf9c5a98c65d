package main

import (
	"context"

	"github.com/vyrodovalexey/avaguard/internal/config"
	"github.com/vyrodovalexey/avaguard/internal/observability"
)

// startConfigWatcher watches the configuration file. A watcher that cannot
// start is logged and the service keeps its startup configuration.
func (a *application) startConfigWatcher(ctx context.Context) {
	if a.configPath == "" {
		return
	}

	watcher, err := config.NewWatcher(a.configPath, a.reload,
		config.WithLogger(a.logger),
		config.WithMetrics(a.metrics),
	)
	if err != nil {
		a.logger.Error("failed to create config watcher", observability.Error(err))
		return
	}
	if err := watcher.Start(ctx); err != nil {
		a.logger.Error("failed to start config watcher", observability.Error(err))
		_ = watcher.Stop()
		return
	}
	a.watcher = watcher
}

// reload applies a validated configuration to the running service. Only
// trust gate, abuse scoring and the cluster node set change at runtime.
func (a *application) reload(cfg *config.Config) {
	a.logRestartRequired(cfg)

	var topology config.TopologyTarget
	if a.coordinator != nil {
		topology = a.coordinator
	}
	if err := config.Apply(a.ctx, cfg, a.engine, topology); err != nil {
		a.logger.Error("failed to apply reloaded configuration", observability.Error(err))
		return
	}
	a.logger.Info("configuration applied",
		observability.Int("nodes", len(cfg.Cluster.Nodes)),
	)
}

// logRestartRequired warns about changed settings that only take effect
// after a restart.
func (a *application) logRestartRequired(cfg *config.Config) {
	old := a.config
	var fields []string
	if cfg.Engine.Algorithm != old.Engine.Algorithm {
		fields = append(fields, "engine.algorithm")
	}
	if cfg.Cluster.Enabled != old.Cluster.Enabled {
		fields = append(fields, "cluster.enabled")
	}
	if cfg.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if cfg.Events.Enabled != old.Events.Enabled || cfg.Events.Postgres.DSN != old.Events.Postgres.DSN {
		fields = append(fields, "events")
	}
	if cfg.Log != old.Log {
		fields = append(fields, "log")
	}
	if len(fields) > 0 {
		a.logger.Warn("configuration changes require a restart",
			observability.Strings("fields", fields),
		)
	}
}
