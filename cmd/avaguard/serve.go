package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/avaguard/internal/config"
	"github.com/vyrodovalexey/avaguard/internal/observability"
)

const defaultShutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admission engine and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, path, logger)
		},
	}
}

// runServe runs the service until ctx is done or the admin server fails,
// then shuts down within the configured timeout.
func runServe(ctx context.Context, cfg *config.Config, configPath string, logger observability.Logger) error {
	logger.Info("starting avaguard",
		observability.String("version", version),
		observability.String("config", configPath),
		observability.String("algorithm", cfg.Engine.Algorithm),
		observability.Bool("cluster", cfg.Cluster.Enabled),
		observability.Int("nodes", len(cfg.Cluster.Nodes)),
	)

	app, err := newApplication(ctx, cfg, configPath, logger)
	if err != nil {
		return err
	}

	errCh, err := app.start(ctx)
	if err != nil {
		app.closeResources(context.Background())
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errCh:
		logger.Error("admin server failed", observability.Error(runErr))
	}

	timeout := cfg.Admin.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := app.shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
