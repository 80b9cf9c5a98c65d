package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/avaguard/internal/cluster"
	"github.com/vyrodovalexey/avaguard/internal/engine"
	"github.com/vyrodovalexey/avaguard/internal/observability"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := opts.loadConfig()
			if err != nil {
				return err
			}
			mode := engine.ModeLocal
			if cfg.Cluster.Enabled {
				mode = engine.ModeDistributed
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(),
				"configuration %s is valid (algorithm %s, mode %s, %d nodes)\n",
				path, cfg.EngineConfig().Algorithm, mode, len(cfg.Cluster.Nodes))
			return err
		},
	}
}

// checkOptions are the flags of the check command.
type checkOptions struct {
	count  int
	rpm    int
	burst  int
	scope  string
	trust  float64
	format string
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var co checkOptions

	cmd := &cobra.Command{
		Use:   "check KEY",
		Short: "Run admission checks for a client key against the configured store",
		Long: `Run admission checks for a client key with the configured algorithm.

In cluster mode the checks consume the shared counters of the key, exactly
like checks made through the admin API.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseFormat(co.format)
			if err != nil {
				return err
			}
			if co.count < 1 {
				return errors.New("--count must be at least 1")
			}
			cfg, _, err := opts.loadConfig()
			if err != nil {
				return err
			}

			limits := cfg.Engine.DefaultLimits.LimitConfig()
			if co.rpm > 0 {
				limits = ratelimit.LimitConfig{RequestsPerMinute: co.rpm, BurstSize: co.burst}
			}
			var trust *float64
			if cmd.Flags().Changed("trust") {
				trust = &co.trust
			}

			engineOpts := []engine.Option{}
			if cfg.Cluster.Enabled {
				coord, err := cluster.NewCoordinator(cfg.ClusterConfig())
				if err != nil {
					return err
				}
				engineOpts = append(engineOpts, engine.WithCluster(coord))
			}
			eng, err := engine.New(cfg.EngineConfig(), engineOpts...)
			if err != nil {
				return err
			}
			if err := eng.Start(cmd.Context()); err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			decisions, err := runChecks(cmd.Context(), eng, engine.Request{
				Key:        args[0],
				Config:     limits,
				TrustScore: trust,
				Scope:      co.scope,
			}, co.count)
			if err != nil {
				return err
			}

			if format == formatJSON {
				return writeJSON(cmd.OutOrStdout(), decisions)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderDecisions(decisions))
			return err
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&co.count, "count", "n", 1, "Number of checks to run")
	flags.IntVar(&co.rpm, "rpm", 0, "Requests per minute (default: engine.defaultLimits)")
	flags.IntVar(&co.burst, "burst", 0, "Burst size used with --rpm")
	flags.StringVar(&co.scope, "scope", "", "Resource scope of the requests")
	flags.Float64Var(&co.trust, "trust", ratelimit.DefaultTrustScore, "Trust score of the client")
	flags.StringVarP(&co.format, "output", "o", formatTable, "Output format: table|json")
	return cmd
}

// runChecks makes count sequential checks with req.
func runChecks(ctx context.Context, eng *engine.Engine, req engine.Request, count int) ([]ratelimit.Decision, error) {
	decisions := make([]ratelimit.Decision, 0, count)
	for range count {
		d, err := eng.CheckAdmission(ctx, req)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

func newNodesCmd(opts *rootOptions) *cobra.Command {
	var (
		format  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Probe the configured cluster nodes and show their health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			outFormat, err := parseFormat(format)
			if err != nil {
				return err
			}
			cfg, _, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Cluster.Enabled {
				return errors.New("cluster mode is not enabled in the configuration")
			}

			coord, err := cluster.NewCoordinator(cfg.ClusterConfig(),
				cluster.WithLogger(observability.NopLogger()),
			)
			if err != nil {
				return err
			}
			defer func() { _ = coord.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := coord.Start(ctx); err != nil {
				return err
			}

			snap := coord.Snapshot()
			if outFormat == formatJSON {
				return writeJSON(cmd.OutOrStdout(), snap)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderNodes(snap))
			return err
		},
	}

	cmd.Flags().StringVarP(&format, "output", "o", formatTable, "Output format: table|json")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Time allowed to connect to and probe the nodes")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(),
				"avaguard version %s\n  Build time: %s\n  Git commit: %s\n",
				version, buildTime, gitCommit)
			return err
		},
	}
}
