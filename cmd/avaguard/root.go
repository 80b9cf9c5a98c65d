package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/avaguard/internal/config"
	"github.com/vyrodovalexey/avaguard/internal/observability"
)

const defaultConfigPath = "avaguard.yaml"

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	out        io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{out: out}

	cmd := &cobra.Command{
		Use:   "avaguard",
		Short: "Rate limiting and abuse admission service",
		Long: `avaguard decides whether client requests are admitted.

It enforces per-client limits with fixed window, sliding window, token bucket
or leaky bucket accounting, scores clients for abuse, and can share counters
across a set of Redis nodes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c",
		getEnvOrDefault("AVAGUARD_CONFIG_PATH", defaultConfigPath), "Path to configuration file")
	flags.StringVar(&opts.logLevel, "log-level", os.Getenv("AVAGUARD_LOG_LEVEL"),
		"Log level override (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", os.Getenv("AVAGUARD_LOG_FORMAT"),
		"Log format override (json, console)")

	cmd.AddCommand(
		newServeCmd(opts),
		newValidateCmd(opts),
		newCheckCmd(opts),
		newNodesCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig resolves, loads and validates the configuration file and
// applies the log flag overrides.
func (o *rootOptions) loadConfig() (*config.Config, string, error) {
	path, err := config.ResolveConfigPath(o.configPath)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, "", err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, "", fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger from cfg.
func newLogger(cfg observability.LogConfig) (observability.Logger, error) {
	logger, err := observability.NewLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return defaultValue
}
