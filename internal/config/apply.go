package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/vyrodovalexey/avaguard/internal/abuse"
	"github.com/vyrodovalexey/avaguard/internal/cluster"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit"
)

// TuningTarget accepts trust gate and abuse scoring changes at runtime.
// It is satisfied by *engine.Engine.
type TuningTarget interface {
	SetAdaptiveConfig(ratelimit.AdaptiveConfig) error
	SetAbuseConfig(abuse.Config) error
}

// TopologyTarget accepts node set changes at runtime. It is satisfied by
// *cluster.Coordinator.
type TopologyTarget interface {
	SetTopology(ctx context.Context, nodes []cluster.NodeConfig) error
}

// Apply pushes the reloadable parts of cfg into the running service.
// topology may be nil in local mode. Every part is attempted; the errors
// are joined.
func Apply(ctx context.Context, cfg *Config, tuning TuningTarget, topology TopologyTarget) error {
	var errs []error
	if err := tuning.SetAdaptiveConfig(cfg.Adaptive); err != nil {
		errs = append(errs, fmt.Errorf("adaptive: %w", err))
	}
	if err := tuning.SetAbuseConfig(cfg.Abuse); err != nil {
		errs = append(errs, fmt.Errorf("abuse: %w", err))
	}
	if topology != nil && cfg.Cluster.Enabled {
		if err := topology.SetTopology(ctx, cfg.ClusterConfig().Nodes); err != nil {
			errs = append(errs, fmt.Errorf("cluster topology: %w", err))
		}
	}
	return errors.Join(errs...)
}
