package config

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaguard/internal/abuse"
	"github.com/vyrodovalexey/avaguard/internal/cluster"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit"
)

type fakeTuning struct {
	adaptive    *ratelimit.AdaptiveConfig
	abuse       *abuse.Config
	adaptiveErr error
	abuseErr    error
}

func (f *fakeTuning) SetAdaptiveConfig(c ratelimit.AdaptiveConfig) error {
	f.adaptive = &c
	return f.adaptiveErr
}

func (f *fakeTuning) SetAbuseConfig(c abuse.Config) error {
	f.abuse = &c
	return f.abuseErr
}

type fakeTopology struct {
	nodes []cluster.NodeConfig
	calls int
	err   error
}

func (f *fakeTopology) SetTopology(_ context.Context, nodes []cluster.NodeConfig) error {
	f.calls++
	f.nodes = nodes
	return f.err
}

func TestApply(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	clusterConfig(cfg)
	cfg.Adaptive.LowTrustFactor = 0.4
	cfg.Abuse.MinViolations = 9

	tuning := &fakeTuning{}
	topology := &fakeTopology{}
	require.NoError(t, Apply(context.Background(), cfg, tuning, topology))

	require.NotNil(t, tuning.adaptive)
	assert.Equal(t, 0.4, tuning.adaptive.LowTrustFactor)
	require.NotNil(t, tuning.abuse)
	assert.Equal(t, 9, tuning.abuse.MinViolations)
	assert.Equal(t, 1, topology.calls)
	assert.Equal(t, cfg.Cluster.Nodes, topology.nodes)
}

func TestApply_LocalModeSkipsTopology(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	topology := &fakeTopology{}

	require.NoError(t, Apply(context.Background(), cfg, &fakeTuning{}, topology))
	assert.Zero(t, topology.calls)

	cfg.Cluster.Enabled = true
	assert.NoError(t, Apply(context.Background(), cfg, &fakeTuning{}, nil))
}

func TestApply_JoinsErrors(t *testing.T) {
	t.Parallel()

	errAdaptive := errors.New("adaptive rejected")
	errTopology := errors.New("dial failed")

	cfg := DefaultConfig()
	clusterConfig(cfg)
	tuning := &fakeTuning{adaptiveErr: errAdaptive}
	topology := &fakeTopology{err: errTopology}

	err := Apply(context.Background(), cfg, tuning, topology)
	require.Error(t, err)
	assert.ErrorIs(t, err, errAdaptive)
	assert.ErrorIs(t, err, errTopology)
	assert.NotNil(t, tuning.abuse, "abuse is applied even when adaptive fails")
	assert.Contains(t, err.Error(), "cluster topology: dial failed")
}
