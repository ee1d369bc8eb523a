package main

import (
	"github.com/danmuck/relayctl/internal/config"
	"github.com/danmuck/relayctl/internal/pipeline"
)

// loadTopology resolves the port map for variant: built-in defaults, then the
// TOML file at path (or RELAYCTL_CONFIG), then RELAYCTL_* overrides.
func loadTopology(variant, path string) (*config.Topology, error) {
	v, err := config.ParseVariant(variant)
	if err != nil {
		return nil, err
	}
	base, err := pipeline.DefaultTopology(v)
	if err != nil {
		return nil, err
	}
	return config.Load(base, path)
}
