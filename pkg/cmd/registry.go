// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/autoflow/pkg/registry"
)

// NewRegistry registers the node plugins found under pluginsPath and then the built-in
// nodes, which win over plugins declaring the same type.
func NewRegistry(log *slog.Logger, pluginsPath string) (*registry.Registry, error) {
	reg := registry.NewRegistry(log)

	nodePlugins, err := reg.LoadNodePlugins(pluginsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load node plugins: %w", err)
	}

	for _, plugin := range nodePlugins {
		reg.RegisterNode(plugin)
	}

	reg.RegisterDefaultNodes()

	return reg, nil
}
