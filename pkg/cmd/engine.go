package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/registry"
	"github.com/dukex/autoflow/pkg/services"
	"github.com/dukex/autoflow/pkg/workflow"
	cli "github.com/urfave/cli/v3"
)

// NewEngine builds an engine from EngineFlags. The returned close function releases the
// deduplicator and must be called after the engine is stopped.
func NewEngine(
	ctx context.Context,
	command *cli.Command,
	logger *slog.Logger,
	p persistence.Persistence,
	reg *registry.Registry,
	publisher eventbus.EventPublisher,
) (*workflow.Engine, func() error, error) {
	config, err := EngineConfig(command)
	if err != nil {
		return nil, nil, err
	}

	deduplicator, closeDedup, err := NewDeduplicator(ctx, logger, command.String("redis-url"), command.Duration("dedup-ttl"))
	if err != nil {
		return nil, nil, err
	}

	engine, err := workflow.NewEngine(config, workflow.Dependencies{
		Persistence:  p,
		Definitions:  services.NewDefinitions(p, reg),
		Triggers:     services.NewTriggers(p),
		Handlers:     reg,
		Publisher:    publisher,
		Deduplicator: deduplicator,
		Logger:       logger,
	})
	if err != nil {
		_ = closeDedup()

		return nil, nil, err
	}

	return engine, closeDedup, nil
}
