package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/autoflow/pkg/cmd"
	"github.com/dukex/autoflow/pkg/log"
	"github.com/dukex/autoflow/pkg/otelhelper"
	"github.com/dukex/autoflow/pkg/services"
	"github.com/dukex/autoflow/pkg/web"
	"github.com/dukex/autoflow/pkg/workflow"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "autoflow-api",
		Usage:                 "Manage automations and accept domain events",
		EnableShellCompletion: true,
		Flags: append(append([]cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.BoolFlag{
				Name:    "embedded-worker",
				Usage:   "Execute runs in the API process instead of forwarding events to workers",
				Sources: cli.EnvVars("EMBEDDED_WORKER"),
			},
		}, cmd.CommonFlags()...), cmd.EngineFlags()...),
		Action: run,
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))

	logger := log.WithModule("api")

	logger.InfoContext(ctx, "Initializing Autoflow API")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, shutdownTracer, err := otelhelper.NewTracer(ctx, "autoflow-api")
	if err != nil {
		return err
	}

	defer func() {
		err := shutdownTracer(context.Background())
		if err != nil {
			logger.ErrorContext(ctx, "Failed to shutdown tracer", "error", err)
		}
	}()

	registry, err := cmd.NewRegistry(logger, command.String("plugins-path"))
	if err != nil {
		return err
	}

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		err := persistence.Close(context.Background())
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "autoflow-api", logger)
	if err != nil {
		return err
	}

	defer func() {
		err := eventBus.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	engine, closeEngine, err := cmd.NewEngine(ctx, command, logger, persistence, registry, eventBus)
	if err != nil {
		return err
	}

	defer func() {
		err := closeEngine()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close deduplicator", "error", err)
		}
	}()

	var notifier web.EventNotifier = workflow.NewForwarder(eventBus)

	if command.Bool("embedded-worker") {
		engine.Start(ctx)
		defer engine.Stop()

		resumed, err := engine.Resume(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to resume some runs", "error", err)
		}

		logger.InfoContext(ctx, "Embedded worker started", "resumed_runs", resumed)

		notifier = engine
	}

	api := NewAPI(
		logger,
		persistence,
		registry,
		services.NewDefinitions(persistence, registry),
		services.NewTriggers(persistence),
		engine,
		notifier,
	)

	err = api.Start(ctx, command.Int("port"))
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.ErrorContext(ctx, "API server stopped", "error", err)

		return err
	}

	return nil
}
