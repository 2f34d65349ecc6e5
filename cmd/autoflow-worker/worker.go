package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/dukex/autoflow/pkg/cmd"
	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/dukex/autoflow/pkg/otelhelper"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/retention"
	"github.com/dukex/autoflow/pkg/workflow"
	cli "github.com/urfave/cli/v3"
)

type Worker struct {
	id     string
	logger *slog.Logger
}

func NewWorker(id string, logger *slog.Logger) *Worker {
	return &Worker{id: id, logger: logger}
}

// Run wires the worker from the command flags and blocks until a termination signal.
func (w *Worker) Run(ctx context.Context, command *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, shutdownTracer, err := otelhelper.NewTracer(ctx, "autoflow-worker")
	if err != nil {
		return err
	}

	defer func() {
		err := shutdownTracer(context.Background())
		if err != nil {
			w.logger.ErrorContext(ctx, "Failed to shutdown tracer", "error", err)
		}
	}()

	registry, err := cmd.NewRegistry(w.logger, command.String("plugins-path"))
	if err != nil {
		return err
	}

	p, err := cmd.NewPersistence(ctx, w.logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		err := p.Close(context.Background())
		if err != nil {
			w.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "autoflow-worker", w.logger)
	if err != nil {
		return err
	}

	defer func() {
		err := eventBus.Close()
		if err != nil {
			w.logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	engine, closeEngine, err := cmd.NewEngine(ctx, command, w.logger, p, registry, eventBus)
	if err != nil {
		return err
	}

	defer func() {
		err := closeEngine()
		if err != nil {
			w.logger.ErrorContext(ctx, "Failed to close deduplicator", "error", err)
		}
	}()

	sweeper, err := w.newSweeper(p, command)
	if err != nil {
		return err
	}

	err = w.start(ctx, engine, eventBus, sweeper)
	if err != nil {
		return err
	}

	<-ctx.Done()

	w.logger.Info("Shutting down worker")

	if sweeper != nil {
		sweeper.Stop()
	}

	engine.Stop()

	return nil
}

func (w *Worker) newSweeper(p persistence.Persistence, command *cli.Command) (*retention.Sweeper, error) {
	window := command.Duration("retention")
	if window <= 0 {
		w.logger.Info("Run retention disabled")

		return nil, nil
	}

	return retention.NewSweeper(p, window, command.String("retention-schedule"), w.logger)
}

// start resumes the runs a previous worker left behind before consuming new events.
func (w *Worker) start(ctx context.Context, engine *workflow.Engine, bus eventbus.EventBus, sweeper *retention.Sweeper) error {
	engine.Start(ctx)

	resumed, err := engine.Resume(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to resume some runs", "error", err)
	}

	w.logger.InfoContext(ctx, "Resumed runs", "runs", resumed)

	err = bus.Handle(events.DomainEventReceivedEvent, engine.HandleDomainEvent)
	if err != nil {
		return fmt.Errorf("failed to register domain event handler: %w", err)
	}

	err = bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to domain events: %w", err)
	}

	if sweeper != nil {
		err = sweeper.Start(ctx)
		if err != nil {
			return err
		}
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	return nil
}
