package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/autoflow/pkg/dedup"
	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/otelhelper"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/services"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Dependencies are the collaborators of an Engine. Publisher and Deduplicator are optional.
type Dependencies struct {
	Persistence  persistence.Persistence
	Definitions  *services.Definitions
	Triggers     *services.Triggers
	Handlers     HandlerProvider
	Publisher    eventbus.EventPublisher
	Deduplicator dedup.Deduplicator
	Logger       *slog.Logger
}

// Engine turns domain events into runs and executes them.
type Engine struct {
	triggers     *services.Triggers
	coordinator  *Coordinator
	executor     *Executor
	deduplicator dedup.Deduplicator
	tracer       trace.Tracer
	logger       *slog.Logger
}

func NewEngine(config Config, deps Dependencies) (*Engine, error) {
	err := config.Validate()
	if err != nil {
		return nil, err
	}

	if deps.Persistence == nil || deps.Definitions == nil || deps.Triggers == nil || deps.Handlers == nil {
		return nil, errors.New("engine requires persistence, definitions, triggers and handlers")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	coordinator := NewCoordinator(config, deps.Definitions, deps.Persistence, deps.Publisher, logger)
	executor := NewExecutor(config, coordinator, deps.Handlers, logger)

	return &Engine{
		triggers:     deps.Triggers,
		coordinator:  coordinator,
		executor:     executor,
		deduplicator: deps.Deduplicator,
		tracer:       otel.Tracer("autoflow/workflow"),
		logger:       logger.With("module", "engine"),
	}, nil
}

// Start launches the worker pool.
func (e *Engine) Start(ctx context.Context) {
	e.executor.dispatcher.Start(ctx)
}

// Stop waits for in-flight node attempts to return and drops queued work,
// which Resume picks up on the next start.
func (e *Engine) Stop() {
	e.executor.dispatcher.Stop()
}

// Notify starts one run per active trigger matching the event and returns them without
// waiting for their completion. Redelivered events are ignored.
func (e *Engine) Notify(ctx context.Context, event *models.Event) ([]*models.AutomationRun, error) {
	err := services.ValidateEvent(event)
	if err != nil {
		return nil, err
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.notify",
		attribute.String(otelhelper.EventKeyKey, event.Key),
		attribute.String(otelhelper.WorkspaceIDKey, event.WorkspaceID),
	)
	defer span.End()

	logger := e.logger.With("event_key", event.Key, "workspace_id", event.WorkspaceID, "subject", event.Subject.String())

	if event.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate event ID: %w", err)
		}

		event.ID = id.String()
	} else if e.deduplicator != nil {
		first, err := e.deduplicator.FirstSeen(ctx, event.WorkspaceID+":"+event.ID)
		if err != nil {
			otelhelper.SetError(span, err)

			return nil, err
		}

		if !first {
			logger.InfoContext(ctx, "Event already processed, ignoring", "event_id", event.ID)

			return nil, nil
		}
	}

	span.SetAttributes(attribute.String(otelhelper.EventIDKey, event.ID))

	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.coordinator.now()
	}

	matches, err := e.triggers.Resolve(ctx, event.Key, event.WorkspaceID, event.Scope)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	logger.DebugContext(ctx, "Resolved triggers", "event_id", event.ID, "matches", len(matches))

	runs := make([]*models.AutomationRun, 0, len(matches))
	errs := make([]error, 0)

	for _, match := range matches {
		run, err := e.coordinator.StartRun(ctx, match, event)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to start run", "automation_id", match.Automation.ID, "error", err)
			errs = append(errs, fmt.Errorf("automation %s: %w", match.Automation.ID, err))

			continue
		}

		if run != nil {
			runs = append(runs, run)
		}
	}

	err = errors.Join(errs...)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return runs, err
}

// Resume re-dispatches the runs left running by a previous process: nodes caught mid-attempt
// go back to pending, ready and retry-waiting nodes are dispatched again and runs whose
// nodes are all terminal are closed.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	status := models.RunStatusRunning

	runs, err := e.coordinator.Runs(ctx, models.RunFilter{Status: &status})
	if err != nil {
		return 0, err
	}

	errs := make([]error, 0)

	for _, run := range runs {
		err := e.executor.resume(ctx, run)
		if err != nil {
			e.logger.ErrorContext(ctx, "Failed to resume run", "run_id", run.ID, "error", err)
			errs = append(errs, fmt.Errorf("run %s: %w", run.ID, err))
		}
	}

	e.logger.InfoContext(ctx, "Resumed runs", "runs", len(runs), "failed", len(errs))

	return len(runs), errors.Join(errs...)
}

// Cancel stops a running run.
func (e *Engine) Cancel(ctx context.Context, runID string) (*models.AutomationRun, error) {
	return e.coordinator.Cancel(ctx, runID)
}

// Run returns a run by its ID.
func (e *Engine) Run(ctx context.Context, runID string) (*models.AutomationRun, error) {
	return e.coordinator.Run(ctx, runID)
}

// NodeRuns returns the node records of a run.
func (e *Engine) NodeRuns(ctx context.Context, runID string) ([]*models.AutomationNodeRun, error) {
	return e.coordinator.NodeRuns(ctx, runID)
}

// Runs lists runs, most recent first.
func (e *Engine) Runs(ctx context.Context, filter models.RunFilter) ([]*models.AutomationRun, error) {
	return e.coordinator.Runs(ctx, filter)
}
