// Package workflow instantiates automation versions into runs and executes them node by node.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/services"
	"github.com/google/uuid"
)

// plan is a compiled version, shared by every run pinned to it.
type plan struct {
	version *models.AutomationVersion
	graph   *models.Graph
	policy  models.FailurePolicy
}

// Coordinator opens, cancels and reports runs.
type Coordinator struct {
	config      Config
	definitions *services.Definitions
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	executor    *Executor
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.RWMutex
	plans map[string]*plan
}

func NewCoordinator(
	config Config,
	definitions *services.Definitions,
	persistence persistence.Persistence,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
) *Coordinator {
	if publisher == nil {
		publisher = eventbus.NopPublisher{}
	}

	return &Coordinator{
		config:      config,
		definitions: definitions,
		persistence: persistence,
		publisher:   publisher,
		logger:      logger.With("module", "run_coordinator"),
		now:         func() time.Time { return time.Now().UTC() },
		plans:       make(map[string]*plan),
	}
}

// StartRun opens a run of the automation's published version for the event and hands its
// entry nodes to the executor. It returns nil without error when nothing is published.
func (c *Coordinator) StartRun(ctx context.Context, match *models.TriggerMatch, event *models.Event) (*models.AutomationRun, error) {
	logger := c.logger.With("automation_id", match.Automation.ID, "trigger_id", match.Trigger.ID, "event_key", event.Key)

	version, err := c.definitions.GetPublished(ctx, match.Automation.ID)
	if err != nil {
		if persistence.IsNoPublishedVersion(err) {
			logger.DebugContext(ctx, "Automation has no published version, skipping")

			return nil, nil
		}

		return nil, err
	}

	p, err := c.compile(version)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run ID: %w", err)
	}

	run := &models.AutomationRun{
		ID:           id.String(),
		AutomationID: match.Automation.ID,
		VersionID:    version.ID,
		TriggerID:    match.Trigger.ID,
		WorkspaceID:  event.WorkspaceID,
		EventKey:     event.Key,
		EventID:      event.ID,
		Subject:      event.Subject,
		Payload:      event.Payload,
		Status:       models.RunStatusRunning,
		PendingNodes: p.graph.Len(),
		StartedAt:    c.now(),
	}

	nodes := make([]*models.AutomationNodeRun, 0, p.graph.Len())

	for _, node := range p.graph.Nodes() {
		nodeRunID, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate node run ID: %w", err)
		}

		nodes = append(nodes, &models.AutomationNodeRun{
			ID:       nodeRunID.String(),
			RunID:    run.ID,
			NodeID:   node.ID,
			NodeType: node.Type,
			Status:   models.NodeRunStatusPending,
		})
	}

	err = c.persistence.RunRepository().CreateRun(ctx, run, nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	logger.InfoContext(ctx, "Run started", "run_id", run.ID, "version_id", version.ID, "nodes", len(nodes))

	c.publish(ctx, run.ID, events.RunStarted{
		BaseEvent: events.NewBaseEvent(events.RunStartedEvent, run),
		VersionID: run.VersionID,
		TriggerID: run.TriggerID,
		EventKey:  run.EventKey,
		EventID:   run.EventID,
		Subject:   run.Subject,
		Nodes:     len(nodes),
	})

	for _, nodeID := range p.graph.EntryNodes() {
		c.executor.schedule(task{RunID: run.ID, NodeID: nodeID})
	}

	return run, nil
}

// Cancel stops a running run. Nodes already executing finish, but nothing else is dispatched.
// Canceling a finished run returns it unchanged.
func (c *Coordinator) Cancel(ctx context.Context, runID string) (*models.AutomationRun, error) {
	run, closed, err := c.persistence.RunRepository().CloseRun(ctx, runID, models.RunStatusCanceled, "canceled", c.now())
	if err != nil {
		return nil, err
	}

	if closed {
		c.logger.InfoContext(ctx, "Run canceled", "run_id", runID)
		c.publish(ctx, runID, events.NewRunFinished(run))
	}

	return run, nil
}

// Run returns a run by its ID.
func (c *Coordinator) Run(ctx context.Context, runID string) (*models.AutomationRun, error) {
	return c.persistence.RunRepository().GetRun(ctx, runID)
}

// NodeRuns returns the node records of a run.
func (c *Coordinator) NodeRuns(ctx context.Context, runID string) ([]*models.AutomationNodeRun, error) {
	return c.persistence.RunRepository().NodeRuns(ctx, runID)
}

// Runs lists runs, most recent first.
func (c *Coordinator) Runs(ctx context.Context, filter models.RunFilter) ([]*models.AutomationRun, error) {
	return c.persistence.RunRepository().ListRuns(ctx, filter)
}

// plan returns the compiled version a run is pinned to.
func (c *Coordinator) plan(ctx context.Context, versionID string) (*plan, error) {
	c.mu.RLock()
	p, ok := c.plans[versionID]
	c.mu.RUnlock()

	if ok {
		return p, nil
	}

	version, err := c.persistence.VersionRepository().GetByID(ctx, versionID)
	if err != nil {
		return nil, err
	}

	return c.compile(version)
}

func (c *Coordinator) compile(version *models.AutomationVersion) (*plan, error) {
	c.mu.RLock()
	p, ok := c.plans[version.ID]
	c.mu.RUnlock()

	if ok {
		return p, nil
	}

	graph, err := version.Definition.Compile()
	if err != nil {
		return nil, fmt.Errorf("version %s: %w", version.ID, err)
	}

	p = &plan{version: version, graph: graph, policy: c.config.policy(version.Definition)}

	c.mu.Lock()
	c.plans[version.ID] = p
	c.mu.Unlock()

	return p, nil
}

// closeRun closes a running run and announces it. Only the first caller succeeds.
func (c *Coordinator) closeRun(ctx context.Context, runID string, status models.RunStatus, message string) {
	run, closed, err := c.persistence.RunRepository().CloseRun(ctx, runID, status, message, c.now())
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to close run", "run_id", runID, "status", status, "error", err)

		return
	}

	if !closed {
		return
	}

	c.logger.InfoContext(ctx, "Run finished", "run_id", runID, "status", run.Status, "error", run.Error)
	c.publish(ctx, runID, events.NewRunFinished(run))
}

func (c *Coordinator) publish(ctx context.Context, key string, event eventbus.Event) {
	err := c.publisher.Publish(ctx, key, event)
	if err != nil {
		c.logger.WarnContext(ctx, "Failed to publish lifecycle event", "type", event.GetType(), "key", key, "error", err)
	}
}
