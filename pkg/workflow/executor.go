package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/otelhelper"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/dukex/autoflow/pkg/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HandlerProvider builds node handlers by node type.
type HandlerProvider interface {
	CreateHandler(ctx context.Context, nodeType, nodeID string, config map[string]any) (protocol.NodeHandler, error)
}

// Executor walks run graphs: it starts ready nodes, records their attempts, schedules
// retries, skips nodes that can no longer run and closes runs.
type Executor struct {
	config      Config
	coordinator *Coordinator
	handlers    HandlerProvider
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	dispatcher  *Dispatcher
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

func NewExecutor(config Config, coordinator *Coordinator, handlers HandlerProvider, logger *slog.Logger) *Executor {
	e := &Executor{
		config:      config,
		coordinator: coordinator,
		handlers:    handlers,
		persistence: coordinator.persistence,
		publisher:   coordinator.publisher,
		tracer:      otel.Tracer("autoflow/workflow"),
		logger:      logger.With("module", "node_executor"),
		now:         coordinator.now,
	}

	e.dispatcher = NewDispatcher(logger, config.Workers, config.QueueSize, e.execute)
	coordinator.executor = e

	return e
}

func (e *Executor) schedule(t task) {
	if !e.dispatcher.Enqueue(t) {
		e.logger.Warn("Dispatcher stopped, node left for recovery", "run_id", t.RunID, "node_id", t.NodeID)
	}
}

func (e *Executor) scheduleRetry(delay time.Duration, t task) {
	if !e.dispatcher.EnqueueAfter(delay, t) {
		e.logger.Warn("Dispatcher stopped, retry left for recovery", "run_id", t.RunID, "node_id", t.NodeID)
	}
}

// execute performs one attempt of a node.
func (e *Executor) execute(ctx context.Context, t task) {
	logger := e.logger.With("run_id", t.RunID, "node_id", t.NodeID)

	run, err := e.persistence.RunRepository().GetRun(ctx, t.RunID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to load run", "error", err)

		return
	}

	if run.Status != models.RunStatusRunning {
		return
	}

	p, err := e.coordinator.plan(ctx, run.VersionID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to load pinned version", "version_id", run.VersionID, "error", err)

		return
	}

	node, ok := p.graph.Node(t.NodeID)
	if !ok {
		logger.ErrorContext(ctx, "Node not found in pinned version", "version_id", run.VersionID)

		return
	}

	nodeRuns, err := e.persistence.RunRepository().NodeRuns(ctx, t.RunID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to load node runs", "error", err)

		return
	}

	states := indexNodeRuns(nodeRuns)

	current, ok := states[t.NodeID]
	if !ok || (t.Retry != current.AwaitingRetry()) || (!t.Retry && current.Status != models.NodeRunStatusPending) {
		return
	}

	if readiness(p.graph, states, node) != nodeReady {
		return
	}

	input := map[string]any{
		"event":        run.Payload,
		"subject":      run.Subject,
		"config":       node.Config,
		"predecessors": predecessorOutputs(p.graph, states, node.ID),
	}

	started := e.now()

	nodeRun, err := e.persistence.RunRepository().StartNode(ctx, t.RunID, t.NodeID, input, started)
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotRunning) || errors.Is(err, persistence.ErrNodeNotDispatchable) {
			logger.DebugContext(ctx, "Node no longer dispatchable", "reason", err)

			return
		}

		logger.ErrorContext(ctx, "Failed to start node", "error", err)

		return
	}

	logger = logger.With("node_type", node.Type, "node_run_id", nodeRun.ID, "attempt", nodeRun.Attempts)
	logger.InfoContext(ctx, "Executing node")

	spanCtx, span := otelhelper.StartSpan(ctx, e.tracer, "node.execute",
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.AutomationIDKey, run.AutomationID),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.NodeTypeKey, node.Type),
		attribute.Int(otelhelper.AttemptKey, nodeRun.Attempts),
	)
	defer span.End()

	nodeCtx := protocol.NodeContext{
		RunID:        run.ID,
		NodeRunID:    nodeRun.ID,
		NodeID:       node.ID,
		AutomationID: run.AutomationID,
		WorkspaceID:  run.WorkspaceID,
		Subject:      run.Subject,
		Attempt:      nodeRun.Attempts,
		Logger:       logger,
	}

	output, err := e.invoke(spanCtx, node, input, nodeCtx)
	if err != nil && ctx.Err() != nil {
		logger.WarnContext(ctx, "Engine stopping, node returned to pending", "error", err)

		resetErr := e.persistence.RunRepository().ResetNode(context.WithoutCancel(ctx), t.RunID, t.NodeID)
		if resetErr != nil {
			logger.ErrorContext(ctx, "Failed to reset node", "error", resetErr)
		}

		return
	}

	duration := e.now().Sub(started)

	if err != nil {
		execErr := &NodeExecutionError{NodeID: node.ID, Attempt: nodeRun.Attempts, Err: err}
		otelhelper.SetError(span, execErr)
		e.fail(ctx, logger, p, run, node, nodeRun, execErr, duration)

		return
	}

	e.complete(ctx, logger, p, run, node, nodeRun, output, duration)
}

// invoke runs the handler in its own goroutine so a handler ignoring its context
// cannot hold the worker past the node timeout.
func (e *Executor) invoke(ctx context.Context, node *models.DefinitionNode, input map[string]any, nodeCtx protocol.NodeContext) (map[string]any, error) {
	handler, err := e.handlers.CreateHandler(ctx, node.Type, node.ID, node.Config)
	if err != nil {
		if errors.Is(err, registry.ErrNodeTypeNotRegistered) {
			return nil, fmt.Errorf("%w: %w", ErrHandlerNotFound, err)
		}

		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, node.Timeout(e.config.NodeTimeout))
	defer cancel()

	type result struct {
		output map[string]any
		err    error
	}

	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()

		output, err := handler.Execute(ctx, input, nodeCtx)
		done <- result{output: output, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", ErrNodeTimeout, node.Timeout(e.config.NodeTimeout), r.err)
		}

		return r.output, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrNodeTimeout, node.Timeout(e.config.NodeTimeout))
		}

		return nil, ctx.Err()
	}
}

func (e *Executor) complete(
	ctx context.Context,
	logger *slog.Logger,
	p *plan,
	run *models.AutomationRun,
	node *models.DefinitionNode,
	nodeRun *models.AutomationNodeRun,
	output map[string]any,
	duration time.Duration,
) {
	transition, err := e.persistence.RunRepository().CompleteNode(ctx, run.ID, node.ID, output, e.now())
	if err != nil {
		logger.ErrorContext(ctx, "Failed to record node completion", "error", err)

		return
	}

	if !transition.Applied {
		logger.InfoContext(ctx, "Run closed while node was executing, result kept for audit")

		return
	}

	logger.InfoContext(ctx, "Node completed", "duration", duration)

	e.coordinator.publish(ctx, run.ID, events.NodeCompleted{
		BaseEvent:  events.NewBaseEvent(events.NodeCompletedEvent, run),
		NodeRunID:  nodeRun.ID,
		NodeID:     node.ID,
		NodeType:   node.Type,
		Attempts:   nodeRun.Attempts,
		Output:     output,
		DurationMs: duration.Milliseconds(),
	})

	e.settle(ctx, p, transition.Run, p.graph.Successors(node.ID))
}

func (e *Executor) fail(
	ctx context.Context,
	logger *slog.Logger,
	p *plan,
	run *models.AutomationRun,
	node *models.DefinitionNode,
	nodeRun *models.AutomationNodeRun,
	execErr *NodeExecutionError,
	duration time.Duration,
) {
	message := execErr.Err.Error()
	terminal := nodeRun.Attempts >= node.Attempts(e.config.MaxAttempts)

	transition, err := e.persistence.RunRepository().FailNode(ctx, run.ID, node.ID, message, terminal, e.now())
	if err != nil {
		logger.ErrorContext(ctx, "Failed to record node failure", "error", err)

		return
	}

	if !transition.Applied {
		logger.InfoContext(ctx, "Run closed while node was executing, error kept for audit", "error", message)

		return
	}

	logger.WarnContext(ctx, "Node failed", "error", message, "terminal", terminal, "duration", duration)

	e.coordinator.publish(ctx, run.ID, events.NodeFailed{
		BaseEvent:  events.NewBaseEvent(events.NodeFailedEvent, run),
		NodeRunID:  nodeRun.ID,
		NodeID:     node.ID,
		NodeType:   node.Type,
		Attempts:   nodeRun.Attempts,
		Error:      message,
		WillRetry:  !terminal,
		DurationMs: duration.Milliseconds(),
	})

	if !terminal {
		delay := e.config.RetryDelay(nodeRun.Attempts)
		logger.InfoContext(ctx, "Scheduling retry", "delay", delay)
		e.scheduleRetry(delay, task{RunID: run.ID, NodeID: node.ID, Retry: true})

		return
	}

	if !node.Optional && p.policy == models.FailurePolicyFailFast {
		e.failFast(ctx, logger, p, transition.Run, &RunFailure{NodeID: node.ID, Message: message})

		return
	}

	e.settle(ctx, p, transition.Run, p.graph.Successors(node.ID))
}

// failFast stops a run after a non-optional node failed for good. Pending nodes that
// run on predecessor failure are still dispatched; every other pending node is skipped.
func (e *Executor) failFast(ctx context.Context, logger *slog.Logger, p *plan, run *models.AutomationRun, failure *RunFailure) {
	nodeRuns, err := e.persistence.RunRepository().NodeRuns(ctx, run.ID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to load node runs", "error", err)

		return
	}

	skipped := make([]string, 0)
	handlers := make([]string, 0)

	for _, nodeRun := range nodeRuns {
		if nodeRun.Status != models.NodeRunStatusPending {
			continue
		}

		node, ok := p.graph.Node(nodeRun.NodeID)
		if ok && node.RunOnPredecessorFailure {
			handlers = append(handlers, nodeRun.NodeID)
		} else {
			skipped = append(skipped, nodeRun.NodeID)
		}
	}

	if len(handlers) == 0 {
		e.coordinator.closeRun(ctx, run.ID, models.RunStatusFailed, failure.Error())

		return
	}

	if len(skipped) > 0 {
		transition, err := e.persistence.RunRepository().SkipNodes(ctx, run.ID, skipped, e.now())
		if err != nil {
			logger.ErrorContext(ctx, "Failed to skip pending nodes", "error", err)

			return
		}

		if !transition.Applied && transition.Run.Status != models.RunStatusRunning {
			return
		}

		logger.InfoContext(ctx, "Skipped pending nodes after failure", "nodes", transition.Skipped)

		run = transition.Run
	}

	e.settle(ctx, p, run, handlers)
}

// settle dispatches the candidates that became ready, skips the ones that can never run
// (cascading to their successors) and closes the run once nothing is pending.
func (e *Executor) settle(ctx context.Context, p *plan, run *models.AutomationRun, candidates []string) {
	logger := e.logger.With("run_id", run.ID)

	if run.PendingNodes == 0 {
		e.finish(ctx, p, run.ID)

		return
	}

	for len(candidates) > 0 {
		nodeRuns, err := e.persistence.RunRepository().NodeRuns(ctx, run.ID)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to load node runs", "error", err)

			return
		}

		states := indexNodeRuns(nodeRuns)
		blocked := make([]string, 0)
		seen := make(map[string]bool, len(candidates))

		for _, nodeID := range candidates {
			if seen[nodeID] {
				continue
			}

			seen[nodeID] = true

			node, ok := p.graph.Node(nodeID)
			if !ok {
				continue
			}

			switch readiness(p.graph, states, node) {
			case nodeReady:
				e.schedule(task{RunID: run.ID, NodeID: nodeID})
			case nodeBlocked:
				blocked = append(blocked, nodeID)
			case nodeWaiting:
			}
		}

		candidates = nil

		if len(blocked) == 0 {
			return
		}

		transition, err := e.persistence.RunRepository().SkipNodes(ctx, run.ID, blocked, e.now())
		if err != nil {
			logger.ErrorContext(ctx, "Failed to skip blocked nodes", "error", err)

			return
		}

		if !transition.Applied {
			return
		}

		logger.InfoContext(ctx, "Skipped nodes with failed or skipped predecessors", "nodes", transition.Skipped)

		if transition.Run.PendingNodes == 0 {
			e.finish(ctx, p, run.ID)

			return
		}

		for _, nodeID := range transition.Skipped {
			candidates = append(candidates, p.graph.Successors(nodeID)...)
		}
	}
}

// finish closes a run whose nodes are all terminal: failed when a non-optional node
// failed, completed otherwise.
func (e *Executor) finish(ctx context.Context, p *plan, runID string) {
	nodeRuns, err := e.persistence.RunRepository().NodeRuns(ctx, runID)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to load node runs", "run_id", runID, "error", err)

		return
	}

	states := indexNodeRuns(nodeRuns)

	for _, node := range p.graph.Nodes() {
		state, ok := states[node.ID]
		if !ok || node.Optional || state.Status != models.NodeRunStatusFailed {
			continue
		}

		failure := &RunFailure{NodeID: node.ID, Message: state.Error}
		e.coordinator.closeRun(ctx, runID, models.RunStatusFailed, failure.Error())

		return
	}

	e.coordinator.closeRun(ctx, runID, models.RunStatusCompleted, "")
}

// resume re-dispatches the work of a run left running by a previous process.
func (e *Executor) resume(ctx context.Context, run *models.AutomationRun) error {
	p, err := e.coordinator.plan(ctx, run.VersionID)
	if err != nil {
		return err
	}

	nodeRuns, err := e.persistence.RunRepository().NodeRuns(ctx, run.ID)
	if err != nil {
		return err
	}

	candidates := make([]string, 0)

	for _, nodeRun := range nodeRuns {
		switch {
		case nodeRun.Status == models.NodeRunStatusRunning:
			err := e.persistence.RunRepository().ResetNode(ctx, run.ID, nodeRun.NodeID)
			if err != nil {
				return err
			}

			candidates = append(candidates, nodeRun.NodeID)
		case nodeRun.AwaitingRetry():
			e.schedule(task{RunID: run.ID, NodeID: nodeRun.NodeID, Retry: true})
		case nodeRun.Status == models.NodeRunStatusPending:
			candidates = append(candidates, nodeRun.NodeID)
		}
	}

	e.settle(ctx, p, run, candidates)

	return nil
}

type nodeReadiness int

const (
	nodeWaiting nodeReadiness = iota // Some predecessor is not terminal yet
	nodeReady                        // Can be dispatched
	nodeBlocked                      // Can never run
)

// readiness tells whether a pending node can be dispatched. Nodes run once every predecessor
// completed, or once every predecessor is terminal when they run on predecessor failure.
func readiness(graph *models.Graph, states map[string]*models.AutomationNodeRun, node *models.DefinitionNode) nodeReadiness {
	state, ok := states[node.ID]
	if !ok || (state.Status != models.NodeRunStatusPending && !state.AwaitingRetry()) {
		return nodeWaiting
	}

	allTerminal := true
	unsuccessful := false

	for _, predecessorID := range graph.Predecessors(node.ID) {
		predecessor, ok := states[predecessorID]
		if !ok || !predecessor.IsTerminal() {
			allTerminal = false

			continue
		}

		if predecessor.Status != models.NodeRunStatusCompleted {
			unsuccessful = true
		}
	}

	switch {
	case unsuccessful && !node.RunOnPredecessorFailure:
		return nodeBlocked
	case !allTerminal:
		return nodeWaiting
	default:
		return nodeReady
	}
}

func predecessorOutputs(graph *models.Graph, states map[string]*models.AutomationNodeRun, nodeID string) map[string]any {
	outputs := make(map[string]any)

	for _, predecessorID := range graph.Predecessors(nodeID) {
		predecessor, ok := states[predecessorID]
		if ok && predecessor.Status == models.NodeRunStatusCompleted {
			outputs[predecessorID] = predecessor.Output
		}
	}

	return outputs
}

func indexNodeRuns(nodeRuns []*models.AutomationNodeRun) map[string]*models.AutomationNodeRun {
	states := make(map[string]*models.AutomationNodeRun, len(nodeRuns))
	for _, nodeRun := range nodeRuns {
		states[nodeRun.NodeID] = nodeRun
	}

	return states
}
