package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/persistence/file"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/dukex/autoflow/pkg/registry"
	"github.com/dukex/autoflow/pkg/services"
	"github.com/stretchr/testify/require"
)

const workspaceID = "ws-1"

// handlerSet serves handlers by node type.
type handlerSet map[string]protocol.NodeHandler

func (h handlerSet) CreateHandler(_ context.Context, nodeType, _ string, _ map[string]any) (protocol.NodeHandler, error) {
	handler, ok := h[nodeType]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", registry.ErrNodeTypeNotRegistered, nodeType)
	}

	return handler, nil
}

func succeed() protocol.NodeHandler {
	return protocol.NodeHandlerFunc(func(_ context.Context, _ map[string]any, nodeCtx protocol.NodeContext) (map[string]any, error) {
		return map[string]any{"node": nodeCtx.NodeID}, nil
	})
}

func failing(message string) protocol.NodeHandler {
	return protocol.NodeHandlerFunc(func(context.Context, map[string]any, protocol.NodeContext) (map[string]any, error) {
		return nil, errors.New(message)
	})
}

// gate blocks its handler until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) open() {
	g.once.Do(func() { close(g.release) })
}

func (g *gate) handler() protocol.NodeHandler {
	return protocol.NodeHandlerFunc(func(_ context.Context, _ map[string]any, nodeCtx protocol.NodeContext) (map[string]any, error) {
		g.entered <- struct{}{}
		<-g.release

		return map[string]any{"node": nodeCtx.NodeID, "late": true}, nil
	})
}

func (g *gate) waitEntered(t *testing.T) {
	t.Helper()

	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not dispatched")
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recordingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)

	return nil
}

func (r *recordingPublisher) count(eventType events.EventType, runID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for _, event := range r.events {
		if event.GetType() == eventType && eventRunID(event) == runID {
			n++
		}
	}

	return n
}

func (r *recordingPublisher) nodeFailures(runID string) []events.NodeFailed {
	r.mu.Lock()
	defer r.mu.Unlock()

	failures := make([]events.NodeFailed, 0)

	for _, event := range r.events {
		if failed, ok := event.(events.NodeFailed); ok && failed.RunID == runID {
			failures = append(failures, failed)
		}
	}

	return failures
}

func eventRunID(event eventbus.Event) string {
	switch e := event.(type) {
	case events.RunStarted:
		return e.RunID
	case events.RunFinished:
		return e.RunID
	case events.NodeCompleted:
		return e.RunID
	case events.NodeFailed:
		return e.RunID
	default:
		return ""
	}
}

func testConfig() Config {
	config := DefaultConfig()
	config.Workers = 8
	config.NodeTimeout = 2 * time.Second
	config.RetryBaseDelay = 5 * time.Millisecond
	config.RetryMaxDelay = 20 * time.Millisecond

	return config
}

type harness struct {
	t           *testing.T
	persistence persistence.Persistence
	definitions *services.Definitions
	triggers    *services.Triggers
	publisher   *recordingPublisher
	handlers    handlerSet
	engine      *Engine
}

func newHarness(t *testing.T, config Config, handlers handlerSet) *harness {
	t.Helper()

	p := file.NewPersistence(t.TempDir())

	h := &harness{
		t:           t,
		persistence: p,
		definitions: services.NewDefinitions(p, nil),
		triggers:    services.NewTriggers(p),
		publisher:   &recordingPublisher{},
		handlers:    handlers,
	}

	h.engine = h.newEngine(config, nil)
	h.engine.Start(context.Background())
	t.Cleanup(h.engine.Stop)

	return h
}

func (h *harness) newEngine(config Config, deps *Dependencies) *Engine {
	h.t.Helper()

	d := Dependencies{
		Persistence: h.persistence,
		Definitions: h.definitions,
		Triggers:    h.triggers,
		Handlers:    h.handlers,
		Publisher:   h.publisher,
		Logger:      slog.New(slog.DiscardHandler),
	}

	if deps != nil && deps.Deduplicator != nil {
		d.Deduplicator = deps.Deduplicator
	}

	if deps != nil && deps.Publisher != nil {
		d.Publisher = deps.Publisher
	}

	engine, err := NewEngine(config, d)
	require.NoError(h.t, err)

	return engine
}

// automation creates an automation bound to eventKey and returns it with its first version,
// published unless publish is false.
func (h *harness) automation(name, eventKey string, definition models.Definition, publish bool) (*models.Automation, *models.AutomationVersion) {
	h.t.Helper()

	ctx := context.Background()

	automation, err := h.definitions.CreateAutomation(ctx, workspaceID, name, "")
	require.NoError(h.t, err)

	version, err := h.definitions.CreateVersion(ctx, automation.ID, definition, "tester")
	require.NoError(h.t, err)

	if publish {
		_, err = h.definitions.Publish(ctx, automation.ID, version.ID)
		require.NoError(h.t, err)
	}

	_, err = h.triggers.Create(ctx, &models.AutomationTrigger{
		AutomationID: automation.ID,
		WorkspaceID:  workspaceID,
		EventKey:     eventKey,
	})
	require.NoError(h.t, err)

	return automation, version
}

func (h *harness) notify(eventKey string) []*models.AutomationRun {
	h.t.Helper()

	runs, err := h.engine.Notify(context.Background(), event(eventKey))
	require.NoError(h.t, err)

	return runs
}

func (h *harness) notifyOne(eventKey string) *models.AutomationRun {
	h.t.Helper()

	runs := h.notify(eventKey)
	require.Len(h.t, runs, 1)

	return runs[0]
}

func (h *harness) waitRun(runID string) *models.AutomationRun {
	h.t.Helper()

	var run *models.AutomationRun

	require.Eventually(h.t, func() bool {
		current, err := h.engine.Run(context.Background(), runID)
		if err != nil {
			return false
		}

		run = current

		return current.Status.IsTerminal()
	}, 10*time.Second, 5*time.Millisecond)

	return run
}

func (h *harness) waitEvent(eventType events.EventType, runID string, expected int) {
	h.t.Helper()

	require.Eventually(h.t, func() bool {
		return h.publisher.count(eventType, runID) >= expected
	}, 5*time.Second, 5*time.Millisecond)
}

func (h *harness) nodes(runID string) map[string]*models.AutomationNodeRun {
	h.t.Helper()

	nodeRuns, err := h.engine.NodeRuns(context.Background(), runID)
	require.NoError(h.t, err)

	return indexNodeRuns(nodeRuns)
}

func event(eventKey string) *models.Event {
	return &models.Event{
		Key:         eventKey,
		WorkspaceID: workspaceID,
		Subject:     models.Subject{Type: "candidate", ID: "c-1"},
		Payload:     map[string]any{"stage": "interview"},
	}
}

func node(id, nodeType string) *models.DefinitionNode {
	return &models.DefinitionNode{ID: id, Type: nodeType, MaxAttempts: 1}
}

func edge(source, target string) *models.Edge {
	return &models.Edge{Source: source, Target: target}
}
