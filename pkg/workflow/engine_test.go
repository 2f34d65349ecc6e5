package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/dedup"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/dukex/autoflow/pkg/mocks"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/dukex/autoflow/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestEngine_NoPublishedVersion(t *testing.T) {
	h := newHarness(t, testConfig(), handlerSet{"ok": succeed()})

	h.automation("Unpublished", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "ok")},
	}, false)

	runs := h.notify("candidate.created")
	assert.Empty(t, runs)

	all, err := h.engine.Runs(context.Background(), models.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestEngine_NoMatchingTrigger(t *testing.T) {
	h := newHarness(t, testConfig(), handlerSet{"ok": succeed()})

	h.automation("Other", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "ok")},
	}, true)

	assert.Empty(t, h.notify("candidate.hired"))
}

func TestEngine_InvalidEvent(t *testing.T) {
	h := newHarness(t, testConfig(), handlerSet{})

	_, err := h.engine.Notify(context.Background(), &models.Event{WorkspaceID: workspaceID})
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))
}

func TestEngine_LinearSuccess(t *testing.T) {
	var (
		mu      sync.Mutex
		inputs  = make(map[string]map[string]any)
		pending = make([]int, 0)
	)

	var h *harness

	recorder := protocol.NodeHandlerFunc(func(ctx context.Context, input map[string]any, nodeCtx protocol.NodeContext) (map[string]any, error) {
		run, err := h.engine.Run(ctx, nodeCtx.RunID)
		if err != nil {
			return nil, err
		}

		mu.Lock()
		inputs[nodeCtx.NodeID] = input
		pending = append(pending, run.PendingNodes)
		mu.Unlock()

		return map[string]any{"from": nodeCtx.NodeID, "idempotency_key": nodeCtx.NodeRunID}, nil
	})

	h = newHarness(t, testConfig(), handlerSet{"record": recorder})

	_, version := h.automation("Linear", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "record"), node("b", "record"), node("c", "record")},
		Edges: []*models.Edge{edge("a", "b"), edge("b", "c")},
	}, true)

	started := h.notifyOne("candidate.created")
	assert.Equal(t, models.RunStatusRunning, started.Status)
	assert.Equal(t, 3, started.PendingNodes)
	assert.Equal(t, version.ID, started.VersionID)

	run := h.waitRun(started.ID)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 0, run.PendingNodes)
	assert.NotNil(t, run.FinishedAt)
	assert.Empty(t, run.Error)

	nodes := h.nodes(run.ID)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, models.NodeRunStatusCompleted, nodes[id].Status, id)
		assert.Equal(t, 1, nodes[id].Attempts, id)
		assert.NotNil(t, nodes[id].FinishedAt, id)
		assert.Equal(t, nodes[id].ID, nodes[id].Output["idempotency_key"], id)
	}

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []int{3, 2, 1}, pending)

	assert.Equal(t, map[string]any{"stage": "interview"}, inputs["a"]["event"])
	assert.Equal(t, models.Subject{Type: "candidate", ID: "c-1"}, inputs["a"]["subject"])
	assert.Empty(t, inputs["a"]["predecessors"])

	predecessors, ok := inputs["c"]["predecessors"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, predecessors, "b")
	assert.NotContains(t, predecessors, "a")

	h.waitEvent(events.RunCompletedEvent, run.ID, 1)
	assert.Equal(t, 1, h.publisher.count(events.RunStartedEvent, run.ID))
	assert.Equal(t, 3, h.publisher.count(events.NodeCompletedEvent, run.ID))
}

func TestEngine_LinearFailureFailFast(t *testing.T) {
	h := newHarness(t, testConfig(), handlerSet{"ok": succeed(), "boom": failing("boom")})

	h.automation("Linear failure", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "ok"), node("b", "boom"), node("c", "ok")},
		Edges: []*models.Edge{edge("a", "b"), edge("b", "c")},
	}, true)

	run := h.waitRun(h.notifyOne("candidate.created").ID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, "node b: boom", run.Error)
	assert.Equal(t, 0, run.PendingNodes)

	nodes := h.nodes(run.ID)
	assert.Equal(t, models.NodeRunStatusCompleted, nodes["a"].Status)
	assert.Equal(t, models.NodeRunStatusFailed, nodes["b"].Status)
	assert.True(t, nodes["b"].IsTerminal())
	assert.Equal(t, "boom", nodes["b"].Error)
	assert.Equal(t, models.NodeRunStatusSkipped, nodes["c"].Status)
	assert.Equal(t, 0, nodes["c"].Attempts)

	h.waitEvent(events.RunFailedEvent, run.ID, 1)
	assert.Equal(t, 1, h.publisher.count(events.NodeFailedEvent, run.ID))
}

func TestEngine_FanOut(t *testing.T) {
	t.Run("fail fast", func(t *testing.T) {
		h := newHarness(t, testConfig(), handlerSet{"ok": succeed(), "boom": failing("boom")})

		h.automation("Fan out", "candidate.created", models.Definition{
			Nodes: []*models.DefinitionNode{node("a", "ok"), node("b", "boom"), node("c", "ok")},
			Edges: []*models.Edge{edge("a", "b"), edge("a", "c")},
		}, true)

		run := h.waitRun(h.notifyOne("candidate.created").ID)
		assert.Equal(t, models.RunStatusFailed, run.Status)
		assert.Equal(t, "node b: boom", run.Error)

		nodes := h.nodes(run.ID)
		assert.Equal(t, models.NodeRunStatusFailed, nodes["b"].Status)
		assert.Contains(t, []models.NodeRunStatus{models.NodeRunStatusCompleted, models.NodeRunStatusSkipped}, nodes["c"].Status)
	})

	t.Run("best effort", func(t *testing.T) {
		h := newHarness(t, testConfig(), handlerSet{"ok": succeed(), "boom": failing("boom")})

		h.automation("Fan out", "candidate.created", models.Definition{
			Nodes:         []*models.DefinitionNode{node("a", "ok"), node("b", "boom"), node("c", "ok"), node("d", "ok")},
			Edges:         []*models.Edge{edge("a", "b"), edge("a", "c"), edge("b", "d")},
			FailurePolicy: models.FailurePolicyBestEffort,
		}, true)

		run := h.waitRun(h.notifyOne("candidate.created").ID)
		assert.Equal(t, models.RunStatusFailed, run.Status)
		assert.Equal(t, "node b: boom", run.Error)

		nodes := h.nodes(run.ID)
		assert.Equal(t, models.NodeRunStatusCompleted, nodes["a"].Status)
		assert.Equal(t, models.NodeRunStatusFailed, nodes["b"].Status)
		assert.Equal(t, models.NodeRunStatusCompleted, nodes["c"].Status)
		assert.Equal(t, models.NodeRunStatusSkipped, nodes["d"].Status)
	})

	t.Run("engine default best effort", func(t *testing.T) {
		config := testConfig()
		config.FailurePolicy = models.FailurePolicyBestEffort

		h := newHarness(t, config, handlerSet{"ok": succeed(), "boom": failing("boom")})

		h.automation("Fan out", "candidate.created", models.Definition{
			Nodes: []*models.DefinitionNode{node("a", "ok"), node("b", "boom"), node("c", "ok")},
			Edges: []*models.Edge{edge("a", "b"), edge("a", "c")},
		}, true)

		run := h.waitRun(h.notifyOne("candidate.created").ID)
		assert.Equal(t, models.RunStatusFailed, run.Status)
		assert.Equal(t, models.NodeRunStatusCompleted, h.nodes(run.ID)["c"].Status)
	})
}

func TestEngine_OptionalFailure(t *testing.T) {
	h := newHarness(t, testConfig(), handlerSet{"ok": succeed(), "boom": failing("boom")})

	optional := node("b", "boom")
	optional.Optional = true

	h.automation("Optional", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "ok"), optional, node("c", "ok"), node("d", "ok")},
		Edges: []*models.Edge{edge("a", "b"), edge("a", "c"), edge("b", "d")},
	}, true)

	run := h.waitRun(h.notifyOne("candidate.created").ID)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Empty(t, run.Error)

	nodes := h.nodes(run.ID)
	assert.Equal(t, models.NodeRunStatusFailed, nodes["b"].Status)
	assert.Equal(t, models.NodeRunStatusCompleted, nodes["c"].Status)
	assert.Equal(t, models.NodeRunStatusSkipped, nodes["d"].Status)
}

func TestEngine_RunOnPredecessorFailure(t *testing.T) {
	var received atomic.Value

	cleanup := protocol.NodeHandlerFunc(func(_ context.Context, input map[string]any, _ protocol.NodeContext) (map[string]any, error) {
		received.Store(input["predecessors"])

		return map[string]any{"cleaned": true}, nil
	})

	h := newHarness(t, testConfig(), handlerSet{"ok": succeed(), "boom": failing("boom"), "cleanup": cleanup})

	optional := node("b", "boom")
	optional.Optional = true

	always := node("c", "cleanup")
	always.RunOnPredecessorFailure = true

	h.automation("Cleanup", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "ok"), optional, always},
		Edges: []*models.Edge{edge("a", "c"), edge("b", "c")},
	}, true)

	run := h.waitRun(h.notifyOne("candidate.created").ID)
	assert.Equal(t, models.RunStatusCompleted, run.Status)

	nodes := h.nodes(run.ID)
	assert.Equal(t, models.NodeRunStatusCompleted, nodes["c"].Status)

	predecessors, ok := received.Load().(map[string]any)
	require.True(t, ok)
	assert.Contains(t, predecessors, "a")
	assert.NotContains(t, predecessors, "b")
}

func TestEngine_RunOnPredecessorFailureFailFast(t *testing.T) {
	h := newHarness(t, testConfig(), handlerSet{"ok": succeed(), "boom": failing("boom")})

	always := node("c", "ok")
	always.RunOnPredecessorFailure = true

	h.automation("Cleanup after failure", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "ok"), node("b", "boom"), always, node("d", "ok")},
		Edges: []*models.Edge{edge("a", "b"), edge("b", "c"), edge("b", "d")},
	}, true)

	run := h.waitRun(h.notifyOne("candidate.created").ID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, "node b: boom", run.Error)
	assert.Zero(t, run.PendingNodes)

	nodes := h.nodes(run.ID)
	assert.Equal(t, models.NodeRunStatusFailed, nodes["b"].Status)
	assert.Equal(t, models.NodeRunStatusCompleted, nodes["c"].Status)
	assert.Equal(t, 1, nodes["c"].Attempts)
	assert.Equal(t, models.NodeRunStatusSkipped, nodes["d"].Status)
	assert.Zero(t, nodes["d"].Attempts)
}

func TestEngine_Retries(t *testing.T) {
	var calls atomic.Int32

	flaky := protocol.NodeHandlerFunc(func(_ context.Context, _ map[string]any, nodeCtx protocol.NodeContext) (map[string]any, error) {
		calls.Add(1)

		if nodeCtx.Attempt < 3 {
			return nil, errors.New("temporarily unavailable")
		}

		return map[string]any{"attempt": nodeCtx.Attempt}, nil
	})

	t.Run("succeeds within budget", func(t *testing.T) {
		calls.Store(0)

		h := newHarness(t, testConfig(), handlerSet{"flaky": flaky})

		retried := node("a", "flaky")
		retried.MaxAttempts = 3

		h.automation("Retry", "candidate.created", models.Definition{
			Nodes: []*models.DefinitionNode{retried},
		}, true)

		run := h.waitRun(h.notifyOne("candidate.created").ID)
		assert.Equal(t, models.RunStatusCompleted, run.Status)

		nodes := h.nodes(run.ID)
		assert.Equal(t, 3, nodes["a"].Attempts)
		assert.Empty(t, nodes["a"].Error)
		assert.Equal(t, int32(3), calls.Load())

		failures := h.publisher.nodeFailures(run.ID)
		require.Len(t, failures, 2)
		assert.True(t, failures[0].WillRetry)
		assert.True(t, failures[1].WillRetry)
	})

	t.Run("exhausts budget", func(t *testing.T) {
		calls.Store(0)

		h := newHarness(t, testConfig(), handlerSet{"flaky": flaky})

		retried := node("a", "flaky")
		retried.MaxAttempts = 2

		h.automation("Retry", "candidate.created", models.Definition{
			Nodes: []*models.DefinitionNode{retried},
		}, true)

		run := h.waitRun(h.notifyOne("candidate.created").ID)
		assert.Equal(t, models.RunStatusFailed, run.Status)
		assert.Equal(t, "node a: temporarily unavailable", run.Error)

		nodes := h.nodes(run.ID)
		assert.Equal(t, 2, nodes["a"].Attempts)
		assert.True(t, nodes["a"].IsTerminal())

		failures := h.publisher.nodeFailures(run.ID)
		require.Len(t, failures, 2)
		assert.True(t, failures[0].WillRetry)
		assert.False(t, failures[1].WillRetry)
	})

	t.Run("engine default budget", func(t *testing.T) {
		calls.Store(0)

		h := newHarness(t, testConfig(), handlerSet{"flaky": flaky})

		h.automation("Retry", "candidate.created", models.Definition{
			Nodes: []*models.DefinitionNode{{ID: "a", Type: "flaky"}},
		}, true)

		run := h.waitRun(h.notifyOne("candidate.created").ID)
		assert.Equal(t, models.RunStatusCompleted, run.Status)
		assert.Equal(t, 3, h.nodes(run.ID)["a"].Attempts)
	})
}

func TestEngine_NodeTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	stubborn := protocol.NodeHandlerFunc(func(context.Context, map[string]any, protocol.NodeContext) (map[string]any, error) {
		<-release

		return map[string]any{}, nil
	})

	config := testConfig()
	config.NodeTimeout = 50 * time.Millisecond

	h := newHarness(t, config, handlerSet{"stubborn": stubborn})

	h.automation("Timeout", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "stubborn")},
	}, true)

	run := h.waitRun(h.notifyOne("candidate.created").ID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, ErrNodeTimeout.Error())
}

func TestEngine_MissingHandler(t *testing.T) {
	h := newHarness(t, testConfig(), handlerSet{})

	h.automation("Missing", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "unknown")},
	}, true)

	run := h.waitRun(h.notifyOne("candidate.created").ID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, ErrHandlerNotFound.Error())
	assert.Equal(t, 1, h.nodes(run.ID)["a"].Attempts)
}

func TestEngine_HandlerPanic(t *testing.T) {
	panicking := protocol.NodeHandlerFunc(func(context.Context, map[string]any, protocol.NodeContext) (map[string]any, error) {
		panic("unexpected")
	})

	h := newHarness(t, testConfig(), handlerSet{"panic": panicking})

	h.automation("Panic", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "panic")},
	}, true)

	run := h.waitRun(h.notifyOne("candidate.created").ID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "handler panicked")
}

func TestEngine_VersionPinning(t *testing.T) {
	g := newGate()
	h := newHarness(t, testConfig(), handlerSet{"gate": g.handler(), "ok": succeed()})

	ctx := context.Background()

	automation, v1 := h.automation("Pinned", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("v1-a", "gate"), node("v1-b", "ok")},
		Edges: []*models.Edge{edge("v1-a", "v1-b")},
	}, true)

	first := h.notifyOne("candidate.created")
	g.waitEntered(t)

	v2, err := h.definitions.CreateVersion(ctx, automation.ID, models.Definition{
		Nodes: []*models.DefinitionNode{node("v2-a", "ok")},
	}, "tester")
	require.NoError(t, err)

	_, err = h.definitions.Publish(ctx, automation.ID, v2.ID)
	require.NoError(t, err)

	second := h.notifyOne("candidate.created")
	assert.Equal(t, v2.ID, second.VersionID)
	assert.Equal(t, models.RunStatusCompleted, h.waitRun(second.ID).Status)

	g.open()

	run := h.waitRun(first.ID)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, v1.ID, run.VersionID)

	nodes := h.nodes(first.ID)
	assert.Len(t, nodes, 2)
	assert.Equal(t, models.NodeRunStatusCompleted, nodes["v1-b"].Status)
}

func TestEngine_Cancel(t *testing.T) {
	g := newGate()
	h := newHarness(t, testConfig(), handlerSet{"gate": g.handler(), "ok": succeed()})

	ctx := context.Background()

	h.automation("Cancelable", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "gate"), node("b", "ok")},
		Edges: []*models.Edge{edge("a", "b")},
	}, true)

	started := h.notifyOne("candidate.created")
	g.waitEntered(t)

	canceled, err := h.engine.Cancel(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCanceled, canceled.Status)
	assert.Equal(t, 0, canceled.PendingNodes)
	assert.NotNil(t, canceled.FinishedAt)

	nodes := h.nodes(started.ID)
	assert.Equal(t, models.NodeRunStatusSkipped, nodes["a"].Status)
	assert.Equal(t, models.NodeRunStatusSkipped, nodes["b"].Status)

	g.open()

	require.Eventually(t, func() bool {
		nodeRuns, err := h.engine.NodeRuns(ctx, started.ID)
		if err != nil {
			return false
		}

		return indexNodeRuns(nodeRuns)["a"].Output["late"] == true
	}, 5*time.Second, 5*time.Millisecond)

	run, err := h.engine.Run(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCanceled, run.Status)
	assert.Equal(t, 0, run.PendingNodes)

	nodes = h.nodes(started.ID)
	assert.Equal(t, models.NodeRunStatusSkipped, nodes["a"].Status)
	assert.Equal(t, models.NodeRunStatusSkipped, nodes["b"].Status)
	assert.Equal(t, 0, nodes["b"].Attempts)

	again, err := h.engine.Cancel(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCanceled, again.Status)
	assert.Equal(t, canceled.FinishedAt.Unix(), again.FinishedAt.Unix())

	assert.Equal(t, 1, h.publisher.count(events.RunCanceledEvent, started.ID))
	assert.Equal(t, 0, h.publisher.count(events.NodeCompletedEvent, started.ID))
}

func TestEngine_CancelFinishedRun(t *testing.T) {
	h := newHarness(t, testConfig(), handlerSet{"ok": succeed()})

	h.automation("Done", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "ok")},
	}, true)

	run := h.waitRun(h.notifyOne("candidate.created").ID)
	require.Equal(t, models.RunStatusCompleted, run.Status)

	canceled, err := h.engine.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, canceled.Status)
}

func TestEngine_ConcurrentSiblingsCloseOnce(t *testing.T) {
	start := make(chan struct{})

	var waiting sync.WaitGroup

	synchronized := protocol.NodeHandlerFunc(func(_ context.Context, _ map[string]any, nodeCtx protocol.NodeContext) (map[string]any, error) {
		if nodeCtx.NodeID != "root" {
			waiting.Done()
			<-start
		}

		return map[string]any{}, nil
	})

	h := newHarness(t, testConfig(), handlerSet{"sync": synchronized})

	nodes := []*models.DefinitionNode{node("root", "sync")}
	edges := make([]*models.Edge, 0)

	for i := range 8 {
		id := "sibling-" + string(rune('a'+i))
		nodes = append(nodes, node(id, "sync"))
		edges = append(edges, edge("root", id))
	}

	waiting.Add(8)

	h.automation("Siblings", "candidate.created", models.Definition{Nodes: nodes, Edges: edges}, true)

	started := h.notifyOne("candidate.created")

	waiting.Wait()
	close(start)

	run := h.waitRun(started.ID)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 0, run.PendingNodes)

	h.waitEvent(events.RunCompletedEvent, run.ID, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.publisher.count(events.RunCompletedEvent, run.ID))
	assert.Equal(t, 9, h.publisher.count(events.NodeCompletedEvent, run.ID))
}

func TestEngine_JoinRunsOnce(t *testing.T) {
	var joins atomic.Int32

	join := protocol.NodeHandlerFunc(func(context.Context, map[string]any, protocol.NodeContext) (map[string]any, error) {
		joins.Add(1)

		return map[string]any{}, nil
	})

	h := newHarness(t, testConfig(), handlerSet{"ok": succeed(), "join": join})

	h.automation("Diamond", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "ok"), node("b", "ok"), node("c", "ok"), node("d", "join")},
		Edges: []*models.Edge{edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d")},
	}, true)

	run := h.waitRun(h.notifyOne("candidate.created").ID)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, int32(1), joins.Load())
	assert.Equal(t, 1, h.nodes(run.ID)["d"].Attempts)
}

func TestEngine_OneRunPerMatchingTrigger(t *testing.T) {
	h := newHarness(t, testConfig(), handlerSet{"ok": succeed()})

	ctx := context.Background()

	automation, _ := h.automation("Twice", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "ok")},
	}, true)

	_, err := h.triggers.Create(ctx, &models.AutomationTrigger{
		AutomationID: automation.ID,
		WorkspaceID:  workspaceID,
		EventKey:     "candidate.created",
	})
	require.NoError(t, err)

	runs := h.notify("candidate.created")
	require.Len(t, runs, 2)
	assert.NotEqual(t, runs[0].TriggerID, runs[1].TriggerID)
}

func TestEngine_DeactivatedAutomation(t *testing.T) {
	h := newHarness(t, testConfig(), handlerSet{"ok": succeed()})

	automation, _ := h.automation("Inactive", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "ok")},
	}, true)

	_, err := h.definitions.Deactivate(context.Background(), automation.ID)
	require.NoError(t, err)

	assert.Empty(t, h.notify("candidate.created"))
}

func TestEngine_DeduplicatesEvents(t *testing.T) {
	h := newHarness(t, testConfig(), handlerSet{"ok": succeed()})
	engine := h.newEngine(testConfig(), &Dependencies{Deduplicator: dedup.NewMemory(time.Minute)})

	h.automation("Dedup", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "ok")},
	}, true)

	e := event("candidate.created")
	e.ID = "evt-1"

	runs, err := engine.Notify(context.Background(), e)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	redelivered := event("candidate.created")
	redelivered.ID = "evt-1"

	runs, err = engine.Notify(context.Background(), redelivered)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestEngine_Resume(t *testing.T) {
	h := newHarness(t, testConfig(), handlerSet{"ok": succeed()})
	ctx := context.Background()

	h.automation("Resume", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "ok"), node("b", "ok"), node("c", "ok")},
		Edges: []*models.Edge{edge("a", "b"), edge("b", "c")},
	}, true)

	stopped := h.newEngine(testConfig(), nil)
	stopped.Stop()

	queued, err := stopped.Notify(ctx, event("candidate.created"))
	require.NoError(t, err)
	require.Len(t, queued, 1)

	interrupted, err := stopped.Notify(ctx, event("candidate.created"))
	require.NoError(t, err)
	require.Len(t, interrupted, 1)

	_, err = h.persistence.RunRepository().StartNode(ctx, interrupted[0].ID, "a", map[string]any{}, time.Now().UTC())
	require.NoError(t, err)

	resumed, err := h.engine.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, resumed)

	for _, run := range append(queued, interrupted...) {
		finished := h.waitRun(run.ID)
		assert.Equal(t, models.RunStatusCompleted, finished.Status)
	}

	assert.Equal(t, 2, h.nodes(interrupted[0].ID)["a"].Attempts)
}

func TestEngine_ResumeClosesDrainedRun(t *testing.T) {
	h := newHarness(t, testConfig(), handlerSet{"ok": succeed()})
	ctx := context.Background()

	h.automation("Drained", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "ok")},
	}, true)

	stopped := h.newEngine(testConfig(), nil)
	stopped.Stop()

	runs, err := stopped.Notify(ctx, event("candidate.created"))
	require.NoError(t, err)
	require.Len(t, runs, 1)

	repo := h.persistence.RunRepository()

	_, err = repo.StartNode(ctx, runs[0].ID, "a", map[string]any{}, time.Now().UTC())
	require.NoError(t, err)

	_, err = repo.CompleteNode(ctx, runs[0].ID, "a", map[string]any{}, time.Now().UTC())
	require.NoError(t, err)

	_, err = h.engine.Resume(ctx)
	require.NoError(t, err)

	run := h.waitRun(runs[0].ID)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
}

func TestEngine_HandleDomainEvent(t *testing.T) {
	h := newHarness(t, testConfig(), handlerSet{"ok": succeed()})

	h.automation("Bus", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "ok")},
	}, true)

	received := events.NewDomainEventReceived(*event("candidate.created"))

	require.NoError(t, h.engine.HandleDomainEvent(context.Background(), &received))

	require.Eventually(t, func() bool {
		runs, err := h.engine.Runs(context.Background(), models.RunFilter{})

		return err == nil && len(runs) == 1 && runs[0].Status == models.RunStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	invalid := events.NewDomainEventReceived(models.Event{WorkspaceID: workspaceID})
	require.NoError(t, h.engine.HandleDomainEvent(context.Background(), &invalid))

	require.Error(t, h.engine.HandleDomainEvent(context.Background(), "not an event"))
}

func TestForwarder_Notify(t *testing.T) {
	publisher := &recordingPublisher{}
	forwarder := NewForwarder(publisher)

	forwarded := event("candidate.created")

	runs, err := forwarder.Notify(context.Background(), forwarded)
	require.NoError(t, err)
	assert.Nil(t, runs)
	assert.NotEmpty(t, forwarded.ID)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, events.DomainEventReceivedEvent, publisher.events[0].GetType())

	_, err = forwarder.Notify(context.Background(), &models.Event{})
	assert.True(t, services.IsValidationError(err))
}

func TestForwarder_PublishFailure(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, workspaceID+":candidate:c-1", mock.AnythingOfType("events.DomainEventReceived")).
		Return(errors.New("broker down"))

	_, err := NewForwarder(bus).Notify(context.Background(), event("candidate.created"))
	require.ErrorContains(t, err, "broker down")

	bus.AssertExpectations(t)
}

func TestEngine_PublishFailureDoesNotAffectRun(t *testing.T) {
	h := newHarness(t, testConfig(), handlerSet{"ok": succeed()})

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	engine := h.newEngine(testConfig(), &Dependencies{Publisher: bus})
	engine.Start(context.Background())
	t.Cleanup(engine.Stop)

	h.automation("Unreachable bus", "candidate.created", models.Definition{
		Nodes: []*models.DefinitionNode{node("a", "ok"), node("b", "ok")},
		Edges: []*models.Edge{edge("a", "b")},
	}, true)

	runs, err := engine.Notify(context.Background(), event("candidate.created"))
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := h.waitRun(runs[0].ID)
	assert.Equal(t, models.RunStatusCompleted, run.Status)

	bus.AssertCalled(t, "Publish", mock.Anything, mock.Anything, mock.AnythingOfType("events.RunStarted"))
}

func TestNewEngine_Validation(t *testing.T) {
	config := testConfig()
	config.Workers = 0

	_, err := NewEngine(config, Dependencies{})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewEngine(testConfig(), Dependencies{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "requires"))
}
