// Package persistencetest holds behavior checks shared by every persistence implementation.
package persistencetest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty persistence for one test.
type Factory func(t *testing.T) persistence.Persistence

// Run executes the shared checks against the persistence built by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("automations", func(t *testing.T) { testAutomations(t, factory(t)) })
	t.Run("save keeps published version", func(t *testing.T) { testSaveKeepsPublishedVersion(t, factory(t)) })
	t.Run("versions", func(t *testing.T) { testVersions(t, factory(t)) })
	t.Run("triggers", func(t *testing.T) { testTriggers(t, factory(t)) })
	t.Run("node lifecycle", func(t *testing.T) { testNodeLifecycle(t, factory(t)) })
	t.Run("retries", func(t *testing.T) { testRetries(t, factory(t)) })
	t.Run("skip and close", func(t *testing.T) { testSkipAndClose(t, factory(t)) })
	t.Run("late results", func(t *testing.T) { testLateResults(t, factory(t)) })
	t.Run("concurrent completion", func(t *testing.T) { testConcurrentCompletion(t, factory(t)) })
	t.Run("list and retention", func(t *testing.T) { testListAndRetention(t, factory(t)) })
}

// NewAutomation saves an automation with a single version and returns both.
func NewAutomation(t *testing.T, p persistence.Persistence, workspaceID, name string) (*models.Automation, *models.AutomationVersion) {
	t.Helper()

	ctx := t.Context()

	automation := &models.Automation{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Name:        name,
		IsActive:    true,
	}
	require.NoError(t, p.AutomationRepository().Save(ctx, automation))

	version := &models.AutomationVersion{
		ID:           uuid.NewString(),
		AutomationID: automation.ID,
		Definition: models.Definition{
			Nodes: []*models.DefinitionNode{{ID: "a", Type: "log"}},
		},
	}
	require.NoError(t, p.VersionRepository().Create(ctx, version))

	return automation, version
}

// NewRun creates a running run with one pending node per id.
func NewRun(t *testing.T, p persistence.Persistence, startedAt time.Time, nodeIDs ...string) *models.AutomationRun {
	t.Helper()

	automation, version := NewAutomation(t, p, "ws-"+uuid.NewString()[:8], "runner")

	run := &models.AutomationRun{
		ID:           uuid.NewString(),
		AutomationID: automation.ID,
		VersionID:    version.ID,
		TriggerID:    uuid.NewString(),
		WorkspaceID:  automation.WorkspaceID,
		EventKey:     "ticket.created",
		EventID:      uuid.NewString(),
		Subject:      models.Subject{Type: "ticket", ID: "T-1"},
		Payload:      map[string]any{"priority": "high"},
		Status:       models.RunStatusRunning,
		PendingNodes: len(nodeIDs),
		StartedAt:    startedAt,
	}

	nodes := make([]*models.AutomationNodeRun, 0, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		nodes = append(nodes, &models.AutomationNodeRun{
			ID:       uuid.NewString(),
			RunID:    run.ID,
			NodeID:   nodeID,
			NodeType: "log",
			Status:   models.NodeRunStatusPending,
		})
	}

	require.NoError(t, p.RunRepository().CreateRun(t.Context(), run, nodes))

	return run
}

func nodeByID(t *testing.T, p persistence.Persistence, runID, nodeID string) *models.AutomationNodeRun {
	t.Helper()

	nodes, err := p.RunRepository().NodeRuns(t.Context(), runID)
	require.NoError(t, err)

	for _, n := range nodes {
		if n.NodeID == nodeID {
			return n
		}
	}

	t.Fatalf("node %s not found in run %s", nodeID, runID)

	return nil
}

func testAutomations(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.AutomationRepository()

	automation, version := NewAutomation(t, p, "ws-1", "Escalate urgent tickets")
	assert.False(t, automation.CreatedAt.IsZero())

	duplicate := &models.Automation{ID: uuid.NewString(), WorkspaceID: "ws-1", Name: "Escalate urgent tickets"}
	err := repo.Save(ctx, duplicate)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrAutomationAlreadyExists)

	sameNameOtherWorkspace := &models.Automation{ID: uuid.NewString(), WorkspaceID: "ws-2", Name: "Escalate urgent tickets"}
	require.NoError(t, repo.Save(ctx, sameNameOtherWorkspace))

	_, err = repo.GetByID(ctx, uuid.NewString())
	assert.True(t, persistence.IsAutomationNotFound(err))

	require.NoError(t, repo.SetPublishedVersion(ctx, automation.ID, version.ID))

	stored, err := repo.GetByID(ctx, automation.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PublishedVersionID)
	assert.Equal(t, version.ID, *stored.PublishedVersionID)

	_, foreign := NewAutomation(t, p, "ws-1", "Another automation")
	err = repo.SetPublishedVersion(ctx, automation.ID, foreign.ID)
	assert.True(t, persistence.IsVersionNotFound(err))

	listed, err := repo.ListByWorkspace(ctx, "ws-1")
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func testSaveKeepsPublishedVersion(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.AutomationRepository()

	automation, version := NewAutomation(t, p, "ws-1", "Notify on-call")

	stale, err := repo.GetByID(ctx, automation.ID)
	require.NoError(t, err)
	require.Nil(t, stale.PublishedVersionID)

	require.NoError(t, repo.SetPublishedVersion(ctx, automation.ID, version.ID))

	stale.IsActive = false
	require.NoError(t, repo.Save(ctx, stale))

	require.NotNil(t, stale.PublishedVersionID)
	assert.Equal(t, version.ID, *stale.PublishedVersionID)

	stored, err := repo.GetByID(ctx, automation.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	require.NotNil(t, stored.PublishedVersionID)
	assert.Equal(t, version.ID, *stored.PublishedVersionID)
	assert.WithinDuration(t, automation.CreatedAt, stored.CreatedAt, time.Second)
}

func testVersions(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.VersionRepository()

	automation, first := NewAutomation(t, p, "ws-1", "Versioned")
	assert.Equal(t, 1, first.Number)

	second := &models.AutomationVersion{
		ID:           uuid.NewString(),
		AutomationID: automation.ID,
		Definition:   models.Definition{Nodes: []*models.DefinitionNode{{ID: "b", Type: "log"}}},
	}
	require.NoError(t, repo.Create(ctx, second))
	assert.Equal(t, 2, second.Number)

	stored, err := repo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", stored.Definition.Nodes[0].ID)

	versions, err := repo.ListByAutomation(ctx, automation.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, first.ID, versions[0].ID)
	assert.Equal(t, second.ID, versions[1].ID)

	err = repo.Create(ctx, &models.AutomationVersion{ID: uuid.NewString(), AutomationID: uuid.NewString()})
	assert.True(t, persistence.IsAutomationNotFound(err))

	_, err = repo.GetByID(ctx, uuid.NewString())
	assert.True(t, persistence.IsVersionNotFound(err))
}

func testTriggers(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.TriggerRepository()

	automation, _ := NewAutomation(t, p, "ws-1", "Triggered")

	newTrigger := func(eventKey string, active bool) *models.AutomationTrigger {
		trigger := &models.AutomationTrigger{
			ID:           uuid.NewString(),
			AutomationID: automation.ID,
			WorkspaceID:  "ws-1",
			EventKey:     eventKey,
			IsActive:     active,
		}
		require.NoError(t, repo.Save(ctx, trigger))

		return trigger
	}

	first := newTrigger("ticket.created", true)
	second := newTrigger("ticket.created", true)
	inactive := newTrigger("ticket.created", false)
	newTrigger("ticket.closed", true)

	assert.Less(t, first.Sequence, second.Sequence)

	active, err := repo.FindActive(ctx, "ticket.created", "ws-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, first.ID, active[0].ID)
	assert.Equal(t, second.ID, active[1].ID)

	none, err := repo.FindActive(ctx, "ticket.created", "ws-2")
	require.NoError(t, err)
	assert.Empty(t, none)

	sequence := inactive.Sequence
	inactive.IsActive = true
	require.NoError(t, repo.Save(ctx, inactive))
	assert.Equal(t, sequence, inactive.Sequence)

	active, err = repo.FindActive(ctx, "ticket.created", "ws-1")
	require.NoError(t, err)
	assert.Len(t, active, 3)

	all, err := repo.ListByAutomation(ctx, automation.ID)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	_, err = repo.GetByID(ctx, uuid.NewString())
	assert.True(t, persistence.IsTriggerNotFound(err))
}

func testNodeLifecycle(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.RunRepository()
	now := time.Now().UTC()

	run := NewRun(t, p, now, "a", "b")

	stored, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.PendingNodes)
	assert.Equal(t, models.Subject{Type: "ticket", ID: "T-1"}, stored.Subject)

	started, err := repo.StartNode(ctx, run.ID, "a", map[string]any{"config": map[string]any{}}, now)
	require.NoError(t, err)
	assert.Equal(t, models.NodeRunStatusRunning, started.Status)
	assert.Equal(t, 1, started.Attempts)

	_, err = repo.StartNode(ctx, run.ID, "a", nil, now)
	assert.ErrorIs(t, err, persistence.ErrNodeNotDispatchable)

	_, err = repo.StartNode(ctx, run.ID, "missing", nil, now)
	assert.ErrorIs(t, err, persistence.ErrNodeRunNotFound)

	transition, err := repo.CompleteNode(ctx, run.ID, "a", map[string]any{"sent": true}, now)
	require.NoError(t, err)
	assert.True(t, transition.Applied)
	assert.Equal(t, 1, transition.Run.PendingNodes)
	assert.Equal(t, models.NodeRunStatusCompleted, transition.Node.Status)

	again, err := repo.CompleteNode(ctx, run.ID, "a", map[string]any{"sent": false}, now)
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Equal(t, 1, again.Run.PendingNodes)

	a := nodeByID(t, p, run.ID, "a")
	assert.Equal(t, true, a.Output["sent"])
	assert.NotNil(t, a.FinishedAt)

	_, err = repo.GetRun(ctx, uuid.NewString())
	assert.True(t, persistence.IsRunNotFound(err))
}

func testRetries(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.RunRepository()
	now := time.Now().UTC()

	run := NewRun(t, p, now, "flaky")

	_, err := repo.StartNode(ctx, run.ID, "flaky", nil, now)
	require.NoError(t, err)

	transition, err := repo.FailNode(ctx, run.ID, "flaky", "timeout", false, now)
	require.NoError(t, err)
	assert.True(t, transition.Applied)
	assert.Equal(t, 1, transition.Run.PendingNodes)
	assert.True(t, transition.Node.AwaitingRetry())

	retried, err := repo.StartNode(ctx, run.ID, "flaky", nil, now)
	require.NoError(t, err)
	assert.Equal(t, 2, retried.Attempts)

	transition, err = repo.FailNode(ctx, run.ID, "flaky", "timeout again", true, now)
	require.NoError(t, err)
	assert.Equal(t, 0, transition.Run.PendingNodes)
	assert.True(t, transition.Node.IsTerminal())
	assert.Equal(t, "timeout again", transition.Node.Error)

	_, err = repo.StartNode(ctx, run.ID, "flaky", nil, now)
	assert.ErrorIs(t, err, persistence.ErrNodeNotDispatchable)
}

func testSkipAndClose(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.RunRepository()
	now := time.Now().UTC()

	run := NewRun(t, p, now, "a", "b", "c", "d")

	_, err := repo.StartNode(ctx, run.ID, "a", nil, now)
	require.NoError(t, err)

	transition, err := repo.SkipNodes(ctx, run.ID, []string{"a", "b", "c"}, now)
	require.NoError(t, err)
	assert.True(t, transition.Applied)
	assert.ElementsMatch(t, []string{"b", "c"}, transition.Skipped)
	assert.Equal(t, 2, transition.Run.PendingNodes)

	closed, ok, err := repo.CloseRun(ctx, run.ID, models.RunStatusCanceled, "canceled by user", now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.RunStatusCanceled, closed.Status)
	assert.Equal(t, 0, closed.PendingNodes)
	assert.NotNil(t, closed.FinishedAt)

	_, ok, err = repo.CloseRun(ctx, run.ID, models.RunStatusFailed, "", now)
	require.NoError(t, err)
	assert.False(t, ok)

	nodes, err := repo.NodeRuns(ctx, run.ID)
	require.NoError(t, err)

	for _, n := range nodes {
		assert.True(t, n.IsTerminal(), "node %s", n.NodeID)
	}

	stored, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCanceled, stored.Status)
	assert.Equal(t, "canceled by user", stored.Error)

	_, err = repo.StartNode(ctx, run.ID, "d", nil, now)
	assert.ErrorIs(t, err, persistence.ErrRunNotRunning)

	skipped, err := repo.SkipNodes(ctx, run.ID, []string{"d"}, now)
	require.NoError(t, err)
	assert.False(t, skipped.Applied)
}

func testLateResults(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.RunRepository()
	now := time.Now().UTC()

	run := NewRun(t, p, now, "slow", "other")

	_, err := repo.StartNode(ctx, run.ID, "slow", nil, now)
	require.NoError(t, err)

	_, ok, err := repo.CloseRun(ctx, run.ID, models.RunStatusCanceled, "", now)
	require.NoError(t, err)
	require.True(t, ok)

	transition, err := repo.CompleteNode(ctx, run.ID, "slow", map[string]any{"late": true}, now)
	require.NoError(t, err)
	assert.False(t, transition.Applied)
	assert.Equal(t, models.RunStatusCanceled, transition.Run.Status)
	assert.Equal(t, 0, transition.Run.PendingNodes)

	slow := nodeByID(t, p, run.ID, "slow")
	assert.Equal(t, models.NodeRunStatusSkipped, slow.Status)
	assert.Equal(t, true, slow.Output["late"])

	failed, err := repo.FailNode(ctx, run.ID, "other", "never ran", true, now)
	require.NoError(t, err)
	assert.False(t, failed.Applied)
	assert.Empty(t, nodeByID(t, p, run.ID, "other").Error)
}

func testConcurrentCompletion(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.RunRepository()
	now := time.Now().UTC()

	const width = 8

	nodeIDs := make([]string, width)
	for i := range nodeIDs {
		nodeIDs[i] = fmt.Sprintf("n%d", i)
	}

	run := NewRun(t, p, now, nodeIDs...)

	for _, nodeID := range nodeIDs {
		_, err := repo.StartNode(ctx, run.ID, nodeID, nil, now)
		require.NoError(t, err)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		zeros int
	)

	for _, nodeID := range nodeIDs {
		wg.Add(1)

		go func(nodeID string) {
			defer wg.Done()

			transition, err := repo.CompleteNode(ctx, run.ID, nodeID, map[string]any{"id": nodeID}, now)
			if !assert.NoError(t, err) {
				return
			}

			if transition.Applied && transition.Run.PendingNodes == 0 {
				mu.Lock()
				zeros++
				mu.Unlock()
			}
		}(nodeID)
	}

	wg.Wait()

	assert.Equal(t, 1, zeros)

	stored, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.PendingNodes)
}

func testListAndRetention(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.RunRepository()
	now := time.Now().UTC()

	old := NewRun(t, p, now.Add(-72*time.Hour), "a")
	recent := NewRun(t, p, now.Add(-time.Hour), "a")
	active := NewRun(t, p, now, "a")

	_, _, err := repo.CloseRun(ctx, old.ID, models.RunStatusCompleted, "", now.Add(-71*time.Hour))
	require.NoError(t, err)
	_, _, err = repo.CloseRun(ctx, recent.ID, models.RunStatusFailed, "boom", now.Add(-30*time.Minute))
	require.NoError(t, err)

	failed := models.RunStatusFailed

	runs, err := repo.ListRuns(ctx, models.RunFilter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, recent.ID, runs[0].ID)

	runs, err = repo.ListRuns(ctx, models.RunFilter{AutomationID: active.AutomationID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, active.ID, runs[0].ID)

	runs, err = repo.ListRuns(ctx, models.RunFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, active.ID, runs[0].ID)
	assert.Equal(t, recent.ID, runs[1].ID)

	deleted, err := repo.DeleteFinishedBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = repo.GetRun(ctx, old.ID)
	assert.True(t, persistence.IsRunNotFound(err))

	_, err = repo.GetRun(ctx, active.ID)
	assert.NoError(t, err)
}
