package file

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

// runDocument keeps a run and the node runs it owns in one file, so every
// transition rewrites both at once.
type runDocument struct {
	Run   *models.AutomationRun       `json:"run"`
	Nodes []*models.AutomationNodeRun `json:"nodes"`
}

func (d *runDocument) node(nodeID string) *models.AutomationNodeRun {
	for _, n := range d.Nodes {
		if n.NodeID == nodeID {
			return n
		}
	}

	return nil
}

func (d *runDocument) decrementPending() {
	if d.Run.PendingNodes > 0 {
		d.Run.PendingNodes--
	}
}

// RunRepository handles run documents.
type RunRepository struct {
	store *store
}

func (rr *RunRepository) load(op, runID string) (*runDocument, error) {
	var document runDocument

	found, err := rr.store.read(runsDir, runID, &document)
	if err != nil {
		return nil, err
	}

	if !found || document.Run == nil {
		return nil, persistence.NewRunError(op, runID, "", persistence.ErrRunNotFound)
	}

	return &document, nil
}

// CreateRun persists a run together with its node runs.
func (rr *RunRepository) CreateRun(_ context.Context, run *models.AutomationRun, nodes []*models.AutomationNodeRun) error {
	rr.store.mu.Lock()
	defer rr.store.mu.Unlock()

	var existing runDocument

	found, err := rr.store.read(runsDir, run.ID, &existing)
	if err != nil {
		return err
	}

	if found {
		return fmt.Errorf("run %s already exists", run.ID)
	}

	return rr.store.write(runsDir, run.ID, &runDocument{Run: run, Nodes: nodes})
}

// GetRun returns a run by its ID.
func (rr *RunRepository) GetRun(_ context.Context, id string) (*models.AutomationRun, error) {
	rr.store.mu.Lock()
	defer rr.store.mu.Unlock()

	document, err := rr.load("GetRun", id)
	if err != nil {
		return nil, err
	}

	return document.Run, nil
}

// ListRuns returns runs matching the filter, most recent first.
func (rr *RunRepository) ListRuns(_ context.Context, filter models.RunFilter) ([]*models.AutomationRun, error) {
	rr.store.mu.Lock()
	defer rr.store.mu.Unlock()

	documents, err := readAll[runDocument](rr.store, runsDir)
	if err != nil {
		return nil, err
	}

	runs := make([]*models.AutomationRun, 0, len(documents))

	for _, document := range documents {
		run := document.Run
		if run == nil {
			continue
		}

		if filter.AutomationID != "" && run.AutomationID != filter.AutomationID {
			continue
		}

		if filter.WorkspaceID != "" && run.WorkspaceID != filter.WorkspaceID {
			continue
		}

		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}

		runs = append(runs, run)
	}

	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })

	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}

	return runs, nil
}

// NodeRuns returns the run's node records in graph order.
func (rr *RunRepository) NodeRuns(_ context.Context, runID string) ([]*models.AutomationNodeRun, error) {
	rr.store.mu.Lock()
	defer rr.store.mu.Unlock()

	document, err := rr.load("NodeRuns", runID)
	if err != nil {
		return nil, err
	}

	return document.Nodes, nil
}

// StartNode moves a pending or retry-waiting node to running.
func (rr *RunRepository) StartNode(_ context.Context, runID, nodeID string, input map[string]any, at time.Time) (*models.AutomationNodeRun, error) {
	rr.store.mu.Lock()
	defer rr.store.mu.Unlock()

	document, err := rr.load("StartNode", runID)
	if err != nil {
		return nil, err
	}

	if document.Run.Status != models.RunStatusRunning {
		return nil, persistence.NewRunError("StartNode", runID, nodeID, persistence.ErrRunNotRunning)
	}

	n := document.node(nodeID)
	if n == nil {
		return nil, persistence.NewRunError("StartNode", runID, nodeID, persistence.ErrNodeRunNotFound)
	}

	if n.Status != models.NodeRunStatusPending && !n.AwaitingRetry() {
		return nil, persistence.NewRunError("StartNode", runID, nodeID, persistence.ErrNodeNotDispatchable)
	}

	n.Status = models.NodeRunStatusRunning
	n.Attempts++
	n.Input = input
	n.StartedAt = &at

	err = rr.store.write(runsDir, runID, document)
	if err != nil {
		return nil, err
	}

	return n, nil
}

// CompleteNode records a successful attempt and decrements the pending counter.
func (rr *RunRepository) CompleteNode(_ context.Context, runID, nodeID string, output map[string]any, at time.Time) (*persistence.NodeTransition, error) {
	rr.store.mu.Lock()
	defer rr.store.mu.Unlock()

	document, err := rr.load("CompleteNode", runID)
	if err != nil {
		return nil, err
	}

	n := document.node(nodeID)
	if n == nil {
		return nil, persistence.NewRunError("CompleteNode", runID, nodeID, persistence.ErrNodeRunNotFound)
	}

	transition := &persistence.NodeTransition{Run: document.Run, Node: n}

	if n.Status != models.NodeRunStatusRunning || document.Run.Status != models.RunStatusRunning {
		if !lateResult(document.Run, n) {
			return transition, nil
		}

		n.Output = output

		return transition, rr.store.write(runsDir, runID, document)
	}

	n.Status = models.NodeRunStatusCompleted
	n.Output = output
	n.Error = ""
	n.FinishedAt = &at
	document.decrementPending()
	transition.Applied = true

	return transition, rr.store.write(runsDir, runID, document)
}

// FailNode records a failed attempt.
func (rr *RunRepository) FailNode(_ context.Context, runID, nodeID, message string, terminal bool, at time.Time) (*persistence.NodeTransition, error) {
	rr.store.mu.Lock()
	defer rr.store.mu.Unlock()

	document, err := rr.load("FailNode", runID)
	if err != nil {
		return nil, err
	}

	n := document.node(nodeID)
	if n == nil {
		return nil, persistence.NewRunError("FailNode", runID, nodeID, persistence.ErrNodeRunNotFound)
	}

	transition := &persistence.NodeTransition{Run: document.Run, Node: n}

	if n.Status != models.NodeRunStatusRunning || document.Run.Status != models.RunStatusRunning {
		if !lateResult(document.Run, n) {
			return transition, nil
		}

		n.Error = message

		return transition, rr.store.write(runsDir, runID, document)
	}

	n.Status = models.NodeRunStatusFailed
	n.Error = message

	if terminal {
		n.FinishedAt = &at
		document.decrementPending()
	}

	transition.Applied = true

	return transition, rr.store.write(runsDir, runID, document)
}

// SkipNodes moves the listed pending nodes to skipped.
func (rr *RunRepository) SkipNodes(_ context.Context, runID string, nodeIDs []string, at time.Time) (*persistence.NodeTransition, error) {
	rr.store.mu.Lock()
	defer rr.store.mu.Unlock()

	document, err := rr.load("SkipNodes", runID)
	if err != nil {
		return nil, err
	}

	transition := &persistence.NodeTransition{Run: document.Run}

	if document.Run.Status != models.RunStatusRunning {
		return transition, nil
	}

	for _, nodeID := range nodeIDs {
		n := document.node(nodeID)
		if n == nil || n.Status != models.NodeRunStatusPending {
			continue
		}

		n.Status = models.NodeRunStatusSkipped
		n.FinishedAt = &at
		document.decrementPending()
		transition.Skipped = append(transition.Skipped, nodeID)
	}

	if len(transition.Skipped) == 0 {
		return transition, nil
	}

	transition.Applied = true

	return transition, rr.store.write(runsDir, runID, document)
}

// ResetNode moves a running node of a running run back to pending.
func (rr *RunRepository) ResetNode(_ context.Context, runID, nodeID string) error {
	rr.store.mu.Lock()
	defer rr.store.mu.Unlock()

	document, err := rr.load("ResetNode", runID)
	if err != nil {
		return err
	}

	n := document.node(nodeID)
	if n == nil {
		return persistence.NewRunError("ResetNode", runID, nodeID, persistence.ErrNodeRunNotFound)
	}

	if document.Run.Status != models.RunStatusRunning || n.Status != models.NodeRunStatusRunning {
		return nil
	}

	n.Status = models.NodeRunStatusPending

	return rr.store.write(runsDir, runID, document)
}

// CloseRun moves a running run to a terminal status.
func (rr *RunRepository) CloseRun(_ context.Context, runID string, status models.RunStatus, message string, at time.Time) (*models.AutomationRun, bool, error) {
	rr.store.mu.Lock()
	defer rr.store.mu.Unlock()

	document, err := rr.load("CloseRun", runID)
	if err != nil {
		return nil, false, err
	}

	if document.Run.Status != models.RunStatusRunning {
		return document.Run, false, nil
	}

	for _, n := range document.Nodes {
		if n.IsTerminal() {
			continue
		}

		n.Status = models.NodeRunStatusSkipped
		n.FinishedAt = &at
	}

	document.Run.Status = status
	document.Run.Error = message
	document.Run.FinishedAt = &at
	document.Run.PendingNodes = 0

	err = rr.store.write(runsDir, runID, document)
	if err != nil {
		return nil, false, err
	}

	return document.Run, true, nil
}

// DeleteFinishedBefore removes terminal runs finished before the given time.
func (rr *RunRepository) DeleteFinishedBefore(_ context.Context, before time.Time) (int, error) {
	rr.store.mu.Lock()
	defer rr.store.mu.Unlock()

	documents, err := readAll[runDocument](rr.store, runsDir)
	if err != nil {
		return 0, err
	}

	deleted := 0

	for _, document := range documents {
		run := document.Run
		if run == nil || !run.Status.IsTerminal() || run.FinishedAt == nil || !run.FinishedAt.Before(before) {
			continue
		}

		err := rr.store.remove(runsDir, run.ID)
		if err != nil {
			return deleted, err
		}

		deleted++
	}

	return deleted, nil
}

// lateResult reports whether a node was still executing when its run was closed,
// in which case its result is kept for audit without affecting scheduling.
func lateResult(run *models.AutomationRun, n *models.AutomationNodeRun) bool {
	return run.Status.IsTerminal() && n.Status == models.NodeRunStatusSkipped && n.StartedAt != nil
}
