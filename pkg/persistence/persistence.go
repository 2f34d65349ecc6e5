// Package persistence provides data storage abstraction layer for automations and their runs.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/autoflow/pkg/models"
)

type Persistence interface {
	AutomationRepository() AutomationRepository
	VersionRepository() VersionRepository
	TriggerRepository() TriggerRepository
	RunRepository() RunRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// AutomationRepository stores automations and their publish pointer.
type AutomationRepository interface {
	// Save inserts or updates an automation. A different automation with the same
	// (workspace, name) yields ErrAutomationAlreadyExists.
	Save(ctx context.Context, automation *models.Automation) error
	GetByID(ctx context.Context, id string) (*models.Automation, error)
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*models.Automation, error)

	// SetPublishedVersion atomically swaps the publish pointer. The version must belong
	// to the automation.
	SetPublishedVersion(ctx context.Context, automationID, versionID string) error
}

// VersionRepository stores append-only automation versions.
type VersionRepository interface {
	// Create appends a version and assigns its number.
	Create(ctx context.Context, version *models.AutomationVersion) error
	GetByID(ctx context.Context, id string) (*models.AutomationVersion, error)
	ListByAutomation(ctx context.Context, automationID string) ([]*models.AutomationVersion, error)
}

// TriggerRepository stores event bindings.
type TriggerRepository interface {
	// Save inserts or updates a trigger. Sequence is assigned on insert.
	Save(ctx context.Context, trigger *models.AutomationTrigger) error
	GetByID(ctx context.Context, id string) (*models.AutomationTrigger, error)
	ListByAutomation(ctx context.Context, automationID string) ([]*models.AutomationTrigger, error)

	// FindActive returns the active triggers for an event key in a workspace ordered by sequence.
	FindActive(ctx context.Context, eventKey, workspaceID string) ([]*models.AutomationTrigger, error)
}

// NodeTransition is the outcome of an atomic node state change.
type NodeTransition struct {
	Run     *models.AutomationRun     // Run state after the change
	Node    *models.AutomationNodeRun // Node state after the change, for single node operations
	Applied bool                      // False when the change was discarded (run no longer running, node not in the expected state)
	Skipped []string                  // Node ids moved to skipped by SkipNodes
}

// RunRepository stores runs and node runs. Every method changing node state also
// maintains the run's pending counter in the same atomic operation.
type RunRepository interface {
	// CreateRun persists a run together with its node runs.
	CreateRun(ctx context.Context, run *models.AutomationRun, nodes []*models.AutomationNodeRun) error
	GetRun(ctx context.Context, id string) (*models.AutomationRun, error)
	ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.AutomationRun, error)
	NodeRuns(ctx context.Context, runID string) ([]*models.AutomationNodeRun, error)

	// StartNode moves a pending or retry-waiting node to running, increments its attempts and
	// records the input snapshot. Fails with ErrRunNotRunning or ErrNodeNotDispatchable.
	StartNode(ctx context.Context, runID, nodeID string, input map[string]any, at time.Time) (*models.AutomationNodeRun, error)

	// CompleteNode records a successful attempt and decrements the pending counter.
	// If the run was closed meanwhile the output is kept on the node but nothing else changes.
	CompleteNode(ctx context.Context, runID, nodeID string, output map[string]any, at time.Time) (*NodeTransition, error)

	// FailNode records a failed attempt. Terminal failures decrement the pending counter,
	// others leave the node waiting for a retry.
	FailNode(ctx context.Context, runID, nodeID, message string, terminal bool, at time.Time) (*NodeTransition, error)

	// SkipNodes moves the listed nodes that are still pending to skipped.
	SkipNodes(ctx context.Context, runID string, nodeIDs []string, at time.Time) (*NodeTransition, error)

	// ResetNode moves a running node back to pending, used when recovering orphaned runs.
	ResetNode(ctx context.Context, runID, nodeID string) error

	// CloseRun moves a running run to a terminal status, skipping every non-terminal node.
	// Returns false when the run had already been closed.
	CloseRun(ctx context.Context, runID string, status models.RunStatus, message string, at time.Time) (*models.AutomationRun, bool, error)

	// DeleteFinishedBefore removes terminal runs (and their node runs) finished before the given time.
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error)
}
