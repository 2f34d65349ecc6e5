package models

import "time"

// RunStatus represents the lifecycle state of an automation run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// IsTerminal reports whether the status can no longer change.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCanceled
}

// AutomationRun is one execution of a pinned version for one subject.
type AutomationRun struct {
	ID           string         `json:"id"`
	AutomationID string         `json:"automation_id"`
	VersionID    string         `json:"version_id"` // Pinned at creation, never re-pointed
	TriggerID    string         `json:"trigger_id"`
	WorkspaceID  string         `json:"workspace_id"`
	EventKey     string         `json:"event_key"`
	EventID      string         `json:"event_id"`
	Subject      Subject        `json:"subject"`
	Payload      map[string]any `json:"payload,omitempty"`
	Status       RunStatus      `json:"status"`
	PendingNodes int            `json:"pending_nodes"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// NodeRunStatus represents the state of a node within a run.
type NodeRunStatus string

const (
	NodeRunStatusPending   NodeRunStatus = "pending"
	NodeRunStatusRunning   NodeRunStatus = "running"
	NodeRunStatusCompleted NodeRunStatus = "completed"
	NodeRunStatusFailed    NodeRunStatus = "failed"
	NodeRunStatusSkipped   NodeRunStatus = "skipped"
)

// AutomationNodeRun is the execution record of one node within one run.
// Retries update the same record.
type AutomationNodeRun struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	NodeID     string         `json:"node_id"`
	NodeType   string         `json:"node_type"`
	Status     NodeRunStatus  `json:"status"`
	Attempts   int            `json:"attempts"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// IsTerminal reports whether the node reached completed, skipped or an exhausted failure.
// A failed node without a finish time is waiting for its next attempt.
func (n *AutomationNodeRun) IsTerminal() bool {
	switch n.Status {
	case NodeRunStatusCompleted, NodeRunStatusSkipped:
		return true
	case NodeRunStatusFailed:
		return n.FinishedAt != nil
	default:
		return false
	}
}

// AwaitingRetry reports whether the node failed an attempt and will be dispatched again.
func (n *AutomationNodeRun) AwaitingRetry() bool {
	return n.Status == NodeRunStatusFailed && n.FinishedAt == nil
}

// RunFilter narrows run listings.
type RunFilter struct {
	AutomationID string
	WorkspaceID  string
	Status       *RunStatus
	Limit        int
}
