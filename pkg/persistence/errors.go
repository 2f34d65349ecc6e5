// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrAutomationNotFound indicates an automation was not found by the given identifier.
	ErrAutomationNotFound = errors.New("automation not found")

	// ErrAutomationAlreadyExists indicates another automation already uses the name in the workspace.
	ErrAutomationAlreadyExists = errors.New("automation already exists")

	// ErrVersionNotFound indicates a version was not found, or does not belong to the automation.
	ErrVersionNotFound = errors.New("automation version not found")

	// ErrNoPublishedVersion indicates the automation has never been published.
	ErrNoPublishedVersion = errors.New("automation has no published version")

	// ErrTriggerNotFound indicates a trigger was not found by the given identifier.
	ErrTriggerNotFound = errors.New("trigger not found")

	// ErrRunNotFound indicates a run was not found by the given identifier.
	ErrRunNotFound = errors.New("run not found")

	// ErrNodeRunNotFound indicates the run has no record for the given node.
	ErrNodeRunNotFound = errors.New("node run not found")

	// ErrRunNotRunning indicates the run already reached a terminal status.
	ErrRunNotRunning = errors.New("run is not running")

	// ErrNodeNotDispatchable indicates the node is neither pending nor waiting for a retry.
	ErrNodeNotDispatchable = errors.New("node is not dispatchable")
)

// AutomationError wraps automation-related errors with additional context.
type AutomationError struct {
	Op           string // Operation being performed (e.g., "GetByID", "Save", "Publish")
	AutomationID string // Automation ID if applicable
	Err          error  // Underlying error
}

func (e *AutomationError) Error() string {
	return fmt.Sprintf("%s operation failed for automation %s: %v", e.Op, e.AutomationID, e.Err)
}

func (e *AutomationError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for automation errors.
func (e *AutomationError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewAutomationError creates a new automation error with context.
func NewAutomationError(op, automationID string, err error) *AutomationError {
	return &AutomationError{
		Op:           op,
		AutomationID: automationID,
		Err:          err,
	}
}

// RunError wraps run-related errors with additional context.
type RunError struct {
	Op     string // Operation being performed
	RunID  string // Run ID
	NodeID string // Node ID if applicable
	Err    error  // Underlying error
}

func (e *RunError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s operation failed for node %s in run %s: %v", e.Op, e.NodeID, e.RunID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRunError creates a new run error with context.
func NewRunError(op, runID, nodeID string, err error) *RunError {
	return &RunError{
		Op:     op,
		RunID:  runID,
		NodeID: nodeID,
		Err:    err,
	}
}

// IsAutomationNotFound checks if an error indicates an automation was not found.
func IsAutomationNotFound(err error) bool {
	return errors.Is(err, ErrAutomationNotFound)
}

// IsVersionNotFound checks if an error indicates a version was not found.
func IsVersionNotFound(err error) bool {
	return errors.Is(err, ErrVersionNotFound)
}

// IsNoPublishedVersion checks if an error indicates an automation without a publish target.
func IsNoPublishedVersion(err error) bool {
	return errors.Is(err, ErrNoPublishedVersion)
}

// IsTriggerNotFound checks if an error indicates a trigger was not found.
func IsTriggerNotFound(err error) bool {
	return errors.Is(err, ErrTriggerNotFound)
}

// IsRunNotFound checks if an error indicates a run was not found.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsNotFound checks if an error indicates any missing entity.
func IsNotFound(err error) bool {
	return IsAutomationNotFound(err) ||
		IsVersionNotFound(err) ||
		IsTriggerNotFound(err) ||
		IsRunNotFound(err) ||
		errors.Is(err, ErrNodeRunNotFound)
}
