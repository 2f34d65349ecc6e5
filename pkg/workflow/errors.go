package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrHandlerNotFound is returned when no handler is registered for a node type.
	ErrHandlerNotFound = errors.New("node handler not found")

	// ErrNodeTimeout is returned when a node attempt exceeds its timeout.
	ErrNodeTimeout = errors.New("node timed out")

	// ErrEngineStopped is returned when work is submitted to a stopped engine.
	ErrEngineStopped = errors.New("engine stopped")
)

// NodeExecutionError describes a failed node attempt.
type NodeExecutionError struct {
	NodeID  string
	Attempt int
	Err     error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s attempt %d: %v", e.NodeID, e.Attempt, e.Err)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the attempt ran past the node timeout.
func (e *NodeExecutionError) Timeout() bool {
	return errors.Is(e.Err, ErrNodeTimeout)
}

// RunFailure is the reason recorded on a failed run.
type RunFailure struct {
	NodeID  string
	Message string
}

func (e *RunFailure) Error() string {
	return fmt.Sprintf("node %s: %s", e.NodeID, e.Message)
}

// IsNodeTimeout checks if an error comes from a node exceeding its timeout.
func IsNodeTimeout(err error) bool {
	return errors.Is(err, ErrNodeTimeout)
}

// IsHandlerNotFound checks if an error comes from an unregistered node type.
func IsHandlerNotFound(err error) bool {
	return errors.Is(err, ErrHandlerNotFound)
}
