// Package protocol defines the interfaces and contracts for pluggable node handlers.
package protocol

import (
	"context"
	"log/slog"

	"github.com/dukex/autoflow/pkg/models"
)

// NodeContext describes the node run a handler is executing.
type NodeContext struct {
	RunID        string
	NodeRunID    string // Stable across retries, usable as an idempotency key
	NodeID       string
	AutomationID string
	WorkspaceID  string
	Subject      models.Subject
	Attempt      int
	Logger       *slog.Logger
}

// NodeHandler performs the work of one node type. Execute must honor ctx cancellation;
// the returned map becomes the node's output and is exposed to successors.
type NodeHandler interface {
	Execute(ctx context.Context, input map[string]any, nodeCtx NodeContext) (map[string]any, error)
}

// NodeHandlerFunc adapts a function to NodeHandler.
type NodeHandlerFunc func(ctx context.Context, input map[string]any, nodeCtx NodeContext) (map[string]any, error)

func (f NodeHandlerFunc) Execute(ctx context.Context, input map[string]any, nodeCtx NodeContext) (map[string]any, error) {
	return f(ctx, input, nodeCtx)
}

// NodeHandlerFactory creates handlers and provides metadata about the node type.
type NodeHandlerFactory interface {
	// Create creates a handler for one node with its static configuration
	Create(ctx context.Context, nodeID string, config map[string]any) (NodeHandler, error)

	// ID returns the node type handled, as referenced by definitions
	ID() string

	// Name returns the human-readable name for this node type
	Name() string

	// Description returns a description of what this node does
	Description() string

	// Schema returns the JSON schema for configuring this node
	Schema() map[string]any
}
