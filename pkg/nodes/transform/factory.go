// Package transform provides a node handler reshaping its input with a template expression.
package transform

import (
	"context"

	"github.com/dukex/autoflow/pkg/protocol"
)

// TransformNodeFactory creates TransformNode instances.
type TransformNodeFactory struct{}

// Create creates a new TransformNode instance.
func (f *TransformNodeFactory) Create(_ context.Context, id string, config map[string]any) (protocol.NodeHandler, error) {
	return NewTransformNode(id, config)
}

// ID returns the factory ID.
func (f *TransformNodeFactory) ID() string {
	return "transform"
}

// Name returns the factory name.
func (f *TransformNodeFactory) Name() string {
	return "Transform"
}

// Description returns the factory description.
func (f *TransformNodeFactory) Description() string {
	return "Builds a new value from the event, subject and predecessor outputs using a Go template"
}

// Schema returns the JSON schema for Transform node configuration.
func (f *TransformNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{
				"type":        "string",
				"description": "Go template rendered against the node input. JSON, numbers and booleans are decoded.",
				"examples": []string{
					`{"ticket": "{{.subject.id}}", "owner": "{{.predecessors.lookup.owner}}"}`,
					"{{.event.amount}}",
				},
			},
		},
		"required": []string{"expression"},
	}
}

// NewTransformNodeFactory creates a new factory instance.
func NewTransformNodeFactory() protocol.NodeHandlerFactory {
	return &TransformNodeFactory{}
}
