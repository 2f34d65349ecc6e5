package transform

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/dukex/autoflow/pkg/template"
)

// TransformNode renders an expression and exposes the result to successors.
type TransformNode struct {
	id         string
	expression string
}

// NewTransformNode creates a new data transformation node.
func NewTransformNode(id string, config map[string]any) (*TransformNode, error) {
	expression, ok := config["expression"].(string)
	if !ok {
		return nil, errors.New("missing required field 'expression'")
	}

	return &TransformNode{
		id:         id,
		expression: expression,
	}, nil
}

// Execute renders the expression against the node input.
func (n *TransformNode) Execute(_ context.Context, input map[string]any, _ protocol.NodeContext) (map[string]any, error) {
	result, err := template.Render(n.expression, input)
	if err != nil {
		return nil, fmt.Errorf("transformation failed: %w", err)
	}

	return map[string]any{"result": result}, nil
}
