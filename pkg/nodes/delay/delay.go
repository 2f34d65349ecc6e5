// Package delay provides a node handler that waits before letting its successors run.
package delay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/autoflow/pkg/protocol"
)

// Factory creates Node instances.
type Factory struct{}

// NewFactory creates a new factory instance.
func NewFactory() protocol.NodeHandlerFactory {
	return &Factory{}
}

func (f *Factory) Create(_ context.Context, _ string, config map[string]any) (protocol.NodeHandler, error) {
	return New(config)
}

func (f *Factory) ID() string {
	return "delay"
}

func (f *Factory) Name() string {
	return "Delay"
}

func (f *Factory) Description() string {
	return "Waits for a fixed duration. The wait counts against the node timeout."
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"duration": map[string]any{
				"type":        "string",
				"description": "Go duration to wait",
				"examples":    []string{"500ms", "5s", "2m"},
			},
		},
		"required": []string{"duration"},
	}
}

// Node waits for its configured duration or until its context ends.
type Node struct {
	duration time.Duration
}

// New parses the node configuration.
func New(config map[string]any) (*Node, error) {
	raw, ok := config["duration"].(string)
	if !ok {
		return nil, errors.New("missing required field 'duration'")
	}

	duration, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid duration '%s': %w", raw, err)
	}

	if duration < 0 {
		return nil, fmt.Errorf("invalid duration '%s': must not be negative", raw)
	}

	return &Node{duration: duration}, nil
}

func (n *Node) Execute(ctx context.Context, _ map[string]any, _ protocol.NodeContext) (map[string]any, error) {
	timer := time.NewTimer(n.duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return map[string]any{"waited_ms": n.duration.Milliseconds()}, nil
	}
}
