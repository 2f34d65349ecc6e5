package log

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/dukex/autoflow/pkg/template"
)

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// LogNode logs a rendered message.
type LogNode struct {
	id      string
	message string
	level   string
}

// NewLogNode creates a new logging node.
func NewLogNode(id string, config map[string]any) (*LogNode, error) {
	message, ok := config["message"].(string)
	if !ok {
		return nil, errors.New("missing required field 'message'")
	}

	level := "info"
	if lvl, ok := config["level"].(string); ok {
		level = lvl
	}

	if _, ok := levels[level]; !ok {
		return nil, fmt.Errorf("invalid log level '%s'", level)
	}

	return &LogNode{
		id:      id,
		message: message,
		level:   level,
	}, nil
}

// Execute renders the message against the node input and logs it.
func (n *LogNode) Execute(ctx context.Context, input map[string]any, nodeCtx protocol.NodeContext) (map[string]any, error) {
	message, err := template.RenderString(n.message, input)
	if err != nil {
		return nil, fmt.Errorf("failed to render log message template: %w", err)
	}

	logger := nodeCtx.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Log(ctx, levels[n.level], message,
		"node_id", n.id,
		"node_type", "log",
		"run_id", nodeCtx.RunID,
		"subject", nodeCtx.Subject.String(),
	)

	return map[string]any{
		"message": message,
		"level":   n.level,
		"logged":  true,
	}, nil
}
