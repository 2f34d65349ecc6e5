package registry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFactory struct {
	id     string
	schema map[string]any
}

func (f stubFactory) Create(_ context.Context, _ string, config map[string]any) (protocol.NodeHandler, error) {
	return protocol.NodeHandlerFunc(func(context.Context, map[string]any, protocol.NodeContext) (map[string]any, error) {
		return config, nil
	}), nil
}

func (f stubFactory) ID() string             { return f.id }
func (f stubFactory) Name() string           { return f.id }
func (f stubFactory) Description() string    { return "stub" }
func (f stubFactory) Schema() map[string]any { return f.schema }

func newTestRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
}

func TestRegistry_RegisterDefaultNodes(t *testing.T) {
	r := newTestRegistry()
	r.RegisterDefaultNodes()

	assert.Equal(t, []string{"delay", "http_request", "log", "transform"}, r.Types())
}

func TestRegistry_CreateHandler(t *testing.T) {
	r := newTestRegistry()
	r.RegisterNode(stubFactory{id: "stub"})

	handler, err := r.CreateHandler(t.Context(), "stub", "n1", nil)
	require.NoError(t, err)

	output, err := handler.Execute(t.Context(), nil, protocol.NodeContext{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, output)

	_, err = r.CreateHandler(t.Context(), "missing", "n1", nil)
	assert.ErrorIs(t, err, ErrNodeTypeNotRegistered)
}

func TestRegistry_ValidateConfig(t *testing.T) {
	r := newTestRegistry()
	r.RegisterDefaultNodes()
	r.RegisterNode(stubFactory{id: "schemaless"})

	tests := []struct {
		name     string
		nodeType string
		config   map[string]any
		wantErr  string
	}{
		{name: "valid log", nodeType: "log", config: map[string]any{"message": "hi", "level": "warn"}},
		{name: "missing required", nodeType: "log", config: map[string]any{"level": "warn"}, wantErr: "message"},
		{name: "enum violation", nodeType: "log", config: map[string]any{"message": "hi", "level": "loud"}, wantErr: "level"},
		{name: "nil config against required", nodeType: "delay", config: nil, wantErr: "duration"},
		{name: "schemaless accepts anything", nodeType: "schemaless", config: map[string]any{"x": 1}},
		{name: "unknown type", nodeType: "missing", config: map[string]any{}, wantErr: "not registered"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateConfig(tt.nodeType, tt.config)
			if tt.wantErr == "" {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegistry_RegisterNode_ResetsSchema(t *testing.T) {
	r := newTestRegistry()
	r.RegisterNode(stubFactory{id: "stub", schema: map[string]any{"type": "object", "required": []string{"a"}}})

	require.Error(t, r.ValidateConfig("stub", map[string]any{}))

	r.RegisterNode(stubFactory{id: "stub"})
	assert.NoError(t, r.ValidateConfig("stub", map[string]any{}))
}

func TestRegistry_LoadNodePlugins_MissingDirectory(t *testing.T) {
	r := newTestRegistry()

	factories, err := r.LoadNodePlugins(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, factories)
}
