// Package registry keeps the node handler factories available to the engine.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"plugin"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

// ErrNodeTypeNotRegistered indicates no factory handles a node type.
var ErrNodeTypeNotRegistered = errors.New("node type not registered")

type Registry struct {
	logger    *slog.Logger
	mu        sync.RWMutex
	factories map[string]protocol.NodeHandlerFactory
	schemas   map[string]*gojsonschema.Schema
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:    log.With("module", "registry"),
		factories: make(map[string]protocol.NodeHandlerFactory),
		schemas:   make(map[string]*gojsonschema.Schema),
	}
}

// RegisterNode adds a factory, replacing any previous one for the same node type.
func (r *Registry) RegisterNode(factory protocol.NodeHandlerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[factory.ID()] = factory
	delete(r.schemas, factory.ID())
}

// LoadNodePlugins opens every .so file under pluginsPath/nodes and returns the
// factories they export through a "Node" symbol.
func (r *Registry) LoadNodePlugins(pluginsPath string) ([]protocol.NodeHandlerFactory, error) {
	return loadPlugin[protocol.NodeHandlerFactory](r.logger, pluginsPath, "Node")
}

// Factory returns the factory registered for a node type.
func (r *Registry) Factory(nodeType string) (protocol.NodeHandlerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[nodeType]

	return factory, ok
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for nodeType := range r.factories {
		types = append(types, nodeType)
	}

	sort.Strings(types)

	return types
}

// CreateHandler builds the handler for a node.
func (r *Registry) CreateHandler(ctx context.Context, nodeType, nodeID string, config map[string]any) (protocol.NodeHandler, error) {
	factory, ok := r.Factory(nodeType)
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrNodeTypeNotRegistered, nodeType)
	}

	if config == nil {
		config = map[string]any{}
	}

	return factory.Create(ctx, nodeID, config)
}

// ValidateConfig checks a node config against the JSON schema of its factory.
func (r *Registry) ValidateConfig(nodeType string, config map[string]any) error {
	schema, err := r.schema(nodeType)
	if err != nil {
		return err
	}

	if schema == nil {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("failed to validate config for '%s': %w", nodeType, err)
	}

	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, resultErr := range result.Errors() {
		problems = append(problems, resultErr.String())
	}

	return fmt.Errorf("invalid config for '%s': %s", nodeType, strings.Join(problems, "; "))
}

// schema compiles a factory schema once. A factory without schema accepts any config.
func (r *Registry) schema(nodeType string) (*gojsonschema.Schema, error) {
	r.mu.RLock()
	schema, cached := r.schemas[nodeType]
	factory, registered := r.factories[nodeType]
	r.mu.RUnlock()

	if !registered {
		return nil, fmt.Errorf("%w: '%s'", ErrNodeTypeNotRegistered, nodeType)
	}

	if cached {
		return schema, nil
	}

	definition := factory.Schema()
	if len(definition) > 0 {
		var err error

		schema, err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(definition))
		if err != nil {
			return nil, fmt.Errorf("invalid schema for '%s': %w", nodeType, err)
		}
	}

	r.mu.Lock()
	r.schemas[nodeType] = schema
	r.mu.Unlock()

	return schema, nil
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	rootPath := filepath.Join(pluginsPath, strings.ToLower(symbolName)+"s")

	l := logger.With(slog.String("path", rootPath), slog.String("type", symbolName))
	l.Info("Loading plugins")

	pluginPathList := make([]string, 0)

	err := filepath.WalkDir(rootPath, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !entry.IsDir() && strings.HasSuffix(path, ".so") {
			pluginPathList = append(pluginPathList, path)
		}

		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return []T{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list plugins in %s: %w", rootPath, err)
	}

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(p)
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s does not export %s: %w", p, symbolName, err)
		}

		castV, ok := v.(T)
		if !ok {
			return nil, fmt.Errorf("plugin %s exports %s with unexpected type %T", p, symbolName, v)
		}

		pluginList = append(pluginList, castV)

		l.Info("Loaded plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
