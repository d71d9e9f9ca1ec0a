package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownTool is returned when no tool matches a name/provider pair.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is one named capability the engine can execute. Implementations do
// not know which workflow invokes them; they see only their input map.
type Tool interface {
	Name() string
	Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Registry maps tool names to handlers. Registration is validated up front;
// lookups never fall back to untyped dynamic dispatch.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool // key: name or provider/name
	logger *zap.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

func key(name, provider string) string {
	if provider == "" {
		return name
	}
	return provider + "/" + name
}

// Register adds a tool under an optional provider namespace.
func (r *Registry) Register(t Tool, provider string) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("tool requires a name")
	}
	k := key(t.Name(), provider)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[k]; ok {
		return fmt.Errorf("tool %s already registered", k)
	}
	r.tools[k] = t
	r.logger.Debug("tool registered", zap.String("tool", k))
	return nil
}

// Get resolves a tool. A provider-qualified lookup falls back to the
// unqualified name so shared tools need only one registration.
func (r *Registry) Get(name, provider string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if provider != "" {
		if t, ok := r.tools[key(name, provider)]; ok {
			return t, nil
		}
	}
	if t, ok := r.tools[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTool, key(name, provider))
}

// Names returns all registered tool keys.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for k := range r.tools {
		names = append(names, k)
	}
	return names
}
