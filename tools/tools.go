// Package tools hosts the side-effecting operations a tool node can invoke,
// behind a registry keyed by tool name.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/BaSui01/flowrun/types"
)

// Tool is one invocable operation. Arguments arrive as a decoded JSON object
// and results must be JSON-serializable.
type Tool interface {
	Name() string
	Description() string
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// Registry maps tool names to implementations. Safe for concurrent reads
// after setup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous one with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name()] = t
	r.mu.Unlock()
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("unknown tool: %s", name))
	}
	return t, nil
}

// Names lists registered tools in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry with the builtin tools.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewHTTPRequest(nil))
	r.Register(NewCalculator())
	return r
}
