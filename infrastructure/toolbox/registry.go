// Package toolbox provides the in-memory tool registry and the bounded
// tool gateway handed to the step executor.
package toolbox

import (
	"fmt"
	"sync"

	"github.com/felixgeelhaar/planloop/domain/pack"
	"github.com/felixgeelhaar/planloop/domain/tool"
)

// Registry is an in-memory implementation of tool.Registry that keeps
// registration order, so tools are advertised to the model deterministically.
type Registry struct {
	tools map[string]tool.Tool
	order []string
	mu    sync.RWMutex
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(tools ...tool.Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]tool.Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool to the registry.
func (r *Registry) Register(t tool.Tool) error {
	if t.Name() == "" {
		return tool.ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		return tool.ErrToolExists
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
	return nil
}

// RegisterPack adds every tool of the given packs.
func (r *Registry) RegisterPack(packs ...*pack.Pack) error {
	for _, p := range packs {
		for _, t := range p.Tools {
			if err := r.Register(t); err != nil {
				return fmt.Errorf("pack %s: tool %s: %w", p.Name, t.Name(), err)
			}
		}
	}
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (tool.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools in registration order.
func (r *Registry) List() []tool.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]tool.Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name])
	}
	return tools
}

// Names returns all registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

var _ tool.Registry = (*Registry)(nil)
