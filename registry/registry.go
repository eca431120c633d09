// Package registry provides the stage-kind registry for RowFlow.
// It maps kind names to metadata and behavior factories, and is the
// resolver the runtime uses to turn stages into running behaviors.
package registry

import (
	"fmt"
	"sync"

	"github.com/petal-labs/rowflow/core"
	"github.com/petal-labs/rowflow/graph"
)

// Factory creates a fresh behavior for one copy of a stage.
type Factory func(stage *graph.Stage) (core.Runnable, error)

// StageTypeDef describes a registered stage kind.
type StageTypeDef struct {
	Type        string `json:"type"`
	Category    string `json:"category"` // "input", "transform", "flow", "output"
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	// PassThrough kinds are handled internally and get no queues.
	PassThrough bool    `json:"pass_through"`
	Factory     Factory `json:"-"`
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the singleton registry instance. On first call it
// initializes the registry and auto-registers all built-in stage kinds.
func Global() *Registry {
	globalOnce.Do(func() {
		global = New()
		registerBuiltins(global)
	})
	return global
}

// Registry holds all known stage kinds.
type Registry struct {
	mu    sync.RWMutex
	types map[string]StageTypeDef
	order []string // preserves registration order
}

// New creates an empty registry. Most callers want Global.
func New() *Registry {
	return &Registry{
		types: make(map[string]StageTypeDef),
	}
}

// Register adds a stage kind definition. If a kind with the same name
// already exists it is overwritten.
func (r *Registry) Register(def StageTypeDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[def.Type]; !exists {
		r.order = append(r.order, def.Type)
	}
	r.types[def.Type] = def
}

// Get returns a stage kind definition by name.
func (r *Registry) Get(kind string) (StageTypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[kind]
	return def, ok
}

// Has returns true if the kind is registered.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[kind]
	return ok
}

// IsPassThrough reports whether the kind is registered as pass-through.
func (r *Registry) IsPassThrough(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[kind]
	return ok && def.PassThrough
}

// Resolve creates the behavior for one copy of stage. Unregistered kinds
// fail with core.ErrUnknownKind.
func (r *Registry) Resolve(stage *graph.Stage) (core.Runnable, error) {
	def, ok := r.Get(stage.Kind)
	if !ok || def.Factory == nil {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownKind, stage.Kind)
	}
	return def.Factory(stage)
}

// All returns all registered stage kinds in registration order.
func (r *Registry) All() []StageTypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]StageTypeDef, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.types[name])
	}
	return result
}

// Len returns the number of registered stage kinds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

var _ graph.KindLookup = (*Registry)(nil)
