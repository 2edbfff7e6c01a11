// ABOUTME: Atomic-swap-on-reload registry of tool specs
// ABOUTME: Readers never block on a pack reload; they see either the old catalog or the new one

// Package tools holds the catalog of registered tools along with their
// permission class and invocation handle. The registry is immutable after
// startup except through an explicit, write-locked Reload.
package tools

import (
	"errors"
	"sync"

	"github.com/kilnlabs/agentgw/internal/domain"
)

// ErrToolCollision is returned by Register when a tool name is already taken.
var ErrToolCollision = errors.New("tools: name already registered")

// ErrNotFound is returned by Get when no tool with that name is registered.
var ErrNotFound = errors.New("tools: not found")

// Registry is a concurrency-safe catalog of ToolSpecs, swappable wholesale
// via Reload so that a hot-reload never blocks concurrent readers for longer
// than the pointer swap.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]domain.ToolSpec
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{specs: make(map[string]domain.ToolSpec)}
}

// Register adds spec to the catalog. It fails if the name is already taken.
func (r *Registry) Register(spec domain.ToolSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		return ErrToolCollision
	}
	r.specs[spec.Name] = spec
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (domain.ToolSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	if !ok {
		return domain.ToolSpec{}, ErrNotFound
	}
	return spec, nil
}

// List returns every registered tool, order unspecified.
func (r *Registry) List() []domain.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ToolSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec)
	}
	return out
}

// Reload atomically replaces the entire catalog with specs, under a single
// write lock, so that in-flight reads never observe a partially-reloaded
// registry. Duplicate names within specs itself are rejected.
func (r *Registry) Reload(specs []domain.ToolSpec) error {
	next := make(map[string]domain.ToolSpec, len(specs))
	for _, spec := range specs {
		if _, exists := next[spec.Name]; exists {
			return ErrToolCollision
		}
		next[spec.Name] = spec
	}

	r.mu.Lock()
	r.specs = next
	r.mu.Unlock()
	return nil
}
