// Package predictor defines the collaborator capability the optimization
// core consumes: named, versioned prediction modules. The production
// predictor lives outside this process; this package carries the contract
// plus an in-process registry used by the CLI and the tests.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/promptforge/promptforge/pkg/types"
)

// ErrModuleUnknown is returned when a module name is not registered.
var ErrModuleUnknown = errors.New("module not registered")

// Module is a named, versioned prediction strategy. Predict failures are
// reported per call; callers count them as incorrect instead of aborting.
type Module interface {
	Name() string
	Version() string
	Signature() string
	Predict(ctx context.Context, in types.AnalysisInput) (types.AnalysisResult, error)
}

// Predictor resolves modules by name.
type Predictor interface {
	GetModule(name string) (Module, error)
}

// Registry is a thread-safe in-process Predictor.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds or replaces a module under its own name.
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.Name()] = m
}

// GetModule implements Predictor.
func (r *Registry) GetModule(name string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModuleUnknown, name)
	}
	return m, nil
}

// List returns the registered module names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
