// Package modules is the native import entry point of script contexts.
// Native modules register themselves with a registry, typically from init()
// functions, and are built once on first import and cached.
package modules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"automationshim/internal/exception"
	"automationshim/pkg/interop"

	"go.uber.org/zap"
)

// Priority constants for module registration.
// Higher priority values override lower priority modules with the same name.
const (
	// PriorityDefault is the default priority for modules.
	PriorityDefault = 0

	// PriorityOverride lets a private implementation replace a public
	// module of the same name.
	PriorityOverride = 100
)

// Factory builds the exports of a native module.
type Factory func() (map[string]any, error)

// Info describes a registered native module.
type Info struct {
	// Name is the import path of the module.
	Name string

	// Description is a human-readable description of the module.
	Description string

	// Priority determines which module wins when several register with the
	// same name. Higher priority wins.
	Priority int

	// Factory builds the module exports.
	Factory Factory
}

// Registry is a native import entry point: modules are built on first
// import and cached for the registry's lifetime. Failures are not cached.
// Factories run without the registry lock held, so a factory may import
// other modules from the same registry.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Info
	order   []string
	cache   map[string]*Module
	gen     uint64
	logger  *zap.Logger
}

// NewRegistry creates an empty module registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		modules: make(map[string]Info),
		order:   make([]string, 0),
		cache:   make(map[string]*Module),
		logger:  logger.Named("modules"),
	}
}

// Register adds a module.
// If a module with the same name already exists, the one with higher
// priority wins. If priorities are equal, the later registration wins.
func (r *Registry) Register(info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Name == "" {
		return fmt.Errorf("module name cannot be empty")
	}

	if info.Factory == nil {
		return fmt.Errorf("module %s: factory cannot be nil", info.Name)
	}

	existing, exists := r.modules[info.Name]
	if exists {
		if info.Priority < existing.Priority {
			r.logger.Info("Module registration skipped",
				zap.String("module", info.Name),
				zap.Int("priority", info.Priority),
				zap.Int("existing_priority", existing.Priority))
			return nil
		}

		r.logger.Info("Module being overridden",
			zap.String("module", info.Name),
			zap.Int("old_priority", existing.Priority),
			zap.Int("new_priority", info.Priority))
	}

	r.modules[info.Name] = info
	delete(r.cache, info.Name)
	r.gen++

	if !exists {
		r.order = append(r.order, info.Name)
	}

	r.logger.Debug("Module registered",
		zap.String("module", info.Name),
		zap.Int("priority", info.Priority),
		zap.String("description", info.Description))

	return nil
}

// Get returns the module info for a given name, or nil if not found.
func (r *Registry) Get(name string) *Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.modules[name]
	if !ok {
		return nil
	}
	return &info
}

// Names returns the names of all registered modules, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	sort.Strings(result)
	return result
}

// Clear removes all registered modules and cached builds. Useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.modules = make(map[string]Info)
	r.order = make([]string, 0)
	r.cache = make(map[string]*Module)
	r.gen++
}

// Import returns the module registered under name, building it on first use.
// fromList must name existing exports.
//
//go:noinline
func (r *Registry) Import(ctx context.Context, name string, fromList []string) (interop.Module, error) {
	mod, err := r.load(name)
	if err != nil {
		return nil, err
	}

	for _, symbol := range fromList {
		if _, ok := mod.Get(symbol); !ok {
			return nil, exception.Newf(exception.KindImport, 1,
				"cannot import name '%s' from '%s'", symbol, name)
		}
	}
	return mod, nil
}

// load builds or returns the cached module. Concurrent first imports may
// each run the factory; the first build stored wins. A build is not cached
// when the registrations changed while it ran.
//
//go:noinline
func (r *Registry) load(name string) (*Module, error) {
	r.mu.RLock()
	mod, cached := r.cache[name]
	info, ok := r.modules[name]
	gen := r.gen
	r.mu.RUnlock()

	if cached {
		return mod, nil
	}
	if !ok {
		return nil, exception.Newf(exception.KindModuleNotFound, 2,
			"No module named '%s'", name)
	}

	exports, err := info.Factory()
	if err != nil {
		return nil, exception.Wrap(fmt.Errorf("failed to build module %s: %w", name, err), 2)
	}
	mod = newModule(name, exports)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.cache[name]; ok {
		return existing, nil
	}
	if r.gen == gen {
		r.cache[name] = mod
	}
	r.logger.Debug("Module built", zap.String("module", name), zap.Int("exports", len(exports)))
	return mod, nil
}

// Global registry instance
var globalRegistry = NewRegistry(zap.NewNop())

// Register adds a module to the global registry.
// This is typically called from init() functions in module packages.
func Register(info Info) error {
	return globalRegistry.Register(info)
}

// Default returns the global registry.
func Default() *Registry {
	return globalRegistry
}
