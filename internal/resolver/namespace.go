package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"automationshim/pkg/interop"

	"go.uber.org/zap"
)

// Priority constants for namespace registration.
// Higher priority values override lower priority namespaces with the same name.
const (
	// PriorityDefault is used by the built-in host and virtual namespaces.
	PriorityDefault = 0

	// PriorityOverride replaces a built-in namespace of the same name.
	PriorityOverride = 100
)

// Request is what a namespace resolver receives for one import.
type Request struct {
	Name     string
	FromList []string

	// Proxy is the import proxy located for this import.
	Proxy interop.ImportProxy

	// Lookup resolves fully qualified type names.
	Lookup interop.TypeLookup

	// Callers is the number of shim frames between the resolve function and
	// the application. Errors created by the resolve function are tagged
	// with Callers + 1.
	Callers int
}

// ResolveFunc produces the export mapping for a redirected import.
type ResolveFunc func(ctx context.Context, req Request) (any, error)

// Namespace is a reserved module namespace redirected through the proxy.
type Namespace struct {
	// Name is the unique identifier of the namespace.
	// Namespaces with the same name override based on priority.
	Name string

	// Prefix is matched against the start of the requested module name.
	Prefix string

	// Priority determines which namespace wins when several register with
	// the same name. Higher priority wins.
	Priority int

	// Resolve builds the export mapping.
	Resolve ResolveFunc
}

// Registry holds the reserved namespaces. The longest matching prefix wins.
type Registry struct {
	mu         sync.RWMutex
	namespaces map[string]Namespace
	order      []string
	logger     *zap.Logger
}

// NewRegistry creates an empty namespace registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		namespaces: make(map[string]Namespace),
		order:      make([]string, 0),
		logger:     logger,
	}
}

// Register adds a namespace.
// If a namespace with the same name already exists, the one with higher
// priority wins. If priorities are equal, the later registration wins.
func (r *Registry) Register(ns Namespace) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ns.Name == "" {
		return fmt.Errorf("namespace name cannot be empty")
	}

	if ns.Prefix == "" {
		return fmt.Errorf("namespace %s: prefix cannot be empty", ns.Name)
	}

	if ns.Resolve == nil {
		return fmt.Errorf("namespace %s: resolve function cannot be nil", ns.Name)
	}

	existing, exists := r.namespaces[ns.Name]
	if exists && ns.Priority < existing.Priority {
		r.logger.Debug("Namespace registration skipped",
			zap.String("namespace", ns.Name),
			zap.Int("priority", ns.Priority),
			zap.Int("existing_priority", existing.Priority))
		return nil
	}

	r.namespaces[ns.Name] = ns
	if !exists {
		r.order = append(r.order, ns.Name)
	}

	r.logger.Debug("Namespace registered",
		zap.String("namespace", ns.Name),
		zap.String("prefix", ns.Prefix),
		zap.Int("priority", ns.Priority))
	return nil
}

// Match returns the namespace whose prefix starts name, preferring the
// longest prefix.
func (r *Registry) Match(name string) (Namespace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best Namespace
	found := false
	for _, key := range r.order {
		ns := r.namespaces[key]
		if !strings.HasPrefix(name, ns.Prefix) {
			continue
		}
		if !found || len(ns.Prefix) > len(best.Prefix) {
			best, found = ns, true
		}
	}
	return best, found
}

// Get returns the namespace registered under name.
func (r *Registry) Get(name string) (Namespace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ns, ok := r.namespaces[name]
	return ns, ok
}

// List returns all namespaces sorted by name.
func (r *Registry) List() []Namespace {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Namespace, 0, len(r.namespaces))
	for _, name := range r.order {
		result = append(result, r.namespaces[name])
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}
