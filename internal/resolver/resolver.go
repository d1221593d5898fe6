package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"automationshim/internal/exception"
	"automationshim/pkg/interop"

	"go.uber.org/zap"
)

// Names of the built-in namespaces.
const (
	HostNamespace    = "host"
	VirtualNamespace = "virtual"
)

// Options configures the reserved namespaces.
type Options struct {
	// HostPrefix marks module paths resolved to host types.
	HostPrefix string

	// VirtualNamespace marks module paths whose proxy mapping is the export
	// table itself.
	VirtualNamespace string

	// ClassListKey is the key of the type name list in host mappings.
	ClassListKey string
}

// DefaultOptions returns the openHAB defaults.
func DefaultOptions() Options {
	return Options{
		HostPrefix:       "org.openhab",
		VirtualNamespace: "scope",
		ClassListKey:     "class_list",
	}
}

// Resolver is the import entry point that redirects reserved namespaces
// through the import proxy and delegates everything else to the original
// entry point.
type Resolver struct {
	original   interop.Importer
	lookup     interop.TypeLookup
	namespaces *Registry
	logger     *zap.Logger
}

// New wraps original. Wrapping a *Resolver wraps its original instead, so
// installing twice never stacks two resolvers.
func New(original interop.Importer, lookup interop.TypeLookup, opts Options, logger *zap.Logger) (*Resolver, error) {
	if original == nil {
		return nil, fmt.Errorf("original importer cannot be nil")
	}
	if lookup == nil {
		return nil, fmt.Errorf("type lookup cannot be nil")
	}

	for {
		inner, ok := original.(*Resolver)
		if !ok {
			break
		}
		original = inner.original
	}

	logger = logger.Named("resolver")
	r := &Resolver{
		original:   original,
		lookup:     lookup,
		namespaces: NewRegistry(logger),
		logger:     logger,
	}

	if err := r.namespaces.Register(Namespace{
		Name:    HostNamespace,
		Prefix:  opts.HostPrefix,
		Resolve: HostClasses(opts.ClassListKey),
	}); err != nil {
		return nil, fmt.Errorf("failed to register host namespace: %w", err)
	}

	if err := r.namespaces.Register(Namespace{
		Name:    VirtualNamespace,
		Prefix:  opts.VirtualNamespace,
		Resolve: resolveVirtual,
	}); err != nil {
		return nil, fmt.Errorf("failed to register virtual namespace: %w", err)
	}

	return r, nil
}

// Original returns the wrapped import entry point.
func (r *Resolver) Original() interop.Importer {
	return r.original
}

// Namespaces returns the reserved namespace registry.
func (r *Resolver) Namespaces() *Registry {
	return r.namespaces
}

// Import resolves name for an application caller.
//
//go:noinline
func (r *Resolver) Import(ctx context.Context, name string, fromList []string) (interop.Module, error) {
	return r.ImportAt(ctx, name, fromList, 1)
}

// ImportAt resolves name. callers is the number of shim frames between
// ImportAt and the application; it sizes the skip count of the errors
// created here.
//
//go:noinline
func (r *Resolver) ImportAt(ctx context.Context, name string, fromList []string, callers int) (interop.Module, error) {
	ns, ok := r.namespaces.Match(name)
	if !ok {
		return r.original.Import(ctx, name, fromList)
	}

	proxy, ok := ProxyFrom(ctx)
	if !ok {
		r.logger.Error("Import proxy binding missing", zap.String("module", name))
		return nil, exception.Newf(exception.KindEnvironment, callers+1,
			"No %s is available", ProxyBindingName)
	}

	r.logger.Debug("Redirecting import",
		zap.String("module", name),
		zap.Strings("from", fromList),
		zap.String("namespace", ns.Name))

	result, err := ns.Resolve(ctx, Request{
		Name:     name,
		FromList: fromList,
		Proxy:    proxy,
		Lookup:   r.lookup,
		Callers:  callers + 1,
	})
	if err != nil {
		return nil, exception.Wrap(err, callers+1)
	}

	entries, _ := asMapping(result)
	if entries.empty() {
		return nil, exception.Newf(exception.KindModuleNotFound, callers+1,
			"No module named '%s'", moduleLabel(name, fromList))
	}
	return newModule(name, entries), nil
}

func moduleLabel(name string, fromList []string) string {
	if len(fromList) == 0 {
		return name
	}
	return name + "." + strings.Join(fromList, "|")
}

// HostClasses returns the resolver of the host namespace: the proxy names
// the types under key, and each is resolved to a live handle. The first
// unknown type fails the whole import.
func HostClasses(key string) ResolveFunc {
	return func(ctx context.Context, req Request) (any, error) {
		result, err := req.Proxy(req.Name, req.FromList)
		if err != nil {
			return nil, exception.Wrap(err, req.Callers+1)
		}

		entries, ok := asMapping(result)
		if !ok {
			return nil, nil
		}
		raw, _ := entries.get(key)
		classes, err := classNames(raw)
		if err != nil {
			return nil, exception.Wrap(err, req.Callers+1)
		}

		exports := newOrderedMap()
		for _, fqn := range classes {
			handle, err := req.Lookup.LookupType(fqn)
			if errors.Is(err, interop.ErrKeyNotFound) {
				return nil, exception.Newf(exception.KindModuleNotFound, req.Callers+1,
					"Class '%s' not found", fqn)
			}
			if err != nil {
				return nil, exception.Wrap(err, req.Callers+1)
			}
			exports.put(fqn[strings.LastIndex(fqn, ".")+1:], handle)
		}
		return exports, nil
	}
}

// resolveVirtual uses the proxy mapping as the export table.
func resolveVirtual(ctx context.Context, req Request) (any, error) {
	return req.Proxy(req.Name, req.FromList)
}

func classNames(raw any) ([]string, error) {
	switch x := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return x, nil
	case []any:
		names := make([]string, 0, len(x))
		for i, v := range x {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("class list entry %d is %T, not a string", i, v)
			}
			names = append(names, s)
		}
		return names, nil
	}
	return nil, fmt.Errorf("class list has unexpected type %T", raw)
}

// orderedMap keeps host exports in class list order.
type orderedMap struct {
	keys   []string
	values map[string]any
}

func newOrderedMap() *orderedMap {
	return &orderedMap{values: make(map[string]any)}
}

func (m *orderedMap) put(key string, value any) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

func (m *orderedMap) Keys() []string {
	return m.keys
}

func (m *orderedMap) Get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}
