package resolver

import (
	"sort"

	"automationshim/internal/exception"
	"automationshim/internal/host"
	"automationshim/pkg/interop"
)

// Module is a synthetic module built from a proxy mapping. Nested mappings
// become nested modules.
type Module struct {
	name   string
	names  []string
	values map[string]any
}

// Name returns the name the module was built under.
func (m *Module) Name() string {
	return m.name
}

// Names returns the exported names in export order.
func (m *Module) Names() []string {
	names := make([]string, len(m.names))
	copy(names, m.names)
	return names
}

// Get returns the export bound to name.
func (m *Module) Get(name string) (any, bool) {
	v, ok := m.values[name]
	return v, ok
}

// Attr returns the export bound to name or an AttributeError.
//
//go:noinline
func (m *Module) Attr(name string) (any, error) {
	v, ok := m.values[name]
	if !ok {
		return nil, exception.Newf(exception.KindAttribute, 1,
			"module '%s' has no attribute '%s'", m.name, name)
	}
	return v, nil
}

// Len returns the number of exports.
func (m *Module) Len() int {
	return len(m.names)
}

var _ interop.Module = (*Module)(nil)

// newModule builds a module from entries, converting nested mappings.
func newModule(name string, entries *mapping) *Module {
	m := &Module{
		name:   name,
		names:  make([]string, 0, len(entries.keys)),
		values: make(map[string]any, len(entries.keys)),
	}
	for _, key := range entries.keys {
		value, _ := entries.get(key)
		if nested, ok := asMapping(value); ok {
			value = newModule(key, nested)
		}
		m.names = append(m.names, key)
		m.values[key] = value
	}
	return m
}

// mapping is the uniform view of every mapping representation the proxy may
// return.
type mapping struct {
	keys []string
	get  func(key string) (any, bool)
}

func (m *mapping) empty() bool {
	return m == nil || len(m.keys) == 0
}

// asMapping detects mappings structurally: Go maps, anything enumerating its
// keys, and host maps behind a wrapper.
func asMapping(v any) (*mapping, bool) {
	switch x := v.(type) {
	case nil:
		return nil, false
	case *Module:
		return nil, false
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return &mapping{keys: keys, get: func(k string) (any, bool) {
			v, ok := x[k]
			return v, ok
		}}, true
	case interop.Mapping:
		return &mapping{keys: x.Keys(), get: x.Get}, true
	case interop.KeySetter:
		return &mapping{keys: x.KeySet(), get: x.Get}, true
	case interface{ ClassName() string }:
		if x.ClassName() != host.HashMapClass {
			return nil, false
		}
		if u, ok := v.(interop.Unwrapper); ok {
			return asMapping(u.Unwrap())
		}
	}
	return nil, false
}
