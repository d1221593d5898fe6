// Package interop provides the public contracts shared by the import
// resolver, the foreign-call trap and the host implementations. These
// interfaces can be imported by external packages (including alternative
// host bridges).
//
// The in-process host lives in internal/host and the remote one in
// internal/hostbridge; both satisfy the interfaces declared here.
package interop

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by a TypeLookup when a fully qualified type name
// is unknown to the host.
var ErrKeyNotFound = errors.New("key not found")

// Module is a resolved module: an ordered export table.
type Module interface {
	// Name returns the name the module was imported under.
	Name() string

	// Names returns the exported names in export order.
	Names() []string

	// Get returns the export bound to name.
	Get(name string) (any, bool)
}

// Importer is an import entry point. The native one resolves modules of the
// embedding side; the resolver wraps it to redirect reserved namespaces.
type Importer interface {
	Import(ctx context.Context, name string, fromList []string) (Module, error)
}

// ImportProxy is the bridge into the host's own module resolution logic.
//
// For host-namespace requests the returned mapping carries an ordered list of
// fully qualified type names under the class list key. For virtual-namespace
// requests the mapping is the export table itself. The mapping may be a
// map[string]any, a Mapping or a host-native map exposing KeySet.
type ImportProxy func(name string, fromList []string) (any, error)

// TypeLookup translates a fully qualified dotted name to a live type handle.
// Unknown names yield an error wrapping ErrKeyNotFound.
type TypeLookup interface {
	LookupType(name string) (any, error)
}

// TypeLookupFunc adapts a function to TypeLookup.
type TypeLookupFunc func(name string) (any, error)

// LookupType calls f(name).
func (f TypeLookupFunc) LookupType(name string) (any, error) {
	return f(name)
}

// Mapping is an ordered name to value table.
type Mapping interface {
	Keys() []string
	Get(key string) (any, bool)
}

// KeySetter is implemented by host-native maps which enumerate their keys
// through KeySet rather than Keys.
type KeySetter interface {
	KeySet() []string
	Get(key string) (any, bool)
}

// Unwrapper is implemented by values that stand in for a host value, such as
// trapped objects. Hosts unwrap arguments before invoking foreign methods.
type Unwrapper interface {
	Unwrap() any
}
