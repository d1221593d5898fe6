package host

import (
	"fmt"
	"reflect"
	"sync"

	"automationshim/pkg/interop"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const methodCacheSize = 1024

// ClassSpec describes a host class to register.
type ClassSpec struct {
	// Name is the fully qualified dotted name (e.g. "org.openhab.core.items.Item").
	Name string

	// Instance is a typed nil or zero value of the Go type instances of this
	// class have. It may be an interface pointer such as (*Item)(nil), in
	// which case every implementation reports this class.
	Instance any

	// Statics is the receiver for static methods called on the class handle.
	Statics any

	// Constructor is an optional func building new instances.
	Constructor any
}

// Class is a live type handle.
type Class struct {
	Name string

	instanceType reflect.Type
	statics      reflect.Value
	constructor  reflect.Value
}

// InstanceType returns the Go type of instances, or nil.
func (c *Class) InstanceType() reflect.Type {
	return c.instanceType
}

type methodKey struct {
	typ  reflect.Type
	name string
}

// Runtime is the in-process host: class registry, services and the
// reflective invocation machinery behind foreign objects.
type Runtime struct {
	logger *zap.Logger

	mu         sync.RWMutex
	classes    map[string]*Class
	byType     map[reflect.Type]*Class
	interfaces []*Class
	services   map[string]any

	methods *lru.Cache[methodKey, int]
}

// NewRuntime creates a runtime with the builtin java.util.HashMap class.
func NewRuntime(logger *zap.Logger) *Runtime {
	methods, err := lru.New[methodKey, int](methodCacheSize)
	if err != nil {
		// Only possible for a non-positive size.
		panic(fmt.Sprintf("failed to create method cache: %v", err))
	}

	r := &Runtime{
		logger:   logger.Named("host"),
		classes:  make(map[string]*Class),
		byType:   make(map[reflect.Type]*Class),
		services: make(map[string]any),
		methods:  methods,
	}

	r.MustDefine(ClassSpec{
		Name:        HashMapClass,
		Instance:    (*HashMap)(nil),
		Constructor: NewHashMap,
	})
	return r
}

// Define registers a class. Redefining a name replaces the earlier class.
func (r *Runtime) Define(spec ClassSpec) (*Class, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("class name cannot be empty")
	}

	class := &Class{Name: spec.Name}

	if spec.Instance != nil {
		t := reflect.TypeOf(spec.Instance)
		if t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Interface {
			t = t.Elem()
		}
		class.instanceType = t
	}

	if spec.Statics != nil {
		class.statics = reflect.ValueOf(spec.Statics)
	}

	if spec.Constructor != nil {
		ctor := reflect.ValueOf(spec.Constructor)
		if ctor.Kind() != reflect.Func {
			return nil, fmt.Errorf("class %s: constructor must be a func, got %s", spec.Name, ctor.Kind())
		}
		class.constructor = ctor
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.classes[spec.Name] = class
	if t := class.instanceType; t != nil {
		if t.Kind() == reflect.Interface {
			r.interfaces = append(r.interfaces, class)
		} else {
			r.byType[t] = class
		}
	}

	r.logger.Debug("Class defined", zap.String("class", spec.Name))
	return class, nil
}

// MustDefine is Define for static setup; it panics on an invalid spec.
func (r *Runtime) MustDefine(spec ClassSpec) *Class {
	class, err := r.Define(spec)
	if err != nil {
		panic(err)
	}
	return class
}

// LookupType resolves a fully qualified name to its class handle. Unknown
// names yield an error wrapping interop.ErrKeyNotFound.
func (r *Runtime) LookupType(name string) (any, error) {
	class, err := r.Class(name)
	if err != nil {
		return nil, err
	}
	return class, nil
}

// Class returns the class registered under name.
func (r *Runtime) Class(name string) (*Class, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	class, ok := r.classes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interop.ErrKeyNotFound, name)
	}
	return class, nil
}

// ClassOf returns the registered class of a Go value, or nil.
func (r *Runtime) ClassOf(v reflect.Value) *Class {
	if !v.IsValid() {
		return nil
	}
	t := v.Type()

	r.mu.RLock()
	defer r.mu.RUnlock()

	if class, ok := r.byType[t]; ok {
		return class
	}
	for _, class := range r.interfaces {
		if t.Implements(class.instanceType) {
			return class
		}
	}
	return nil
}

// RegisterService binds an opaque service handle under name.
func (r *Runtime) RegisterService(name string, service any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = service
}

// Service returns the service handle bound under name, unmodified.
func (r *Runtime) Service(name string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	service, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("service %s: %w", name, interop.ErrKeyNotFound)
	}
	return service, nil
}

// lookupMethod resolves a method index on t, caching hits and misses.
func (r *Runtime) lookupMethod(t reflect.Type, name string) (int, bool) {
	key := methodKey{typ: t, name: name}
	if idx, ok := r.methods.Get(key); ok {
		return idx, idx >= 0
	}

	idx := -1
	for _, candidate := range memberNames(name) {
		if m, ok := t.MethodByName(candidate); ok {
			idx = m.Index
			break
		}
	}

	r.methods.Add(key, idx)
	return idx, idx >= 0
}
