package host

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"automationshim/pkg/interop"
)

// NoneClass is the class name reported by the null sentinel.
const NoneClass = "None"

// ErrUnknownMember is returned by Invoke for a name the object does not have.
var ErrUnknownMember = errors.New("unknown member")

// Object is a foreign object: a host value reached through reflection. The
// zero value of value marks the null sentinel.
type Object struct {
	rt    *Runtime
	value reflect.Value
	class *Class

	// handle is set when the object is a class handle; its methods are the
	// class statics.
	handle *Class
}

// Wrap returns the foreign object for v. Nil, typed nil pointers and nil
// interfaces become the null sentinel. A *Class becomes a class handle.
func (r *Runtime) Wrap(v any) *Object {
	switch x := v.(type) {
	case *Object:
		return x
	case *Class:
		if x != nil {
			return &Object{rt: r, value: x.statics, handle: x}
		}
	}

	rv := reflect.ValueOf(v)
	if isNil(rv) {
		return r.None()
	}
	return &Object{rt: r, value: rv, class: r.ClassOf(rv)}
}

// None returns the null sentinel.
func (r *Runtime) None() *Object {
	return &Object{rt: r}
}

func isNil(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// IsNull reports whether o is the null sentinel.
func (o *Object) IsNull() bool {
	return o.handle == nil && !o.value.IsValid()
}

// ClassName returns the runtime class name of the object.
func (o *Object) ClassName() string {
	switch {
	case o.handle != nil:
		return o.handle.Name
	case o.IsNull():
		return NoneClass
	case o.class != nil:
		return o.class.Name
	}
	return o.value.Type().String()
}

// Unwrap returns the underlying Go value (the *Class for class handles).
func (o *Object) Unwrap() any {
	if o.handle != nil {
		return o.handle
	}
	if !o.value.IsValid() {
		return nil
	}
	return o.value.Interface()
}

// Lookup resolves a member. callable reports a host method; for fields the
// field value is returned.
func (o *Object) Lookup(name string) (value any, callable bool, ok bool) {
	if !o.value.IsValid() {
		return nil, false, false
	}

	if _, found := o.rt.lookupMethod(o.value.Type(), name); found {
		return nil, true, true
	}

	if field, found := o.field(name); found {
		return field.Interface(), false, true
	}
	return nil, false, false
}

func (o *Object) field(name string) (reflect.Value, bool) {
	v := o.value
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}, false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	for _, candidate := range memberNames(name) {
		sf, ok := v.Type().FieldByName(candidate)
		if ok && sf.IsExported() {
			return v.FieldByIndex(sf.Index), true
		}
	}
	return reflect.Value{}, false
}

// Invoke calls the method name with args. Argument mismatches surface as an
// *Exception carrying InvalidInvocationMessage.
func (o *Object) Invoke(name string, args []any) (any, error) {
	if !o.value.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMember, name)
	}
	idx, ok := o.rt.lookupMethod(o.value.Type(), name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMember, name)
	}
	return call(o.value.Method(idx), args)
}

// Instantiate calls the class constructor of a class handle.
func (o *Object) Instantiate(args []any) (any, error) {
	if o.handle == nil || !o.handle.constructor.IsValid() {
		return nil, &Exception{
			Class:   "TypeError",
			Message: InvalidInvocationMessage,
			Detail:  fmt.Sprintf("%s is not instantiable", o.ClassName()),
		}
	}
	return call(o.handle.constructor, args)
}

// memberNames maps a script-side member name to Go candidates: the name as
// written and its exported form (hasTag -> HasTag).
func memberNames(name string) []string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return []string{name}
	}
	return []string{name, strings.ToUpper(string(r)) + name[size:]}
}

var _ interop.Unwrapper = (*Object)(nil)
