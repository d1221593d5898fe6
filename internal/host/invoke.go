package host

import (
	"fmt"
	"math"
	"reflect"

	"automationshim/pkg/interop"
)

// InvalidInvocationMessage is the well-known signal the host raises when a
// foreign call or instantiation is rejected for its arguments.
const InvalidInvocationMessage = "invalid instantiation of foreign object"

const maxUnwrap = 8

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Exception is an error raised by the host runtime itself.
type Exception struct {
	Class   string
	Message string
	Detail  string
	Cause   error
}

func (e *Exception) Error() string {
	msg := e.Class + ": " + e.Message
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *Exception) Unwrap() error {
	return e.Cause
}

// Kind reports the host exception class as the error kind.
func (e *Exception) Kind() string {
	return e.Class
}

func invalidInvocation(format string, args ...any) *Exception {
	return &Exception{
		Class:   "TypeError",
		Message: InvalidInvocationMessage,
		Detail:  fmt.Sprintf(format, args...),
	}
}

// call invokes fn with converted args. A trailing error result is returned
// as is; a panic inside fn becomes an *Exception.
func call(fn reflect.Value, args []any) (result any, err error) {
	ft := fn.Type()
	in, err := convertArgs(ft, args)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cause, _ := r.(error)
			err = &Exception{
				Class:   "RuntimeException",
				Message: fmt.Sprint(r),
				Cause:   cause,
			}
		}
	}()

	out := fn.Call(in)

	if n := len(out); n > 0 && ft.Out(n-1) == errorType {
		if e := out[n-1]; !e.IsNil() {
			return nil, e.Interface().(error)
		}
		out = out[:n-1]
	}

	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	}
	values := make([]any, len(out))
	for i, v := range out {
		values[i] = v.Interface()
	}
	return values, nil
}

func convertArgs(ft reflect.Type, args []any) ([]reflect.Value, error) {
	numIn := ft.NumIn()
	variadic := ft.IsVariadic()

	if variadic {
		if len(args) < numIn-1 {
			return nil, invalidInvocation("expected at least %d arguments, got %d", numIn-1, len(args))
		}
	} else if len(args) != numIn {
		return nil, invalidInvocation("expected %d arguments, got %d", numIn, len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		var target reflect.Type
		if variadic && i >= numIn-1 {
			target = ft.In(numIn - 1).Elem()
		} else {
			target = ft.In(i)
		}

		v, ok := convertArg(arg, target)
		if !ok {
			return nil, invalidInvocation("argument %d: cannot use %T as %s", i+1, arg, target)
		}
		in[i] = v
	}
	return in, nil
}

func convertArg(arg any, target reflect.Type) (reflect.Value, bool) {
	for i := 0; i < maxUnwrap; i++ {
		u, ok := arg.(interop.Unwrapper)
		if !ok {
			break
		}
		arg = u.Unwrap()
	}

	if arg == nil {
		switch target.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return reflect.Zero(target), true
		}
		return reflect.Value{}, false
	}

	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(target) {
		return v, true
	}

	switch {
	case isInt(v.Kind()) && (isInt(target.Kind()) || isFloat(target.Kind())):
		if overflows(v, target) {
			return reflect.Value{}, false
		}
		return v.Convert(target), true
	case isFloat(v.Kind()) && isFloat(target.Kind()):
		if reflect.Zero(target).OverflowFloat(v.Float()) {
			return reflect.Value{}, false
		}
		return v.Convert(target), true
	}
	return reflect.Value{}, false
}

// overflows reports whether the integer v does not fit in target.
func overflows(v reflect.Value, target reflect.Type) bool {
	zero := reflect.Zero(target)
	switch {
	case isFloat(target.Kind()):
		if isUint(v.Kind()) {
			return zero.OverflowFloat(float64(v.Uint()))
		}
		return zero.OverflowFloat(float64(v.Int()))
	case isUint(v.Kind()) && isUint(target.Kind()):
		return zero.OverflowUint(v.Uint())
	case isUint(v.Kind()):
		return v.Uint() > math.MaxInt64 || zero.OverflowInt(int64(v.Uint()))
	case isUint(target.Kind()):
		return v.Int() < 0 || zero.OverflowUint(uint64(v.Int()))
	}
	return zero.OverflowInt(v.Int())
}

func isUint(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	}
	return false
}

func isInt(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}
