package exception

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
)

// Kind names an error category as presented to scripts.
type Kind string

const (
	KindModuleNotFound Kind = "ModuleNotFoundError"
	KindAttribute      Kind = "AttributeError"
	KindEnvironment    Kind = "EnvironmentError"
	KindType           Kind = "TypeError"
	KindImport         Kind = "ImportError"
	KindRuntime        Kind = "RuntimeError"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrModuleNotFound = &Error{Kind: KindModuleNotFound, Message: "module not found"}
	ErrAttribute      = &Error{Kind: KindAttribute, Message: "attribute error"}
	ErrEnvironment    = &Error{Kind: KindEnvironment, Message: "environment error"}
)

const maxDepth = 64

// Error is a normalized error. Skip is the number of innermost captured
// frames that belong to the shim and are hidden when rendering.
type Error struct {
	Kind    Kind
	Message string
	Skip    int
	Cause   error

	pcs []uintptr
}

// New creates a normalized error of the given kind. The stack is captured
// starting at the caller of New, so skip counts that caller.
//
//go:noinline
func New(kind Kind, msg string, skip int) *Error {
	return &Error{
		Kind:    kind,
		Message: msg,
		Skip:    skip,
		pcs:     capture(1),
	}
}

// Newf is New with a format string.
//
//go:noinline
func Newf(kind Kind, skip int, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Skip:    skip,
		pcs:     capture(1),
	}
}

// Wrap tags err for rendering without changing its kind or message. An err
// that already is an *Error is returned as is so the skip count is never
// applied twice.
//
//go:noinline
func Wrap(err error, skip int) *Error {
	if err == nil {
		return nil
	}
	var normalized *Error
	if errors.As(err, &normalized) {
		return normalized
	}
	return &Error{
		Kind:    KindOf(err),
		Message: err.Error(),
		Skip:    skip,
		Cause:   err,
		pcs:     capture(1),
	}
}

// capture records program counters starting skip frames above its caller.
//
//go:noinline
func capture(skip int) []uintptr {
	pcs := make([]uintptr, maxDepth)
	// 0 is runtime.Callers, 1 is capture, 2 is the function calling capture.
	n := runtime.Callers(skip+2, pcs)
	return pcs[:n]
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && isSentinel(t) && t.Kind == e.Kind
}

func isSentinel(e *Error) bool {
	return e == ErrModuleNotFound || e == ErrAttribute || e == ErrEnvironment
}

// KindOf returns the kind name used when rendering err. Normalized errors
// report their Kind; anything else reports its dynamic type name.
func KindOf(err error) Kind {
	var normalized *Error
	if errors.As(err, &normalized) {
		return normalized.Kind
	}
	if k, ok := err.(interface{ Kind() string }); ok {
		return Kind(k.Kind())
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	switch name {
	case "", "errorString", "wrapError", "wrapErrors", "joinError":
		return "Error"
	}
	return Kind(name)
}
