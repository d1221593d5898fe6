package trap

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"automationshim/internal/exception"
	"automationshim/internal/host"

	"go.uber.org/zap"
)

// ParameterMismatchMessage replaces the host's invalid invocation signal.
const ParameterMismatchMessage = "One of your function parameters does not match the required value type."

// Foreign is a host object as seen by the trap.
type Foreign interface {
	ClassName() string
	IsNull() bool
	Lookup(name string) (value any, callable bool, ok bool)
	Invoke(name string, args []any) (any, error)
	Unwrap() any
}

// Instantiator is implemented by foreign class handles.
type Instantiator interface {
	Instantiate(args []any) (any, error)
}

// WrapFunc turns a Go value returned by the host into a foreign object.
type WrapFunc func(v any) Foreign

// Policy is the translation applied around every outbound foreign call.
//
// Every helper takes callers, the number of shim frames between the helper
// and the application, and tags the errors it creates with
// callers + 1 (itself). The skip count therefore always equals the number of
// shim frames between the capture site and the first application frame.
type Policy struct {
	wrap   WrapFunc
	logger *zap.Logger
}

// NewPolicy creates a policy using wrap to adopt returned host values.
func NewPolicy(wrap WrapFunc, logger *zap.Logger) *Policy {
	return &Policy{
		wrap:   wrap,
		logger: logger.Named("trap"),
	}
}

// Wrap returns the trapped view of v.
func (p *Policy) Wrap(v any) *Object {
	switch x := v.(type) {
	case *Object:
		return x
	case Foreign:
		return &Object{target: x, policy: p}
	}
	return &Object{target: p.wrap(v), policy: p}
}

//go:noinline
func (p *Policy) invoke(target Foreign, name string, args []any, callers int) (any, error) {
	result, err := target.Invoke(name, args)
	if err != nil {
		return nil, p.translate(err, target, name, callers+1)
	}
	return p.adopt(result), nil
}

//go:noinline
func (p *Policy) instantiate(target Foreign, args []any, callers int) (any, error) {
	inst, ok := target.(Instantiator)
	if !ok {
		return nil, p.translate(&host.Exception{
			Class:   "TypeError",
			Message: host.InvalidInvocationMessage,
			Detail:  fmt.Sprintf("%s is not instantiable", target.ClassName()),
		}, target, "new", callers+1)
	}
	result, err := inst.Instantiate(args)
	if err != nil {
		return nil, p.translate(err, target, "new", callers+1)
	}
	return p.adopt(result), nil
}

//go:noinline
func (p *Policy) translate(err error, target Foreign, name string, callers int) error {
	p.logger.Debug("Foreign call failed",
		zap.String("class", target.ClassName()),
		zap.String("member", name),
		zap.Error(err))

	if isInvalidInvocation(err) {
		return exception.New(exception.KindAttribute, ParameterMismatchMessage, callers+1)
	}
	return exception.Wrap(err, callers+1)
}

//go:noinline
func (p *Policy) missingAttribute(target Foreign, name string, callers int) error {
	if target.IsNull() {
		return exception.Newf(exception.KindAttribute, callers+1,
			"None object has no attribute '%s'", name)
	}
	return exception.Newf(exception.KindAttribute, callers+1,
		"Java instance of '%s' has no attribute '%s'", target.ClassName(), name)
}

//go:noinline
func (p *Policy) notCallable(target Foreign, name string, callers int) error {
	return exception.Newf(exception.KindType, callers+1,
		"'%s' attribute '%s' is not callable", target.ClassName(), name)
}

func isInvalidInvocation(err error) bool {
	var normalized *exception.Error
	if errors.As(err, &normalized) {
		return false
	}
	var hostErr *host.Exception
	if errors.As(err, &hostErr) {
		return hostErr.Message == host.InvalidInvocationMessage
	}
	return strings.Contains(err.Error(), host.InvalidInvocationMessage)
}

var timeType = reflect.TypeOf(time.Time{})

// adopt wraps results that are host objects so chained calls stay trapped.
// Scalars, strings, slices, maps and times pass through.
func (p *Policy) adopt(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case *Object:
		return x
	case *host.Class:
		return p.Wrap(x)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		return p.Wrap(v)
	case reflect.Struct:
		if rv.Type() == timeType {
			return v
		}
		return p.Wrap(v)
	}
	return v
}
