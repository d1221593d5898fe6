package trap

// Func is a trapped host method.
type Func func(args ...any) (any, error)

// Object is a trapped foreign object. Attribute access and calls go through
// the policy; nothing about the foreign type is modified.
type Object struct {
	target Foreign
	policy *Policy
}

// ClassName returns the runtime class name of the wrapped object.
func (o *Object) ClassName() string {
	return o.target.ClassName()
}

// IsNull reports whether the object is the host's null sentinel.
func (o *Object) IsNull() bool {
	return o.target.IsNull()
}

// Unwrap returns the underlying host value.
func (o *Object) Unwrap() any {
	return o.target.Unwrap()
}

// Foreign returns the wrapped foreign object.
func (o *Object) Foreign() Foreign {
	return o.target
}

// Attr resolves name. Host methods come back as a trapped Func; fields pass
// through unmodified.
//
//go:noinline
func (o *Object) Attr(name string) (any, error) {
	value, callable, ok := o.target.Lookup(name)
	if !ok {
		return nil, o.policy.missingAttribute(o.target, name, 1)
	}
	if !callable {
		return value, nil
	}

	target, policy := o.target, o.policy
	return Func(func(args ...any) (any, error) {
		return policy.invoke(target, name, args, 1)
	}), nil
}

// Call invokes the method name with args.
//
//go:noinline
func (o *Object) Call(name string, args ...any) (any, error) {
	_, callable, ok := o.target.Lookup(name)
	if !ok {
		return nil, o.policy.missingAttribute(o.target, name, 1)
	}
	if !callable {
		return nil, o.policy.notCallable(o.target, name, 1)
	}
	return o.policy.invoke(o.target, name, args, 1)
}

// New instantiates the class this object is a handle of.
//
//go:noinline
func (o *Object) New(args ...any) (any, error) {
	return o.policy.instantiate(o.target, args, 1)
}
