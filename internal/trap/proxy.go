package trap

// Transform rewrites the positional arguments of a proxied call.
type Transform func(args []any) []any

// Prepend returns a transform placing values before the call arguments.
func Prepend(values ...any) Transform {
	return func(args []any) []any {
		out := make([]any, 0, len(values)+len(args))
		out = append(out, values...)
		return append(out, args...)
	}
}

// Append returns a transform placing values after the call arguments.
func Append(values ...any) Transform {
	return func(args []any) []any {
		out := make([]any, 0, len(values)+len(args))
		out = append(out, args...)
		return append(out, values...)
	}
}

// Chain applies transforms left to right.
func Chain(transforms ...Transform) Transform {
	return func(args []any) []any {
		for _, t := range transforms {
			args = t(args)
		}
		return args
	}
}

// Proxy binds a foreign object to an argument transform, e.g. a static
// helper class whose every method takes the same receiver first. It never
// owns the foreign object.
type Proxy struct {
	target    Foreign
	transform Transform
	policy    *Policy
}

// Proxy creates a proxy over target applying transform to every call.
func (p *Policy) Proxy(target any, transform Transform) *Proxy {
	if transform == nil {
		transform = func(args []any) []any { return args }
	}
	return &Proxy{
		target:    p.Wrap(target).target,
		transform: transform,
		policy:    p,
	}
}

// Attr forwards attribute access to the target. Methods come back as a
// trapped Func applying the transform.
//
//go:noinline
func (x *Proxy) Attr(name string) (any, error) {
	value, callable, ok := x.target.Lookup(name)
	if !ok {
		return nil, x.policy.missingAttribute(x.target, name, 1)
	}
	if !callable {
		return value, nil
	}

	target, policy, transform := x.target, x.policy, x.transform
	return Func(func(args ...any) (any, error) {
		return policy.invoke(target, name, transform(args), 1)
	}), nil
}

// Call invokes name on the target with the transformed arguments.
//
//go:noinline
func (x *Proxy) Call(name string, args ...any) (any, error) {
	_, callable, ok := x.target.Lookup(name)
	if !ok {
		return nil, x.policy.missingAttribute(x.target, name, 1)
	}
	if !callable {
		return nil, x.policy.notCallable(x.target, name, 1)
	}
	return x.policy.invoke(x.target, name, x.transform(args), 1)
}
