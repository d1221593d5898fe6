package resolver

import (
	"context"

	"automationshim/pkg/interop"
)

// ProxyBindingName is the reserved name of the import proxy binding.
const ProxyBindingName = "__import_proxy__"

type proxyKey struct{}

// BindProxy returns a context carrying proxy as the import proxy binding.
// Inner bindings shadow outer ones.
func BindProxy(ctx context.Context, proxy interop.ImportProxy) context.Context {
	return context.WithValue(ctx, proxyKey{}, proxy)
}

// ProxyFrom locates the import proxy binding, searching outward from ctx.
// It is looked up on every import and never cached.
func ProxyFrom(ctx context.Context) (interop.ImportProxy, bool) {
	if ctx == nil {
		return nil, false
	}
	proxy, ok := ctx.Value(proxyKey{}).(interop.ImportProxy)
	if !ok || proxy == nil {
		return nil, false
	}
	return proxy, true
}
