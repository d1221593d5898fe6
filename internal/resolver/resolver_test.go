package resolver_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"automationshim/internal/exception"
	"automationshim/internal/host"
	"automationshim/internal/resolver"
	"automationshim/pkg/interop"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// countingImporter is a native entry point recording its calls.
type countingImporter struct {
	calls  []string
	module interop.Module
	err    error
}

func (c *countingImporter) Import(ctx context.Context, name string, fromList []string) (interop.Module, error) {
	c.calls = append(c.calls, name)
	return c.module, c.err
}

type nativeModule struct{ name string }

func (m nativeModule) Name() string           { return m.name }
func (m nativeModule) Names() []string        { return nil }
func (m nativeModule) Get(string) (any, bool) { return nil, false }

type proxyFailure struct{}

func (proxyFailure) Error() string { return "proxy exploded" }

type item struct{}
type onOffType struct{}

func newRuntime() *host.Runtime {
	rt := host.NewRuntime(zap.NewNop())
	rt.MustDefine(host.ClassSpec{Name: "org.openhab.core.items.Item", Instance: (*item)(nil)})
	rt.MustDefine(host.ClassSpec{Name: "org.openhab.core.library.types.OnOffType", Instance: (*onOffType)(nil)})
	return rt
}

func newResolver(t *testing.T) (*resolver.Resolver, *countingImporter, *host.Runtime) {
	t.Helper()
	native := &countingImporter{module: nativeModule{name: "json"}}
	rt := newRuntime()
	r, err := resolver.New(native, rt, resolver.DefaultOptions(), zap.NewNop())
	require.NoError(t, err)
	return r, native, rt
}

func classList(names ...string) map[string]any {
	return map[string]any{"class_list": names}
}

func leadingShimFrames(err *exception.Error) int {
	n := 0
	for _, f := range err.Stack() {
		if !strings.HasPrefix(f.Function, "automationshim/internal/resolver.") {
			break
		}
		n++
	}
	return n
}

func requireNormalized(t *testing.T, err error) *exception.Error {
	t.Helper()
	require.Error(t, err)
	var normalized *exception.Error
	require.True(t, errors.As(err, &normalized), "expected *exception.Error, got %T", err)
	return normalized
}

func TestNew(t *testing.T) {
	native := &countingImporter{}
	rt := newRuntime()

	_, err := resolver.New(nil, rt, resolver.DefaultOptions(), zap.NewNop())
	assert.Error(t, err)
	_, err = resolver.New(native, nil, resolver.DefaultOptions(), zap.NewNop())
	assert.Error(t, err)
	_, err = resolver.New(native, rt, resolver.Options{}, zap.NewNop())
	assert.Error(t, err, "empty prefixes are rejected")

	first, err := resolver.New(native, rt, resolver.DefaultOptions(), zap.NewNop())
	require.NoError(t, err)
	second, err := resolver.New(first, rt, resolver.DefaultOptions(), zap.NewNop())
	require.NoError(t, err)

	assert.Same(t, native, second.Original(), "installing twice never stacks resolvers")
}

func TestResolver_PassThrough(t *testing.T) {
	r, native, _ := newResolver(t)
	proxyCalls := 0
	ctx := resolver.BindProxy(context.Background(), func(string, []string) (any, error) {
		proxyCalls++
		return nil, nil
	})

	mod, err := r.Import(ctx, "json", []string{"loads"})
	require.NoError(t, err)
	assert.Equal(t, nativeModule{name: "json"}, mod)
	assert.Equal(t, []string{"json"}, native.calls, "original is called exactly once")
	assert.Zero(t, proxyCalls)

	t.Run("without a proxy binding", func(t *testing.T) {
		_, err := r.Import(context.Background(), "os", nil)
		assert.NoError(t, err)
	})

	t.Run("native errors are not rewritten", func(t *testing.T) {
		native.err = proxyFailure{}
		_, err := r.Import(context.Background(), "os", nil)
		assert.Equal(t, proxyFailure{}, err)
	})
}

func TestResolver_HostNamespace(t *testing.T) {
	r, native, rt := newResolver(t)

	var gotName string
	var gotFrom []string
	ctx := resolver.BindProxy(context.Background(), func(name string, fromList []string) (any, error) {
		gotName, gotFrom = name, fromList
		return classList("org.openhab.core.library.types.OnOffType", "org.openhab.core.items.Item"), nil
	})

	mod, err := r.Import(ctx, "org.openhab.core", []string{"OnOffType", "Item"})
	require.NoError(t, err)

	assert.Equal(t, "org.openhab.core", gotName)
	assert.Equal(t, []string{"OnOffType", "Item"}, gotFrom)
	assert.Empty(t, native.calls)

	assert.Equal(t, "org.openhab.core", mod.Name())
	assert.Equal(t, []string{"OnOffType", "Item"}, mod.Names())

	handle, ok := mod.Get("Item")
	require.True(t, ok)
	want, err := rt.Class("org.openhab.core.items.Item")
	require.NoError(t, err)
	assert.Same(t, want, handle)
}

func TestResolver_PrefixIsAStringPrefix(t *testing.T) {
	r, native, _ := newResolver(t)
	ctx := resolver.BindProxy(context.Background(), func(string, []string) (any, error) {
		return classList("org.openhab.core.items.Item"), nil
	})

	mod, err := r.Import(ctx, "org.openhabian.tools", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Item"}, mod.Names())
	assert.Empty(t, native.calls)
}

func TestResolver_ClassNotFound(t *testing.T) {
	r, _, _ := newResolver(t)
	ctx := resolver.BindProxy(context.Background(), func(string, []string) (any, error) {
		return classList(
			"org.openhab.core.items.Item",
			"org.openhab.core.items.Missing",
			"org.openhab.core.items.AlsoMissing",
		), nil
	})

	_, err := r.Import(ctx, "org.openhab.core.items", nil)
	normalized := requireNormalized(t, err)

	assert.Equal(t, exception.KindModuleNotFound, normalized.Kind)
	assert.Equal(t, "Class 'org.openhab.core.items.Missing' not found", normalized.Error())
	assert.Equal(t, leadingShimFrames(normalized), normalized.Skip)
}

func TestResolver_EmptyMapping(t *testing.T) {
	tests := []struct {
		name     string
		module   string
		fromList []string
		result   any
		wantMsg  string
	}{
		{
			name:     "empty class list",
			module:   "org.openhab.x",
			fromList: []string{"a", "b"},
			result:   classList(),
			wantMsg:  "No module named 'org.openhab.x.a|b'",
		},
		{
			name:    "nil mapping",
			module:  "org.openhab.x",
			result:  nil,
			wantMsg: "No module named 'org.openhab.x'",
		},
		{
			name:     "empty virtual mapping",
			module:   "scope",
			fromList: []string{"items"},
			result:   map[string]any{},
			wantMsg:  "No module named 'scope.items'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _ := newResolver(t)
			ctx := resolver.BindProxy(context.Background(), func(string, []string) (any, error) {
				return tt.result, nil
			})

			_, err := r.Import(ctx, tt.module, tt.fromList)
			normalized := requireNormalized(t, err)
			assert.Equal(t, exception.KindModuleNotFound, normalized.Kind)
			assert.Equal(t, tt.wantMsg, normalized.Error())
			assert.Equal(t, leadingShimFrames(normalized), normalized.Skip)
			assert.True(t, errors.Is(err, exception.ErrModuleNotFound))
		})
	}
}

func TestResolver_VirtualNamespace(t *testing.T) {
	r, _, rt := newResolver(t)

	support := host.NewHashMap()
	support.Put("automationManager", "manager")
	exports := host.NewHashMap()
	exports.Put("items", "registry")
	exports.Put("RuleSupport", support)
	exports.Put("ON", "on")

	ctx := resolver.BindProxy(context.Background(), func(name string, fromList []string) (any, error) {
		return rt.Wrap(exports), nil
	})

	mod, err := r.Import(ctx, "scope", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"items", "RuleSupport", "ON"}, mod.Names())

	v, ok := mod.Get("items")
	require.True(t, ok)
	assert.Equal(t, "registry", v)

	nested, ok := mod.Get("RuleSupport")
	require.True(t, ok)
	sub, ok := nested.(*resolver.Module)
	require.True(t, ok, "nested mappings become modules, got %T", nested)
	assert.Equal(t, "RuleSupport", sub.Name())
	assert.Equal(t, []string{"automationManager"}, sub.Names())

	_, err = sub.Attr("missing")
	normalized := requireNormalized(t, err)
	assert.Equal(t, "module 'RuleSupport' has no attribute 'missing'", normalized.Error())

	t.Run("plain go map", func(t *testing.T) {
		ctx := resolver.BindProxy(context.Background(), func(string, []string) (any, error) {
			return map[string]any{"b": 1, "a": map[string]any{"c": 2}}, nil
		})
		mod, err := r.Import(ctx, "scope.thing", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, mod.Names())
		a, _ := mod.Get("a")
		assert.IsType(t, &resolver.Module{}, a)
	})
}

func TestResolver_MissingProxyBinding(t *testing.T) {
	r, native, _ := newResolver(t)

	_, err := r.Import(context.Background(), "org.openhab.core", nil)
	normalized := requireNormalized(t, err)

	assert.Equal(t, exception.KindEnvironment, normalized.Kind)
	assert.Equal(t, "No __import_proxy__ is available", normalized.Error())
	assert.True(t, errors.Is(err, exception.ErrEnvironment))
	assert.Equal(t, leadingShimFrames(normalized), normalized.Skip)
	assert.Empty(t, native.calls)
}

func TestResolver_ProxyErrorsPassThrough(t *testing.T) {
	r, _, _ := newResolver(t)

	for _, module := range []string{"org.openhab.core", "scope"} {
		t.Run(module, func(t *testing.T) {
			ctx := resolver.BindProxy(context.Background(), func(string, []string) (any, error) {
				return nil, proxyFailure{}
			})

			_, err := r.Import(ctx, module, nil)
			normalized := requireNormalized(t, err)
			assert.Equal(t, exception.Kind("proxyFailure"), normalized.Kind)
			assert.Equal(t, "proxy exploded", normalized.Error())

			var original proxyFailure
			assert.True(t, errors.As(err, &original))
		})
	}
}

func TestResolver_ReentrantImport(t *testing.T) {
	r, _, _ := newResolver(t)

	var ctx context.Context
	ctx = resolver.BindProxy(context.Background(), func(name string, fromList []string) (any, error) {
		if name == "scope" {
			inner, err := r.Import(ctx, "org.openhab.core.items", nil)
			if err != nil {
				return nil, err
			}
			handle, _ := inner.Get("Item")
			return map[string]any{"Item": handle}, nil
		}
		return classList("org.openhab.core.items.Item"), nil
	})

	mod, err := r.Import(ctx, "scope", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Item"}, mod.Names())
}

func TestBindProxy_InnerShadowsOuter(t *testing.T) {
	r, _, _ := newResolver(t)

	outer := resolver.BindProxy(context.Background(), func(string, []string) (any, error) {
		return map[string]any{"from": "outer"}, nil
	})
	inner := resolver.BindProxy(outer, func(string, []string) (any, error) {
		return map[string]any{"from": "inner"}, nil
	})

	mod, err := r.Import(inner, "scope", nil)
	require.NoError(t, err)
	v, _ := mod.Get("from")
	assert.Equal(t, "inner", v)

	_, ok := resolver.ProxyFrom(context.Background())
	assert.False(t, ok)
	_, ok = resolver.ProxyFrom(resolver.BindProxy(context.Background(), nil))
	assert.False(t, ok)
}

func TestRegistry(t *testing.T) {
	resolve := func(context.Context, resolver.Request) (any, error) { return nil, nil }

	t.Run("validation", func(t *testing.T) {
		reg := resolver.NewRegistry(zap.NewNop())
		assert.Error(t, reg.Register(resolver.Namespace{Prefix: "a", Resolve: resolve}))
		assert.Error(t, reg.Register(resolver.Namespace{Name: "a", Resolve: resolve}))
		assert.Error(t, reg.Register(resolver.Namespace{Name: "a", Prefix: "a"}))
	})

	t.Run("longest prefix wins", func(t *testing.T) {
		reg := resolver.NewRegistry(zap.NewNop())
		require.NoError(t, reg.Register(resolver.Namespace{Name: "short", Prefix: "org.openhab", Resolve: resolve}))
		require.NoError(t, reg.Register(resolver.Namespace{Name: "long", Prefix: "org.openhab.core", Resolve: resolve}))

		ns, ok := reg.Match("org.openhab.core.items")
		require.True(t, ok)
		assert.Equal(t, "long", ns.Name)

		ns, ok = reg.Match("org.openhab.model")
		require.True(t, ok)
		assert.Equal(t, "short", ns.Name)

		_, ok = reg.Match("json")
		assert.False(t, ok)
	})

	t.Run("priority", func(t *testing.T) {
		reg := resolver.NewRegistry(zap.NewNop())
		require.NoError(t, reg.Register(resolver.Namespace{Name: "host", Prefix: "org.openhab", Priority: resolver.PriorityOverride, Resolve: resolve}))
		require.NoError(t, reg.Register(resolver.Namespace{Name: "host", Prefix: "com.example", Resolve: resolve}))

		ns, ok := reg.Get("host")
		require.True(t, ok)
		assert.Equal(t, "org.openhab", ns.Prefix)

		require.NoError(t, reg.Register(resolver.Namespace{Name: "aaa", Prefix: "x", Resolve: resolve}))
		names := []string{}
		for _, ns := range reg.List() {
			names = append(names, ns.Name)
		}
		assert.Equal(t, []string{"aaa", "host"}, names)
	})

	t.Run("override a builtin namespace", func(t *testing.T) {
		r, _, _ := newResolver(t)
		require.NoError(t, r.Namespaces().Register(resolver.Namespace{
			Name:     resolver.VirtualNamespace,
			Prefix:   "scope",
			Priority: resolver.PriorityOverride,
			Resolve: func(context.Context, resolver.Request) (any, error) {
				return map[string]any{"overridden": true}, nil
			},
		}))

		ctx := resolver.BindProxy(context.Background(), func(string, []string) (any, error) {
			return map[string]any{"original": true}, nil
		})
		mod, err := r.Import(ctx, "scope", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"overridden"}, mod.Names())
	})
}
