package scripting

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"automationshim/internal/exception"
	"automationshim/internal/host"
	"automationshim/internal/modules"
	"automationshim/internal/resolver"
	"automationshim/internal/traceback"
	"automationshim/internal/trap"
	"automationshim/pkg/interop"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrClosed is returned by a context that has been torn down.
var ErrClosed = errors.New("script context closed")

// Config provides the dependencies of a script execution context.
type Config struct {
	// Runtime is the in-process host. A fresh one is created when nil.
	Runtime *host.Runtime

	// Lookup resolves host type names. Defaults to Runtime.
	Lookup interop.TypeLookup

	// Native is the import entry point for everything outside the reserved
	// namespaces. Defaults to the global module registry.
	Native interop.Importer

	// Options configures the reserved namespaces.
	Options resolver.Options

	// Logger is a structured logger for the context to use.
	Logger *zap.Logger

	// Parent is the context the script runs under. Defaults to Background.
	Parent context.Context
}

// installation is the import hook state swapped as one unit.
type installation struct {
	resolver *resolver.Resolver
	ctx      context.Context
}

type hookBox struct {
	handler traceback.Handler
}

// Context is one script execution context. It owns its own import hook and
// exception hook, so concurrent contexts never see each other's proxy
// binding.
type Context struct {
	ID      string
	Logger  *zap.Logger
	Runtime *host.Runtime
	Policy  *trap.Policy

	base    context.Context
	cancel  context.CancelFunc
	native  interop.Importer
	lookup  interop.TypeLookup
	options resolver.Options

	installed atomic.Pointer[installation]
	hook      atomic.Pointer[hookBox]
	closed    atomic.Bool
}

// NewContext creates a script execution context. No hooks are installed yet.
func NewContext(cfg Config) *Context {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rt := cfg.Runtime
	if rt == nil {
		rt = host.NewRuntime(logger)
	}

	parent := cfg.Parent
	if parent == nil {
		parent = context.Background()
	}

	native := cfg.Native
	if native == nil {
		native = modules.Default()
	}

	lookup := cfg.Lookup
	if lookup == nil {
		lookup = rt
	}

	options := cfg.Options
	if options == (resolver.Options{}) {
		options = resolver.DefaultOptions()
	}

	id := uuid.NewString()
	base, cancel := context.WithCancel(parent)

	c := &Context{
		ID:      id,
		Logger:  logger.Named("script").With(zap.String("context_id", id)),
		Runtime: rt,
		base:    base,
		cancel:  cancel,
		native:  native,
		options: options,
	}
	c.Policy = trap.NewPolicy(func(v any) trap.Foreign { return rt.Wrap(v) }, c.Logger)
	c.lookup = interop.TypeLookupFunc(func(name string) (any, error) {
		handle, err := lookup.LookupType(name)
		if err != nil {
			return nil, err
		}
		return c.Policy.Wrap(handle), nil
	})
	return c
}

// InstallImportHook redirects the reserved namespaces of this context
// through proxy. Installing again replaces the proxy and options but never
// wraps the entry point twice.
func (c *Context) InstallImportHook(proxy interop.ImportProxy) error {
	if c.closed.Load() {
		return ErrClosed
	}

	var original interop.Importer = c.native
	if current := c.installed.Load(); current != nil {
		original = current.resolver
	}

	r, err := resolver.New(original, c.lookup, c.options, c.Logger)
	if err != nil {
		return fmt.Errorf("failed to install import hook: %w", err)
	}

	c.installed.Store(&installation{
		resolver: r,
		ctx:      resolver.BindProxy(c.base, proxy),
	})
	c.Logger.Debug("Import hook installed",
		zap.String("host_prefix", c.options.HostPrefix),
		zap.String("virtual_namespace", c.options.VirtualNamespace))
	return nil
}

// InstallExceptionHook sets the handler for errors escaping Run. Later
// installs replace earlier ones.
func (c *Context) InstallExceptionHook(h traceback.Handler) {
	c.hook.Store(&hookBox{handler: h})
}

// ExceptionHook returns the context's handler, falling back to the
// process-wide one.
func (c *Context) ExceptionHook() traceback.Handler {
	if box := c.hook.Load(); box != nil && box.handler != nil {
		return box.handler
	}
	return traceback.Installed()
}

// Options returns the reserved namespace options of the context.
func (c *Context) Options() resolver.Options {
	return c.options
}

// Importer returns the active import entry point.
func (c *Context) Importer() interop.Importer {
	if current := c.installed.Load(); current != nil {
		return current.resolver
	}
	return c.native
}

// Context returns the context.Context carrying this script's proxy binding.
// Imports issued while resolving another import should use it (or a child of
// it) with ImportContext.
func (c *Context) Context() context.Context {
	if current := c.installed.Load(); current != nil {
		return current.ctx
	}
	return c.base
}

// Import resolves a module for the script.
//
//go:noinline
func (c *Context) Import(name string, fromList ...string) (interop.Module, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	current := c.installed.Load()
	if current == nil {
		return c.native.Import(c.base, name, fromList)
	}
	return current.resolver.ImportAt(current.ctx, name, fromList, 1)
}

// ImportContext resolves a module under ctx, whose binding chain is searched
// for the import proxy.
//
//go:noinline
func (c *Context) ImportContext(ctx context.Context, name string, fromList ...string) (interop.Module, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	current := c.installed.Load()
	if current == nil {
		return c.native.Import(ctx, name, fromList)
	}
	return current.resolver.ImportAt(ctx, name, fromList, 1)
}

// Wrap returns the trapped view of a host value.
func (c *Context) Wrap(v any) *trap.Object {
	return c.Policy.Wrap(v)
}

// Proxy returns a trapped proxy applying transform to every call on target.
func (c *Context) Proxy(target any, transform trap.Transform) *trap.Proxy {
	return c.Policy.Proxy(target, transform)
}

// Service returns a host service handle unmodified.
func (c *Context) Service(name string) (any, error) {
	return c.Runtime.Service(name)
}

// Run executes script. An error or panic escaping it is passed to the
// exception hook and returned.
func (c *Context) Run(script func(*Context) error) (err error) {
	if c.closed.Load() {
		return ErrClosed
	}

	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
		if err != nil {
			c.Logger.Debug("Script failed", zap.Error(err))
			c.ExceptionHook().Handle(err)
		}
	}()

	return script(c)
}

// panicError normalizes a recovered panic. It is called from the deferred
// recover in Run, so the capture starts two shim frames above the frame that
// panicked; runtime frames in between never appear in a stack.
//
//go:noinline
func panicError(r any) error {
	var normalized *exception.Error
	if err, ok := r.(error); ok && errors.As(err, &normalized) {
		return normalized
	}

	kind := exception.KindRuntime
	var cause error
	switch v := r.(type) {
	case runtime.Error:
		cause = v
	case error:
		cause = v
		kind = exception.KindOf(v)
	default:
		cause = fmt.Errorf("%v", v)
	}

	e := exception.New(kind, cause.Error(), 2)
	e.Cause = cause
	return e
}

// Close tears the context down. Later Run and Import calls return
// ErrClosed, so late callbacks never reach the hooks.
func (c *Context) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.cancel()
	c.Logger.Info("Script context closed")
}

// Closed reports whether Close has been called.
func (c *Context) Closed() bool {
	return c.closed.Load()
}

// Done is closed when the context is torn down.
func (c *Context) Done() <-chan struct{} {
	return c.base.Done()
}
