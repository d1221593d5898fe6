// Package testutil provides testing utilities for script contexts: an
// in-process environment on the demo host, a mock websocket host bridge and
// helpers for inspecting recorded bridge requests.
package testutil

import (
	"bytes"
	"fmt"
	"sync"

	"automationshim/internal/demo"
	"automationshim/internal/host"
	"automationshim/internal/hostbridge"
	"automationshim/internal/resolver"
	"automationshim/internal/scripting"
	"automationshim/internal/traceback"
	"automationshim/pkg/openhab"

	"go.uber.org/zap"
)

// lockedBuffer is a bytes.Buffer safe for concurrent writers and readers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// TestEnv provides a complete in-process environment for script tests: a
// demo host, script contexts with both hooks installed, and the rendered
// tracebacks of uncaught errors.
//
// Example usage:
//
//	env := testutil.NewTestEnv()
//	defer env.Cleanup()
//
//	sc, err := env.NewScript("rules.py")
//	require.NoError(t, err)
//	mod, err := sc.Import("org.openhab.core.items", "Item")
type TestEnv struct {
	Host    *demo.Host
	Runtime *host.Runtime
	Scripts *scripting.Manager
	Logger  *zap.Logger

	output *lockedBuffer
}

// NewTestEnv creates the environment with the default namespace options.
func NewTestEnv() *TestEnv {
	return NewTestEnvWithOptions(resolver.DefaultOptions())
}

// NewTestEnvWithOptions creates the environment with custom namespaces.
func NewTestEnvWithOptions(opts resolver.Options) *TestEnv {
	logger := zap.NewNop()
	rt := host.NewRuntime(logger)
	h := demo.NewHost(rt)
	output := &lockedBuffer{}

	hook := traceback.NewHook(output, logger)
	scripts := scripting.NewManager(scripting.Config{
		Runtime: rt,
		Options: opts,
		Logger:  logger,
	}, func(c *scripting.Context) error {
		c.InstallExceptionHook(hook)
		return c.InstallImportHook(h.ImportProxy(c.Options()))
	})

	return &TestEnv{
		Host:    h,
		Runtime: rt,
		Scripts: scripts,
		Logger:  logger,
		output:  output,
	}
}

// NewScript opens a script context with both hooks installed.
func (e *TestEnv) NewScript(scriptID string) (*scripting.Context, error) {
	return e.Scripts.Open(scriptID)
}

// Item returns the script view of a registered item.
func (e *TestEnv) Item(sc *scripting.Context, name string) (*openhab.Item, error) {
	item, err := e.Host.Registry.GetItem(name)
	if err != nil {
		return nil, err
	}
	return openhab.Wrap(sc, item)
}

// Tracebacks returns everything the exception hooks rendered.
func (e *TestEnv) Tracebacks() string {
	return e.output.String()
}

// ClearTracebacks discards the rendered output.
func (e *TestEnv) ClearTracebacks() {
	e.output.Reset()
}

// Cleanup unloads every script.
func (e *TestEnv) Cleanup() {
	e.Scripts.CloseAll()
}

// RemoteEnv connects script contexts to a mock host bridge.
type RemoteEnv struct {
	Server  *MockBridgeServer
	Bridge  *hostbridge.Client
	Scripts *scripting.Manager
	Logger  *zap.Logger

	subscription hostbridge.Subscription
}

// NewRemoteEnv starts a mock bridge server and connects a client. Scripts
// use the bridge as import proxy and type lookup, and are closed when the
// server unloads them.
func NewRemoteEnv(token string) (*RemoteEnv, error) {
	logger := zap.NewNop()

	server := NewMockBridgeServer(token)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start mock server: %w", err)
	}

	client := hostbridge.NewClient(server.URL(), token, logger)
	if err := client.Connect(); err != nil {
		server.Stop()
		return nil, fmt.Errorf("failed to connect client: %w", err)
	}

	scripts := scripting.NewManager(scripting.Config{
		Lookup: client,
		Logger: logger,
	}, func(c *scripting.Context) error {
		c.InstallExceptionHook(traceback.HandlerFunc(func(error) {}))
		return c.InstallImportHook(client.ImportProxy())
	})

	return &RemoteEnv{
		Server:       server,
		Bridge:       client,
		Scripts:      scripts,
		Logger:       logger,
		subscription: client.OnScriptUnloaded(scripts.Unload),
	}, nil
}

// Cleanup stops all components in the correct order.
func (e *RemoteEnv) Cleanup() {
	if e.subscription != nil {
		e.subscription.Unsubscribe()
	}
	if e.Scripts != nil {
		e.Scripts.CloseAll()
	}
	if e.Bridge != nil {
		e.Bridge.Disconnect()
	}
	if e.Server != nil {
		e.Server.Stop()
	}
}
