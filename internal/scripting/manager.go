package scripting

import (
	"fmt"
	"sort"
	"sync"

	"automationshim/internal/resolver"

	"go.uber.org/zap"
)

// SetupFunc prepares a new context, typically installing its hooks.
type SetupFunc func(*Context) error

// Manager tracks the contexts of loaded scripts by script ID and tears
// them down when the host unloads the script.
type Manager struct {
	mu       sync.Mutex
	contexts map[string]*Context
	config   Config
	setup    SetupFunc
	logger   *zap.Logger
}

// NewManager creates a manager building contexts from cfg.
func NewManager(cfg Config, setup SetupFunc) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		contexts: make(map[string]*Context),
		config:   cfg,
		setup:    setup,
		logger:   logger.Named("scripts"),
	}
}

// Open creates the context of scriptID.
func (m *Manager) Open(scriptID string) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.contexts[scriptID]; exists {
		return nil, fmt.Errorf("script %s is already loaded", scriptID)
	}
	return m.openLocked(scriptID)
}

// GetOrOpen returns the context of scriptID, creating it when the script is
// not loaded yet.
func (m *Manager) GetOrOpen(scriptID string) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, exists := m.contexts[scriptID]; exists {
		return c, nil
	}
	return m.openLocked(scriptID)
}

func (m *Manager) openLocked(scriptID string) (*Context, error) {
	c := NewContext(m.config)
	if m.setup != nil {
		if err := m.setup(c); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to set up script %s: %w", scriptID, err)
		}
	}

	m.contexts[scriptID] = c
	m.logger.Info("Script loaded",
		zap.String("script_id", scriptID),
		zap.String("context_id", c.ID))
	return c, nil
}

// SetOptions changes the reserved namespaces of contexts opened from now
// on. Loaded scripts keep the options they were opened with.
func (m *Manager) SetOptions(opts resolver.Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.Options = opts
	m.logger.Info("Namespace options updated",
		zap.String("host_prefix", opts.HostPrefix),
		zap.String("virtual_namespace", opts.VirtualNamespace))
}

// Options returns the reserved namespaces new contexts are opened with.
func (m *Manager) Options() resolver.Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.Options == (resolver.Options{}) {
		return resolver.DefaultOptions()
	}
	return m.config.Options
}

// Get returns the context of scriptID.
func (m *Manager) Get(scriptID string) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[scriptID]
	return c, ok
}

// Unload closes and forgets the context of scriptID. Unknown IDs are
// ignored. It has the shape of a bridge unload handler.
func (m *Manager) Unload(scriptID string) {
	m.mu.Lock()
	c, ok := m.contexts[scriptID]
	delete(m.contexts, scriptID)
	m.mu.Unlock()

	if !ok {
		return
	}
	c.Close()
	m.logger.Info("Script unloaded", zap.String("script_id", scriptID))
}

// IDs returns the loaded script IDs, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.contexts))
	for id := range m.contexts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll unloads every script.
func (m *Manager) CloseAll() {
	for _, id := range m.IDs() {
		m.Unload(id)
	}
}
