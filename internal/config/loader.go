package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"automationshim/internal/resolver"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Environment variables overriding the file.
const (
	EnvConfigPath  = "SHIM_CONFIG"
	EnvBridgeURL   = "SHIM_BRIDGE_URL"
	EnvBridgeToken = "SHIM_BRIDGE_TOKEN"
)

// DefaultFileName is looked up in the working directory when SHIM_CONFIG is
// unset.
const DefaultFileName = "shim.yaml"

// BridgeConfig configures the websocket host bridge
type BridgeConfig struct {
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ImportConfig configures the reserved namespaces
type ImportConfig struct {
	HostPrefix       string `yaml:"host_prefix"`
	VirtualNamespace string `yaml:"virtual_namespace"`
	ClassListKey     string `yaml:"class_list_key"`
}

// Options returns the resolver options, defaults filled in.
func (c ImportConfig) Options() resolver.Options {
	opts := resolver.DefaultOptions()
	if c.HostPrefix != "" {
		opts.HostPrefix = c.HostPrefix
	}
	if c.VirtualNamespace != "" {
		opts.VirtualNamespace = c.VirtualNamespace
	}
	if c.ClassListKey != "" {
		opts.ClassListKey = c.ClassListKey
	}
	return opts
}

// TracebackConfig configures uncaught error rendering. Tracebacks always go
// to stderr.
type TracebackConfig struct {
	// Color highlights the header when stderr is a terminal.
	Color bool `yaml:"color"`
}

// APIConfig configures the status API served by "shim serve"
type APIConfig struct {
	// Port is the listen port; 0 disables the API.
	Port int `yaml:"port"`
}

// Config represents the shim.yaml structure
type Config struct {
	Bridge    BridgeConfig    `yaml:"bridge"`
	Imports   ImportConfig    `yaml:"imports"`
	Traceback TracebackConfig `yaml:"traceback"`
	API       APIConfig       `yaml:"api"`
	LogLevel  string          `yaml:"log_level"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	opts := resolver.DefaultOptions()
	return &Config{
		Bridge: BridgeConfig{
			RequestTimeout: 10 * time.Second,
		},
		Imports: ImportConfig{
			HostPrefix:       opts.HostPrefix,
			VirtualNamespace: opts.VirtualNamespace,
			ClassListKey:     opts.ClassListKey,
		},
		API:      APIConfig{Port: 8081},
		LogLevel: "info",
	}
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	if c.Bridge.RequestTimeout < 0 {
		return fmt.Errorf("bridge.request_timeout cannot be negative")
	}
	if c.Bridge.URL != "" && !strings.HasPrefix(c.Bridge.URL, "ws://") && !strings.HasPrefix(c.Bridge.URL, "wss://") {
		return fmt.Errorf("bridge.url must be a ws:// or wss:// URL, got %q", c.Bridge.URL)
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 0 and 65535, got %d", c.API.Port)
	}
	return nil
}

// Loader manages configuration file loading and reloading
type Loader struct {
	path   string
	logger *zap.Logger

	mu     sync.RWMutex
	config *Config
}

// NewLoader creates a new configuration loader for path. An empty path
// resolves to SHIM_CONFIG or DefaultFileName.
func NewLoader(path string, logger *zap.Logger) *Loader {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultFileName
	}
	return &Loader{
		path:   path,
		logger: logger.Named("config"),
		config: Default(),
	}
}

// SetLogger replaces the logger, e.g. once the configured level is known.
func (l *Loader) SetLogger(logger *zap.Logger) {
	l.logger = logger.Named("config")
}

// Path returns the configuration file path.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the file, applies environment overrides and validates the
// result. A missing file is not an error; defaults and environment are used.
func (l *Loader) Load() error {
	l.logger.Debug("Loading config", zap.String("path", l.path))

	config := Default()

	data, err := os.ReadFile(l.path)
	switch {
	case os.IsNotExist(err):
		l.logger.Info("Config file not found, using defaults", zap.String("path", l.path))
	case err != nil:
		return fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(config)

	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", l.path, err)
	}

	l.mu.Lock()
	l.config = config
	l.mu.Unlock()

	l.logger.Info("Config loaded successfully",
		zap.String("path", l.path),
		zap.Bool("bridge", config.Bridge.URL != ""))
	return nil
}

func applyEnv(config *Config) {
	if v := os.Getenv(EnvBridgeURL); v != "" {
		config.Bridge.URL = v
	}
	if v := os.Getenv(EnvBridgeToken); v != "" {
		config.Bridge.Token = v
	}
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Watch reloads the file whenever it changes until ctx is done. onChange
// receives each successfully reloaded configuration; failed reloads keep the
// previous one.
func (l *Loader) Watch(ctx context.Context, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	// Watch the directory so editors replacing the file are seen.
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(l.path)
	l.logger.Info("Watching config", zap.String("path", target))

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				l.logger.Info("Stopping config watcher")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}

				l.logger.Info("Config changed, reloading", zap.String("op", event.Op.String()))
				if err := l.Load(); err != nil {
					l.logger.Error("Failed to reload config", zap.Error(err))
					continue
				}
				if onChange != nil {
					onChange(l.Config())
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("Config watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}
