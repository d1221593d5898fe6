package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"automationshim/internal/api"
	"automationshim/internal/config"
	"automationshim/internal/demo"
	"automationshim/internal/host"
	"automationshim/internal/hostbridge"
	"automationshim/internal/scripting"
	"automationshim/internal/traceback"
	"automationshim/pkg/interop"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

// errReported marks failures whose traceback was already rendered.
var errReported = errors.New("reported")

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

type options struct {
	configPath string
	demo       bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "shim",
		Short:         "Resolve scripting API imports against an automation host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to the YAML config (default $SHIM_CONFIG or shim.yaml)")
	cmd.PersistentFlags().BoolVar(&opts.demo, "demo", false, "Use the in-process demo host instead of the bridge")

	cmd.AddCommand(newImportCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

func newImportCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import <module> [names...]",
		Short: "Import a module through the hook and list its exports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(opts)
			if err != nil {
				return err
			}
			defer env.close()

			sc, err := env.scripts.Open("cli")
			if err != nil {
				return err
			}

			err = sc.Run(func(sc *scripting.Context) error {
				mod, err := sc.Import(args[0], args[1:]...)
				if err != nil {
					return err
				}
				return printModule(cmd.OutOrStdout(), mod)
			})
			if err != nil {
				// The exception hook already rendered it.
				return errReported
			}
			return nil
		},
	}
}

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Stay connected to the bridge, tracking script unloads and config changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(opts)
			if err != nil {
				return err
			}
			defer env.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := env.loader.Watch(ctx, func(c *config.Config) {
				// Loaded scripts keep their namespaces; scripts opened later use the new ones.
				env.scripts.SetOptions(c.Imports.Options())
			}); err != nil {
				env.logger.Warn("Config watching disabled", zap.Error(err))
			}

			if port := env.loader.Config().API.Port; port > 0 {
				var connected func() bool
				if env.bridge != nil {
					connected = env.bridge.IsConnected
				}
				server := api.NewServer(env.scripts, connected, env.logger, port)
				if err := server.Start(); err != nil {
					return fmt.Errorf("failed to start API server: %w", err)
				}
				defer func() {
					if err := server.Stop(); err != nil {
						env.logger.Error("Error stopping API server", zap.Error(err))
					}
				}()
			}

			env.logger.Info("Shim running. Press Ctrl+C to exit.")
			<-ctx.Done()
			env.logger.Info("Shutting down gracefully...")
			return nil
		},
	}
}

type environment struct {
	logger  *zap.Logger
	loader  *config.Loader
	bridge  *hostbridge.Client
	scripts *scripting.Manager
}

func (e *environment) close() {
	e.scripts.CloseAll()
	if e.bridge != nil {
		e.bridge.Disconnect()
	}
	e.logger.Sync()
}

func setup(opts *options) (*environment, error) {
	// Load environment variables before the config reads them
	envErr := godotenv.Load()

	loader := config.NewLoader(opts.configPath, zap.NewNop())
	if err := loader.Load(); err != nil {
		return nil, err
	}
	cfg := loader.Config()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	loader.SetLogger(logger)
	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	hook := traceback.NewHook(os.Stderr, logger)
	hook.SetColor(cfg.Traceback.Color)
	traceback.Install(hook)

	env := &environment{logger: logger, loader: loader}

	var (
		proxyFor func(*scripting.Context) interop.ImportProxy
		lookup   interop.TypeLookup
		rt       *host.Runtime
	)

	switch {
	case opts.demo:
		rt = host.NewRuntime(logger)
		demoHost := demo.NewHost(rt)
		proxyFor = func(c *scripting.Context) interop.ImportProxy {
			return demoHost.ImportProxy(c.Options())
		}
		logger.Info("Using the in-process demo host")

	case cfg.Bridge.URL == "":
		return nil, fmt.Errorf("no bridge configured: set bridge.url, %s, or pass --demo", config.EnvBridgeURL)

	default:
		client := hostbridge.NewClient(cfg.Bridge.URL, cfg.Bridge.Token, logger)
		if cfg.Bridge.RequestTimeout > 0 {
			client.SetRequestTimeout(cfg.Bridge.RequestTimeout)
		}
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to bridge: %w", err)
		}
		env.bridge = client
		proxy := client.ImportProxy()
		proxyFor = func(*scripting.Context) interop.ImportProxy { return proxy }
		lookup = client
	}

	env.scripts = scripting.NewManager(scripting.Config{
		Runtime: rt,
		Lookup:  lookup,
		Options: cfg.Imports.Options(),
		Logger:  logger,
	}, func(c *scripting.Context) error {
		c.InstallExceptionHook(hook)
		return c.InstallImportHook(proxyFor(c))
	})

	if env.bridge != nil {
		env.bridge.OnScriptUnloaded(env.scripts.Unload)
	}
	return env, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = lvl
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

func printModule(w io.Writer, mod interop.Module) error {
	for _, name := range mod.Names() {
		value, _ := mod.Get(name)
		if _, err := fmt.Fprintf(w, "%s = %s\n", name, api.Describe(value)); err != nil {
			return err
		}
	}
	return nil
}
