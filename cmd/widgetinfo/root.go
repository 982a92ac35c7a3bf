// Package main provides the widgetinfo command line client.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/widgetinfo/internal/config"
	"github.com/jmylchreest/widgetinfo/internal/dbus"
	"github.com/jmylchreest/widgetinfo/internal/output"
	"github.com/jmylchreest/widgetinfo/internal/proxy"
	"github.com/jmylchreest/widgetinfo/internal/transport"
	"github.com/jmylchreest/widgetinfo/internal/transport/socket"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

var (
	cfg        *config.DaemonConfig
	globalOpts struct {
		verbose    bool
		configPath string
		transport  string
		socketPath string
		output     string
		field      string
		template   string
		timeout    time.Duration
	}
	logger *slog.Logger

	manager *proxy.Manager
	// local is the in-process daemon behind the simulated transport.
	local *localDaemon
)

var rootCmd = &cobra.Command{
	Use:   "widgetinfo",
	Short: "Query widget data from widgetinfod",
	Long: `widgetinfo talks to the widgetinfod daemon, which owns the data providers
(system, resources, applications and fixture-backed namespaces) that desktop
widgets read from.

The transport is D-Bus by default. Use --transport socket to talk over the
unix socket, or --transport simulated to run the providers in-process.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogger()

		var err error
		cfg, err = config.LoadDaemonConfig(globalOpts.configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if _, err := output.ParseFormat(globalOpts.output); err != nil {
			return err
		}

		dialer, err := newDialer(cmd.Context())
		if err != nil {
			return err
		}
		manager = proxy.NewManager(dialer, logger.With("component", "proxy"))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeAll()
	},
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		_ = closeAll()
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&globalOpts.verbose, "verbose", "v", false,
		"Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&globalOpts.configPath, "config", "",
		"Path to config file (default: ~/.config/widgetinfo/widgetinfod.toml)")
	rootCmd.PersistentFlags().StringVar(&globalOpts.transport, "transport", "",
		"Transport to use: dbus, socket or simulated (default from config)")
	rootCmd.PersistentFlags().StringVar(&globalOpts.socketPath, "socket", "",
		"Path to the daemon socket (default from config)")
	rootCmd.PersistentFlags().StringVarP(&globalOpts.output, "output", "o", config.DefaultOutput,
		"Output format: json, yaml or plain")
	rootCmd.PersistentFlags().StringVar(&globalOpts.field, "field", "",
		"Print only this dotted path, e.g. dynamic.memory.used")
	rootCmd.PersistentFlags().StringVar(&globalOpts.template, "template", "",
		"Go template for plain output")
	rootCmd.PersistentFlags().DurationVar(&globalOpts.timeout, "timeout", 10*time.Second,
		"Timeout for a single request")
}

// setupLogger configures the global slog logger.
func setupLogger() {
	level := slog.LevelWarn
	if globalOpts.verbose {
		level = slog.LevelDebug
	}

	// Log to stderr so stdout is clean for output
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// newDialer picks the transport from the flag, then the config.
func newDialer(ctx context.Context) (transport.Dialer, error) {
	kind := globalOpts.transport
	if kind == "" {
		kind = cfg.Transport.Client
	}

	switch kind {
	case config.TransportDBus:
		return dbus.Dialer(logger.With("transport", "dbus")), nil
	case config.TransportSocket:
		path := globalOpts.socketPath
		if path == "" {
			path = cfg.SocketPath()
		}
		return socket.Dialer(path, logger.With("transport", "socket")), nil
	case config.TransportSimulated:
		if ctx == nil {
			ctx = context.Background()
		}
		d, err := startLocalDaemon(ctx, cfg, logger.With("component", "local"))
		if err != nil {
			return nil, err
		}
		local = d
		return d.dialer(), nil
	default:
		return nil, fmt.Errorf("invalid transport %q, must be one of: dbus, socket, simulated", kind)
	}
}

func closeAll() error {
	var err error
	if manager != nil {
		err = manager.Close()
		manager = nil
	}
	if local != nil {
		local.stop()
		local = nil
	}
	return err
}

// requestContext bounds a single request by --timeout.
func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, globalOpts.timeout)
}
