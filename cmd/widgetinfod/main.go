// Package main is the entry point for the widgetinfod data daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/jmylchreest/widgetinfo/internal/config"
	"github.com/jmylchreest/widgetinfo/internal/daemon"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.StringP("config", "c", "", "Path to config file (default: ~/.config/widgetinfo/widgetinfod.toml)")
	verbose := flag.BoolP("verbose", "v", false, "Enable debug logging")
	transport := flag.String("transport", "", "Override the transport (dbus, socket, both)")
	initConfig := flag.Bool("init-config", false, "Write the default config file and exit")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("widgetinfod %s (commit: %s)\n", version, commit)
		return
	}

	path := *configPath
	if path == "" {
		p, err := config.DaemonConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		path = p
	}

	if *initConfig {
		if err := config.SaveDaemonConfig(path, config.DefaultDaemonConfig()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("wrote", path)
		return
	}

	cfg, err := config.LoadDaemonConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *transport != "" {
		cfg.Transport.Kind = *transport
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	// Validated by LoadDaemonConfig.
	level, _ := config.ParseLogLevel(cfg.Log.Level)
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting widgetinfod", "version", version, "config", path)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := daemon.New(cfg, path, logger)
	d.SetVersion(version)
	if err := d.Run(ctx); err != nil {
		logger.Error("widgetinfod failed", "error", err)
		os.Exit(1)
	}
}
