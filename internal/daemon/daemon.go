package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jmylchreest/widgetinfo/internal/config"
	"github.com/jmylchreest/widgetinfo/internal/dbus"
	"github.com/jmylchreest/widgetinfo/internal/provider"
	"github.com/jmylchreest/widgetinfo/internal/providers"
	"github.com/jmylchreest/widgetinfo/internal/providers/fixtures"
	"github.com/jmylchreest/widgetinfo/internal/registry"
	"github.com/jmylchreest/widgetinfo/internal/state"
	"github.com/jmylchreest/widgetinfo/internal/transport/socket"
)

// Daemon owns one registry, state manager and listener for the process and
// exposes them over the configured transports.
type Daemon struct {
	logger     *slog.Logger
	configPath string
	version    string

	mu       sync.Mutex
	cfg      *config.DaemonConfig
	registry *registry.Registry
	state    *state.Manager
	listener *Listener
	sources  []state.Source
	dbus     *dbus.Server
	detach   []func()
	watcher  *ConfigWatcher

	cancel     context.CancelFunc
	socketDone chan error
}

// New creates a daemon for cfg. configPath is watched for changes; an empty
// path disables hot reload.
func New(cfg *config.DaemonConfig, configPath string, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		logger:     logger,
		configPath: configPath,
		version:    "dev",
		cfg:        cfg,
		registry:   registry.New(logger.With("component", "registry")),
	}
}

// SetVersion sets the version reported over D-Bus.
func (d *Daemon) SetVersion(v string) {
	d.version = v
}

// Registry returns the provider registry.
func (d *Daemon) Registry() *registry.Registry {
	return d.registry
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	if err := d.start(ctx); err != nil {
		d.shutdown()
		return err
	}

	d.logger.Info("widgetinfod ready",
		"transport", d.cfg.Transport.Kind,
		"namespaces", d.registry.Namespaces(),
	)

	var err error
	select {
	case <-ctx.Done():
	case err = <-d.socketDone:
		d.socketDone = nil
		if err != nil {
			err = fmt.Errorf("socket server failed: %w", err)
		}
	}

	d.shutdown()
	return err
}

func (d *Daemon) start(ctx context.Context) error {
	cfg := d.cfg
	d.registry.SetTimeouts(cfg.Registry.CallTimeout.Duration(), cfg.Registry.HookTimeout.Duration())

	// State manager, sampled from the same sources that feed it.
	var sleepSampler, netSampler state.Sampler
	if cfg.State.WatchSleep {
		s := state.NewLogindSource(d.logger.With("source", "logind"))
		sleepSampler = s
		d.sources = append(d.sources, s)
	}
	if cfg.State.WatchNetwork {
		s := state.NewNetworkManagerSource(d.logger.With("source", "networkmanager"))
		netSampler = s
		d.sources = append(d.sources, s)
	}
	d.sources = append(d.sources, state.NewClockSource(
		cfg.State.ClockInterval.Duration(),
		cfg.State.TimeJumpThreshold.Duration(),
		d.logger.With("source", "clock"),
	))
	d.state = state.NewManager(ctx, sleepSampler, netSampler, d.logger.With("component", "state"))

	// The listener must publish before providers register.
	d.listener = NewListener(d.registry, d.state, d.logger.With("component", "listener"))
	d.listener.SetDeviceStateEnabled(cfg.State.DeviceStateCapability)
	if err := d.listener.Start(ctx); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	d.applyProviders(ctx, cfg)

	for _, src := range d.sources {
		if err := src.Start(ctx, d.state); err != nil {
			// Missing logind or NetworkManager is not fatal.
			d.logger.Warn("state source unavailable", "source", fmt.Sprintf("%T", src), "error", err)
		}
	}

	if err := d.startTransports(ctx, cfg); err != nil {
		return err
	}

	if d.configPath != "" {
		d.watcher = NewConfigWatcher(d.configPath, d.logger.With("component", "config"))
		d.watcher.SetReloadCallback(func(newCfg *config.DaemonConfig) {
			d.Reload(ctx, newCfg)
		})
		if err := d.watcher.Start(ctx, cfg); err != nil {
			d.logger.Warn("config hot reload disabled", "error", err)
			d.watcher = nil
		}
	}
	return nil
}

func (d *Daemon) startTransports(ctx context.Context, cfg *config.DaemonConfig) error {
	kind := cfg.Transport.Kind

	if kind == config.TransportDBus || kind == config.TransportBoth {
		srv := dbus.NewServer(d.listener, d.logger.With("transport", "dbus"))
		info := dbus.DefaultServerInfo()
		info.Version = d.version
		srv.SetServerInfo(info)
		srv.SetDeviceStateEnabled(cfg.State.DeviceStateCapability)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start D-Bus server: %w", err)
		}
		d.dbus = srv
		d.detach = append(d.detach, d.listener.Attach(srv))
	}

	if kind == config.TransportSocket || kind == config.TransportBoth {
		srv := socket.NewServer(cfg.SocketPath(), d.listener, d.logger.With("transport", "socket"))
		d.detach = append(d.detach, d.listener.Attach(srv))
		d.socketDone = make(chan error, 1)
		go func() {
			d.socketDone <- srv.Serve(ctx)
		}()
	}
	return nil
}

// Reload applies a new configuration: timeouts, the device state
// capability and the provider set. Transport changes need a restart.
func (d *Daemon) Reload(ctx context.Context, newCfg *config.DaemonConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()

	old := d.cfg
	d.cfg = newCfg

	d.registry.SetTimeouts(newCfg.Registry.CallTimeout.Duration(), newCfg.Registry.HookTimeout.Duration())

	if newCfg.State.DeviceStateCapability != old.State.DeviceStateCapability {
		d.listener.SetDeviceStateEnabled(newCfg.State.DeviceStateCapability)
		if d.dbus != nil {
			// The exported method set changes, so re-export.
			_ = d.dbus.Stop()
			d.dbus.SetDeviceStateEnabled(newCfg.State.DeviceStateCapability)
			if err := d.dbus.Start(ctx); err != nil {
				d.logger.Error("failed to restart D-Bus server", "error", err)
			}
		}
		d.logger.Info("device state capability changed", "enabled", newCfg.State.DeviceStateCapability)
	}

	if newCfg.Transport.Kind != old.Transport.Kind || newCfg.SocketPath() != old.SocketPath() {
		d.logger.Warn("transport settings changed; restart widgetinfod to apply")
	}

	d.applyProviders(ctx, newCfg)
}

// applyProviders registers the providers cfg enables and deregisters the
// rest. Providers already registered are kept, except fixtures, which are
// replaced so that edits to fixture files take effect.
func (d *Daemon) applyProviders(ctx context.Context, cfg *config.DaemonConfig) {
	wanted := make(map[provider.Namespace]bool)
	current := make(map[provider.Namespace]bool)
	for _, ns := range d.registry.Namespaces() {
		current[ns] = true
	}

	for _, p := range providers.Build(cfg, d.state, d.logger) {
		ns := p.Namespace()
		wanted[ns] = true

		_, isFixture := p.(*fixtures.Provider)
		if current[ns] && !isFixture {
			if c, ok := p.(io.Closer); ok {
				_ = c.Close()
			}
			continue
		}
		if err := d.registry.Register(ctx, p); err != nil {
			d.logger.Error("failed to register provider", "namespace", ns, "error", err)
		}
	}

	for ns := range current {
		if !wanted[ns] {
			d.registry.Deregister(ns)
		}
	}
}

func (d *Daemon) shutdown() {
	d.cancel()

	if d.watcher != nil {
		d.watcher.Stop()
	}
	for _, detach := range d.detach {
		detach()
	}
	if d.dbus != nil {
		_ = d.dbus.Stop()
	}
	if d.socketDone != nil {
		// Serve returns once its context is cancelled.
		<-d.socketDone
	}
	for _, src := range d.sources {
		src.Stop()
	}
	if d.listener != nil {
		d.listener.Stop()
	}
	d.registry.Close()
	d.logger.Info("widgetinfod stopped")
}
