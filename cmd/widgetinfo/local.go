package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/widgetinfo/internal/config"
	"github.com/jmylchreest/widgetinfo/internal/daemon"
	"github.com/jmylchreest/widgetinfo/internal/providers"
	"github.com/jmylchreest/widgetinfo/internal/registry"
	"github.com/jmylchreest/widgetinfo/internal/state"
	"github.com/jmylchreest/widgetinfo/internal/transport"
	"github.com/jmylchreest/widgetinfo/internal/transport/simulated"
)

// localDaemon runs the providers inside the CLI process for the simulated
// transport. No platform state sources are started.
type localDaemon struct {
	logger   *slog.Logger
	registry *registry.Registry
	listener *daemon.Listener
}

func startLocalDaemon(ctx context.Context, cfg *config.DaemonConfig, logger *slog.Logger) (*localDaemon, error) {
	reg := registry.New(logger.With("component", "registry"))
	reg.SetTimeouts(cfg.Registry.CallTimeout.Duration(), cfg.Registry.HookTimeout.Duration())

	st := state.NewManager(ctx, nil, nil, logger.With("component", "state"))
	l := daemon.NewListener(reg, st, logger.With("component", "listener"))
	l.SetDeviceStateEnabled(cfg.State.DeviceStateCapability)
	if err := l.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start local listener: %w", err)
	}

	for _, p := range providers.Build(cfg, st, logger) {
		if err := reg.Register(ctx, p); err != nil {
			logger.Warn("failed to register provider", "namespace", p.Namespace(), "error", err)
		}
	}
	return &localDaemon{logger: logger, registry: reg, listener: l}, nil
}

func (d *localDaemon) dialer() transport.Dialer {
	return simulated.Dialer(d.listener, d.logger.With("transport", "simulated"))
}

func (d *localDaemon) stop() {
	d.listener.Stop()
	d.registry.Close()
}
