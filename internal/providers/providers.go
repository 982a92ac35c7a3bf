// Package providers builds the set of data providers enabled by the daemon
// configuration.
package providers

import (
	"log/slog"

	"github.com/jmylchreest/widgetinfo/internal/config"
	"github.com/jmylchreest/widgetinfo/internal/provider"
	"github.com/jmylchreest/widgetinfo/internal/providers/applications"
	"github.com/jmylchreest/widgetinfo/internal/providers/fixtures"
	"github.com/jmylchreest/widgetinfo/internal/providers/resources"
	"github.com/jmylchreest/widgetinfo/internal/providers/system"
)

// Build returns new, uninitialised providers for every provider enabled in
// cfg. Fixture files that fail to load are logged and skipped. When a
// fixture names a namespace that a native provider already serves, the
// native provider wins.
func Build(cfg *config.DaemonConfig, st system.Summariser, logger *slog.Logger) []provider.Provider {
	if logger == nil {
		logger = slog.Default()
	}

	var out []provider.Provider
	taken := make(map[provider.Namespace]bool)
	add := func(p provider.Provider) {
		if taken[p.Namespace()] {
			logger.Warn("namespace already provided, skipping", "namespace", p.Namespace())
			return
		}
		taken[p.Namespace()] = true
		out = append(out, p)
	}

	if cfg.ProviderEnabled(config.ProviderSystem) {
		add(system.New(st, logger))
	}
	if cfg.ProviderEnabled(config.ProviderResources) {
		add(resources.New(cfg.Providers.Resources.Interval.Duration(), logger))
	}
	if cfg.ProviderEnabled(config.ProviderApplications) {
		add(applications.New(cfg.ApplicationDirs(),
			applications.CommandLauncher(cfg.Providers.Applications.Launcher), logger))
	}
	if cfg.ProviderEnabled(config.ProviderFixtures) {
		loaded, err := fixtures.Load(cfg.FixtureFiles(), logger)
		if err != nil {
			logger.Warn("some fixtures were not loaded", "error", err)
		}
		for _, p := range loaded {
			add(p)
		}
	}
	return out
}
