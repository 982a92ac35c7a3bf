package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/widgetinfo/internal/config"
	"github.com/jmylchreest/widgetinfo/internal/provider"
	"github.com/jmylchreest/widgetinfo/internal/state"
)

func newTestDaemon(t *testing.T, cfg *config.DaemonConfig) *Daemon {
	t.Helper()
	ctx := context.Background()

	d := New(cfg, "", nil)
	d.state = state.NewManager(ctx, nil, nil, nil)
	d.listener = NewListener(d.registry, d.state, nil)
	require.NoError(t, d.listener.Start(ctx))
	t.Cleanup(func() {
		d.listener.Stop()
		d.registry.Close()
	})
	return d
}

func TestReloadAppliesProviderSet(t *testing.T) {
	dir := t.TempDir()
	fixture := filepath.Join(dir, "weather.jsonc")
	require.NoError(t, os.WriteFile(fixture, []byte(`{"namespace": "weather", "dynamic": {"temp": 20}}`), 0644))

	cfg := config.DefaultDaemonConfig()
	cfg.Providers.Enabled = []string{config.ProviderResources}
	cfg.Providers.Resources.Interval = config.Duration(time.Hour)

	d := newTestDaemon(t, cfg)
	ctx := context.Background()
	d.applyProviders(ctx, cfg)
	assert.Equal(t, []provider.Namespace{provider.Resources}, d.registry.Namespaces())

	before, err := d.registry.Resolve(provider.Resources)
	require.NoError(t, err)

	// The resources provider is kept and fixtures appear.
	next := config.DefaultDaemonConfig()
	next.Providers.Enabled = []string{config.ProviderResources, config.ProviderFixtures}
	next.Providers.Resources.Interval = config.Duration(time.Hour)
	next.Providers.Fixtures.Files = []string{fixture}
	next.Registry.CallTimeout = config.Duration(time.Second)
	d.Reload(ctx, next)

	assert.Equal(t, []provider.Namespace{provider.Resources, provider.Weather}, d.registry.Namespaces())
	after, err := d.registry.Resolve(provider.Resources)
	require.NoError(t, err)
	assert.Same(t, before, after)

	// Fixture edits are picked up on the next reload.
	require.NoError(t, os.WriteFile(fixture, []byte(`{"namespace": "weather", "dynamic": {"temp": 25}}`), 0644))
	d.Reload(ctx, next)

	data, err := d.registry.Snapshot(provider.Weather)
	require.NoError(t, err)
	assert.Equal(t, int64(25), data.Dynamic["temp"])

	// Disabling removes the namespace.
	d.Reload(ctx, cfg)
	assert.Equal(t, []provider.Namespace{provider.Resources}, d.registry.Namespaces())
}

func TestReloadTogglesDeviceState(t *testing.T) {
	cfg := config.DefaultDaemonConfig()
	cfg.Providers.Enabled = nil
	d := newTestDaemon(t, cfg)

	next := config.DefaultDaemonConfig()
	next.Providers.Enabled = nil
	next.State.DeviceStateCapability = false
	d.Reload(context.Background(), next)

	assert.False(t, d.listener.DeviceStateEnabled())
}
