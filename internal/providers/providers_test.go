package providers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/widgetinfo/internal/config"
	"github.com/jmylchreest/widgetinfo/internal/provider"
)

func namespaces(ps []provider.Provider) []provider.Namespace {
	var out []provider.Namespace
	for _, p := range ps {
		out = append(out, p.Namespace())
	}
	return out
}

func TestBuild(t *testing.T) {
	dir := t.TempDir()
	weather := filepath.Join(dir, "weather.jsonc")
	shadow := filepath.Join(dir, "system.json")
	require.NoError(t, os.WriteFile(weather, []byte(`{"namespace": "weather", "dynamic": {"temp": 20}}`), 0644))
	require.NoError(t, os.WriteFile(shadow, []byte(`{"namespace": "system"}`), 0644))

	cfg := config.DefaultDaemonConfig()
	cfg.Providers.Applications.Dirs = []string{filepath.Join(dir, "applications")}
	cfg.Providers.Fixtures.Files = []string{weather, shadow, filepath.Join(dir, "missing.json")}

	got := Build(cfg, nil, nil)
	assert.Equal(t, []provider.Namespace{
		provider.System,
		provider.Resources,
		provider.Applications,
		provider.Weather,
	}, namespaces(got))
}

func TestBuildSubset(t *testing.T) {
	cfg := config.DefaultDaemonConfig()
	cfg.Providers.Enabled = []string{config.ProviderResources}

	assert.Equal(t, []provider.Namespace{provider.Resources}, namespaces(Build(cfg, nil, nil)))
}
