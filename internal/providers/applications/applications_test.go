package applications

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/provider"
)

const firefoxDesktop = `[Desktop Entry]
Version=1.0
Name=Firefox
Name[de]=Firefox Webbrowser
Exec=firefox %u
Icon=firefox
Type=Application
Terminal=false

[Desktop Action new-window]
Name=New Window
Exec=firefox --new-window
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestParseDesktopFile(t *testing.T) {
	e, err := ParseDesktopFile(strings.NewReader(firefoxDesktop))
	require.NoError(t, err)
	assert.Equal(t, "Firefox", e.Name)
	assert.Equal(t, "firefox", e.Icon)
	assert.Equal(t, "firefox %u", e.Exec)
	assert.False(t, e.Hidden)
	assert.False(t, e.Terminal)
}

func TestParseDesktopFileRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no group", "Name=x\nType=Application\n"},
		{"link entry", "[Desktop Entry]\nName=Docs\nType=Link\nURL=https://example.org\n"},
		{"no name", "[Desktop Entry]\nType=Application\nExec=true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDesktopFile(strings.NewReader(tt.content))
			assert.Error(t, err)
		})
	}
}

func TestScanPrecedenceAndHidden(t *testing.T) {
	user := filepath.Join(t.TempDir(), "user", "applications")
	system := filepath.Join(t.TempDir(), "system", "applications")

	writeFile(t, filepath.Join(system, "firefox.desktop"), firefoxDesktop)
	writeFile(t, filepath.Join(user, "firefox.desktop"), strings.Replace(firefoxDesktop, "Name=Firefox\n", "Name=My Firefox\n", 1))
	writeFile(t, filepath.Join(system, "kde", "konsole.desktop"), "[Desktop Entry]\nName=Konsole\nType=Application\nExec=konsole\n")
	writeFile(t, filepath.Join(user, "secret.desktop"), "[Desktop Entry]\nName=Secret\nType=Application\nNoDisplay=true\n")
	writeFile(t, filepath.Join(system, "secret.desktop"), "[Desktop Entry]\nName=Secret\nType=Application\n")
	writeFile(t, filepath.Join(system, "README"), "not a desktop file")

	entries, err := Scan([]string{user, system, filepath.Join(t.TempDir(), "missing")})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "kde-konsole.desktop", entries[0].ID)
	assert.True(t, entries[0].System)

	assert.Equal(t, "firefox.desktop", entries[1].ID)
	assert.Equal(t, "My Firefox", entries[1].Name)
	assert.False(t, entries[1].System)
}

func TestResolveIcon(t *testing.T) {
	icons := t.TempDir()
	pixmaps := t.TempDir()
	writeFile(t, filepath.Join(icons, "hicolor", "48x48", "apps", "firefox.png"), "png")
	writeFile(t, filepath.Join(icons, "hicolor", "scalable", "apps", "firefox.svg"), "<svg/>")
	writeFile(t, filepath.Join(pixmaps, "xterm.xpm"), "xpm")

	path, ok := ResolveIcon("firefox", []string{icons, pixmaps})
	require.True(t, ok)
	assert.Equal(t, filepath.Join(icons, "hicolor", "scalable", "apps", "firefox.svg"), path)

	path, ok = ResolveIcon("xterm", []string{icons, pixmaps})
	require.True(t, ok)
	assert.Equal(t, filepath.Join(pixmaps, "xterm.xpm"), path)

	abs := filepath.Join(pixmaps, "xterm.xpm")
	path, ok = ResolveIcon(abs, nil)
	require.True(t, ok)
	assert.Equal(t, abs, path)

	_, ok = ResolveIcon("nothing", []string{icons, pixmaps})
	assert.False(t, ok)
	_, ok = ResolveIcon("", []string{icons})
	assert.False(t, ok)
}

type recorder struct {
	mu    sync.Mutex
	snaps []provider.Properties
}

func (r *recorder) PublishDynamic(_ provider.Namespace, d provider.Properties) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, d)
}

func (r *recorder) last() provider.Properties {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return nil
	}
	return r.snaps[len(r.snaps)-1]
}

func appNames(p provider.Properties) []string {
	var names []string
	apps, _ := p["allApplications"].([]any)
	for _, a := range apps {
		names = append(names, a.(map[string]any)["name"].(string))
	}
	return names
}

func call(p *Provider, fn string, data provider.Properties) provider.Result {
	reply := provider.NewReply(provider.Applications, fn, nil)
	p.HandleMessage(context.Background(), provider.Message{
		Namespace: provider.Applications,
		Function:  fn,
		Data:      data,
	}, reply)
	return <-reply.Done()
}

func newTestProvider(t *testing.T, launcher Launcher) (*Provider, string, string, *recorder) {
	t.Helper()
	root := t.TempDir()
	apps := filepath.Join(root, "applications")
	icons := filepath.Join(root, "icons")
	writeFile(t, filepath.Join(apps, "firefox.desktop"), firefoxDesktop)
	writeFile(t, filepath.Join(icons, "hicolor", "64x64", "apps", "firefox.png"), "\x89PNG")

	p := New([]string{apps}, launcher, nil)
	rec := &recorder{}
	require.NoError(t, p.Initialise(context.Background(), rec))
	t.Cleanup(func() { _ = p.Close() })
	return p, apps, icons, rec
}

func TestProviderInitialise(t *testing.T) {
	p, apps, _, rec := newTestProvider(t, nil)

	assert.Equal(t, []string{"Firefox"}, appNames(rec.last()))
	assert.Equal(t, []string{apps}, p.CurrentData().Static["directories"])

	app := rec.last()["allApplications"].([]any)[0].(map[string]any)
	assert.Equal(t, "firefox.desktop", app["identifier"])
	assert.Equal(t, "firefox", app["icon"])
	assert.Equal(t, false, app["isSystemApplication"])
}

func TestProviderRescansOnChange(t *testing.T) {
	_, apps, _, rec := newTestProvider(t, nil)

	writeFile(t, filepath.Join(apps, "gimp.desktop"), "[Desktop Entry]\nName=GIMP\nType=Application\nExec=gimp\n")

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"Firefox", "GIMP"}, appNames(rec.last()))
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLaunchApplication(t *testing.T) {
	var launched []string
	p, _, _, _ := newTestProvider(t, func(_ context.Context, id string) error {
		launched = append(launched, id)
		return nil
	})

	res := call(p, FunctionLaunchApplication, provider.Properties{"identifier": "firefox"})
	require.NoError(t, res.Err)
	assert.Equal(t, true, res.Data["launched"])
	assert.Equal(t, []string{"firefox.desktop"}, launched)

	res = call(p, FunctionLaunchApplication, provider.Properties{"identifier": "nope.desktop"})
	assert.Error(t, res.Err)

	res = call(p, FunctionLaunchApplication, provider.Properties{})
	assert.ErrorIs(t, res.Err, protocol.ErrMalformedPayload)
}

func TestLaunchApplicationFailure(t *testing.T) {
	p, _, _, _ := newTestProvider(t, func(context.Context, string) error {
		return errors.New("exec: gtk-launch: not found")
	})

	res := call(p, FunctionLaunchApplication, provider.Properties{"identifier": "firefox.desktop"})
	assert.ErrorContains(t, res.Err, "not found")
}

func TestRequestIconData(t *testing.T) {
	p, _, icons, _ := newTestProvider(t, nil)
	p.SetIconDirs([]string{icons})

	res := call(p, FunctionRequestIconData, provider.Properties{"identifier": "firefox.desktop"})
	require.NoError(t, res.Err)
	assert.Equal(t, "firefox.desktop", res.Data["identifier"])
	assert.Equal(t, filepath.Join(icons, "hicolor", "64x64", "apps", "firefox.png"), res.Data["path"])
	assert.Equal(t, []byte("\x89PNG"), res.Data["data"])
	assert.Equal(t, "image/png", res.Data["mimeType"])
}

func TestCommandLauncher(t *testing.T) {
	err := CommandLauncher("/nonexistent/launcher")(context.Background(), "firefox.desktop")
	assert.Error(t, err)
}
