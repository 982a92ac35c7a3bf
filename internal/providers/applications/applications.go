// Package applications provides the "applications" namespace: the installed
// desktop applications, kept current by watching the XDG application
// directories.
package applications

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/provider"
)

// Message functions.
const (
	FunctionLaunchApplication = "launchApplication"
	FunctionRequestIconData   = "requestIconData"
)

const (
	rescanDelay  = 500 * time.Millisecond
	maxIconBytes = 1 << 20
)

// Launcher starts an application by desktop id.
type Launcher func(ctx context.Context, id string) error

// CommandLauncher returns a Launcher running command with the desktop id
// (without the .desktop suffix) as its only argument. The child is not
// waited for by the caller.
func CommandLauncher(command string) Launcher {
	return func(_ context.Context, id string) error {
		cmd := exec.Command(command, strings.TrimSuffix(id, ".desktop"))
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to run %s: %w", command, err)
		}
		go func() { _ = cmd.Wait() }()
		return nil
	}
}

// Provider serves the applications namespace.
type Provider struct {
	*provider.Base

	dirs     []string
	iconDirs []string
	launch   Launcher

	mu      sync.RWMutex
	entries map[string]Entry

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates the applications provider over dirs, highest precedence
// first. Icons are looked up in the "icons" sibling of each directory and in
// /usr/share/pixmaps.
func New(dirs []string, launcher Launcher, logger *slog.Logger) *Provider {
	iconDirs := make([]string, 0, len(dirs)+1)
	for _, d := range dirs {
		iconDirs = append(iconDirs, filepath.Join(filepath.Dir(d), "icons"))
	}
	iconDirs = append(iconDirs, "/usr/share/pixmaps")

	return &Provider{
		Base:     provider.NewBase(provider.Applications, logger),
		dirs:     dirs,
		iconDirs: iconDirs,
		launch:   launcher,
		entries:  make(map[string]Entry),
	}
}

// SetIconDirs replaces the icon search path.
func (p *Provider) SetIconDirs(dirs []string) {
	p.iconDirs = dirs
}

// Initialise scans the directories and starts watching them.
func (p *Provider) Initialise(_ context.Context, pub provider.Publisher) error {
	p.Attach(pub)

	if err := p.SetStatic(provider.Properties{"directories": append([]string(nil), p.dirs...)}); err != nil {
		return err
	}
	if err := p.Rescan(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	watched := 0
	for _, d := range p.dirs {
		if err := watcher.Add(d); err != nil {
			p.Logger().Debug("not watching application directory", "dir", d, "error", err)
			continue
		}
		watched++
	}

	p.watcher = watcher
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.watch()

	p.Logger().Info("applications loaded", "count", p.count(), "watched_dirs", watched)
	return nil
}

// Close stops watching.
func (p *Provider) Close() error {
	if p.watcher == nil {
		return nil
	}
	select {
	case <-p.stopCh:
		return nil
	default:
	}
	close(p.stopCh)
	<-p.doneCh
	return p.watcher.Close()
}

func (p *Provider) count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Rescan rereads every directory and publishes the application list.
func (p *Provider) Rescan() error {
	list, err := Scan(p.dirs)
	if err != nil {
		return err
	}

	entries := make(map[string]Entry, len(list))
	apps := make([]any, 0, len(list))
	for _, e := range list {
		entries[e.ID] = e
		apps = append(apps, map[string]any{
			"name":                e.Name,
			"identifier":          e.ID,
			"icon":                e.Icon,
			"isSystemApplication": e.System,
		})
	}

	p.mu.Lock()
	p.entries = entries
	p.mu.Unlock()

	return p.SetDynamic(provider.Properties{"allApplications": apps})
}

func (p *Provider) watch() {
	defer close(p.doneCh)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if strings.HasSuffix(event.Name, ".desktop") {
				timer.Reset(rescanDelay)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.Logger().Warn("application watcher error", "error", err)
		case <-timer.C:
			if err := p.Rescan(); err != nil {
				p.Logger().Warn("failed to rescan applications", "error", err)
			} else {
				p.Logger().Debug("applications rescanned", "count", p.count())
			}
		}
	}
}

func (p *Provider) lookup(msg provider.Message) (Entry, error) {
	id, _ := msg.Data["identifier"].(string)
	if id == "" {
		return Entry{}, protocol.Errorf(protocol.CodeMalformedPayload, msg.Namespace, "%s requires a string identifier", msg.Function)
	}
	if !strings.HasSuffix(id, ".desktop") {
		id += ".desktop"
	}

	p.mu.RLock()
	e, ok := p.entries[id]
	p.mu.RUnlock()
	if !ok {
		return Entry{}, fmt.Errorf("unknown application %q", id)
	}
	return e, nil
}

// HandleMessage supports launchApplication and requestIconData.
func (p *Provider) HandleMessage(ctx context.Context, msg provider.Message, reply *provider.Reply) {
	switch msg.Function {
	case FunctionLaunchApplication:
		e, err := p.lookup(msg)
		if err != nil {
			reply.Fail(err)
			return
		}
		if p.launch == nil {
			reply.Fail(fmt.Errorf("no launcher configured"))
			return
		}
		if err := p.launch(ctx, e.ID); err != nil {
			reply.Fail(err)
			return
		}
		p.Logger().Info("launched application", "identifier", e.ID)
		reply.Send(provider.Properties{"identifier": e.ID, "launched": true})

	case FunctionRequestIconData:
		e, err := p.lookup(msg)
		if err != nil {
			reply.Fail(err)
			return
		}
		reply.Send(p.iconData(e))

	default:
		p.Base.HandleMessage(ctx, msg, reply)
	}
}

func (p *Provider) iconData(e Entry) provider.Properties {
	out := provider.Properties{"identifier": e.ID, "icon": e.Icon}

	path, ok := ResolveIcon(e.Icon, p.iconDirs)
	if !ok {
		return out
	}
	out["path"] = path

	info, err := os.Stat(path)
	if err != nil || info.Size() > maxIconBytes {
		return out
	}
	data, err := os.ReadFile(path)
	if err != nil {
		p.Logger().Debug("failed to read icon", "path", path, "error", err)
		return out
	}
	out["data"] = data
	out["mimeType"] = iconMIME(path)
	return out
}

func iconMIME(path string) string {
	switch filepath.Ext(path) {
	case ".svg":
		return "image/svg+xml"
	case ".png":
		return "image/png"
	default:
		return "image/x-xpixmap"
	}
}
