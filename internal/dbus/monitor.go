package dbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

// NameWatcher passively observes ownership of a bus name through the bus
// daemon's NameOwnerChanged signal. Clients use it to notice the daemon
// exiting or being replaced.
type NameWatcher struct {
	conn   *dbus.Conn
	name   string
	logger *slog.Logger

	options []dbus.MatchOption
}

// NewNameWatcher creates a watcher for name on conn.
func NewNameWatcher(conn *dbus.Conn, name string, logger *slog.Logger) *NameWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NameWatcher{
		conn:   conn,
		name:   name,
		logger: logger,
		options: []dbus.MatchOption{
			dbus.WithMatchSender("org.freedesktop.DBus"),
			dbus.WithMatchInterface("org.freedesktop.DBus"),
			dbus.WithMatchMember("NameOwnerChanged"),
			dbus.WithMatchArg(0, name),
		},
	}
}

// Start adds the match rule. Matching signals arrive on whatever channel
// the caller registered with conn.Signal.
func (w *NameWatcher) Start(ctx context.Context) error {
	if err := w.conn.AddMatchSignalContext(ctx, w.options...); err != nil {
		return fmt.Errorf("failed to watch owner of %s: %w", w.name, err)
	}
	w.logger.Debug("watching bus name owner", "name", w.name)
	return nil
}

// Stop removes the match rule.
func (w *NameWatcher) Stop() error {
	return w.conn.RemoveMatchSignal(w.options...)
}

// CurrentOwner returns the unique name owning the watched name.
func (w *NameWatcher) CurrentOwner(ctx context.Context) (string, error) {
	var owner string
	err := w.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.GetNameOwner", 0, w.name).Store(&owner)
	if err != nil {
		return "", err
	}
	return owner, nil
}

// Match reports whether sig is an ownership change of the watched name and,
// if so, the new owner ("" when the name was released).
func (w *NameWatcher) Match(sig *dbus.Signal) (newOwner string, ok bool) {
	return matchNameOwnerChanged(sig, w.name)
}

// matchNameOwnerChanged parses NameOwnerChanged(name, old_owner, new_owner).
func matchNameOwnerChanged(sig *dbus.Signal, name string) (string, bool) {
	if sig == nil || sig.Name != "org.freedesktop.DBus.NameOwnerChanged" {
		return "", false
	}
	if len(sig.Body) < 3 {
		return "", false
	}
	n, ok := sig.Body[0].(string)
	if !ok || n != name {
		return "", false
	}
	newOwner, ok := sig.Body[2].(string)
	if !ok {
		return "", false
	}
	return newOwner, true
}
