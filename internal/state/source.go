package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Sink receives platform observations. *Manager implements it.
type Sink interface {
	SetSleeping(sleeping bool) bool
	SetNetworkReachable(reachable bool) bool
	NoteSignificantTimeChange()
	NoteHourChange()
}

// Source watches one platform notification stream and feeds a Sink.
type Source interface {
	Start(ctx context.Context, sink Sink) error
	Stop()
}

// systemBus lazily opens a private system bus connection shared by a
// source's Sample and Start.
type systemBus struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func (b *systemBus) get() (*dbus.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil && b.conn.Connected() {
		return b.conn, nil
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	b.conn = conn
	return conn, nil
}

func (b *systemBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}

// signalWatcher subscribes to one D-Bus signal and hands each delivery to
// handle on its own goroutine.
type signalWatcher struct {
	name    string
	options []dbus.MatchOption
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	conn    *dbus.Conn
	ch      chan *dbus.Signal
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func (w *signalWatcher) start(ctx context.Context, conn *dbus.Conn, handle func(*dbus.Signal)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := conn.AddMatchSignalContext(ctx, w.options...); err != nil {
		return fmt.Errorf("failed to add match rule for %s: %w", w.name, err)
	}

	w.conn = conn
	w.ch = make(chan *dbus.Signal, 16)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true
	conn.Signal(w.ch)

	go w.loop(ctx, handle)

	w.logger.Debug("signal watcher started", "signal", w.name)
	return nil
}

func (w *signalWatcher) loop(ctx context.Context, handle func(*dbus.Signal)) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case sig, ok := <-w.ch:
			if !ok {
				return
			}
			if sig != nil {
				handle(sig)
			}
		}
	}
}

func (w *signalWatcher) stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.conn.RemoveSignal(w.ch)
	if err := w.conn.RemoveMatchSignal(w.options...); err != nil {
		w.logger.Debug("failed to remove match rule", "signal", w.name, "error", err)
	}
	close(w.stopCh)
	w.mu.Unlock()

	<-w.doneCh
	w.logger.Debug("signal watcher stopped", "signal", w.name)
}
