package state

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	logindDest  = "org.freedesktop.login1"
	logindPath  = dbus.ObjectPath("/org/freedesktop/login1")
	logindIface = "org.freedesktop.login1.Manager"
)

// LogindSource reports sleep transitions from systemd-logind's
// PrepareForSleep signal.
type LogindSource struct {
	bus     systemBus
	watcher *signalWatcher
	logger  *slog.Logger
}

// NewLogindSource creates a source on the system bus.
func NewLogindSource(logger *slog.Logger) *LogindSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogindSource{
		logger: logger,
		watcher: &signalWatcher{
			name: logindIface + ".PrepareForSleep",
			options: []dbus.MatchOption{
				dbus.WithMatchInterface(logindIface),
				dbus.WithMatchMember("PrepareForSleep"),
				dbus.WithMatchObjectPath(logindPath),
			},
			logger: logger,
		},
	}
}

// Sample reads logind's PreparingForSleep property.
func (s *LogindSource) Sample(_ context.Context) (bool, error) {
	conn, err := s.bus.get()
	if err != nil {
		return false, err
	}
	v, err := conn.Object(logindDest, logindPath).GetProperty(logindIface + ".PreparingForSleep")
	if err != nil {
		return false, fmt.Errorf("failed to read PreparingForSleep: %w", err)
	}
	sleeping, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("unexpected PreparingForSleep type %s", v.Signature())
	}
	return sleeping, nil
}

// Start subscribes to PrepareForSleep.
func (s *LogindSource) Start(ctx context.Context, sink Sink) error {
	conn, err := s.bus.get()
	if err != nil {
		return err
	}
	return s.watcher.start(ctx, conn, func(sig *dbus.Signal) {
		handleLogindSignal(sink, sig, s.logger)
	})
}

// Stop unsubscribes and closes the bus connection.
func (s *LogindSource) Stop() {
	s.watcher.stop()
	s.bus.close()
}

// PrepareForSleep(true) is sent before suspend, PrepareForSleep(false)
// after resume.
func handleLogindSignal(sink Sink, sig *dbus.Signal, logger *slog.Logger) {
	if sig.Name != logindIface+".PrepareForSleep" {
		return
	}
	if len(sig.Body) < 1 {
		logger.Warn("malformed PrepareForSleep signal", "body_len", len(sig.Body))
		return
	}
	sleeping, ok := sig.Body[0].(bool)
	if !ok {
		logger.Warn("invalid PrepareForSleep argument type")
		return
	}
	sink.SetSleeping(sleeping)
}
