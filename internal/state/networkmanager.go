package state

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	nmDest  = "org.freedesktop.NetworkManager"
	nmPath  = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmIface = "org.freedesktop.NetworkManager"
)

// NetworkManager NMState values.
const (
	NMStateUnknown         uint32 = 0
	NMStateAsleep          uint32 = 10
	NMStateDisconnected    uint32 = 20
	NMStateDisconnecting   uint32 = 30
	NMStateConnecting      uint32 = 40
	NMStateConnectedLocal  uint32 = 50
	NMStateConnectedSite   uint32 = 60
	NMStateConnectedGlobal uint32 = 70
)

// NetworkReachable maps an NMState to reachability. Only full connectivity
// counts.
func NetworkReachable(nmState uint32) bool {
	return nmState >= NMStateConnectedGlobal
}

// NetworkManagerSource reports connectivity from NetworkManager's global
// State property and StateChanged signal.
type NetworkManagerSource struct {
	bus     systemBus
	watcher *signalWatcher
	logger  *slog.Logger
}

// NewNetworkManagerSource creates a source on the system bus.
func NewNetworkManagerSource(logger *slog.Logger) *NetworkManagerSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkManagerSource{
		logger: logger,
		watcher: &signalWatcher{
			name: nmIface + ".StateChanged",
			options: []dbus.MatchOption{
				dbus.WithMatchSender(nmDest),
				dbus.WithMatchInterface(nmIface),
				dbus.WithMatchMember("StateChanged"),
			},
			logger: logger,
		},
	}
}

// Sample reads NetworkManager's State property.
func (s *NetworkManagerSource) Sample(_ context.Context) (bool, error) {
	conn, err := s.bus.get()
	if err != nil {
		return false, err
	}
	v, err := conn.Object(nmDest, nmPath).GetProperty(nmIface + ".State")
	if err != nil {
		return false, fmt.Errorf("failed to read NetworkManager state: %w", err)
	}
	st, ok := v.Value().(uint32)
	if !ok {
		return false, fmt.Errorf("unexpected NetworkManager state type %s", v.Signature())
	}
	return NetworkReachable(st), nil
}

// Start subscribes to StateChanged.
func (s *NetworkManagerSource) Start(ctx context.Context, sink Sink) error {
	conn, err := s.bus.get()
	if err != nil {
		return err
	}
	return s.watcher.start(ctx, conn, func(sig *dbus.Signal) {
		handleNetworkManagerSignal(sink, sig, s.logger)
	})
}

// Stop unsubscribes and closes the bus connection.
func (s *NetworkManagerSource) Stop() {
	s.watcher.stop()
	s.bus.close()
}

func handleNetworkManagerSignal(sink Sink, sig *dbus.Signal, logger *slog.Logger) {
	if sig.Name != nmIface+".StateChanged" {
		return
	}
	if len(sig.Body) < 1 {
		logger.Warn("malformed StateChanged signal", "body_len", len(sig.Body))
		return
	}
	st, ok := sig.Body[0].(uint32)
	if !ok {
		logger.Warn("invalid StateChanged argument type")
		return
	}
	logger.Debug("NetworkManager state changed", "state", st)
	sink.SetNetworkReachable(NetworkReachable(st))
}
