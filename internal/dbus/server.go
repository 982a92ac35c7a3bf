package dbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/provider"
)

// Server exports the widget-info interface on the session bus and forwards
// calls to a protocol.Daemon. It implements protocol.Client by emitting
// signals, so it can be attached to the daemon listener.
type Server struct {
	conn   *dbus.Conn
	daemon protocol.Daemon
	logger *slog.Logger

	mu          sync.RWMutex
	serverInfo  ServerInfo
	deviceState bool
	running     bool
	cancel      context.CancelFunc
}

var _ protocol.Client = (*Server)(nil)

// NewServer creates a Server answering from daemon.
func NewServer(daemon protocol.Daemon, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		daemon:      daemon,
		logger:      logger,
		serverInfo:  DefaultServerInfo(),
		deviceState: true,
	}
}

// SetServerInfo sets the information returned by GetServerInformation.
func (s *Server) SetServerInfo(info ServerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverInfo = info
}

// SetDeviceStateEnabled controls whether RequestCurrentDeviceState is
// exported. It takes effect on the next Start.
func (s *Server) SetDeviceStateEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceState = enabled
}

// Start connects to the session bus, exports the interface and claims the
// bus name. Calls are served with contexts derived from ctx.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	withState := s.deviceState
	info := s.serverInfo
	s.mu.Unlock()

	conn, err := dbus.SessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}

	callCtx, cancel := context.WithCancel(ctx)
	m := &methods{ctx: callCtx, daemon: s.daemon, info: info, logger: s.logger}

	// The device state method only exists when the capability is enabled;
	// clients see UnknownMethod otherwise.
	var exported any = m
	if withState {
		exported = &stateMethods{methods: m}
	}
	if err := conn.Export(exported, DBusPath, DBusInterface); err != nil {
		cancel()
		return fmt.Errorf("failed to export object: %w", err)
	}

	// Export introspection data
	node := &introspect.Node{
		Name: string(DBusPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    DBusInterface,
				Methods: widgetInfoMethods(withState),
				Signals: widgetInfoSignals(),
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), DBusPath,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		cancel()
		return fmt.Errorf("failed to export introspectable: %w", err)
	}

	// Request the bus name
	reply, err := conn.RequestName(DBusBusName, dbus.NameFlagDoNotQueue|dbus.NameFlagReplaceExisting)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		cancel()
		return fmt.Errorf("bus name %s already taken", DBusBusName)
	}

	s.mu.Lock()
	s.conn = conn
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("D-Bus widget-info server started",
		"interface", DBusInterface,
		"path", DBusPath,
		"device_state", withState,
	)
	return nil
}

// Stop releases the bus name and unexports the interface.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	s.cancel()

	if s.conn != nil {
		if _, err := s.conn.ReleaseName(DBusBusName); err != nil {
			s.logger.Warn("failed to release bus name", "error", err)
		}
		_ = s.conn.Export(nil, DBusPath, DBusInterface)
		_ = s.conn.Export(nil, DBusPath, "org.freedesktop.DBus.Introspectable")
		// Don't close the connection as it's shared (SessionBus)
	}

	s.logger.Info("D-Bus widget-info server stopped")
	return nil
}

// methods holds the exported D-Bus methods. It is kept apart from Server so
// that only protocol methods appear on the bus.
type methods struct {
	ctx    context.Context
	daemon protocol.Daemon
	info   ServerInfo
	logger *slog.Logger
}

// stateMethods adds the optional device state method.
type stateMethods struct {
	*methods
}

// DeliverWidgetMessage routes a widget message to its provider. Errors are
// carried inside the returned payload.
// D-Bus method: DeliverWidgetMessage(ssay) -> ay
func (m *methods) DeliverWidgetMessage(namespace, function string, payload []byte) ([]byte, *dbus.Error) {
	ns := provider.Namespace(namespace)
	m.logger.Debug("DeliverWidgetMessage called", "namespace", namespace, "function", function)

	data, err := decodePayload(payload)
	if err != nil {
		return m.reply(nil, protocol.AsError(err, ns))
	}

	result, err := m.daemon.DeliverWidgetMessage(m.ctx, provider.Message{
		Namespace: ns,
		Function:  function,
		Data:      provider.Properties(data),
	})
	return m.reply(result, err)
}

// RequestCurrentProperties returns a namespace snapshot.
// D-Bus method: RequestCurrentProperties(s) -> ay
func (m *methods) RequestCurrentProperties(namespace string) ([]byte, *dbus.Error) {
	m.logger.Debug("RequestCurrentProperties called", "namespace", namespace)

	d, err := m.daemon.RequestCurrentProperties(m.ctx, provider.Namespace(namespace))
	if err != nil {
		return m.reply(nil, err)
	}
	return m.reply(d.ToMap(), nil)
}

// GetServerInformation returns information about the daemon.
// D-Bus method: GetServerInformation() -> (ssss)
func (m *methods) GetServerInformation() (string, string, string, string, *dbus.Error) {
	return m.info.Name, m.info.Vendor, m.info.Version, m.info.ProtocolVersion, nil
}

// RequestCurrentDeviceState returns the sleep and network state.
// D-Bus method: RequestCurrentDeviceState() -> (bb)
func (m *stateMethods) RequestCurrentDeviceState() (bool, bool, *dbus.Error) {
	st, err := m.daemon.RequestCurrentDeviceState(m.ctx)
	if err != nil {
		return false, false, toDBusError(err)
	}
	return st.Sleep, st.Network, nil
}

func (m *methods) reply(data map[string]any, err error) ([]byte, *dbus.Error) {
	if err != nil {
		m.logger.Debug("call failed", "error", err)
	}
	out, encErr := encodePayload(protocol.ResultPayload(data, err))
	if encErr != nil {
		return nil, toDBusError(protocol.NewError(protocol.CodeMalformedPayload, "", encErr))
	}
	return out, nil
}

// widgetInfoMethods returns the D-Bus method introspection data.
func widgetInfoMethods(withState bool) []introspect.Method {
	out := []introspect.Method{
		{
			Name: "DeliverWidgetMessage",
			Args: []introspect.Arg{
				{Name: "namespace", Type: "s", Direction: "in"},
				{Name: "function", Type: "s", Direction: "in"},
				{Name: "payload", Type: "ay", Direction: "in"},
				{Name: "result", Type: "ay", Direction: "out"},
			},
		},
		{
			Name: "RequestCurrentProperties",
			Args: []introspect.Arg{
				{Name: "namespace", Type: "s", Direction: "in"},
				{Name: "data", Type: "ay", Direction: "out"},
			},
		},
		{
			Name: "GetServerInformation",
			Args: []introspect.Arg{
				{Name: "name", Type: "s", Direction: "out"},
				{Name: "vendor", Type: "s", Direction: "out"},
				{Name: "version", Type: "s", Direction: "out"},
				{Name: "protocol_version", Type: "s", Direction: "out"},
			},
		},
	}
	if withState {
		out = append(out, introspect.Method{
			Name: "RequestCurrentDeviceState",
			Args: []introspect.Arg{
				{Name: "sleep", Type: "b", Direction: "out"},
				{Name: "network", Type: "b", Direction: "out"},
			},
		})
	}
	return out
}

// widgetInfoSignals returns the D-Bus signal introspection data.
func widgetInfoSignals() []introspect.Signal {
	return []introspect.Signal{
		{
			Name: protocol.SignalDynamicPropertiesUpdated,
			Args: []introspect.Arg{
				{Name: "namespace", Type: "s"},
				{Name: "dynamic", Type: "ay"},
			},
		},
		{Name: protocol.SignalDeviceDidEnterSleep},
		{Name: protocol.SignalDeviceDidExitSleep},
		{Name: protocol.SignalNetworkConnected},
		{Name: protocol.SignalNetworkDisconnected},
		{Name: protocol.SignalSignificantTimeChange},
		{Name: protocol.SignalHourChange},
	}
}
