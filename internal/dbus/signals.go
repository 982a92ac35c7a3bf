package dbus

import (
	"fmt"

	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/provider"
)

// emit sends one widget-info signal.
func (s *Server) emit(member string, args ...interface{}) error {
	s.mu.RLock()
	conn, running := s.conn, s.running
	s.mu.RUnlock()

	if conn == nil || !running {
		return fmt.Errorf("not connected to D-Bus")
	}

	if err := conn.Emit(DBusPath, DBusInterface+"."+member, args...); err != nil {
		return fmt.Errorf("failed to emit %s signal: %w", member, err)
	}

	s.logger.Debug("emitted signal", "signal", member)
	return nil
}

// EmitDynamicPropertiesUpdated emits the DynamicPropertiesUpdated signal
// carrying the full dynamic snapshot of one namespace.
func (s *Server) EmitDynamicPropertiesUpdated(ns provider.Namespace, dynamic provider.Properties) error {
	payload, err := encodePayload(dynamic)
	if err != nil {
		return err
	}
	return s.emit(protocol.SignalDynamicPropertiesUpdated, string(ns), payload)
}

// EmitEvent emits the argument-less signal for a device event.
func (s *Server) EmitEvent(ev provider.Event) error {
	name := protocol.SignalForEvent(ev)
	if name == "" {
		return fmt.Errorf("no signal for event %s", ev)
	}
	return s.emit(name)
}

func (s *Server) logEmit(err error) {
	if err != nil {
		s.logger.Warn("failed to emit signal", "error", err)
	}
}

// DynamicPropertiesUpdated implements protocol.Client.
func (s *Server) DynamicPropertiesUpdated(ns provider.Namespace, dynamic provider.Properties) {
	s.logEmit(s.EmitDynamicPropertiesUpdated(ns, dynamic))
}

func (s *Server) DeviceDidEnterSleep()   { s.logEmit(s.EmitEvent(provider.EventDeviceSleep)) }
func (s *Server) DeviceDidExitSleep()    { s.logEmit(s.EmitEvent(provider.EventDeviceWake)) }
func (s *Server) NetworkConnected()      { s.logEmit(s.EmitEvent(provider.EventNetworkUp)) }
func (s *Server) NetworkDisconnected()   { s.logEmit(s.EmitEvent(provider.EventNetworkDown)) }
func (s *Server) SignificantTimeChange() { s.logEmit(s.EmitEvent(provider.EventSignificantTimeChange)) }
func (s *Server) HourChange()            { s.logEmit(s.EmitEvent(provider.EventHourChange)) }
