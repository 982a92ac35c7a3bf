package protocol

import (
	"context"

	"github.com/jmylchreest/widgetinfo/internal/provider"
)

// Method names shared by every transport.
const (
	MethodDeliverWidgetMessage      = "DeliverWidgetMessage"
	MethodRequestCurrentProperties  = "RequestCurrentProperties"
	MethodRequestCurrentDeviceState = "RequestCurrentDeviceState"
)

// Push names shared by every transport.
const (
	SignalDynamicPropertiesUpdated = "DynamicPropertiesUpdated"
	SignalDeviceDidEnterSleep      = "DeviceDidEnterSleep"
	SignalDeviceDidExitSleep       = "DeviceDidExitSleep"
	SignalNetworkConnected         = "NetworkConnected"
	SignalNetworkDisconnected      = "NetworkDisconnected"
	SignalSignificantTimeChange    = "SignificantTimeChange"
	SignalHourChange               = "HourChange"
)

// DeviceState is the answer to RequestCurrentDeviceState.
type DeviceState struct {
	Sleep   bool `json:"sleep" yaml:"sleep"`
	Network bool `json:"network" yaml:"network"`
}

// ToMap renders the wire shape {"sleep": bool, "network": bool}.
func (s DeviceState) ToMap() map[string]any {
	return map[string]any{"sleep": s.Sleep, "network": s.Network}
}

// Daemon is the inbound side of the protocol, implemented by the daemon
// listener and invoked by server transports.
type Daemon interface {
	DeliverWidgetMessage(ctx context.Context, msg provider.Message) (provider.Properties, error)
	RequestCurrentProperties(ctx context.Context, ns provider.Namespace) (provider.Data, error)

	// RequestCurrentDeviceState returns ErrCapabilityUnavailable when the
	// capability is disabled.
	RequestCurrentDeviceState(ctx context.Context) (DeviceState, error)
}

// Client receives unsolicited pushes from the daemon. Server transports
// implement it to broadcast to their peers; client connections invoke it on
// the local consumer.
type Client interface {
	DynamicPropertiesUpdated(ns provider.Namespace, dynamic provider.Properties)
	DeviceDidEnterSleep()
	DeviceDidExitSleep()
	NetworkConnected()
	NetworkDisconnected()
	SignificantTimeChange()
	HourChange()
}

// DeliverEvent invokes the Client method matching a device event.
func DeliverEvent(c Client, ev provider.Event) {
	switch ev {
	case provider.EventDeviceSleep:
		c.DeviceDidEnterSleep()
	case provider.EventDeviceWake:
		c.DeviceDidExitSleep()
	case provider.EventNetworkUp:
		c.NetworkConnected()
	case provider.EventNetworkDown:
		c.NetworkDisconnected()
	case provider.EventSignificantTimeChange:
		c.SignificantTimeChange()
	case provider.EventHourChange:
		c.HourChange()
	}
}

// SignalForEvent returns the push name for a device event.
func SignalForEvent(ev provider.Event) string {
	switch ev {
	case provider.EventDeviceSleep:
		return SignalDeviceDidEnterSleep
	case provider.EventDeviceWake:
		return SignalDeviceDidExitSleep
	case provider.EventNetworkUp:
		return SignalNetworkConnected
	case provider.EventNetworkDown:
		return SignalNetworkDisconnected
	case provider.EventSignificantTimeChange:
		return SignalSignificantTimeChange
	case provider.EventHourChange:
		return SignalHourChange
	default:
		return ""
	}
}

// EventForSignal is the inverse of SignalForEvent.
func EventForSignal(name string) (provider.Event, bool) {
	switch name {
	case SignalDeviceDidEnterSleep:
		return provider.EventDeviceSleep, true
	case SignalDeviceDidExitSleep:
		return provider.EventDeviceWake, true
	case SignalNetworkConnected:
		return provider.EventNetworkUp, true
	case SignalNetworkDisconnected:
		return provider.EventNetworkDown, true
	case SignalSignificantTimeChange:
		return provider.EventSignificantTimeChange, true
	case SignalHourChange:
		return provider.EventHourChange, true
	default:
		return 0, false
	}
}

// NopClient ignores every push.
type NopClient struct{}

func (NopClient) DynamicPropertiesUpdated(provider.Namespace, provider.Properties) {}
func (NopClient) DeviceDidEnterSleep()                                             {}
func (NopClient) DeviceDidExitSleep()                                              {}
func (NopClient) NetworkConnected()                                                {}
func (NopClient) NetworkDisconnected()                                             {}
func (NopClient) SignificantTimeChange()                                           {}
func (NopClient) HourChange()                                                      {}
