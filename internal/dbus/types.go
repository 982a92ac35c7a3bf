package dbus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/jmylchreest/widgetinfo/internal/codec"
	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/provider"
)

const (
	// DBusInterface is the widget-info interface name.
	DBusInterface = "io.github.jmylchreest.WidgetInfo1"
	// DBusPath is the widget-info object path.
	DBusPath = dbus.ObjectPath("/io/github/jmylchreest/WidgetInfo1")
	// DBusBusName is the bus name to claim.
	DBusBusName = "io.github.jmylchreest.WidgetInfo1"

	// errorPrefix prefixes D-Bus error names derived from protocol codes.
	errorPrefix = DBusInterface + ".Error."
)

// Well-known bus errors the client maps onto protocol codes.
const (
	errUnknownMethod  = "org.freedesktop.DBus.Error.UnknownMethod"
	errServiceUnknown = "org.freedesktop.DBus.Error.ServiceUnknown"
	errNameHasNoOwner = "org.freedesktop.DBus.Error.NameHasNoOwner"
	errNoReply        = "org.freedesktop.DBus.Error.NoReply"
	errDisconnected   = "org.freedesktop.DBus.Error.Disconnected"
)

// ServerInfo describes the running daemon.
type ServerInfo struct {
	Name            string // "widgetinfod"
	Vendor          string // "widgetinfo"
	Version         string // Build version
	ProtocolVersion string // "1"
}

// DefaultServerInfo returns the default server information.
func DefaultServerInfo() ServerInfo {
	return ServerInfo{
		Name:            "widgetinfod",
		Vendor:          "widgetinfo",
		Version:         "0.0.1", // Will be replaced by build-time version
		ProtocolVersion: "1",
	}
}

// encodePayload turns a property map into the ay wire form.
func encodePayload(m map[string]any) ([]byte, error) {
	data, err := codec.EncodeMap(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// decodePayload is the inverse of encodePayload. Values come back in
// canonical form.
func decodePayload(data []byte) (map[string]any, error) {
	m, err := codec.DecodeMap(data)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeMalformedPayload, "", err)
	}
	return provider.Properties(m).Canonical(), nil
}

// toDBusError renders a protocol error as a D-Bus error reply.
func toDBusError(err error) *dbus.Error {
	perr := protocol.AsError(err, "")
	return dbus.NewError(errorPrefix+string(perr.Code), []interface{}{perr.Message, string(perr.Namespace)})
}

// fromDBusError maps a failed call back onto the protocol taxonomy.
func fromDBusError(err error) error {
	if err == nil {
		return nil
	}

	var derr dbus.Error
	var derrPtr *dbus.Error
	switch {
	case errors.As(err, &derrPtr):
		derr = *derrPtr
	case errors.As(err, &derr):
	default:
		return protocol.NewError(protocol.CodeConnectionLost, "", err)
	}

	switch {
	case strings.HasPrefix(derr.Name, errorPrefix):
		code := protocol.Code(strings.TrimPrefix(derr.Name, errorPrefix))
		perr := &protocol.Error{Code: code}
		if len(derr.Body) > 0 {
			perr.Message, _ = derr.Body[0].(string)
		}
		if len(derr.Body) > 1 {
			ns, _ := derr.Body[1].(string)
			perr.Namespace = provider.Namespace(ns)
		}
		return perr
	case derr.Name == errUnknownMethod:
		return protocol.NewError(protocol.CodeCapabilityUnavailable, "", err)
	case derr.Name == errServiceUnknown, derr.Name == errNameHasNoOwner,
		derr.Name == errNoReply, derr.Name == errDisconnected:
		return protocol.NewError(protocol.CodeConnectionLost, "", err)
	default:
		return protocol.NewError(protocol.CodeProviderFailed, "", err)
	}
}
