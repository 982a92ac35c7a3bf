package transport

import (
	"context"

	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/provider"
)

// InvalidationHandler is called once when a connection is lost. err unwraps
// to protocol.ErrConnectionLost.
type InvalidationHandler func(err error)

// Connection is one client session with the daemon. Every call returns
// exactly one result or error; after invalidation, outstanding and new calls
// fail with protocol.ErrConnectionLost.
type Connection interface {
	SendWidgetMessage(ctx context.Context, msg provider.Message) (provider.Properties, error)
	RequestCurrentProperties(ctx context.Context, ns provider.Namespace) (provider.Data, error)

	// RequestCurrentDeviceState fails with protocol.ErrCapabilityUnavailable
	// when the daemon does not offer it.
	RequestCurrentDeviceState(ctx context.Context) (protocol.DeviceState, error)

	// SetClient sets the receiver of daemon pushes.
	SetClient(c protocol.Client)

	// SetInvalidationHandler sets the callback fired on connection loss.
	// fn never runs on the caller's goroutine, and fires immediately when
	// the connection was already lost.
	SetInvalidationHandler(fn InvalidationHandler)

	Close() error
}

// Dialer opens a new Connection.
type Dialer func(ctx context.Context) (Connection, error)
