// Package simulated provides an in-process Connection bound directly to a
// daemon endpoint. Results are always produced on another goroutine, and
// every value crossing the connection is copied in canonical form, so
// callers observe the same asynchrony and value shapes as with a real
// transport.
package simulated

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/provider"
	"github.com/jmylchreest/widgetinfo/internal/transport"
)

// Endpoint is the daemon side a simulated connection binds to.
type Endpoint interface {
	protocol.Daemon

	// Attach registers a push receiver and returns a function removing it.
	Attach(c protocol.Client) (detach func())
}

// Connection is a loopback transport.Connection. It is never invalidated;
// Close fails outstanding calls but fires no invalidation event.
type Connection struct {
	endpoint Endpoint
	logger   *slog.Logger

	pending *transport.PendingCalls
	pushes  *transport.PushQueue

	mu     sync.RWMutex
	client protocol.Client
	detach func()
	closed bool
}

var _ transport.Connection = (*Connection)(nil)

// New binds a connection to endpoint.
func New(endpoint Endpoint, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		endpoint: endpoint,
		logger:   logger,
		pending:  transport.NewPendingCalls(),
		pushes:   transport.NewPushQueue(),
		client:   protocol.NopClient{},
	}
	c.detach = endpoint.Attach(&relay{conn: c})
	logger.Debug("simulated connection attached")
	return c
}

// Dialer returns a transport.Dialer producing simulated connections.
func Dialer(endpoint Endpoint, logger *slog.Logger) transport.Dialer {
	return func(context.Context) (transport.Connection, error) {
		return New(endpoint, logger), nil
	}
}

// SetClient sets the receiver of pushes.
func (c *Connection) SetClient(client protocol.Client) {
	if client == nil {
		client = protocol.NopClient{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = client
}

// SetInvalidationHandler is accepted for interface compatibility; a
// simulated connection is never invalidated.
func (c *Connection) SetInvalidationHandler(transport.InvalidationHandler) {}

// SendWidgetMessage delivers msg to the endpoint.
func (c *Connection) SendWidgetMessage(ctx context.Context, msg provider.Message) (provider.Properties, error) {
	msg.Data = msg.Data.Canonical()
	data, err := c.call(ctx, protocol.MethodDeliverWidgetMessage, func(ctx context.Context) (map[string]any, error) {
		return c.endpoint.DeliverWidgetMessage(ctx, msg)
	})
	if err != nil {
		return nil, err
	}
	return provider.Properties(data), nil
}

// RequestCurrentProperties fetches one namespace's snapshot.
func (c *Connection) RequestCurrentProperties(ctx context.Context, ns provider.Namespace) (provider.Data, error) {
	data, err := c.call(ctx, protocol.MethodRequestCurrentProperties, func(ctx context.Context) (map[string]any, error) {
		d, err := c.endpoint.RequestCurrentProperties(ctx, ns)
		if err != nil {
			return nil, err
		}
		return d.ToMap(), nil
	})
	if err != nil {
		return provider.Data{}, err
	}
	return protocol.DataFromResult(data, ns)
}

// RequestCurrentDeviceState fetches the daemon's device state.
func (c *Connection) RequestCurrentDeviceState(ctx context.Context) (protocol.DeviceState, error) {
	data, err := c.call(ctx, protocol.MethodRequestCurrentDeviceState, func(ctx context.Context) (map[string]any, error) {
		st, err := c.endpoint.RequestCurrentDeviceState(ctx)
		if err != nil {
			return nil, err
		}
		return st.ToMap(), nil
	})
	if err != nil {
		return protocol.DeviceState{}, err
	}
	return protocol.DeviceStateFromResult(data)
}

// call runs fn on a new goroutine and waits for its result through the
// pending call table.
func (c *Connection) call(ctx context.Context, method string, fn func(context.Context) (map[string]any, error)) (map[string]any, error) {
	id, ch, err := c.pending.Add(method)
	if err != nil {
		return nil, err
	}

	go func() {
		data, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			// Mirror a wire round trip: the caller only ever sees the
			// structured form.
			err = protocol.AsError(err, "")
			data = nil
		} else {
			data = provider.Properties(data).Canonical()
		}
		c.pending.Resolve(id, transport.Response{Data: data, Err: err})
	}()

	return c.pending.Wait(ctx, id, ch)
}

// Close detaches from the endpoint and fails outstanding calls.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	detach := c.detach
	c.mu.Unlock()

	if detach != nil {
		detach()
	}
	n := c.pending.FailAll(transport.ConnectionLost(nil))
	c.pushes.Close()
	c.logger.Debug("simulated connection closed", "failed_calls", n)
	return nil
}

func (c *Connection) currentClient() protocol.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// relay receives pushes from the endpoint and replays them on the
// connection's push queue.
type relay struct {
	conn *Connection
}

func (r *relay) push(fn func(protocol.Client)) {
	r.conn.pushes.Push(func() {
		fn(r.conn.currentClient())
	})
}

func (r *relay) DynamicPropertiesUpdated(ns provider.Namespace, dynamic provider.Properties) {
	dynamic = dynamic.Canonical()
	r.push(func(c protocol.Client) { c.DynamicPropertiesUpdated(ns, dynamic) })
}

func (r *relay) DeviceDidEnterSleep() {
	r.push(func(c protocol.Client) { c.DeviceDidEnterSleep() })
}

func (r *relay) DeviceDidExitSleep() {
	r.push(func(c protocol.Client) { c.DeviceDidExitSleep() })
}

func (r *relay) NetworkConnected() {
	r.push(func(c protocol.Client) { c.NetworkConnected() })
}

func (r *relay) NetworkDisconnected() {
	r.push(func(c protocol.Client) { c.NetworkDisconnected() })
}

func (r *relay) SignificantTimeChange() {
	r.push(func(c protocol.Client) { c.SignificantTimeChange() })
}

func (r *relay) HourChange() {
	r.push(func(c protocol.Client) { c.HourChange() })
}
