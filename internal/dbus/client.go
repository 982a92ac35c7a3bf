package dbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/provider"
	"github.com/jmylchreest/widgetinfo/internal/transport"
)

// ErrServiceOwnerChanged is the invalidation cause when the daemon's bus
// name is released or taken over.
var ErrServiceOwnerChanged = errors.New("widget-info service owner changed")

// Connection is the client end of a D-Bus session with the daemon. It uses a
// private session bus connection so Close does not affect other users.
type Connection struct {
	conn    *dbus.Conn
	obj     dbus.BusObject
	owner   string
	watcher *NameWatcher
	logger  *slog.Logger

	pending *transport.PendingCalls
	pushes  *transport.PushQueue
	signals chan *dbus.Signal
	options []dbus.MatchOption

	mu           sync.RWMutex
	client       protocol.Client
	onInvalidate transport.InvalidationHandler
	lost         error
	closed       bool

	invalidateOnce sync.Once
	stopCh         chan struct{}
	doneCh         chan struct{}
}

var _ transport.Connection = (*Connection)(nil)

// Dial connects to the session bus and binds to the running daemon. It
// fails with protocol.ErrConnectionLost when the daemon is not running.
func Dial(ctx context.Context, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	c := &Connection{
		conn:    conn,
		obj:     conn.Object(DBusBusName, DBusPath),
		watcher: NewNameWatcher(conn, DBusBusName, logger),
		logger:  logger,
		pending: transport.NewPendingCalls(),
		signals: make(chan *dbus.Signal, 64),
		client:  protocol.NopClient{},
		options: []dbus.MatchOption{
			dbus.WithMatchSender(DBusBusName),
			dbus.WithMatchInterface(DBusInterface),
			dbus.WithMatchObjectPath(DBusPath),
		},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	owner, err := c.watcher.CurrentOwner(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, protocol.NewError(protocol.CodeConnectionLost, "", fmt.Errorf("widget-info daemon is not running: %w", err))
	}
	c.owner = owner

	if err := c.watcher.Start(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.AddMatchSignalContext(ctx, c.options...); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to subscribe to widget-info signals: %w", err)
	}

	c.pushes = transport.NewPushQueue()
	conn.Signal(c.signals)
	go c.signalLoop()

	logger.Debug("connected to widget-info daemon", "owner", owner)
	return c, nil
}

// Dialer returns a transport.Dialer for the session bus daemon.
func Dialer(logger *slog.Logger) transport.Dialer {
	return func(ctx context.Context) (transport.Connection, error) {
		return Dial(ctx, logger)
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

// SetInvalidationHandler sets the callback fired once, on its own goroutine,
// when the daemon goes away or the bus connection drops. If that already
// happened fn fires right away. It is not fired by Close.
func (c *Connection) SetInvalidationHandler(fn transport.InvalidationHandler) {
	c.mu.Lock()
	c.onInvalidate = fn
	lost, closed := c.lost, c.closed
	c.mu.Unlock()

	// The connection may have died before anyone was listening.
	if lost != nil && !closed && fn != nil {
		go fn(lost)
	}
}

// SendWidgetMessage delivers msg to the daemon.
func (c *Connection) SendWidgetMessage(ctx context.Context, msg provider.Message) (provider.Properties, error) {
	payload, err := encodePayload(msg.Data)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeMalformedPayload, msg.Namespace, err)
	}
	data, err := c.call(ctx, protocol.MethodDeliverWidgetMessage, decodeResultBody,
		string(msg.Namespace), msg.Function, payload)
	if err != nil {
		return nil, err
	}
	return provider.Properties(data), nil
}

// RequestCurrentProperties fetches one namespace's snapshot.
func (c *Connection) RequestCurrentProperties(ctx context.Context, ns provider.Namespace) (provider.Data, error) {
	data, err := c.call(ctx, protocol.MethodRequestCurrentProperties, decodeResultBody, string(ns))
	if err != nil {
		return provider.Data{}, err
	}
	return protocol.DataFromResult(data, ns)
}

// RequestCurrentDeviceState fetches the daemon's device state. Daemons with
// the capability disabled answer UnknownMethod, reported as
// protocol.ErrCapabilityUnavailable.
func (c *Connection) RequestCurrentDeviceState(ctx context.Context) (protocol.DeviceState, error) {
	data, err := c.call(ctx, protocol.MethodRequestCurrentDeviceState, decodeDeviceStateBody)
	if err != nil {
		return protocol.DeviceState{}, err
	}
	return protocol.DeviceStateFromResult(data)
}

// ServerInformation calls GetServerInformation.
func (c *Connection) ServerInformation(ctx context.Context) (ServerInfo, error) {
	var info ServerInfo
	call := c.obj.CallWithContext(ctx, DBusInterface+".GetServerInformation", 0)
	if err := call.Store(&info.Name, &info.Vendor, &info.Version, &info.ProtocolVersion); err != nil {
		return info, fromDBusError(err)
	}
	return info, nil
}

type bodyDecoder func(body []interface{}) (map[string]any, error)

func decodeResultBody(body []interface{}) (map[string]any, error) {
	if len(body) < 1 {
		return nil, protocol.Errorf(protocol.CodeMalformedPayload, "", "empty reply")
	}
	payload, ok := body[0].([]byte)
	if !ok {
		return nil, protocol.Errorf(protocol.CodeMalformedPayload, "", "reply is %T, not ay", body[0])
	}
	m, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	return protocol.SplitResult(m)
}

func decodeDeviceStateBody(body []interface{}) (map[string]any, error) {
	if len(body) < 2 {
		return nil, protocol.Errorf(protocol.CodeMalformedPayload, "", "device state reply has %d values", len(body))
	}
	sleep, ok1 := body[0].(bool)
	network, ok2 := body[1].(bool)
	if !ok1 || !ok2 {
		return nil, protocol.Errorf(protocol.CodeMalformedPayload, "", "device state reply is not (bb)")
	}
	return protocol.DeviceState{Sleep: sleep, Network: network}.ToMap(), nil
}

// call issues one method call on its own goroutine and waits for it through
// the pending call table, so invalidation can resolve it.
func (c *Connection) call(ctx context.Context, method string, decode bodyDecoder, args ...interface{}) (map[string]any, error) {
	id, ch, err := c.pending.Add(method)
	if err != nil {
		return nil, err
	}

	go func() {
		call := c.obj.CallWithContext(ctx, DBusInterface+"."+method, 0, args...)
		if call.Err != nil {
			c.pending.Resolve(id, transport.Response{Err: fromDBusError(call.Err)})
			return
		}
		data, err := decode(call.Body)
		c.pending.Resolve(id, transport.Response{Data: data, Err: err})
	}()

	return c.pending.Wait(ctx, id, ch)
}

func (c *Connection) signalLoop() {
	defer close(c.doneCh)
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.conn.Context().Done():
			c.invalidate(fmt.Errorf("session bus connection closed: %w", c.conn.Context().Err()))
			return
		case sig, ok := <-c.signals:
			if !ok {
				c.invalidate(errors.New("signal channel closed"))
				return
			}
			c.handleSignal(sig)
		}
	}
}

func (c *Connection) handleSignal(sig *dbus.Signal) {
	if sig == nil {
		return
	}

	if newOwner, ok := c.watcher.Match(sig); ok {
		if newOwner != c.owner {
			c.invalidate(ErrServiceOwnerChanged)
		}
		return
	}

	if sig.Path != DBusPath || sig.Sender != c.owner || !strings.HasPrefix(sig.Name, DBusInterface+".") {
		return
	}
	member := strings.TrimPrefix(sig.Name, DBusInterface+".")

	if member == protocol.SignalDynamicPropertiesUpdated {
		ns, dynamic, err := parseDynamicPropertiesUpdated(sig.Body)
		if err != nil {
			c.logger.Warn("malformed DynamicPropertiesUpdated signal", "error", err)
			return
		}
		c.pushes.Push(func() { c.currentClient().DynamicPropertiesUpdated(ns, dynamic) })
		return
	}

	ev, ok := protocol.EventForSignal(member)
	if !ok {
		c.logger.Debug("ignoring unknown signal", "signal", member)
		return
	}
	c.pushes.Push(func() { protocol.DeliverEvent(c.currentClient(), ev) })
}

func parseDynamicPropertiesUpdated(body []interface{}) (provider.Namespace, provider.Properties, error) {
	if len(body) < 2 {
		return "", nil, fmt.Errorf("expected 2 arguments, got %d", len(body))
	}
	ns, ok := body[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("namespace is %T", body[0])
	}
	payload, ok := body[1].([]byte)
	if !ok {
		return "", nil, fmt.Errorf("payload is %T", body[1])
	}
	m, err := decodePayload(payload)
	if err != nil {
		return "", nil, err
	}
	return provider.Namespace(ns), provider.Properties(m), nil
}

func (c *Connection) currentClient() protocol.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// invalidate fails every outstanding call and, unless the connection was
// closed locally, fires the invalidation handler once.
func (c *Connection) invalidate(cause error) {
	c.invalidateOnce.Do(func() {
		lost := transport.ConnectionLost(cause)
		n := c.pending.FailAll(lost)

		c.mu.Lock()
		c.lost = lost
		closed := c.closed
		handler := c.onInvalidate
		c.mu.Unlock()

		if closed {
			c.logger.Debug("D-Bus connection closed", "failed_calls", n)
			return
		}

		c.logger.Warn("D-Bus connection invalidated", "error", cause, "failed_calls", n)
		if handler != nil {
			go handler(lost)
		}
	})
}

// Close ends the session. Outstanding calls fail with ConnectionLost.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.invalidate(nil)
	close(c.stopCh)
	<-c.doneCh

	c.conn.RemoveSignal(c.signals)
	_ = c.conn.RemoveMatchSignal(c.options...)
	_ = c.watcher.Stop()
	c.pushes.Close()
	return c.conn.Close()
}
