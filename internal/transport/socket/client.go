package socket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jmylchreest/widgetinfo/internal/codec"
	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/provider"
	"github.com/jmylchreest/widgetinfo/internal/transport"
)

// Connection is the client end of a socket session.
type Connection struct {
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	enc     *codec.Encoder

	pending *transport.PendingCalls
	pushes  *transport.PushQueue

	mu           sync.RWMutex
	client       protocol.Client
	onInvalidate transport.InvalidationHandler
	lost         error
	closed       bool

	invalidateOnce sync.Once
	doneCh         chan struct{}
}

var _ transport.Connection = (*Connection)(nil)

// Dial connects to the daemon socket.
func Dial(ctx context.Context, socketPath string, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", socketPath, err)
	}

	c := &Connection{
		conn:    conn,
		logger:  logger,
		enc:     codec.NewEncoder(conn),
		pending: transport.NewPendingCalls(),
		pushes:  transport.NewPushQueue(),
		client:  protocol.NopClient{},
		doneCh:  make(chan struct{}),
	}
	go c.readLoop()

	logger.Debug("connected to daemon socket", "path", socketPath)
	return c, nil
}

// Dialer returns a transport.Dialer for socketPath.
func Dialer(socketPath string, logger *slog.Logger) transport.Dialer {
	return func(ctx context.Context) (transport.Connection, error) {
		return Dial(ctx, socketPath, logger)
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
// when the daemon goes away. If that already happened fn fires right away.
// It is not fired by Close.
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
	data, err := c.call(ctx, Frame{
		Method:    protocol.MethodDeliverWidgetMessage,
		Namespace: string(msg.Namespace),
		Function:  msg.Function,
		Data:      msg.Data,
	})
	if err != nil {
		return nil, err
	}
	return provider.Properties(data), nil
}

// RequestCurrentProperties fetches one namespace's snapshot.
func (c *Connection) RequestCurrentProperties(ctx context.Context, ns provider.Namespace) (provider.Data, error) {
	data, err := c.call(ctx, Frame{
		Method:    protocol.MethodRequestCurrentProperties,
		Namespace: string(ns),
	})
	if err != nil {
		return provider.Data{}, err
	}
	return protocol.DataFromResult(data, ns)
}

// RequestCurrentDeviceState fetches the daemon's device state.
func (c *Connection) RequestCurrentDeviceState(ctx context.Context) (protocol.DeviceState, error) {
	data, err := c.call(ctx, Frame{Method: protocol.MethodRequestCurrentDeviceState})
	if err != nil {
		return protocol.DeviceState{}, err
	}
	return protocol.DeviceStateFromResult(data)
}

func (c *Connection) call(ctx context.Context, f Frame) (map[string]any, error) {
	id, ch, err := c.pending.Add(f.Method)
	if err != nil {
		return nil, err
	}
	f.Kind = KindRequest
	f.ID = id

	if err := c.write(f); err != nil {
		c.invalidate(err)
		// invalidate has already resolved the call; Wait picks it up.
	}
	return c.pending.Wait(ctx, id, ch)
}

func (c *Connection) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.enc.Encode(f)
}

func (c *Connection) readLoop() {
	defer close(c.doneCh)

	dec := codec.NewDecoder(c.conn)
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			c.invalidate(err)
			return
		}

		switch f.Kind {
		case KindResponse:
			resp := transport.Response{Data: provider.Properties(f.Data).Canonical()}
			if f.Error != nil {
				if perr, ok := protocol.ErrorFromPayload(map[string]any{"error": f.Error}); ok {
					resp = transport.Response{Err: perr}
				}
			}
			if !c.pending.Resolve(f.ID, resp) {
				c.logger.Debug("response for unknown call", "id", f.ID, "method", f.Method)
			}
		case KindPush:
			c.deliverPush(f)
		default:
			c.logger.Warn("ignoring unexpected frame", "kind", f.Kind)
		}
	}
}

func (c *Connection) deliverPush(f Frame) {
	c.pushes.Push(func() {
		c.mu.RLock()
		client := c.client
		c.mu.RUnlock()

		if f.Method == protocol.SignalDynamicPropertiesUpdated {
			client.DynamicPropertiesUpdated(provider.Namespace(f.Namespace), provider.Properties(f.Data).Canonical())
			return
		}
		ev, ok := protocol.EventForSignal(f.Method)
		if !ok {
			c.logger.Warn("unknown push", "method", f.Method)
			return
		}
		protocol.DeliverEvent(client, ev)
	})
}

// invalidate fails every outstanding call with ConnectionLost and, unless
// the connection was closed locally, fires the invalidation handler once.
func (c *Connection) invalidate(cause error) {
	c.invalidateOnce.Do(func() {
		_ = c.conn.Close()
		lost := transport.ConnectionLost(cause)
		n := c.pending.FailAll(lost)

		c.mu.Lock()
		c.lost = lost
		closed := c.closed
		handler := c.onInvalidate
		c.mu.Unlock()

		if closed {
			c.logger.Debug("socket connection closed", "failed_calls", n)
			return
		}

		c.logger.Warn("socket connection invalidated", "error", cause, "failed_calls", n)
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
	<-c.doneCh
	c.pushes.Close()
	return nil
}
