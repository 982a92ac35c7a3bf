package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/widgetinfo/internal/codec"
	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/provider"
	"github.com/jmylchreest/widgetinfo/internal/transport"
)

// maxPeerBacklog is the number of undelivered pushes after which a peer
// that stopped reading is dropped.
const maxPeerBacklog = 256

// Server serves the protocol to any number of persistent connections and
// broadcasts pushes to all of them. It implements protocol.Client so it can
// be attached to the daemon listener.
type Server struct {
	socketPath string
	daemon     protocol.Daemon
	logger     *slog.Logger

	mu    sync.Mutex
	peers map[*peer]struct{}

	// activeConnections tracks connection handlers so Serve can wait for
	// them on shutdown.
	activeConnections sync.WaitGroup
}

var _ protocol.Client = (*Server)(nil)

// peer is one client connection. Pushes go through out so a slow peer only
// delays itself.
type peer struct {
	conn    net.Conn
	writeMu sync.Mutex
	enc     *codec.Encoder
	out     *transport.PushQueue
	gone    atomic.Bool
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, enc: codec.NewEncoder(conn), out: transport.NewPushQueue()}
}

func (p *peer) write(f Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return p.enc.Encode(f)
}

// NewServer creates a server that will listen on socketPath and answer
// requests from daemon.
func NewServer(socketPath string, daemon protocol.Daemon, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		daemon:     daemon,
		logger:     logger,
		peers:      make(map[*peer]struct{}),
	}
}

// Serve accepts connections until ctx is cancelled, then closes every
// connection and waits for their handlers. Any stale socket file is removed
// first; the socket file is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	// Unblock Accept and every reader when the context is cancelled.
	go func() {
		<-ctx.Done()
		_ = listener.Close()
		s.closePeers()
	}()

	s.logger.Info("socket server listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		p := newPeer(conn)
		s.mu.Lock()
		s.peers[p] = struct{}{}
		s.mu.Unlock()

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, p)
		}()
	}

	s.activeConnections.Wait()
	s.logger.Info("socket server stopped", "path", s.socketPath)
	return nil
}

// Peers returns the number of connected clients.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) closePeers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.peers {
		_ = p.conn.Close()
	}
}

func (s *Server) dropPeer(p *peer) {
	p.gone.Store(true)
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	_ = p.conn.Close()
}

// handleConnection reads request frames until the peer goes away. Requests
// are handled concurrently; responses may be written out of order.
func (s *Server) handleConnection(ctx context.Context, p *peer) {
	defer func() {
		s.dropPeer(p)
		p.out.Close()
	}()
	s.logger.Debug("client connected")

	var inflight sync.WaitGroup
	defer inflight.Wait()

	dec := codec.NewDecoder(p.conn)
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("client read failed", "error", err)
			}
			s.logger.Debug("client disconnected")
			return
		}

		if f.Kind != KindRequest || f.ID == "" {
			s.logger.Warn("ignoring unexpected frame", "kind", f.Kind, "method", f.Method)
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			resp := s.handleRequest(ctx, f)
			if err := p.write(resp); err != nil {
				s.logger.Debug("failed to write response", "id", f.ID, "error", err)
				_ = p.conn.Close()
			}
		}()
	}
}

func (s *Server) handleRequest(ctx context.Context, f Frame) Frame {
	resp := Frame{Kind: KindResponse, ID: f.ID, Method: f.Method, Namespace: f.Namespace}
	ns := provider.Namespace(f.Namespace)

	var (
		data map[string]any
		err  error
	)
	switch f.Method {
	case protocol.MethodDeliverWidgetMessage:
		data, err = s.daemon.DeliverWidgetMessage(ctx, provider.Message{
			Namespace: ns,
			Function:  f.Function,
			Data:      provider.Properties(f.Data).Canonical(),
		})
	case protocol.MethodRequestCurrentProperties:
		var d provider.Data
		d, err = s.daemon.RequestCurrentProperties(ctx, ns)
		if err == nil {
			data = d.ToMap()
		}
	case protocol.MethodRequestCurrentDeviceState:
		var st protocol.DeviceState
		st, err = s.daemon.RequestCurrentDeviceState(ctx)
		if err == nil {
			data = st.ToMap()
		}
	default:
		err = protocol.Errorf(protocol.CodeMalformedPayload, ns, "unknown method %q", f.Method)
	}

	if err != nil {
		s.logger.Debug("request failed", "method", f.Method, "namespace", f.Namespace, "error", err)
		resp.Error = errorBody(err)
		return resp
	}
	resp.Data = data
	if resp.Data == nil {
		resp.Data = map[string]any{}
	}
	return resp
}

func errorBody(err error) map[string]any {
	body, _ := protocol.ErrorPayload(err)["error"].(map[string]any)
	return body
}

// broadcast queues f on every peer and never waits for I/O. Peers that
// fail a write or fall too far behind are dropped.
func (s *Server) broadcast(f Frame) {
	s.mu.Lock()
	targets := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		targets = append(targets, p)
	}
	s.mu.Unlock()

	for _, p := range targets {
		if backlog := p.out.Len(); backlog >= maxPeerBacklog {
			s.logger.Warn("dropping client that stopped reading", "method", f.Method, "backlog", backlog)
			s.dropPeer(p)
			continue
		}
		p.out.Push(func() {
			if p.gone.Load() {
				return
			}
			if err := p.write(f); err != nil {
				s.logger.Warn("dropping client after failed push", "method", f.Method, "error", err)
				s.dropPeer(p)
			}
		})
	}
}

// DynamicPropertiesUpdated pushes a namespace snapshot to every client.
func (s *Server) DynamicPropertiesUpdated(ns provider.Namespace, dynamic provider.Properties) {
	s.broadcast(Frame{
		Kind:      KindPush,
		Method:    protocol.SignalDynamicPropertiesUpdated,
		Namespace: string(ns),
		Data:      dynamic,
	})
}

func (s *Server) pushEvent(ev provider.Event) {
	s.broadcast(Frame{Kind: KindPush, Method: protocol.SignalForEvent(ev)})
}

func (s *Server) DeviceDidEnterSleep()   { s.pushEvent(provider.EventDeviceSleep) }
func (s *Server) DeviceDidExitSleep()    { s.pushEvent(provider.EventDeviceWake) }
func (s *Server) NetworkConnected()      { s.pushEvent(provider.EventNetworkUp) }
func (s *Server) NetworkDisconnected()   { s.pushEvent(provider.EventNetworkDown) }
func (s *Server) SignificantTimeChange() { s.pushEvent(provider.EventSignificantTimeChange) }
func (s *Server) HourChange()            { s.pushEvent(provider.EventHourChange) }
