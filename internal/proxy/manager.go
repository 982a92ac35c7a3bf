// Package proxy is the client side of the widget info protocol. A Manager
// owns the single connection to widgetinfod and hands out one DataProvider
// per namespace, each caching the last snapshot it received.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/provider"
	"github.com/jmylchreest/widgetinfo/internal/transport"
)

// ErrClosed is returned once the manager has been closed.
var ErrClosed = errors.New("proxy manager closed")

// Default redial backoff.
const (
	DefaultMinBackoff = 250 * time.Millisecond
	DefaultMaxBackoff = 10 * time.Second
)

// Manager lazily opens one connection and re-creates it when the transport
// reports invalidation. Callers never see the reconnection.
type Manager struct {
	dialer transport.Dialer
	logger *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	dialMu sync.Mutex

	mu        sync.Mutex
	conn      transport.Connection
	connects  int
	proxies   map[provider.Namespace]*DataProvider
	observers map[int]func(provider.Event)
	nextID    int
	closed    bool
	redialing bool
}

// NewManager creates a manager that opens connections with dialer.
func NewManager(dialer transport.Dialer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:     dialer,
		logger:     logger,
		minBackoff: DefaultMinBackoff,
		maxBackoff: DefaultMaxBackoff,
		ctx:        ctx,
		cancel:     cancel,
		proxies:    make(map[provider.Namespace]*DataProvider),
		observers:  make(map[int]func(provider.Event)),
	}
}

// SetBackoff sets the redial delay bounds. Zero values keep the current
// setting.
func (m *Manager) SetBackoff(minDelay, maxDelay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if minDelay > 0 {
		m.minBackoff = minDelay
	}
	if maxDelay > 0 {
		m.maxBackoff = maxDelay
	}
}

// Connection returns the active connection, dialing on first use.
func (m *Manager) Connection(ctx context.Context) (transport.Connection, error) {
	if conn, err := m.current(); conn != nil || err != nil {
		return conn, err
	}

	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	// Another caller may have connected while we waited.
	if conn, err := m.current(); conn != nil || err != nil {
		return conn, err
	}

	conn, err := m.dialer(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to widgetinfod: %w", err)
	}
	conn.SetClient(&pushRouter{m: m})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	// The handler runs on its own goroutine and needs m.mu, so an
	// invalidation that already happened is seen after conn is current.
	conn.SetInvalidationHandler(func(err error) {
		m.invalidated(conn, err)
	})
	m.conn = conn
	m.connects++
	reconnect := m.connects > 1
	proxies := m.proxyList()
	m.mu.Unlock()

	if reconnect {
		m.logger.Info("reconnected to widgetinfod", "proxies", len(proxies))
		for _, p := range proxies {
			go p.daemonConnected(m.ctx)
		}
	} else {
		m.logger.Debug("connected to widgetinfod")
	}
	return conn, nil
}

func (m *Manager) current() (transport.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.conn, nil
}

func (m *Manager) proxyList() []*DataProvider {
	out := make([]*DataProvider, 0, len(m.proxies))
	for _, p := range m.proxies {
		out = append(out, p)
	}
	return out
}

// invalidated drops conn and starts redialing, unless conn has already been
// replaced, the manager is closed or a redial loop is already running.
func (m *Manager) invalidated(conn transport.Connection, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	start := !m.closed && !m.redialing
	if start {
		m.redialing = true
	}
	m.mu.Unlock()

	m.logger.Warn("connection to widgetinfod lost", "error", err)
	_ = conn.Close()
	if start {
		go m.redial()
	}
}

// redial dials until a connection sticks. A connection lost again while
// redialing is noticed here, since invalidated leaves it to this loop.
func (m *Manager) redial() {
	m.mu.Lock()
	delay, maxDelay := m.minBackoff, m.maxBackoff
	m.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-m.ctx.Done():
			m.endRedial()
			return
		case <-timer.C:
		}

		_, err := m.Connection(m.ctx)
		if errors.Is(err, ErrClosed) {
			m.endRedial()
			return
		}
		if err == nil {
			m.mu.Lock()
			if m.conn != nil || m.closed {
				m.redialing = false
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			err = errors.New("connection lost right after dialing")
		}
		m.logger.Debug("redial failed", "attempt", attempt, "error", err)

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
		timer.Reset(delay)
	}
}

func (m *Manager) endRedial() {
	m.mu.Lock()
	m.redialing = false
	m.mu.Unlock()
}

// Proxy returns the DataProvider for ns, creating it on first use. A new
// proxy fetches its first snapshot in the background.
func (m *Manager) Proxy(ns provider.Namespace) *DataProvider {
	m.mu.Lock()
	p, ok := m.proxies[ns]
	if !ok {
		p = newDataProvider(ns, m, m.logger.With("namespace", ns))
		m.proxies[ns] = p
	}
	m.mu.Unlock()

	if !ok {
		go func() {
			if err := p.Refresh(m.ctx); err != nil && !errors.Is(err, ErrClosed) {
				m.logger.Debug("initial refresh failed", "namespace", ns, "error", err)
			}
		}()
	}
	return p
}

// Namespaces returns the namespaces a proxy has been created for.
func (m *Manager) Namespaces() []provider.Namespace {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]provider.Namespace, 0, len(m.proxies))
	for ns := range m.proxies {
		out = append(out, ns)
	}
	return out
}

// OnEvent registers fn for device events pushed by the daemon. The returned
// function removes it.
func (m *Manager) OnEvent(fn func(provider.Event)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// DeviceState asks the daemon for the current device state.
func (m *Manager) DeviceState(ctx context.Context) (protocol.DeviceState, error) {
	conn, err := m.Connection(ctx)
	if err != nil {
		return protocol.DeviceState{}, err
	}
	return conn.RequestCurrentDeviceState(ctx)
}

// Close closes the connection and stops redialing. Pending calls fail with
// protocol.ErrConnectionLost.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.cancel()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (m *Manager) route(ns provider.Namespace, dynamic provider.Properties) {
	m.mu.Lock()
	p := m.proxies[ns]
	m.mu.Unlock()
	if p == nil {
		return
	}
	p.updateDynamic(dynamic)
}

func (m *Manager) event(ev provider.Event) {
	m.mu.Lock()
	fns := make([]func(provider.Event), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.logger.Debug("device event", "event", ev)
	for _, fn := range fns {
		fn(ev)
	}
}

// pushRouter receives pushes from the connection.
type pushRouter struct {
	m *Manager
}

func (r *pushRouter) DynamicPropertiesUpdated(ns provider.Namespace, dynamic provider.Properties) {
	r.m.route(ns, dynamic)
}

func (r *pushRouter) DeviceDidEnterSleep()   { r.m.event(provider.EventDeviceSleep) }
func (r *pushRouter) DeviceDidExitSleep()    { r.m.event(provider.EventDeviceWake) }
func (r *pushRouter) NetworkConnected()      { r.m.event(provider.EventNetworkUp) }
func (r *pushRouter) NetworkDisconnected()   { r.m.event(provider.EventNetworkDown) }
func (r *pushRouter) SignificantTimeChange() { r.m.event(provider.EventSignificantTimeChange) }
func (r *pushRouter) HourChange()            { r.m.event(provider.EventHourChange) }
