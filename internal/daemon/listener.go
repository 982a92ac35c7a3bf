package daemon

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/provider"
	"github.com/jmylchreest/widgetinfo/internal/registry"
	"github.com/jmylchreest/widgetinfo/internal/state"
	"github.com/jmylchreest/widgetinfo/internal/transport"
)

// Listener is the daemon end of the protocol. It answers transport calls
// from the registry and state manager, and fans pushes out to every
// attached client.
//
// Dynamic property updates are coalesced per namespace: while a namespace
// has an undelivered snapshot, a newer one replaces it. State events are
// queued in order and never coalesced. Provider lifecycle hooks run on a
// queue of their own, so a slow hook never delays client pushes.
type Listener struct {
	registry *registry.Registry
	state    *state.Manager
	logger   *slog.Logger

	mu          sync.RWMutex
	clients     map[uint64]protocol.Client
	nextID      uint64
	deviceState bool
	running     bool

	updMu   sync.Mutex
	pending map[provider.Namespace]provider.Properties
	order   []provider.Namespace
	wake    chan struct{}

	events *transport.PushQueue
	hooks  *transport.PushQueue
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}
}

var (
	_ protocol.Daemon    = (*Listener)(nil)
	_ provider.Publisher = (*Listener)(nil)
	_ state.Delegate     = (*Listener)(nil)
)

// NewListener creates a Listener over reg and st. It does not deliver
// pushes until Start.
func NewListener(reg *registry.Registry, st *state.Manager, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		registry:    reg,
		state:       st,
		logger:      logger,
		clients:     make(map[uint64]protocol.Client),
		deviceState: true,
		pending:     make(map[provider.Namespace]provider.Properties),
		wake:        make(chan struct{}, 1),
	}
}

// SetDeviceStateEnabled controls the optional RequestCurrentDeviceState
// capability.
func (l *Listener) SetDeviceStateEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deviceState = enabled
}

// DeviceStateEnabled reports whether RequestCurrentDeviceState is answered.
func (l *Listener) DeviceStateEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.deviceState
}

// Start wires the listener as the registry's publisher and the state
// manager's delegate, and starts delivering pushes.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.events = transport.NewPushQueue()
	l.hooks = transport.NewPushQueue()
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.mu.Unlock()

	l.registry.SetPublisher(l)
	if l.state != nil {
		l.state.SetDelegate(l)
	}

	go l.updateLoop()

	l.logger.Debug("listener started")
	return nil
}

// Stop detaches from the state manager and stops delivering pushes.
// Undelivered updates are dropped.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	l.cancel()
	events, hooks := l.events, l.hooks
	l.mu.Unlock()

	if l.state != nil {
		l.state.SetDelegate(nil)
	}
	l.registry.SetPublisher(nil)

	<-l.doneCh
	events.Close()
	hooks.Close()
	l.logger.Debug("listener stopped")
}

// Attach adds a push receiver. The returned function removes it.
func (l *Listener) Attach(client protocol.Client) (detach func()) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.clients[id] = client
	n := len(l.clients)
	l.mu.Unlock()

	l.logger.Debug("client attached", "clients", n)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.clients, id)
			n := len(l.clients)
			l.mu.Unlock()
			l.logger.Debug("client detached", "clients", n)
		})
	}
}

// Clients returns the number of attached push receivers.
func (l *Listener) Clients() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.clients)
}

func (l *Listener) snapshotClients() []protocol.Client {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]protocol.Client, 0, len(l.clients))
	for _, c := range l.clients {
		out = append(out, c)
	}
	return out
}

// DeliverWidgetMessage routes msg through the registry.
func (l *Listener) DeliverWidgetMessage(ctx context.Context, msg provider.Message) (provider.Properties, error) {
	return l.registry.Dispatch(ctx, msg)
}

// RequestCurrentProperties returns the snapshot for ns.
func (l *Listener) RequestCurrentProperties(_ context.Context, ns provider.Namespace) (provider.Data, error) {
	return l.registry.Snapshot(ns)
}

// RequestCurrentDeviceState returns the state summary, or
// ErrCapabilityUnavailable when the capability is disabled.
func (l *Listener) RequestCurrentDeviceState(_ context.Context) (protocol.DeviceState, error) {
	if !l.DeviceStateEnabled() || l.state == nil {
		return protocol.DeviceState{}, protocol.Errorf(protocol.CodeCapabilityUnavailable, "", "device state is not exported")
	}
	s := l.state.Summarise()
	return protocol.DeviceState{Sleep: s.Sleeping, Network: s.NetworkReachable}, nil
}

// PublishDynamic records the latest snapshot for ns. It never blocks; a
// snapshot not yet delivered is replaced.
func (l *Listener) PublishDynamic(ns provider.Namespace, dynamic provider.Properties) {
	l.updMu.Lock()
	if _, queued := l.pending[ns]; !queued {
		l.order = append(l.order, ns)
	}
	l.pending[ns] = dynamic.Clone()
	l.updMu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Listener) takePending() (provider.Namespace, provider.Properties, bool) {
	l.updMu.Lock()
	defer l.updMu.Unlock()
	if len(l.order) == 0 {
		return "", nil, false
	}
	ns := l.order[0]
	l.order = l.order[1:]
	dynamic := l.pending[ns]
	delete(l.pending, ns)
	return ns, dynamic, true
}

func (l *Listener) updateLoop() {
	defer close(l.doneCh)
	for {
		select {
		case <-l.stopCh:
			return
		case <-l.wake:
		}

		for {
			ns, dynamic, ok := l.takePending()
			if !ok {
				break
			}
			clients := l.snapshotClients()
			for _, c := range clients {
				c.DynamicPropertiesUpdated(ns, dynamic)
			}
			l.logger.Debug("pushed dynamic properties", "namespace", ns, "clients", len(clients))
		}
	}
}

// StateEvent queues ev for delivery to clients and, independently, to every
// provider. Both queues keep event order. It is called under the state
// manager's lock and only enqueues.
func (l *Listener) StateEvent(ev provider.Event) {
	l.mu.RLock()
	events, hooks, running, ctx := l.events, l.hooks, l.running, l.ctx
	l.mu.RUnlock()
	if !running {
		return
	}

	events.Push(func() {
		clients := l.snapshotClients()
		for _, c := range clients {
			protocol.DeliverEvent(c, ev)
		}
		l.logger.Info("device event", "event", ev.String(), "clients", len(clients))
	})
	hooks.Push(func() {
		l.registry.Notify(ctx, ev)
	})
}
