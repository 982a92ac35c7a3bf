package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/widgetinfo/internal/provider"
)

// Function names understood by providers that serve icons.
const FunctionRequestIconData = "requestIconData"

// DataProvider is the client-side stand-in for one remote provider. It
// tags every call with its namespace and caches the last snapshot so
// CachedData can answer without a round trip.
type DataProvider struct {
	ns     provider.Namespace
	m      *Manager
	logger *slog.Logger

	mu        sync.Mutex
	static    provider.Properties
	dynamic   provider.Properties
	hasData   bool
	updatedAt time.Time
	// pushes counts dynamic updates, so a slow Refresh cannot overwrite a
	// newer push.
	pushes int

	initial      []func(provider.Data)
	initialFired bool
	observers    map[int]func(provider.Data)
	nextID       int
}

func newDataProvider(ns provider.Namespace, m *Manager, logger *slog.Logger) *DataProvider {
	return &DataProvider{
		ns:        ns,
		m:         m,
		logger:    logger,
		observers: make(map[int]func(provider.Data)),
	}
}

// Namespace returns the namespace this proxy serves.
func (p *DataProvider) Namespace() provider.Namespace {
	return p.ns
}

// CachedData returns the last known snapshot. ok is false until the first
// dynamic snapshot has been received.
func (p *DataProvider) CachedData() (data provider.Data, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasData {
		return provider.Data{}, false
	}
	return provider.Data{Static: p.static, Dynamic: p.dynamic}.Clone(), true
}

// StaticData returns the cached static snapshot, or nil before the first
// refresh.
func (p *DataProvider) StaticData() provider.Properties {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.static.Clone()
}

// UpdatedAt returns when the cache last changed. The zero time means no data
// has been received.
func (p *DataProvider) UpdatedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updatedAt
}

// OnInitialData registers fn to run once, when the first dynamic snapshot
// arrives. If data is already cached fn runs immediately.
func (p *DataProvider) OnInitialData(fn func(provider.Data)) {
	p.mu.Lock()
	if !p.initialFired {
		p.initial = append(p.initial, fn)
		p.mu.Unlock()
		return
	}
	data := provider.Data{Static: p.static, Dynamic: p.dynamic}.Clone()
	p.mu.Unlock()
	fn(data)
}

// Observe registers fn for every snapshot received after the call. The
// returned function removes it.
func (p *DataProvider) Observe(fn func(provider.Data)) (cancel func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.observers[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.observers, id)
		p.mu.Unlock()
	}
}

// SendWidgetMessage delivers a widget message to the remote provider and
// waits for its reply.
func (p *DataProvider) SendWidgetMessage(ctx context.Context, function string, data provider.Properties) (provider.Properties, error) {
	conn, err := p.m.Connection(ctx)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = provider.Properties{}
	}
	return conn.SendWidgetMessage(ctx, provider.Message{
		Namespace: p.ns,
		Function:  function,
		Data:      data,
	})
}

// SendWidgetMessageAsync is SendWidgetMessage with a callback. callback runs
// exactly once on another goroutine.
func (p *DataProvider) SendWidgetMessageAsync(ctx context.Context, function string, data provider.Properties, callback func(provider.Properties, error)) {
	go func() {
		callback(p.SendWidgetMessage(ctx, function, data))
	}()
}

// RequestIconData asks the remote provider for the icon of identifier.
func (p *DataProvider) RequestIconData(ctx context.Context, identifier string) (provider.Properties, error) {
	return p.SendWidgetMessage(ctx, FunctionRequestIconData, provider.Properties{"identifier": identifier})
}

// Refresh replaces the cache with the daemon's current snapshot.
func (p *DataProvider) Refresh(ctx context.Context) error {
	conn, err := p.m.Connection(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	seen := p.pushes
	p.mu.Unlock()

	data, err := conn.RequestCurrentProperties(ctx, p.ns)
	if err != nil {
		return fmt.Errorf("failed to refresh %s: %w", p.ns, err)
	}

	p.mu.Lock()
	p.static = data.Static
	if p.pushes == seen {
		p.dynamic = data.Dynamic
	}
	p.notifyLocked()
	return nil
}

// daemonConnected runs after a reconnect; pushes may have been missed.
func (p *DataProvider) daemonConnected(ctx context.Context) {
	if err := p.Refresh(ctx); err != nil {
		p.logger.Warn("failed to refresh after reconnect", "error", err)
	}
}

func (p *DataProvider) updateDynamic(dynamic provider.Properties) {
	p.mu.Lock()
	p.pushes++
	p.dynamic = dynamic
	p.notifyLocked()
}

// notifyLocked marks the cache updated and runs listeners. It is called with
// p.mu held and releases it.
func (p *DataProvider) notifyLocked() {
	p.hasData = true
	p.updatedAt = time.Now()

	var initial []func(provider.Data)
	if !p.initialFired {
		p.initialFired = true
		initial = p.initial
		p.initial = nil
	}
	observers := make([]func(provider.Data), 0, len(p.observers))
	for _, fn := range p.observers {
		observers = append(observers, fn)
	}
	data := provider.Data{Static: p.static, Dynamic: p.dynamic}
	p.mu.Unlock()

	for _, fn := range initial {
		fn(data.Clone())
	}
	for _, fn := range observers {
		fn(data.Clone())
	}
}
