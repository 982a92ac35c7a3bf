package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/provider"
)

// Default timeouts.
const (
	DefaultCallTimeout = 5 * time.Second
	DefaultHookTimeout = 2 * time.Second
)

// ErrInvalidNamespace is returned by Register for unusable namespace ids.
var ErrInvalidNamespace = errors.New("invalid namespace")

type entry struct {
	provider provider.Provider

	// slot holds one token while a message is being handled.
	slot chan struct{}

	retired atomic.Bool
}

// Registry holds at most one provider per namespace.
type Registry struct {
	mu      sync.RWMutex
	entries map[provider.Namespace]*entry

	publisher   provider.Publisher
	callTimeout time.Duration
	hookTimeout time.Duration

	logger *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:     make(map[provider.Namespace]*entry),
		callTimeout: DefaultCallTimeout,
		hookTimeout: DefaultHookTimeout,
		logger:      logger,
	}
}

// SetPublisher sets where provider snapshots are forwarded. It applies to
// providers registered afterwards.
func (r *Registry) SetPublisher(pub provider.Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisher = pub
}

// SetTimeouts changes the dispatch and lifecycle hook bounds. Zero values
// leave the current setting untouched.
func (r *Registry) SetTimeouts(call, hook time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if call > 0 {
		r.callTimeout = call
	}
	if hook > 0 {
		r.hookTimeout = hook
	}
}

// Register initialises p and stores it under its namespace, replacing and
// closing any provider already registered there.
func (r *Registry) Register(ctx context.Context, p provider.Provider) error {
	ns := p.Namespace()
	if !ns.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
	}

	e := &entry{provider: p, slot: make(chan struct{}, 1)}

	r.mu.RLock()
	pub := r.publisher
	r.mu.RUnlock()

	// Initialise before the provider becomes reachable.
	if err := p.Initialise(ctx, &scopedPublisher{entry: e, next: pub}); err != nil {
		return fmt.Errorf("failed to initialise provider %s: %w", ns, err)
	}

	r.mu.Lock()
	old := r.entries[ns]
	r.entries[ns] = e
	r.mu.Unlock()

	if old != nil {
		r.retire(ns, old)
		r.logger.Info("provider replaced", "namespace", ns)
	} else {
		r.logger.Info("provider registered", "namespace", ns)
	}
	return nil
}

// Deregister removes the provider for ns. It reports whether one was
// registered.
func (r *Registry) Deregister(ns provider.Namespace) bool {
	r.mu.Lock()
	old, ok := r.entries[ns]
	delete(r.entries, ns)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.retire(ns, old)
	r.logger.Info("provider deregistered", "namespace", ns)
	return true
}

// Close deregisters every provider.
func (r *Registry) Close() {
	for _, ns := range r.Namespaces() {
		r.Deregister(ns)
	}
}

func (r *Registry) retire(ns provider.Namespace, e *entry) {
	e.retired.Store(true)
	if c, ok := e.provider.(io.Closer); ok {
		if err := c.Close(); err != nil {
			r.logger.Warn("failed to close provider", "namespace", ns, "error", err)
		}
	}
}

// Resolve returns the provider registered for ns.
func (r *Registry) Resolve(ns provider.Namespace) (provider.Provider, error) {
	e, err := r.lookup(ns)
	if err != nil {
		return nil, err
	}
	return e.provider, nil
}

func (r *Registry) lookup(ns provider.Namespace) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[ns]
	r.mu.RUnlock()
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNamespaceNotFound, ns, "no provider registered for %q", ns)
	}
	return e, nil
}

// Namespaces returns the registered namespaces in sorted order.
func (r *Registry) Namespaces() []provider.Namespace {
	r.mu.RLock()
	out := make([]provider.Namespace, 0, len(r.entries))
	for ns := range r.entries {
		out = append(out, ns)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Snapshot returns the current data of one namespace.
func (r *Registry) Snapshot(ns provider.Namespace) (provider.Data, error) {
	e, err := r.lookup(ns)
	if err != nil {
		return provider.Data{}, err
	}
	return e.provider.CurrentData(), nil
}

// SnapshotAll returns the current data of every provider. Each provider's
// static and dynamic snapshots are taken together.
func (r *Registry) SnapshotAll() map[provider.Namespace]provider.Data {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[provider.Namespace]provider.Data, len(r.entries))
	for ns, e := range r.entries {
		out[ns] = e.provider.CurrentData()
	}
	return out
}

// Dispatch routes msg to its provider and waits for the single result. A
// provider that never replies resolves as ErrProviderTimeout; a provider
// that panics or fails resolves as ErrProviderFailed. The returned error is
// always a *protocol.Error.
func (r *Registry) Dispatch(ctx context.Context, msg provider.Message) (provider.Properties, error) {
	if err := msg.Validate(); err != nil {
		return nil, protocol.NewError(protocol.CodeMalformedPayload, msg.Namespace, err)
	}

	e, err := r.lookup(msg.Namespace)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	timeout := r.callTimeout
	r.mu.RUnlock()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// One message at a time per namespace.
	select {
	case e.slot <- struct{}{}:
	case <-callCtx.Done():
		return nil, r.callAborted(callCtx, msg, "namespace busy")
	}
	defer func() { <-e.slot }()

	reply := provider.NewReply(msg.Namespace, msg.Function, r.logger)
	go r.invoke(callCtx, e.provider, msg, reply)

	select {
	case res := <-reply.Done():
		return r.result(msg.Namespace, res)
	case <-callCtx.Done():
		if !reply.Abandon() {
			// The provider replied at the same moment; honour it.
			return r.result(msg.Namespace, <-reply.Done())
		}
		return nil, r.callAborted(callCtx, msg, "no reply")
	}
}

func (r *Registry) invoke(ctx context.Context, p provider.Provider, msg provider.Message, reply *provider.Reply) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("provider panicked handling message",
				"namespace", msg.Namespace,
				"function", msg.Function,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			reply.Fail(protocol.Errorf(protocol.CodeProviderFailed, msg.Namespace, "provider panicked: %v", rec))
		}
	}()
	p.HandleMessage(ctx, msg.Clone(), reply)
}

func (r *Registry) result(ns provider.Namespace, res provider.Result) (provider.Properties, error) {
	if res.Err != nil {
		return nil, protocol.AsError(res.Err, ns)
	}
	if res.Data == nil {
		return provider.Properties{}, nil
	}
	return res.Data, nil
}

func (r *Registry) callAborted(ctx context.Context, msg provider.Message, reason string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.logger.Warn("provider call timed out",
			"namespace", msg.Namespace, "function", msg.Function, "reason", reason)
		return protocol.Errorf(protocol.CodeProviderTimeout, msg.Namespace,
			"%s: %s did not complete in time", reason, msg.Function)
	}
	return protocol.NewError(protocol.CodeConnectionLost, msg.Namespace, ctx.Err())
}

// Notify delivers ev to every registered provider. Hooks run concurrently;
// each is abandoned after the hook timeout so one slow provider cannot hold
// up the others. Notify returns once every hook has completed or been
// abandoned.
func (r *Registry) Notify(ctx context.Context, ev provider.Event) {
	r.mu.RLock()
	timeout := r.hookTimeout
	targets := make(map[provider.Namespace]provider.Provider, len(r.entries))
	for ns, e := range r.entries {
		targets[ns] = e.provider
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for ns, p := range targets {
		g.Go(func() error {
			r.deliverHook(ctx, ns, p, ev, timeout)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Registry) deliverHook(ctx context.Context, ns provider.Namespace, p provider.Provider, ev provider.Event, timeout time.Duration) {
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("provider panicked in lifecycle hook",
					"namespace", ns, "event", ev.String(), "panic", rec)
			}
		}()
		ev.Deliver(hookCtx, p)
	}()

	select {
	case <-done:
	case <-hookCtx.Done():
		r.logger.Warn("lifecycle hook abandoned", "namespace", ns, "event", ev.String(), "timeout", timeout)
	}
}

// scopedPublisher drops snapshots from a provider once it has been replaced
// or deregistered.
type scopedPublisher struct {
	entry *entry
	next  provider.Publisher
}

func (p *scopedPublisher) PublishDynamic(ns provider.Namespace, dynamic provider.Properties) {
	if p.entry.retired.Load() || p.next == nil {
		return
	}
	p.next.PublishDynamic(ns, dynamic)
}
