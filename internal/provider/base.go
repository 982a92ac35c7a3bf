package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Base errors.
var (
	ErrStaticAlreadySet    = errors.New("static properties already set")
	ErrUnsupportedFunction = errors.New("unsupported function")
)

// Base holds the snapshots shared by every provider and implements the
// parts of Provider that do not depend on domain logic. Leaf providers embed
// *Base and override what they need.
type Base struct {
	namespace Namespace
	logger    *slog.Logger

	mu        sync.RWMutex
	static    Properties
	staticSet bool
	dynamic   Properties
	updatedAt time.Time
	publisher Publisher
}

// NewBase creates a Base for the given namespace.
func NewBase(ns Namespace, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		namespace: ns,
		logger:    logger.With("namespace", string(ns)),
		static:    Properties{},
		dynamic:   Properties{},
	}
}

// Namespace returns the provider namespace.
func (b *Base) Namespace() Namespace {
	return b.namespace
}

// Logger returns the namespace-scoped logger.
func (b *Base) Logger() *slog.Logger {
	return b.logger
}

// Initialise attaches the publisher. Providers that override it must call
// Attach themselves.
func (b *Base) Initialise(_ context.Context, pub Publisher) error {
	b.Attach(pub)
	return nil
}

// Attach sets the publisher that receives dynamic snapshots.
func (b *Base) Attach(pub Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publisher = pub
}

// SetStatic stores the static snapshot. It may be called once.
func (b *Base) SetStatic(p Properties) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid static properties: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.staticSet {
		return ErrStaticAlreadySet
	}
	b.static = p.Clone()
	if b.static == nil {
		b.static = Properties{}
	}
	b.staticSet = true
	return nil
}

// SetDynamic replaces the dynamic snapshot and publishes it.
func (b *Base) SetDynamic(p Properties) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid dynamic properties: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.dynamic = p.Clone()
	if b.dynamic == nil {
		b.dynamic = Properties{}
	}
	b.publishLocked()
	return nil
}

// UpdateDynamic applies fn to a copy of the dynamic snapshot, stores the
// result and publishes it once.
func (b *Base) UpdateDynamic(fn func(p Properties)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.dynamic.Clone()
	if next == nil {
		next = Properties{}
	}
	fn(next)
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid dynamic properties: %w", err)
	}
	b.dynamic = next
	b.publishLocked()
	return nil
}

// publishLocked must be called with b.mu held so that publishes are ordered
// the same way as the mutations that caused them.
func (b *Base) publishLocked() {
	b.updatedAt = time.Now()
	if b.publisher == nil {
		return
	}
	b.publisher.PublishDynamic(b.namespace, b.dynamic.Clone())
}

// CurrentData returns a copy of both snapshots taken under one lock.
func (b *Base) CurrentData() Data {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Data{Static: b.static.Clone(), Dynamic: b.dynamic.Clone()}
}

// UpdatedAt returns the time of the last dynamic mutation.
func (b *Base) UpdatedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updatedAt
}

// HandleMessage rejects every function.
func (b *Base) HandleMessage(_ context.Context, msg Message, reply *Reply) {
	reply.Fail(fmt.Errorf("%w: %s", ErrUnsupportedFunction, msg.Function))
}

// OnDeviceSleep and the other lifecycle hooks below do nothing; providers
// override the ones they care about.
func (b *Base) OnDeviceSleep(context.Context)           {}
func (b *Base) OnDeviceWake(context.Context)            {}
func (b *Base) OnNetworkUp(context.Context)             {}
func (b *Base) OnNetworkDown(context.Context)           {}
func (b *Base) OnSignificantTimeChange(context.Context) {}
func (b *Base) OnHourChange(context.Context)            {}
