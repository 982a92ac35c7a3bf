package transport

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/widgetinfo/internal/protocol"
)

// Response is the single outcome of a pending call.
type Response struct {
	Data map[string]any
	Err  error
}

type pendingCall struct {
	method string
	ch     chan Response
}

// PendingCalls tracks in-flight requests by id. Each call is resolved at
// most once, either by its response or by FailAll.
type PendingCalls struct {
	mu     sync.Mutex
	calls  map[string]*pendingCall
	closed error
}

// NewPendingCalls creates an empty tracker.
func NewPendingCalls() *PendingCalls {
	return &PendingCalls{calls: make(map[string]*pendingCall)}
}

// Add registers a new call and returns its id and result channel. It fails
// with the closing error once FailAll has run.
func (p *PendingCalls) Add(method string) (string, <-chan Response, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate call id: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed != nil {
		return "", nil, p.closed
	}

	call := &pendingCall{method: method, ch: make(chan Response, 1)}
	p.calls[id.String()] = call
	return id.String(), call.ch, nil
}

// Resolve delivers resp to the call with the given id. It reports false for
// unknown or already resolved ids.
func (p *PendingCalls) Resolve(id string, resp Response) bool {
	p.mu.Lock()
	call, ok := p.calls[id]
	delete(p.calls, id)
	p.mu.Unlock()

	if !ok {
		return false
	}
	call.ch <- resp
	return true
}

// Forget drops a call without resolving it, e.g. when its caller gave up.
func (p *PendingCalls) Forget(id string) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

// FailAll resolves every outstanding call with err and rejects future Adds.
// It returns the number of calls resolved. Only the first FailAll has an
// effect.
func (p *PendingCalls) FailAll(err error) int {
	p.mu.Lock()
	if p.closed != nil {
		p.mu.Unlock()
		return 0
	}
	p.closed = err
	calls := p.calls
	p.calls = make(map[string]*pendingCall)
	p.mu.Unlock()

	for _, call := range calls {
		call.ch <- Response{Err: err}
	}
	return len(calls)
}

// Len returns the number of outstanding calls.
func (p *PendingCalls) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Wait blocks until the call resolves or ctx ends. A call abandoned through
// ctx is forgotten so it never dangles.
func (p *PendingCalls) Wait(ctx context.Context, id string, ch <-chan Response) (map[string]any, error) {
	select {
	case resp := <-ch:
		return resp.Data, resp.Err
	case <-ctx.Done():
		p.Forget(id)
		return nil, protocol.NewError(protocol.CodeProviderTimeout, "", ctx.Err())
	}
}

// ConnectionLost builds the error used to fail calls on invalidation.
func ConnectionLost(cause error) *protocol.Error {
	if cause == nil {
		return protocol.Errorf(protocol.CodeConnectionLost, "", "connection invalidated")
	}
	return protocol.NewError(protocol.CodeConnectionLost, "", cause)
}
