package provider

import (
	"log/slog"
	"sync"
)

// Result is the single outcome of a dispatched message.
type Result struct {
	Data Properties
	Err  error
}

// Reply is a one-shot result slot handed to HandleMessage. The first Send,
// Fail or Abandon wins; later completions are logged and ignored.
type Reply struct {
	logger    *slog.Logger
	namespace Namespace
	function  string

	once sync.Once
	ch   chan Result

	mu        sync.Mutex
	abandoned bool
}

// NewReply creates a reply slot for one call.
func NewReply(ns Namespace, function string, logger *slog.Logger) *Reply {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reply{
		logger:    logger,
		namespace: ns,
		function:  function,
		ch:        make(chan Result, 1),
	}
}

// Send completes the reply with a result mapping. It reports whether this
// call was the one that completed it.
func (r *Reply) Send(data Properties) bool {
	return r.complete(Result{Data: data})
}

// Fail completes the reply with an error.
func (r *Reply) Fail(err error) bool {
	return r.complete(Result{Err: err})
}

// Abandon marks the reply as given up on by the caller, e.g. after a
// timeout. A provider completing it afterwards is ignored.
func (r *Reply) Abandon() bool {
	won := false
	r.once.Do(func() {
		won = true
		r.mu.Lock()
		r.abandoned = true
		r.mu.Unlock()
		close(r.ch)
	})
	return won
}

// Done returns a channel that yields the result once. It is closed without a
// value if the reply was abandoned.
func (r *Reply) Done() <-chan Result {
	return r.ch
}

func (r *Reply) complete(res Result) bool {
	won := false
	r.once.Do(func() {
		won = true
		r.ch <- res
		close(r.ch)
	})
	if !won {
		r.mu.Lock()
		abandoned := r.abandoned
		r.mu.Unlock()
		if abandoned {
			r.logger.Warn("provider replied after the call was abandoned",
				"namespace", r.namespace, "function", r.function)
		} else {
			r.logger.Error("provider replied more than once; ignoring",
				"namespace", r.namespace, "function", r.function)
		}
	}
	return won
}
