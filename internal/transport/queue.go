package transport

import "sync"

// PushQueue runs queued functions one at a time, in order, on its own
// goroutine. Transports use it to deliver pushes to a protocol.Client
// without blocking their read loops and without reordering.
type PushQueue struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
	doneCh  chan struct{}
}

// NewPushQueue starts a queue.
func NewPushQueue() *PushQueue {
	q := &PushQueue{
		wake:   make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}
	go q.run()
	return q
}

// Push enqueues fn. It reports false once the queue is closed.
func (q *PushQueue) Push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of functions waiting to run.
func (q *PushQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting work, runs what is already queued and waits for
// the worker to exit. Close must not be called from a queued function.
func (q *PushQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.doneCh
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.doneCh
}

func (q *PushQueue) run() {
	defer close(q.doneCh)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, fn := range batch {
			fn()
		}

		if len(batch) == 0 {
			if closed {
				return
			}
			<-q.wake
		}
	}
}
