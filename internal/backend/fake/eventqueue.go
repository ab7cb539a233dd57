package fake

import (
	"sync"

	"github.com/daos-stack/dfused/internal/backend"
)

// eventQueue is a minimal stand-in for a backend completion queue: work
// submitted via submit runs on a dedicated goroutine and its result is
// pushed to a mutex-guarded ready list that PollNoWait drains.
type eventQueue struct {
	mu     sync.Mutex
	ready  []func()
	closed bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{}
}

func (q *eventQueue) submit(work func() backend.AsyncResult, done chan<- backend.AsyncResult) {
	go func() {
		res := work()
		q.mu.Lock()
		closed := q.closed
		if !closed {
			q.ready = append(q.ready, func() { done <- res })
		}
		q.mu.Unlock()
		if closed {
			done <- res
		}
	}()
}

func (q *eventQueue) PollNoWait(cb func()) int {
	q.mu.Lock()
	batch := q.ready
	q.ready = nil
	q.mu.Unlock()

	for _, fn := range batch {
		fn()
		if cb != nil {
			cb()
		}
	}
	return len(batch)
}

func (q *eventQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

var _ backend.EventQueue = (*eventQueue)(nil)
