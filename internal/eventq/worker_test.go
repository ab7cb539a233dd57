package eventq

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/daos-stack/dfused/internal/backend"
)

// testQueue is a minimal backend.EventQueue double: submit enqueues a
// completion callback, PollNoWait drains whatever is ready. Stands in for a
// real backend completion queue to exercise Worker/Pool in isolation.
type testQueue struct {
	mu    sync.Mutex
	ready []func()
}

func (q *testQueue) submit(cb func()) {
	q.mu.Lock()
	q.ready = append(q.ready, cb)
	q.mu.Unlock()
}

func (q *testQueue) PollNoWait(cb func()) int {
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

func (q *testQueue) Close() error { return nil }

var _ backend.EventQueue = (*testQueue)(nil)

func TestPool_DrivesSubmittedCompletions(t *testing.T) {
	q := &testQueue{}
	pool := NewPool([]backend.EventQueue{q})
	defer pool.Stop()

	done := make(chan int, 1)
	q.submit(func() { done <- 42 })
	pool.Worker(0).Post()

	select {
	case v := <-done:
		assert.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker to drive completion")
	}
}

func TestPool_StopDrainsOutstanding(t *testing.T) {
	q := &testQueue{}
	pool := NewPool([]backend.EventQueue{q})

	var ran atomic32
	q.submit(func() { ran.set(1) })
	pool.Worker(0).Post()

	// Give the worker a moment to run before Stop races it.
	time.Sleep(20 * time.Millisecond)
	pool.Stop()

	assert.Equal(t, int32(1), ran.get())
}

type atomic32 struct {
	mu sync.Mutex
	v  int32
}

func (a *atomic32) set(v int32) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomic32) get() int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
