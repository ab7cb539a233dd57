// Package eventq implements the event-queue worker pool (spec component A)
// and the slab pools that back it (component B). Grounded on the shape of
// internal/workerpool.NewStaticWorkerPool (a fixed pool sized at
// construction, stopped once via Stop) and on samples/vectorreadfs and
// samples/cachingfs in the jacobsa/fuse pack, which submit backend work and
// reply to the kernel from whichever goroutine observes completion rather
// than the goroutine that received the request.
package eventq

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/daos-stack/dfused/internal/backend"
	"github.com/daos-stack/dfused/internal/logger"
)

// Worker owns one backend event queue and one counting semaphore. The
// dispatcher posts to the semaphore once per event submitted; the worker
// drains the semaphore, polls the queue in non-blocking mode, and invokes
// each ready completion's callback inline, matching §4.A's "must not block
// on the backend" contract for the callback.
type Worker struct {
	id    int
	queue backend.EventQueue

	sem      chan struct{}
	shutdown atomic.Bool
	done     chan struct{}

	polled atomic.Uint64
}

// NewWorker constructs a worker bound to queue. Run must be called to start
// its poll loop.
func NewWorker(id int, queue backend.EventQueue) *Worker {
	return &Worker{
		id:    id,
		queue: queue,
		// Buffered generously: the dispatcher must never block posting a
		// submission just because the worker is momentarily busy polling.
		sem:  make(chan struct{}, 1<<16),
		done: make(chan struct{}),
	}
}

// Post wakes the worker to poll for one more completion. Called once per
// event submitted to this worker's queue.
func (w *Worker) Post() {
	select {
	case w.sem <- struct{}{}:
	default:
		// Semaphore saturated: the worker is already behind on polling and
		// will pick this submission up on its next non-blocking poll pass
		// regardless, so a dropped wakeup here does not lose the event.
	}
}

// Run is the worker's main loop: drain the semaphore, counting each post as
// an outstanding event, poll non-blocking while any are outstanding
// (yielding once per empty pass), and block on the semaphore when idle.
// Exits once shutdown has been requested and a poll finds no ready
// completion.
func (w *Worker) Run() {
	defer close(w.done)
	pending := 0 // posts not yet matched by a polled completion
	for {
		select {
		case <-w.sem:
			pending++
		default:
			if pending > 0 {
				if n := w.drainOnce(); n > 0 {
					pending = max(pending-n, 0)
				} else if w.shutdown.Load() {
					return
				} else {
					runtime.Gosched()
				}
				continue
			}
			if w.shutdown.Load() {
				if w.drainOnce() == 0 {
					return
				}
				continue
			}
			// Idle: sleep on the semaphore until the dispatcher posts a
			// new submission or Shutdown wakes us.
			<-w.sem
			pending++
		}
	}
}

func (w *Worker) drainOnce() int {
	n := w.queue.PollNoWait(func() {
		w.polled.Add(1)
	})
	return n
}

// Shutdown requests the worker stop once outstanding events drain, and
// blocks until it does (§4.A, §5 "shutdown sets shutdown, posts the
// semaphore; workers drain pending events before exiting").
func (w *Worker) Shutdown() {
	w.shutdown.Store(true)
	w.Post()
	<-w.done
}

// Polled reports how many completions this worker has processed, for
// tests.
func (w *Worker) Polled() uint64 { return w.polled.Load() }

// Pool is a fixed-size set of Workers, one per backend event queue,
// constructed and stopped together the way internal/workerpool's
// NewStaticWorkerPool/Stop pair is used by the teacher.
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewPool starts n workers, one per queue in queues. len(queues) determines
// pool size; n is not a free parameter because each worker is pinned to the
// backend connection that owns its queue.
func NewPool(queues []backend.EventQueue) *Pool {
	p := &Pool{workers: make([]*Worker, len(queues))}
	for i, q := range queues {
		w := NewWorker(i, q)
		p.workers[i] = w
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run()
		}()
	}
	logger.Infof("eventq: started %d workers", len(queues))
	return p
}

// Worker returns the ino'th worker, round-robining event submission across
// the pool so no single queue backs up while others idle.
func (p *Pool) Worker(i int) *Worker {
	if len(p.workers) == 0 {
		return nil
	}
	return p.workers[i%len(p.workers)]
}

// Stop requests every worker shut down and waits for them to drain.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.Shutdown()
	}
	p.wg.Wait()
}
