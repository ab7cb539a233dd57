package eventq

import (
	"sync"
)

// Slab sizes per spec §4.B (DFUSE_MAX_READ / DFUSE_MAX_PRE_READ).
const (
	MaxReadSize    = 1 << 20 // DFUSE_MAX_READ: 1 MiB
	MaxPreReadSize = 4 << 20 // DFUSE_MAX_PRE_READ: 4 MiB
)

// SlabKind distinguishes the three event types that share the pooling
// discipline (§4.B: "three slab types per worker: read, pre-read, write").
type SlabKind int

const (
	SlabRead SlabKind = iota
	SlabPreRead
	SlabWrite
)

func (k SlabKind) bufSize() int {
	if k == SlabPreRead {
		return MaxPreReadSize
	}
	return MaxReadSize
}

// Slot is one recyclable event buffer. Reset lazily allocates the buffer on
// first acquire (matching §4.B: "reset... allocates the buffer lazily and
// arms the backend event"); Release frees it back to nothing, letting the
// GC reclaim the backing array once no Slot references it.
type Slot struct {
	Buf  []byte
	kind SlabKind
}

func (s *Slot) reset() {
	if s.Buf == nil {
		s.Buf = make([]byte, s.kind.bufSize())
	}
}

// SlabPool is a bounded, recyclable pool of Slots of one kind. Acquire and
// Release are the hot-path operations; Restock pre-warms free slots off
// the critical path so a later Acquire on the request path does not pay
// an allocation.
type SlabPool struct {
	kind  SlabKind
	limit int

	mu     sync.Mutex
	free   []*Slot
	issued int
}

// NewSlabPool constructs a pool of the given kind bounded to limit
// outstanding slots.
func NewSlabPool(kind SlabKind, limit int) *SlabPool {
	return &SlabPool{kind: kind, limit: limit}
}

// Acquire returns a ready-to-use slot, or nil if the pool is exhausted
// (caller must map this to ENOMEM per §7).
func (p *SlabPool) Acquire() *Slot {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		s.reset()
		return s
	}
	if p.issued >= p.limit {
		p.mu.Unlock()
		return nil
	}
	p.issued++
	p.mu.Unlock()
	s := &Slot{kind: p.kind}
	s.reset()
	return s
}

// Release returns a slot to the pool for reuse.
func (p *SlabPool) Release(s *Slot) {
	if s == nil {
		return
	}
	p.mu.Lock()
	p.free = append(p.free, s)
	p.mu.Unlock()
}

// Restock pre-allocates up to n slots so subsequent Acquire calls on the
// request path find warm buffers. Intended to be called from a background
// goroutine, never from the dispatcher itself.
func (p *SlabPool) Restock(n int) {
	for i := 0; i < n; i++ {
		p.mu.Lock()
		if p.issued >= p.limit {
			p.mu.Unlock()
			return
		}
		p.issued++
		p.mu.Unlock()
		s := &Slot{kind: p.kind}
		s.reset()
		p.Release(s)
	}
}
