// Package dhandle implements the open-handle and active-record layer (spec
// component E): per-open state, the pre-read trigger (§4.E.1), chunk-read
// coalescing (§4.E.2), linear-read tracking (§4.E.3), and the write-back
// cache-invalidation rules on close (§4.E.4).
//
// Grounded on the teacher's fs/file.go and fs/inode/file.go (per-inode
// buffered-write/read-lease bookkeeping) and internal/cache/lru's
// Insert/evict idiom, adapted to the intrusive doubly-linked bucket list
// the spec requires (§3, §9: O(1) head/tail move keyed by bucket identity,
// not a generic capacity-bounded value cache).
package dhandle

import (
	"sync"

	"github.com/daos-stack/dfused/internal/eventq"
)

// bucketSize and slotSize are the chunk-cache geometry fixed by §4.E.2.
const (
	bucketSize     = 1 << 20 // 1 MiB
	slotSize       = 128 << 10
	slotsPerBucket = bucketSize / slotSize // 8
)

// Bucket is one 1 MiB-aligned cached region of file data (spec §3 "chunk
// cache bucket"). slotDone[i] is set once the sub-region covering slot i
// has been delivered by the backend read that fills the whole bucket.
type Bucket struct {
	Index    int64
	Slot     *eventq.Slot // the slab-pooled event carrying the 1 MiB buffer
	SlotDone [slotsPerBucket]bool
	Complete bool

	Pending []chan error // woken (nil or backend error) once Complete is set

	prev, next *Bucket // intrusive LRU list links, owned by Active
}

// Active is the per-inode "active record" (spec §3): allocated when the
// first handle opens an inode, freed when the last closes. Holds the
// chunk-cache bucket list and an optional pre-read descriptor. At most one
// Active exists per inode at a time (enforced by the caller, internal/dinode
// via Entry.Active).
type Active struct {
	mu sync.Mutex

	buckets map[int64]*Bucket
	lruHead *Bucket // least-recently-filled
	lruTail *Bucket // most-recently-filled

	PreRead *PreRead
}

// NewActive constructs an empty active record for a newly-opened inode.
func NewActive() *Active {
	return &Active{buckets: map[int64]*Bucket{}}
}

// Close tears down the active record. Per §4.E.2 "close: a non-empty chunk
// list is torn down and every bucket's event recycled; buckets must all be
// marked complete (a caller never abandons a pending read)". release is
// invoked once per bucket so the caller can return its event to the slab
// pool.
func (a *Active) Close(release func(*Bucket)) {
	a.mu.Lock()
	buckets := a.buckets
	a.buckets = nil
	a.lruHead, a.lruTail = nil, nil
	a.mu.Unlock()

	for _, b := range buckets {
		if release != nil {
			release(b)
		}
	}
}

// moveToTail relocates b to the tail of the LRU list (newly filled, per
// §4.E.2's "moved to the tail... when newly filled").
func (a *Active) moveToTail(b *Bucket) {
	a.unlink(b)
	b.prev = a.lruTail
	if a.lruTail != nil {
		a.lruTail.next = b
	}
	a.lruTail = b
	if a.lruHead == nil {
		a.lruHead = b
	}
}

// moveToHead relocates b to the head of the LRU list ("head when all eight
// slots have been delivered").
func (a *Active) moveToHead(b *Bucket) {
	a.unlink(b)
	b.next = a.lruHead
	if a.lruHead != nil {
		a.lruHead.prev = b
	}
	a.lruHead = b
	if a.lruTail == nil {
		a.lruTail = b
	}
}

func (a *Active) unlink(b *Bucket) {
	if b.prev != nil {
		b.prev.next = b.next
	} else if a.lruHead == b {
		a.lruHead = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else if a.lruTail == b {
		a.lruTail = b.prev
	}
	b.prev, b.next = nil, nil
}
