package dhandle

import (
	"context"
	"fmt"

	"github.com/daos-stack/dfused/internal/backend"
	"github.com/daos-stack/dfused/internal/dfuseerr"
	"github.com/daos-stack/dfused/internal/eventq"
)

// ChunkEligible reports whether a read at (pos, length) against a file of
// the given size qualifies for chunk-cache service per §4.E.2: aligned on
// 128 KiB with length 128 KiB, and the containing 1 MiB bucket entirely
// within the file.
func ChunkEligible(pos, length int64, fileSize uint64) bool {
	if pos%slotSize != 0 || length != slotSize {
		return false
	}
	// A bucket straddling EOF is never cached; those reads take the
	// plain backend path.
	bucketStart := (pos / bucketSize) * bucketSize
	return uint64(bucketStart+bucketSize) <= fileSize
}

// bucketAndSlot implements §4.E.2's selection formula:
//
//	bucket = ((pos + len) aligned-up to 1 MiB) / 1 MiB − 1
//	slot   = (pos / 128 KiB) mod 8
func bucketAndSlot(pos, length int64) (bucket int64, slot int) {
	end := pos + length
	alignedUp := ((end + bucketSize - 1) / bucketSize) * bucketSize
	bucket = alignedUp/bucketSize - 1
	slot = int((pos / slotSize) % slotsPerBucket)
	return
}

// ChunkRead attempts to serve a 128 KiB-aligned read from the chunk cache,
// allocating and filling the containing bucket on first touch. It blocks
// the calling goroutine until the bucket's relevant slot is ready — callers
// on the FUSE dispatch path do this from within the per-request goroutine,
// matching §4.E.2's "register the request on the pending list" contract
// (the wait below is logically the kernel-visible request sitting on that
// list; it is implemented with a channel rather than an explicit callback
// because Go makes blocking a non-issue per request goroutine, unlike the
// C original's event-driven completion).
func (a *Active) ChunkRead(ctx context.Context, obj backend.Object, eq backend.EventQueue, acquire func() *eventq.Slot, pos, length int64, dst []byte) (int, error) {
	bucketIdx, slot := bucketAndSlot(pos, length)
	bucketStart := bucketIdx * bucketSize

	a.mu.Lock()
	b, ok := a.buckets[bucketIdx]
	if !ok {
		s := acquire()
		if s == nil {
			a.mu.Unlock()
			return 0, ErrNoMemory
		}
		b = &Bucket{Index: bucketIdx, Slot: s}
		a.buckets[bucketIdx] = b
		a.moveToTail(b)
		wait := make(chan error, 1)
		b.Pending = append(b.Pending, wait)
		a.mu.Unlock()

		// Submit the full-bucket fill outside the lock: backend I/O must
		// not block other readers touching different buckets.
		go a.fillBucket(ctx, obj, b, bucketStart)

		if err := <-wait; err != nil {
			return 0, err
		}
		return copy(dst, b.Slot.Buf[int64(slot)*slotSize:]), nil
	}

	if b.Complete {
		a.mu.Unlock()
		return copy(dst, b.Slot.Buf[int64(slot)*slotSize:]), nil
	}

	wait := make(chan error, 1)
	b.Pending = append(b.Pending, wait)
	a.mu.Unlock()

	if err := <-wait; err != nil {
		return 0, err
	}
	return copy(dst, b.Slot.Buf[int64(slot)*slotSize:]), nil
}

func (a *Active) fillBucket(ctx context.Context, obj backend.Object, b *Bucket, bucketStart int64) {
	n, err := obj.ReadAt(ctx, b.Slot.Buf, bucketStart)

	a.mu.Lock()
	if err == nil || n > 0 {
		filled := n
		for s := 0; s*slotSize < filled; s++ {
			b.SlotDone[s] = true
		}
	}
	b.Complete = true
	if allSlotsDone(b) {
		a.moveToHead(b)
	}
	waiters := b.Pending
	b.Pending = nil
	a.mu.Unlock()

	for _, w := range waiters {
		w <- err
	}
}

func allSlotsDone(b *Bucket) bool {
	for _, done := range b.SlotDone {
		if !done {
			return false
		}
	}
	return true
}

// ErrNoMemory is returned when a chunk-cache read cannot acquire a slab
// slot; the dispatcher maps this to ENOMEM per §7.
var ErrNoMemory = fmt.Errorf("dhandle: no free slab slots: %w", dfuseerr.ErrNoMemory)
