package dhandle

import (
	"context"
	"sync"

	"github.com/daos-stack/dfused/internal/backend"
	"github.com/daos-stack/dfused/internal/eventq"
)

// MaxPreReadFileSize is the §4.E.1 eligibility ceiling: pre-read is only
// attempted for files no larger than 4 MiB.
const MaxPreReadFileSize = 4 << 20

// PreRead is the speculative full-file read descriptor allocated on the
// active record when open() triggers it (§4.E.1).
type PreRead struct {
	mu        sync.Mutex
	slot      *eventq.Slot
	done      bool
	err       error
	expectLen int64 // expected file size at trigger time
	gotLen    int64
	invalid   bool // true once the pre-read is known stale (file shrank)

	waiters []chan struct{}
}

// PreReadEligible implements §4.E.1's trigger conditions: data caching
// enabled, file not already open elsewhere, data cache expired, file size
// within MaxPreReadFileSize, and the parent directory's linear-read flag
// set.
func PreReadEligible(cachingEnabled bool, alreadyOpenElsewhere bool, dataCacheExpired bool, fileSize uint64, parentLinearRead bool) bool {
	return cachingEnabled &&
		!alreadyOpenElsewhere &&
		dataCacheExpired &&
		fileSize <= MaxPreReadFileSize &&
		parentLinearRead
}

// StartPreRead allocates the descriptor and issues the full-file read
// asynchronously, returning immediately so the caller can reply to open()
// without waiting (§4.E.1: "replies to open immediately").
func StartPreRead(ctx context.Context, obj backend.Object, acquire func() *eventq.Slot, fileSize int64) *PreRead {
	slot := acquire()
	if slot == nil {
		return nil
	}
	pr := &PreRead{slot: slot, expectLen: fileSize}
	go pr.run(ctx, obj)
	return pr
}

func (pr *PreRead) run(ctx context.Context, obj backend.Object) {
	n, err := obj.ReadAt(ctx, pr.slot.Buf[:min64(pr.expectLen, int64(len(pr.slot.Buf)))], 0)

	pr.mu.Lock()
	pr.gotLen = int64(n)
	pr.err = err
	pr.done = true
	// §4.E.1: "if the pre-read length is not equal to the expected file
	// size (file shrank), the descriptor is invalidated and future reads
	// fall through to the backend."
	if int64(n) != pr.expectLen {
		pr.invalid = true
	}
	waiters := pr.waiters
	pr.waiters = nil
	pr.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// Covers reports whether (pos, length) lies entirely within the pre-read
// range and the descriptor is still valid.
func (pr *PreRead) Covers(pos, length int64) bool {
	if pr == nil {
		return false
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.invalid {
		return false
	}
	limit := pr.gotLen
	if !pr.done {
		limit = pr.expectLen
	}
	return pos >= 0 && pos+length <= limit
}

// Read serves dst from the pre-read buffer, blocking until the background
// fetch completes if necessary. Returns ok=false if the descriptor became
// invalid while waiting, in which case the caller must fall through to the
// backend.
func (pr *PreRead) Read(ctx context.Context, pos, length int64, dst []byte) (n int, ok bool, err error) {
	pr.mu.Lock()
	if !pr.done {
		w := make(chan struct{})
		pr.waiters = append(pr.waiters, w)
		pr.mu.Unlock()
		select {
		case <-w:
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
		pr.mu.Lock()
	}
	defer pr.mu.Unlock()
	if pr.invalid || pr.err != nil && pr.gotLen == 0 {
		return 0, false, nil
	}
	end := pos + length
	if end > pr.gotLen {
		end = pr.gotLen
	}
	if pos >= end {
		return 0, true, nil
	}
	return copy(dst, pr.slot.Buf[pos:end]), true, nil
}

// Release returns the pre-read's slab slot via the supplied releaser,
// called when the active record holding this descriptor is torn down.
func (pr *PreRead) Release(release func(*eventq.Slot)) {
	if pr == nil || release == nil {
		return
	}
	release(pr.slot)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
