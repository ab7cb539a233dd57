package dhandle

import (
	"sync/atomic"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/daos-stack/dfused/internal/backend"
)

// Handle is the per-open state created by open()/opendir()/create() (spec
// §3 "open handle"). Grounded on the teacher's per-file-inode bookkeeping in
// fs/inode/file.go, generalized to carry the dfuse-specific linear-read and
// readdir-cursor fields §4.E.3/§4.F require.
type Handle struct {
	ID     fuseops.HandleID
	Inode  fuseops.InodeID
	Obj    backend.Object
	Parent fuseops.InodeID // for linear-read attribution; no reference is held on it

	// Readdir is not set by the dispatcher, which keeps directory cursors
	// on its own open-handle record; it stays nil. Declared as `any` to
	// avoid an import cycle with internal/readdir, which needs to reach
	// back into dinode.Entry.
	Readdir any

	ilCount    atomic.Int64 // interception-library call counter
	writeCount atomic.Int64
	wroteOpen  atomic.Bool // write intent observed on this handle

	linearPos atomic.Int64
	linearEOF atomic.Bool
	nonLinear atomic.Bool // set once a non-sequential read is observed
	anyRead   atomic.Bool

	CachingEnabled bool
	EvictOnClose   atomic.Bool
	WrittenThrough atomic.Bool // a write landed through the cache this open
}

// NewHandle constructs a handle for a freshly-opened inode.
func NewHandle(id fuseops.HandleID, ino, parent fuseops.InodeID, obj backend.Object, cachingEnabled bool) *Handle {
	return &Handle{ID: id, Inode: ino, Parent: parent, Obj: obj, CachingEnabled: cachingEnabled}
}

// IncIL / ILCount track a per-handle interception-library call counter.
// OnClose consults it together with the inode's own counter, which is the
// one §6's IL ioctl increments, for §4.E.4's "if the interception library
// was attached, both caches are evicted".
func (h *Handle) IncIL()         { h.ilCount.Add(1) }
func (h *Handle) ILCount() int64 { return h.ilCount.Load() }

func (h *Handle) IncWrite() { h.writeCount.Add(1) }

// MarkWrite/MarkedWrite latch the handle's write intent: the first write
// through this handle bumps the inode's write-open count, released once
// at close.
func (h *Handle) MarkWrite()        { h.wroteOpen.Store(true) }
func (h *Handle) MarkedWrite() bool { return h.wroteOpen.Load() }
