package dinode

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/daos-stack/dfused/internal/backend"
	"github.com/daos-stack/dfused/internal/dpool"
)

// Entry is one inode table row (spec §3 "inode entry"). Fields mirror the
// spec's data model; the three cache timestamps back the per-container
// caching-attribute rules in internal/dpool, and fsync backs the
// write-before-getattr ordering rule of §4.E.4.
type Entry struct {
	Ino  fuseops.InodeID
	Obj  backend.Object
	Cont *dpool.Container

	// parent and name record where the kernel last saw this inode, used
	// by the invalidation engine's notify_inval_entry upcalls and by the
	// evict-on-close path. Guarded by mu; refreshed on readdir collision
	// and rename.
	parent fuseops.InodeID
	name   string

	// LinearRead is meaningful on directories only: set when a child file
	// was read sequentially to EOF, arming pre-read for the next file
	// opened in this directory (§4.E.1, §4.E.3).
	LinearRead atomic.Bool

	// stat, and the three cache stamps below, are read far more than
	// written (every getattr/lookup reads them); a plain mutex is the
	// teacher's own choice for this in fs/inode/dir.go and carries over
	// unchanged rather than reaching for an RWMutex no profile has asked
	// for.
	mu             sync.Mutex
	stat           fuseops.InodeAttributes
	attrCachedAt   time.Time
	dentryCachedAt time.Time
	dataCachedAt   time.Time

	ref            atomic.Int64
	openCount      atomic.Int64
	openWriteCount atomic.Int64
	ilCount        atomic.Int64
	unlinked       atomic.Bool
	isRoot         bool

	// fsync serializes write completion against getattr/setattr reads of
	// Size for write-back containers (§4.E.4, §8 scenario 5).
	fsync sync.RWMutex

	// Active and SharedReaddir are owned by this entry but live in their
	// own packages (internal/dhandle, internal/readdir); typed loosely
	// here to avoid an import cycle, since both of those packages need to
	// read Entry fields directly. Active teardown needs a slab releaser,
	// so only the readdir handle gets the io.Closer contract.
	Active        any
	SharedReaddir io.Closer

	// BucketLink is the intrusive time-bucket list node (internal/inval);
	// an interface{} here for the same import-cycle reason as above.
	BucketLink any
}

// NewEntry constructs a table row for an object the kernel is about to
// learn of. root entries hold the strong container ref the table's free
// callback releases (§3: "if is_root ... the inode additionally holds a
// strong reference on its container entry").
func NewEntry(obj backend.Object, cont *dpool.Container, parent fuseops.InodeID, name string, root bool) *Entry {
	e := &Entry{Obj: obj, Cont: cont, parent: parent, name: name, isRoot: root}
	return e
}

// Ref reports the current kernel-matched lookup count.
func (e *Entry) Ref() int64 { return e.ref.Load() }

// Stat returns a snapshot of the cached attributes.
func (e *Entry) Stat() fuseops.InodeAttributes {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stat
}

// SetStat replaces the cached attributes and stamps attrCachedAt.
func (e *Entry) SetStat(attrs fuseops.InodeAttributes, now time.Time) {
	e.mu.Lock()
	e.stat = attrs
	e.attrCachedAt = now
	e.mu.Unlock()
}

// AttrAge reports how long ago the attribute cache was last refreshed.
func (e *Entry) AttrAge(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attrCachedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(e.attrCachedAt)
}

// IsRoot reports whether this entry is a container root, per §3.
func (e *Entry) IsRoot() bool { return e.isRoot }

// MarkRoot promotes the entry to a container root, used when a UNS mount
// point swaps the entry's container reference (§4.F.1). The entry then
// holds the strong container ref released by the table's free callback.
func (e *Entry) MarkRoot(c *dpool.Container) {
	e.mu.Lock()
	e.isRoot = true
	e.Cont = c
	e.parent = e.Ino
	e.mu.Unlock()
}

// IsDir reports whether the cached attributes describe a directory, used
// by the invalidation engine's grace policy (§4.G).
func (e *Entry) IsDir() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stat.Mode.IsDir()
}

// ParentIno returns the parent half of ParentName.
func (e *Entry) ParentIno() fuseops.InodeID {
	p, _ := e.ParentName()
	return p
}

// ParentName returns where the kernel last saw this inode.
func (e *Entry) ParentName() (fuseops.InodeID, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.parent, e.name
}

// SetParentName refreshes the last-known location, used on rename and on
// readdir hashing an already-present inode (§4.F "on collision the
// existing inode's parent and name are refreshed").
func (e *Entry) SetParentName(parent fuseops.InodeID, name string) {
	e.mu.Lock()
	e.parent = parent
	e.name = name
	e.mu.Unlock()
}

// IncIL counts an interception-library attach against this inode (§6 "IL"
// ioctl); a non-zero count changes the close-time eviction policy (§4.E.4).
func (e *Entry) IncIL()         { e.ilCount.Add(1) }
func (e *Entry) ILCount() int64 { return e.ilCount.Load() }

// IncOpen/DecOpen track the open-file count used by the pre-read trigger
// (§4.E.1) and by the invalidation engine's open-inode skip rule (§4.G).
func (e *Entry) IncOpen(write bool) {
	e.openCount.Add(1)
	if write {
		e.openWriteCount.Add(1)
	}
}

func (e *Entry) DecOpen(write bool) {
	e.openCount.Add(-1)
	if write {
		e.openWriteCount.Add(-1)
	}
}

func (e *Entry) OpenCount() int64      { return e.openCount.Load() }
func (e *Entry) OpenWriteCount() int64 { return e.openWriteCount.Load() }

// IncWrite/DecWrite adjust the write-open count alone, used when write
// intent is discovered after open (the first WriteFile on a handle).
func (e *Entry) IncWrite() { e.openWriteCount.Add(1) }
func (e *Entry) DecWrite() { e.openWriteCount.Add(-1) }

// MarkUnlinked flags the entry as unlink-pending (§8 scenario 4: an unlink
// racing a concurrent rename onto the same name).
func (e *Entry) MarkUnlinked()  { e.unlinked.Store(true) }
func (e *Entry) Unlinked() bool { return e.unlinked.Load() }

// BeginWrite/EndWrite take the shared side of the fsync lock, one pair per
// in-flight write on a write-back-cache container (§4.E.4, §5: "a
// write-back-cache container takes a shared write-lock on the inode per
// write").
func (e *Entry) BeginWrite() { e.fsync.RLock() }
func (e *Entry) EndWrite()   { e.fsync.RUnlock() }

// DrainWrites takes the exclusive side of the fsync lock, blocking until
// every in-flight write has called EndWrite (§4.E.4: "a metadata flush...
// acquires the exclusive write-lock to drain in-flight writes"; §8 scenario
// 5).
func (e *Entry) DrainWrites() { e.fsync.Lock() }
func (e *Entry) EndDrain()    { e.fsync.Unlock() }

// DentryAge and DataAge mirror AttrAge for the other two cache timestamps,
// used by the container's caching-timeout checks (§4.C) and the readdir
// engine's "caching" decisions (§4.F).
func (e *Entry) DentryAge(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dentryCachedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(e.dentryCachedAt)
}

func (e *Entry) DataAge(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dataCachedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(e.dataCachedAt)
}

// RefreshDentry/RefreshData/EvictAttr/EvictData stamp or clear the relevant
// cache timestamp. Eviction is modeled as setting the stamp to the zero
// time, which AttrAge/DentryAge/DataAge treat as "maximally stale".
func (e *Entry) RefreshDentry(now time.Time) {
	e.mu.Lock()
	e.dentryCachedAt = now
	e.mu.Unlock()
}

func (e *Entry) RefreshData(now time.Time) {
	e.mu.Lock()
	e.dataCachedAt = now
	e.mu.Unlock()
}

func (e *Entry) EvictAttr() {
	e.mu.Lock()
	e.attrCachedAt = time.Time{}
	e.mu.Unlock()
}

func (e *Entry) EvictData() {
	e.mu.Lock()
	e.dataCachedAt = time.Time{}
	e.mu.Unlock()
}
