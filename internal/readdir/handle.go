// Package readdir implements the directory-iteration engine (spec
// component F): per-open cursors over a shared or private readdir handle,
// a bounded forward buffer over the backend iterator, and a cache list of
// completed entries reused by later opens of the same directory.
//
// Grounded on the teacher's fs/dir_handle.go (the buffered listing window
// over a paginated backend, the "fix up the offsets" encode loop, the
// buffer-full retry contract) and fs/inode/dir.go's continuation-token
// iteration, extended with the shared-handle/cache-list machinery this
// daemon needs for kernel-visible listing caches.
package readdir

import (
	"container/list"
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/daos-stack/dfused/internal/backend"
	"github.com/daos-stack/dfused/internal/dinode"
	"github.com/daos-stack/dfused/internal/logger"
)

const (
	// windowCap bounds the forward buffer: entries fetched from the
	// backend but not yet replied to the kernel.
	windowCap = 1024

	// EOD is the offset marking end-of-directory to the kernel.
	EOD = fuseops.DirOffset(1) << 63

	// Offsets 0 and 1 are reserved for the dot entries; real entries
	// start at 2.
	firstEntryOffset = fuseops.DirOffset(2)
)

// IterFactory opens a fresh backend iterator for the directory.
type IterFactory func(ctx context.Context) (backend.DirIterator, error)

// Resolver is the dispatcher's half of per-entry work (§4.F "per-entry
// work"): it owns the inode table and the UNS traversal logic, neither of
// which this package reaches directly.
type Resolver interface {
	// Resolve performs the full (plus-style) lookup of name, installing
	// the child in the inode table with one kernel reference. st carries
	// the listing's stat when the caller has one; nil forces a fresh
	// backend lookup (the cache-upgrade path). When cacheRef is true a
	// second reference is taken, owned by the readdir cache list until
	// the handle is freed.
	Resolve(ctx context.Context, name string, st *backend.Stat, cacheRef bool) (fuseops.ChildInodeEntry, error)

	// AddKernelRef hands the kernel one more reference to an inode the
	// cache already holds.
	AddKernelRef(ino fuseops.InodeID)

	// InoFor computes the inode number for a listing entry without
	// touching the inode table (non-plus readdir needs only name, ino
	// and type).
	InoFor(st backend.Stat) fuseops.InodeID

	// ReleaseKernelRef undoes a Resolve/AddKernelRef reference when the
	// encoded entry did not fit in the reply buffer and will be re-tried
	// on a later call.
	ReleaseKernelRef(ino fuseops.InodeID)
}

// cacheEntry is one completed directory entry on the cache list.
type cacheEntry struct {
	name   string
	ino    fuseops.InodeID
	held   bool // a table reference is held by this list
	attrs  fuseops.InodeAttributes
	mode   os.FileMode
	offset fuseops.DirOffset
	next   fuseops.DirOffset
}

// windowEntry is one fetched-but-unreplied entry in the forward buffer.
type windowEntry struct {
	name   string
	stat   backend.Stat
	offset fuseops.DirOffset
	next   fuseops.DirOffset
}

// Handle is the iterator state shared by one or more open directory
// handles (§3 "readdir handle").
type Handle struct {
	ino     fuseops.InodeID
	newIter IterFactory

	ref     atomic.Int64
	valid   atomic.Bool
	caching bool
	shared  bool

	// mu guards everything below: read side for cache-list traversal,
	// write side for extension, window refill and seek (§5).
	mu     sync.RWMutex
	anchor backend.DirIterator
	window []windowEntry
	eod    bool
	// nextFetch is the request offset the next backend fetch will be
	// assigned; equals the offset just past the window's last entry.
	nextFetch fuseops.DirOffset

	// cache is the monotonically-growing list of *cacheEntry. Entries
	// are never removed while the handle lives; the list is bounded only
	// by directory invalidation. This is deliberate, if suspicious: see
	// the unbounded-growth note in DESIGN.md.
	cache  *list.List
	unheld int // cache entries with no held table reference

	releaseRef func(ino fuseops.InodeID)
}

func newHandle(ino fuseops.InodeID, newIter IterFactory, caching, shared bool, releaseRef func(fuseops.InodeID)) *Handle {
	h := &Handle{
		ino:        ino,
		newIter:    newIter,
		caching:    caching,
		shared:     shared,
		nextFetch:  firstEntryOffset,
		cache:      list.New(),
		releaseRef: releaseRef,
	}
	h.valid.Store(true)
	return h
}

// Invalidate marks the handle stale, called when the directory is
// mutated. Existing cursors fall back to the backend; future opens
// allocate a fresh handle.
func (h *Handle) Invalidate() { h.valid.Store(false) }

// Valid reports whether the cached listing still reflects the directory.
func (h *Handle) Valid() bool { return h.valid.Load() }

// Ref reports the current cursor count, for tests and shutdown asserts.
func (h *Handle) Ref() int64 { return h.ref.Load() }

// Shared reports whether this handle is installed as an inode's shared
// handle.
func (h *Handle) Shared() bool { return h.shared }

// CacheLen reports the cache-list length.
func (h *Handle) CacheLen() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cache.Len()
}

// Close frees the handle: the backend iterator is closed and every
// cache-held inode reference is released exactly once. Implements
// io.Closer so dinode.Entry can hold the shared handle without an import
// cycle.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.anchor != nil {
		if err := h.anchor.Close(context.Background()); err != nil {
			logger.Warnf("readdir: closing iterator for inode %d: %v", h.ino, err)
		}
		h.anchor = nil
	}
	for el := h.cache.Front(); el != nil; el = el.Next() {
		ce := el.Value.(*cacheEntry)
		if ce.held {
			ce.held = false
			h.releaseRef(ce.ino)
		}
	}
	h.cache.Init()
	return nil
}

var _ io.Closer = (*Handle)(nil)

// Cursor is the per-open-handle iteration state (§3 open handle: "the
// readdir cursor (next expected offset, pointer into the shared cache
// list)").
type Cursor struct {
	h    *Handle
	next fuseops.DirOffset
	elem *list.Element
}

// Acquire selects or creates the readdir handle for an opendir (§4.F
// "readdir-handle selection") and returns a cursor over it. dirCaching is
// whether the container has a non-zero dentry timeout. The kernel
// serializes synchronous ops on one inode, so the check-and-install on
// e.SharedReaddir does not race another Acquire; it can race a Release,
// which only ever decrements cursor counts.
func Acquire(e *dinode.Entry, dirCaching bool, newIter IterFactory, releaseRef func(fuseops.InodeID)) *Cursor {
	if sh, ok := e.SharedReaddir.(*Handle); ok {
		if sh.Valid() {
			sh.ref.Add(1)
			return &Cursor{h: sh}
		}
		// Stale shared handle: detach; it is freed here if no cursor
		// still walks it, else by the last cursor's Release.
		e.SharedReaddir = nil
		if sh.ref.Load() == 0 {
			_ = sh.Close()
		}
	}
	shared := dirCaching && e.SharedReaddir == nil
	h := newHandle(e.Ino, newIter, shared, shared, releaseRef)
	h.ref.Add(1)
	if shared {
		e.SharedReaddir = h
	}
	return &Cursor{h: h}
}

// Release drops the cursor's reference. The handle is freed only when no
// cursor references it and no inode holds it as the shared handle (§4.F
// invariants). Races ReadDir on other cursors by design (§5: release is
// not serialized by the kernel's inode lock); the atomic refcount is the
// arbiter.
func (c *Cursor) Release(e *dinode.Entry) {
	if c == nil || c.h == nil {
		return
	}
	h := c.h
	c.h = nil
	if h.ref.Add(-1) > 0 {
		return
	}
	if sh, ok := e.SharedReaddir.(*Handle); ok && sh == h {
		return
	}
	_ = h.Close()
}

// HandleForTest exposes the cursor's current handle.
func (c *Cursor) HandleForTest() *Handle { return c.h }

// NextOffset is the offset the cursor expects the kernel to request next.
func (c *Cursor) NextOffset() fuseops.DirOffset { return c.next }

func direntType(k backend.Kind) fuseutil.DirentType {
	switch k {
	case backend.KindDirectory:
		return fuseutil.DT_Directory
	case backend.KindSymlink:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}

func kindMode(k backend.Kind) os.FileMode {
	switch k {
	case backend.KindDirectory:
		return os.ModeDir
	case backend.KindSymlink:
		return os.ModeSymlink
	default:
		return 0
	}
}

// ReadDir fills dst with encoded entries starting at offset, per the
// kernel contract in §4.F. plus selects readdirplus encoding. Returns the
// number of bytes written; zero means end-of-directory to the kernel —
// including the boundary case of a buffer too small for even one entry,
// which the kernel resolves by retrying with a bigger buffer (§8).
func (c *Cursor) ReadDir(ctx context.Context, e *dinode.Entry, offset fuseops.DirOffset, dst []byte, plus bool, r Resolver) (int, error) {
	if offset >= EOD {
		return 0, nil
	}

	// A rewind (seekdir to the dot range after real entries were
	// consumed) counts as a seek: a shared handle is surrendered to its
	// other cursors and iteration restarts privately (§4.F).
	if offset < firstEntryOffset && c.next > firstEntryOffset && c.h.shared {
		c.migrate()
	}

	n := 0
	// Dot entries live at the reserved offsets 0 and 1.
	for ; offset < firstEntryOffset; offset++ {
		name := "."
		ino := e.Ino
		if offset == 1 {
			name = ".."
			ino, _ = e.ParentName()
		}
		written := fuseutil.WriteDirent(dst[n:], fuseutil.Dirent{
			Offset: offset + 1,
			Inode:  ino,
			Name:   name,
			Type:   fuseutil.DT_Directory,
		})
		if written == 0 {
			return n, nil
		}
		n += written
		c.next = offset + 1
	}

	for {
		written, next, err := c.emitOne(ctx, offset, dst[n:], plus, r)
		if err != nil {
			if n > 0 {
				// Entries already encoded belong to the kernel; the
				// failed entry is retried on the next call.
				logger.Debugf("readdir inode %d offset %d: %v (partial reply)", e.Ino, offset, err)
				return n, nil
			}
			return 0, err
		}
		if written == 0 {
			return n, nil
		}
		n += written
		offset = next
		if offset >= EOD {
			return n, nil
		}
	}
}

// emitOne produces the single entry at offset into dst, from the cache
// list, the forward buffer, or the backend, in that priority order
// (§4.F's three sources). written == 0 with err == nil means either
// end-of-directory (next == EOD) or entry-does-not-fit (next == 0).
func (c *Cursor) emitOne(ctx context.Context, offset fuseops.DirOffset, dst []byte, plus bool, r Resolver) (written int, next fuseops.DirOffset, err error) {
	// Source 1: the cache list, via the cursor's pointer when it
	// matches, else by walking the list.
	if el := c.cacheAt(offset); el != nil {
		return c.emitCached(ctx, el, dst, plus, r)
	}

	// Two passes at most: the first may migrate a shared handle to a
	// private one (seek detection), the second serves from it.
	for {
		h := c.h
		h.mu.Lock()

		if len(h.window) > 0 && h.window[0].offset == offset {
			return c.emitWindowLocked(ctx, dst, plus, r)
		}

		if offset != h.windowStartLocked() {
			// Seek: not the expected next offset and no cache entry
			// matched (§4.F "seek detection").
			if h.shared {
				h.mu.Unlock()
				c.migrate()
				continue
			}
			if err := h.reanchorLocked(ctx, offset); err != nil {
				h.mu.Unlock()
				return 0, 0, err
			}
		}

		// Source 3: drive the backend until the window has content or
		// EOD.
		if len(h.window) == 0 {
			if err := h.fillLocked(ctx); err != nil {
				h.mu.Unlock()
				return 0, 0, err
			}
		}
		if len(h.window) == 0 {
			h.mu.Unlock()
			return 0, EOD, nil
		}
		return c.emitWindowLocked(ctx, dst, plus, r)
	}
}

// migrate replaces the cursor's shared handle with a fresh private one,
// leaving the shared handle (and its cache list) installed on the inode
// for other cursors (§4.F: "it is dropped (ref-decrement) and replaced
// with a private one").
func (c *Cursor) migrate() {
	old := c.h
	priv := newHandle(old.ino, old.newIter, false, false, old.releaseRef)
	priv.ref.Add(1)
	c.h = priv
	c.elem = nil
	old.ref.Add(-1)
}

// emitWindowLocked serves the window head. Caller holds c.h.mu, released
// here on every path.
func (c *Cursor) emitWindowLocked(ctx context.Context, dst []byte, plus bool, r Resolver) (int, fuseops.DirOffset, error) {
	h := c.h
	we := h.window[0]
	cacheRef := plus && h.caching && h.valid.Load()

	dirent := fuseutil.Dirent{
		Offset: we.next,
		Inode:  r.InoFor(we.stat),
		Name:   we.name,
		Type:   direntType(we.stat.Kind),
	}

	var child fuseops.ChildInodeEntry
	var written int
	if plus {
		var err error
		child, err = r.Resolve(ctx, we.name, &we.stat, cacheRef)
		if err != nil {
			h.mu.Unlock()
			return 0, 0, err
		}
		dirent.Inode = child.Child
		written = fuseutil.WriteDirentPlus(dst, fuseutil.DirentPlus{Dirent: dirent, Entry: child})
	} else {
		written = fuseutil.WriteDirent(dst, dirent)
	}

	if written == 0 {
		// Buffer full: the window index is not advanced, so the entry
		// is re-tried on the next call; any references minted for this
		// attempt are surrendered (§4.F "buffer-full handling").
		h.mu.Unlock()
		if plus {
			r.ReleaseKernelRef(dirent.Inode)
			if cacheRef {
				h.releaseRef(dirent.Inode)
			}
		}
		return 0, 0, nil
	}

	h.window = h.window[1:]
	if h.caching {
		ce := &cacheEntry{
			name:   we.name,
			ino:    dirent.Inode,
			held:   cacheRef,
			offset: we.offset,
			next:   we.next,
			mode:   kindMode(we.stat.Kind),
		}
		if plus {
			ce.attrs = child.Attributes
		}
		if !ce.held {
			h.unheld++
		}
		c.elem = h.cache.PushBack(ce)
	}
	h.mu.Unlock()
	c.next = we.next
	return written, we.next, nil
}

// cacheAt locates offset in the cache list: O(1) when the cursor's
// pointer already matches, a list walk otherwise (§4.F: "walks the list
// until it finds the matching offset").
func (c *Cursor) cacheAt(offset fuseops.DirOffset) *list.Element {
	h := c.h
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.elem != nil {
		if nextEl := c.elem.Next(); nextEl != nil && nextEl.Value.(*cacheEntry).offset == offset {
			return nextEl
		}
		if c.elem.Value.(*cacheEntry).offset == offset {
			return c.elem
		}
	}
	for el := h.cache.Front(); el != nil; el = el.Next() {
		if el.Value.(*cacheEntry).offset == offset {
			return el
		}
	}
	return nil
}

// emitCached serves one entry from the cache list, upgrading a non-held
// entry in place when a plus caller needs the full stat (§4.F source 1:
// "does the full lookup now and installs the ref").
func (c *Cursor) emitCached(ctx context.Context, el *list.Element, dst []byte, plus bool, r Resolver) (int, fuseops.DirOffset, error) {
	h := c.h
	h.mu.RLock()
	ce := el.Value.(*cacheEntry)
	name, attrs, mode := ce.name, ce.attrs, ce.mode
	ino, held, next := ce.ino, ce.held, ce.next
	h.mu.RUnlock()

	dirent := fuseutil.Dirent{
		Offset: next,
		Inode:  ino,
		Name:   name,
		Type:   fuseutil.DT_File,
	}
	switch {
	case mode.IsDir():
		dirent.Type = fuseutil.DT_Directory
	case mode&os.ModeSymlink != 0:
		dirent.Type = fuseutil.DT_Link
	}

	var written int
	if plus {
		var child fuseops.ChildInodeEntry
		if held {
			r.AddKernelRef(ino)
			child = fuseops.ChildInodeEntry{Child: ino, Attributes: attrs}
		} else {
			var err error
			child, err = r.Resolve(ctx, name, nil, true)
			if err != nil {
				return 0, 0, err
			}
			h.mu.Lock()
			ce.ino = child.Child
			ce.attrs = child.Attributes
			ce.held = true
			h.unheld--
			h.mu.Unlock()
			dirent.Inode = child.Child
		}
		written = fuseutil.WriteDirentPlus(dst, fuseutil.DirentPlus{Dirent: dirent, Entry: child})
		if written == 0 {
			r.ReleaseKernelRef(dirent.Inode)
			return 0, 0, nil
		}
	} else {
		written = fuseutil.WriteDirent(dst, dirent)
		if written == 0 {
			return 0, 0, nil
		}
	}
	c.elem = el
	c.next = next
	return written, next, nil
}

// windowStartLocked is the request offset of the window head, or the
// offset the next backend fetch would produce when the window is empty.
func (h *Handle) windowStartLocked() fuseops.DirOffset {
	if len(h.window) > 0 {
		return h.window[0].offset
	}
	return h.nextFetch
}

// fillLocked drives the backend iterator until the window holds windowCap
// entries or EOD (§4.F source 3). Caller holds h.mu.
func (h *Handle) fillLocked(ctx context.Context) error {
	if h.eod {
		return nil
	}
	if h.anchor == nil {
		it, err := h.newIter(ctx)
		if err != nil {
			return err
		}
		h.anchor = it
	}
	for len(h.window) < windowCap {
		name, st, err := h.anchor.Next(ctx)
		if err == io.EOF {
			h.eod = true
			if len(h.window) > 0 {
				h.window[len(h.window)-1].next = EOD
			}
			return nil
		}
		if err != nil {
			return err
		}
		we := windowEntry{name: name, stat: st, offset: h.nextFetch, next: h.nextFetch + 1}
		h.nextFetch++
		h.window = append(h.window, we)
	}
	return nil
}

// reanchorLocked re-initializes the backend iterator at offset, the
// private-handle half of seek handling. Caller holds h.mu.
func (h *Handle) reanchorLocked(ctx context.Context, offset fuseops.DirOffset) error {
	if h.anchor != nil {
		if err := h.anchor.Close(ctx); err != nil {
			logger.Warnf("readdir: closing iterator for inode %d: %v", h.ino, err)
		}
		h.anchor = nil
	}
	it, err := h.newIter(ctx)
	if err != nil {
		return err
	}
	if err := it.Seek(ctx, int64(offset-firstEntryOffset)); err != nil {
		_ = it.Close(ctx)
		return err
	}
	h.anchor = it
	h.window = nil
	h.eod = false
	h.nextFetch = offset
	return nil
}
