package dinode

import (
	"context"
	"fmt"
	"sync"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/syncutil"

	"github.com/daos-stack/dfused/internal/dpool"
	"github.com/daos-stack/dfused/internal/logger"
)

// Table is the process-wide inode table. Generalizes the teacher's
// fileSystem.inodes map in fs/fs.go: one map under one lock, a monotonic
// id allocator, and a find-or-create entry point used by lookup and
// readdir alike.
type Table struct {
	mu syncutil.InvariantMutex // GUARDED_BY annotations below refer to this

	// entries is GUARDED_BY(mu).
	entries map[fuseops.InodeID]*Entry
	nextIno uint64

	// forgetLock excludes Drain from concurrent Forget calls; ordinary
	// Forget calls on different inodes proceed in parallel against each
	// other, matching §4.D ("not a write-exclusive operation against
	// other forgets, only against table drain").
	forgetLock sync.RWMutex

	registry *dpool.Registry

	// freeHook, when set, runs at the head of the free callback; the
	// dispatcher uses it to unhook the entry from its invalidation time
	// bucket before the backend handle is torn down.
	freeHook func(*Entry)
}

// SetFreeHook installs fn; call before the table is shared across
// goroutines.
func (t *Table) SetFreeHook(fn func(*Entry)) { t.freeHook = fn }

// NewTable constructs an empty table. Inode numbers are not allocated from
// this table directly for regular entries (they come from Number, which is
// pure and keyed by object id); nextIno is reserved for any backend object
// that cannot supply a stable id of its own.
func NewTable(registry *dpool.Registry) *Table {
	t := &Table{
		entries:  map[fuseops.InodeID]*Entry{},
		nextIno:  fuseops.RootInodeID + 1,
		registry: registry,
	}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

func (t *Table) checkInvariants() {
	for ino, e := range t.entries {
		if e.Ino != ino {
			panic(fmt.Sprintf("inode table key %d does not match entry id %d", ino, e.Ino))
		}
	}
}

// LookupOrInsert returns the table entry for ino, constructing one via
// newEntry if absent. Race-free: a losing racer's constructed entry is
// discarded and the winner is returned instead, matching the find_insert
// primitive used throughout this repository (§9).
func (t *Table) LookupOrInsert(ino fuseops.InodeID, newEntry func() *Entry) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[ino]; ok {
		e.ref.Add(1)
		return e
	}
	e := newEntry()
	e.Ino = ino
	e.ref.Store(1)
	t.entries[ino] = e
	return e
}

// Lookup returns the entry for ino without adding a reference, for use on
// the hot synchronous-callback path where the kernel already holds a
// reference across the call (the LookupNF idiom of §4.D).
func (t *Table) Lookup(ino fuseops.InodeID) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ino]
	return e, ok
}

// Addref increments ino's lookup count, for readdirplus and other paths
// that hand the kernel a second reference to an inode already in scope.
func (t *Table) Addref(ino fuseops.InodeID) {
	t.mu.Lock()
	e, ok := t.entries[ino]
	t.mu.Unlock()
	if ok {
		e.ref.Add(1)
	}
}

// Forget drops n references from ino's lookup count (the kernel's
// FUSE_FORGET / batched FORGET contract), destroying and removing the
// entry once the count reaches zero.
func (t *Table) Forget(ctx context.Context, ino fuseops.InodeID, n uint64) {
	t.forgetLock.RLock()
	defer t.forgetLock.RUnlock()
	t.forgetOne(ctx, ino, n)
}

func (t *Table) forgetOne(ctx context.Context, ino fuseops.InodeID, n uint64) {
	t.mu.Lock()
	e, ok := t.entries[ino]
	if !ok {
		t.mu.Unlock()
		logger.Warnf("forget: unknown inode %d", ino)
		return
	}
	remaining := e.ref.Add(-int64(n))
	if remaining > 0 {
		t.mu.Unlock()
		return
	}
	if remaining < 0 {
		logger.Warnf("forget: inode %d lookup count went negative", ino)
	}
	delete(t.entries, ino)
	t.mu.Unlock()

	t.closeEntry(ctx, e)
}

// closeEntry is the hash-table free callback (§4.D, §9): it tears down the
// entry's backend handle, asserts no outstanding active record, and if the
// entry is a container root, decrefs the owning container.
func (t *Table) closeEntry(ctx context.Context, e *Entry) {
	if t.freeHook != nil {
		t.freeHook(e)
	}
	if e.Active != nil {
		logger.Warnf("inode %d forgotten with a live active record", e.Ino)
	}
	if e.SharedReaddir != nil {
		if err := e.SharedReaddir.Close(); err != nil {
			logger.Warnf("inode %d: closing shared readdir handle: %v", e.Ino, err)
		}
	}
	if e.Obj != nil {
		if err := e.Obj.Close(ctx); err != nil {
			logger.Warnf("inode %d: closing object handle: %v", e.Ino, err)
		}
	}
	if e.IsRoot() && e.Cont != nil && t.registry != nil {
		t.registry.DecrefContainer(ctx, e.Cont)
	}
}

// ReleaseRef drops a single reference without touching the forget lock.
// This is the path used by readdir-handle teardown to release cache-list
// held refs: it may run inside the table's own free callback (during Drain
// or a forget), where taking forgetLock again would self-deadlock.
// An entry already gone (the Drain path empties the map before invoking
// free callbacks) is not an error here, unlike a kernel forget for an
// unknown inode.
func (t *Table) ReleaseRef(ctx context.Context, ino fuseops.InodeID) {
	t.mu.Lock()
	e, ok := t.entries[ino]
	if !ok {
		t.mu.Unlock()
		return
	}
	if e.ref.Add(-1) > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.entries, ino)
	t.mu.Unlock()
	t.closeEntry(ctx, e)
}

// Drain forgets every remaining entry, excluding concurrent Forget calls
// for the duration (the shutdown path, §4.D).
func (t *Table) Drain(ctx context.Context) {
	t.forgetLock.Lock()
	defer t.forgetLock.Unlock()

	t.mu.Lock()
	remaining := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		remaining = append(remaining, e)
	}
	t.entries = map[fuseops.InodeID]*Entry{}
	t.mu.Unlock()

	for _, e := range remaining {
		t.closeEntry(ctx, e)
	}
}

// Count reports the number of live entries, for the ioctl COUNT_QUERY
// surface (§4.I).
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
