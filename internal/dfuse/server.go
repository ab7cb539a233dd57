// Package dfuse is the request dispatcher (spec component H): the only
// package aware of FUSE. It implements fuseutil.FileSystem the way the
// teacher's fs.fileSystem does — one struct embedding
// fuseutil.NotImplementedFileSystem, holding the inode table, the handle
// table, and the subsystem context objects, with every op resolving its
// inode up front and mapping errors to errnos at the reply boundary.
package dfuse

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sync/semaphore"

	"github.com/daos-stack/dfused/internal/backend"
	"github.com/daos-stack/dfused/internal/dfuseerr"
	"github.com/daos-stack/dfused/internal/dhandle"
	"github.com/daos-stack/dfused/internal/dinode"
	"github.com/daos-stack/dfused/internal/dmetrics"
	"github.com/daos-stack/dfused/internal/dpool"
	"github.com/daos-stack/dfused/internal/eventq"
	"github.com/daos-stack/dfused/internal/inval"
	"github.com/daos-stack/dfused/internal/logger"
	"github.com/daos-stack/dfused/internal/readdir"
)

// maxBackground mirrors the kernel-side max_background setting (§6): the
// dispatcher bounds its own outstanding async backend reads to the same
// number so a flood of reads cannot exhaust the slab pools.
const maxBackground = 16

// Config carries the knobs the dispatcher needs from cmd.
type Config struct {
	ReadOnly bool

	// SlabSlots bounds each slab pool; zero means the default.
	SlabSlots int
}

const defaultSlabSlots = 64

// Server implements fuseutil.FileSystem over the dfused subsystems.
type Server struct {
	fuseutil.NotImplementedFileSystem

	clock    timeutil.Clock
	table    *dinode.Table
	registry *dpool.Registry
	inval    *inval.Engine
	workers  *eventq.Pool

	mountCont *dpool.Container
	rootEntry *dinode.Entry

	ops contOps

	readSlab    *eventq.SlabPool
	preReadSlab *eventq.SlabPool
	writeSlab   *eventq.SlabPool

	// readSem bounds outstanding asynchronous backend reads.
	readSem *semaphore.Weighted

	mu          sync.Mutex
	handles     map[fuseops.HandleID]*openHandle
	nextHandle  fuseops.HandleID
	queueWorker map[backend.EventQueue]*eventq.Worker

	metrics *dmetrics.Recorder
}

// openHandle pairs the dhandle state with the dispatcher-only fields.
type openHandle struct {
	*dhandle.Handle
	entry  *dinode.Entry
	cursor *readdir.Cursor
}

// NewServer wires the dispatcher over an already-mounted container. The
// caller owns starting the eventq pool and the invalidation engine.
func NewServer(cfg Config, clock timeutil.Clock, table *dinode.Table, registry *dpool.Registry, engine *inval.Engine, workers *eventq.Pool, mountCont *dpool.Container) (*Server, error) {
	slots := cfg.SlabSlots
	if slots <= 0 {
		slots = defaultSlabSlots
	}
	s := &Server{
		clock:       clock,
		table:       table,
		registry:    registry,
		inval:       engine,
		workers:     workers,
		mountCont:   mountCont,
		readSlab:    eventq.NewSlabPool(eventq.SlabRead, slots),
		preReadSlab: eventq.NewSlabPool(eventq.SlabPreRead, slots),
		writeSlab:   eventq.NewSlabPool(eventq.SlabWrite, slots),
		readSem:     semaphore.NewWeighted(maxBackground),
		handles:     map[fuseops.HandleID]*openHandle{},
		nextHandle:  1,
		queueWorker: map[backend.EventQueue]*eventq.Worker{},
		metrics:     dmetrics.ForContainer(mountCont.UUID().String()),
	}
	s.ops = newContOps(cfg.ReadOnly)
	table.SetFreeHook(engine.Forget)

	// Install the mount root: inode 1, one reference held by the daemon
	// itself for the lifetime of the mount.
	ctx := context.Background()
	rootObj, err := mountCont.Open(ctx, mountCont.Root())
	if err != nil {
		return nil, fmt.Errorf("opening container root: %w", err)
	}
	root := table.LookupOrInsert(fuseops.RootInodeID, func() *dinode.Entry {
		return dinode.NewEntry(rootObj, mountCont, fuseops.RootInodeID, "", true)
	})
	st, err := rootObj.Stat(ctx)
	if err != nil {
		return nil, fmt.Errorf("stat container root: %w", err)
	}
	root.SetStat(s.attrsFromStat(fuseops.RootInodeID, st), clock.Now())
	s.rootEntry = root

	if w := workers.Worker(0); w != nil {
		s.queueWorker[mountCont.Queue()] = w
	}
	return s, nil
}

// RegisterQueue assigns queue to an eventq worker, called when a UNS
// traversal brings a new container (and its queue) online.
func (s *Server) RegisterQueue(q backend.EventQueue, w *eventq.Worker) {
	s.mu.Lock()
	s.queueWorker[q] = w
	s.mu.Unlock()
}

// OpenHandleCount reports live handles, for the ioctl COUNT_QUERY.
func (s *Server) OpenHandleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// ArmEvict sets evict-on-close on every open handle of ino (the
// DFUSE_EVICT ioctl, §6).
func (s *Server) ArmEvict(ino fuseops.InodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, h := range s.handles {
		if h.Inode == ino {
			h.EvictOnClose.Store(true)
			found = true
		}
	}
	if !found {
		return dfuseerr.ErrNotFound
	}
	return nil
}

// errno maps an internal error for the reply boundary, counting it.
func (s *Server) errno(op string, err error) error {
	if err == nil {
		return nil
	}
	s.metrics.OpError(op)
	return dfuseerr.Errno(err)
}

// entryFor is the hot-path borrow (§4.D lookup_nf): the kernel holds a
// reference for the duration of every synchronous call, so none is taken
// here.
func (s *Server) entryFor(ino fuseops.InodeID) (*dinode.Entry, error) {
	e, ok := s.table.Lookup(ino)
	if !ok {
		return nil, dfuseerr.ErrNotFound
	}
	return e, nil
}

func (s *Server) handleFor(id fuseops.HandleID) (*openHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return nil, dfuseerr.ErrInvalid
	}
	return h, nil
}

func (s *Server) insertHandle(h *openHandle) fuseops.HandleID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextHandle
	s.nextHandle++
	h.ID = id
	s.handles[id] = h
	return id
}

func (s *Server) removeHandle(id fuseops.HandleID) *openHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[id]
	delete(s.handles, id)
	return h
}

// attrsFromStat projects a backend stat into kernel attributes. Ownership
// follows the daemon's identity, as the backend has no POSIX uids of its
// own and the mount forces default_permissions.
func (s *Server) attrsFromStat(ino fuseops.InodeID, st backend.Stat) fuseops.InodeAttributes {
	mode := os.FileMode(st.Mode & 0777)
	switch st.Kind {
	case backend.KindDirectory:
		mode |= os.ModeDir
	case backend.KindSymlink:
		mode |= os.ModeSymlink
	}
	return fuseops.InodeAttributes{
		Size:  st.Size,
		Nlink: st.Nlink,
		Mode:  mode,
		Mtime: time.Unix(0, st.Mtime),
		Ctime: time.Unix(0, st.Ctime),
		Uid:   uint32(os.Getuid()),
		Gid:   uint32(os.Getgid()),
	}
}

// expirations computes the kernel cache deadlines for an entry of cont.
func (s *Server) expirations(cont *dpool.Container, isDir bool) (attr, entry time.Time) {
	now := s.clock.Now()
	if d := cont.Attrs.AttrTimeout(); d > 0 {
		attr = now.Add(d)
	} else if cont.Attrs.Attr.Enabled() {
		attr = now.Add(24 * time.Hour)
	} else {
		attr = now
	}
	var dentry time.Duration
	if isDir {
		dentry = cont.Attrs.DentryDirTimeout()
	} else {
		dentry = cont.Attrs.DentryTimeout()
	}
	entry = now.Add(dentry)
	return attr, entry
}

// touchDentry stamps the entry's dentry refresh and re-buckets it in the
// invalidation engine.
func (s *Server) touchDentry(e *dinode.Entry, cont *dpool.Container) {
	now := s.clock.Now()
	e.RefreshDentry(now)
	var d time.Duration
	if e.IsDir() {
		d = cont.Attrs.DentryDirTimeout()
	} else {
		d = cont.Attrs.DentryTimeout()
	}
	s.inval.Touch(e, d)
}

// lookupChild resolves name under parent, installing (or refreshing) the
// child in the inode table with one kernel reference, and performing the
// UNS container switch when the child carries a duns xattr (§4.F.1).
func (s *Server) lookupChild(ctx context.Context, parent *dinode.Entry, name string) (fuseops.ChildInodeEntry, *dinode.Entry, error) {
	cont := parent.Cont
	st, duns, err := cont.Lookup(ctx, parent.Obj.ID(), name, true)
	if err != nil {
		return fuseops.ChildInodeEntry{}, nil, err
	}

	targetCont := cont
	isRoot := false
	objID := st.ID
	if len(duns) > 0 {
		if desc, derr := readdir.ParseDuns(duns); derr == nil && desc.IsPOSIX() {
			c, oerr := s.registry.FindOrInsertContainer(ctx, desc.Pool, desc.Container)
			if oerr != nil {
				return fuseops.ChildInodeEntry{}, nil, oerr
			}
			targetCont = c
			isRoot = true
			objID = c.Root()
		} else if derr != nil {
			logger.Warnf("inode under %d: malformed duns xattr on %q: %v", parent.Ino, name, derr)
		}
	}

	var ino fuseops.InodeID
	if isRoot {
		ino = targetCont.RootIno
	} else {
		ino = dinode.Number(objID.Hi, objID.Lo, uint64(cont.RootIno))
	}

	inserted := false
	e := s.table.LookupOrInsert(ino, func() *dinode.Entry {
		inserted = true
		obj, oerr := targetCont.Open(ctx, objID)
		if oerr != nil {
			logger.Errorf("opening object for inode %d: %v", ino, oerr)
			obj = nil
		}
		return dinode.NewEntry(obj, targetCont, parent.Ino, name, isRoot)
	})
	if inserted && e.Obj == nil {
		// The constructor could not open the object; undo the insert.
		s.table.ReleaseRef(ctx, ino)
		return fuseops.ChildInodeEntry{}, nil, dfuseerr.ErrTransient
	}
	if !inserted {
		if isRoot {
			// Re-traversal of an established mount point: the entry
			// already holds its own container reference, so the one
			// this lookup minted is surplus.
			s.registry.DecrefContainer(ctx, targetCont)
		}
		e.SetParentName(parent.Ino, name)
	} else if isRoot {
		e.MarkRoot(targetCont)
	}

	var attrs fuseops.InodeAttributes
	if isRoot {
		rst, serr := e.Obj.Stat(ctx)
		if serr != nil {
			return fuseops.ChildInodeEntry{}, nil, serr
		}
		attrs = s.attrsFromStat(ino, rst)
	} else {
		attrs = s.attrsFromStat(ino, st)
	}
	e.SetStat(attrs, s.clock.Now())
	s.touchDentry(e, targetCont)

	attrExp, entryExp := s.expirations(targetCont, attrs.Mode.IsDir())
	ce := fuseops.ChildInodeEntry{
		Child:                ino,
		Attributes:           attrs,
		AttributesExpiration: attrExp,
		EntryExpiration:      entryExp,
	}
	return ce, e, nil
}

// StatFS reports synthetic volume geometry; real quota accounting is a
// thin backend dispatch outside this core.
func (s *Server) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.IoSize = eventq.MaxReadSize
	op.Blocks = 1 << 30
	op.BlocksFree = 1 << 29
	op.BlocksAvailable = 1 << 29
	op.Inodes = 1 << 40
	op.InodesFree = 1 << 39
	return nil
}

func (s *Server) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	s.metrics.Op("lookup")
	parent, err := s.entryFor(op.Parent)
	if err != nil {
		return s.errno("lookup", err)
	}
	ce, _, err := s.lookupChild(ctx, parent, op.Name)
	if err != nil {
		return s.errno("lookup", err)
	}
	op.Entry = ce
	return nil
}

func (s *Server) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	s.metrics.Op("getattr")
	e, err := s.entryFor(op.Inode)
	if err != nil {
		return s.errno("getattr", err)
	}

	// Unlinked inodes short-circuit to the last-known stat: the backend
	// object may already be gone, but handles remain valid (§8 scenario
	// 4).
	if e.Unlinked() {
		op.Attributes = e.Stat()
		op.AttributesExpiration = s.clock.Now()
		return nil
	}

	// Write-back containers drain in-flight writes before the size is
	// trusted (§4.E.4, §8 scenario 5).
	if e.Cont.Attrs.Writeback {
		e.DrainWrites()
		e.EndDrain()
	}

	attrExp, _ := s.expirations(e.Cont, e.IsDir())
	attrs, err := s.freshAttrs(ctx, e)
	if err != nil {
		return s.errno("getattr", err)
	}
	op.Attributes = attrs
	op.AttributesExpiration = attrExp
	return nil
}

// freshAttrs serves the cached attributes while the metadata cache is
// valid and no writer is open, re-statting the backend otherwise.
func (s *Server) freshAttrs(ctx context.Context, e *dinode.Entry) (fuseops.InodeAttributes, error) {
	age := e.AttrAge(s.clock.Now())
	d := e.Cont.Attrs.AttrTimeout()
	valid := e.Cont.Attrs.Attr.Enabled() && age != neverRefreshed && (d == 0 || age < d)
	if valid && e.OpenWriteCount() == 0 {
		return e.Stat(), nil
	}
	st, err := e.Obj.Stat(ctx)
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}
	attrs := s.attrsFromStat(e.Ino, st)
	e.SetStat(attrs, s.clock.Now())
	return attrs, nil
}

func (s *Server) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	s.metrics.Op("setattr")
	e, err := s.entryFor(op.Inode)
	if err != nil {
		return s.errno("setattr", err)
	}
	if s.ops.setattr == nil {
		return s.errno("setattr", dfuseerr.ErrUnsupported)
	}
	if e.Cont.Attrs.Writeback {
		e.DrainWrites()
		e.EndDrain()
	}
	if err := s.ops.setattr(ctx, e, op.Size, op.Mode); err != nil {
		return s.errno("setattr", err)
	}
	st, err := e.Obj.Stat(ctx)
	if err != nil {
		return s.errno("setattr", err)
	}
	attrs := s.attrsFromStat(e.Ino, st)
	e.SetStat(attrs, s.clock.Now())
	op.Attributes = attrs
	op.AttributesExpiration = s.clock.Now()
	return nil
}

func (s *Server) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	s.metrics.Op("forget")
	s.table.Forget(ctx, op.Inode, op.N)
	return nil
}

func (s *Server) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	s.metrics.Op("batch_forget")
	for _, entry := range op.Entries {
		s.table.Forget(ctx, entry.Inode, entry.N)
	}
	return nil
}

func (s *Server) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	s.metrics.Op("readlink")
	e, err := s.entryFor(op.Inode)
	if err != nil {
		return s.errno("readlink", err)
	}
	target, err := e.Cont.ReadSymlink(ctx, e.Obj.ID())
	if err != nil {
		return s.errno("readlink", err)
	}
	op.Target = target
	return nil
}

// Destroy runs at session teardown: outstanding events drain via the
// worker pool, then the inode table is emptied (§5 "cancellation").
func (s *Server) Destroy() {
	logger.Infof("fuse session destroyed; draining inode table")
	s.table.Drain(context.Background())
}
