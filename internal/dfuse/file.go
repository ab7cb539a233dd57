package dfuse

import (
	"context"
	"io"
	"time"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/daos-stack/dfused/internal/backend"
	"github.com/daos-stack/dfused/internal/dfuseerr"
	"github.com/daos-stack/dfused/internal/dhandle"
	"github.com/daos-stack/dfused/internal/dinode"
	"github.com/daos-stack/dfused/internal/dmetrics"
	"github.com/daos-stack/dfused/internal/dpool"
	"github.com/daos-stack/dfused/internal/logger"
)

// openFileHandle does the shared bookkeeping for open() and create():
// bump the open count, materialize the active record on first open, and
// publish the handle.
func (s *Server) openFileHandle(e *dinode.Entry, parent fuseops.InodeID) fuseops.HandleID {
	e.IncOpen(false)
	if e.Active == nil {
		e.Active = dhandle.NewActive()
	}
	h := &openHandle{
		Handle: dhandle.NewHandle(0, e.Ino, parent, e.Obj, e.Cont.Attrs.DataEnabled()),
		entry:  e,
	}
	return s.insertHandle(h)
}

func (s *Server) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	s.metrics.Op("open")
	e, err := s.entryFor(op.Inode)
	if err != nil {
		return s.errno("open", err)
	}
	attrs := e.Cont.Attrs
	alreadyOpen := e.OpenCount() > 0

	parentIno := e.ParentIno()
	op.Handle = s.openFileHandle(e, parentIno)

	// Page-cache contract: with data caching on and the cached copy
	// still fresh, the kernel may keep pages across opens; otherwise
	// they are dropped. Direct IO is only used when the container
	// disables caching entirely and does not forbid it.
	expired := s.dataExpired(e)
	op.KeepPageCache = attrs.DataEnabled() && !expired
	op.UseDirectIO = !attrs.DataEnabled() && !attrs.DirectIODisable

	// Pre-read trigger (§4.E.1). The size must be trustworthy: a stale
	// attribute cache (evicted by a write-through close) is refreshed
	// first.
	attrsNow, err := s.freshAttrs(ctx, e)
	if err != nil {
		return s.errno("open", err)
	}
	size := attrsNow.Size
	parentLinear := false
	if parent, ok := s.table.Lookup(parentIno); ok {
		parentLinear = parent.LinearRead.Load()
	}
	if dhandle.PreReadEligible(attrs.DataEnabled(), alreadyOpen, expired, size, parentLinear) {
		active := e.Active.(*dhandle.Active)
		// The fetch outlives this handler's reply; it must not inherit
		// the request's cancellation.
		pr := dhandle.StartPreRead(context.Background(), e.Obj, s.preReadSlab.Acquire, int64(size))
		if pr != nil {
			active.PreRead = pr
		} else {
			logger.Warnf("inode %d: pre-read slab exhausted, skipping", e.Ino)
		}
	}
	return nil
}

// dataExpired applies the per-container data policy: a timed cache
// expires by age, an "on" cache only when it was never populated, and a
// disabled cache is always expired.
func (s *Server) dataExpired(e *dinode.Entry) bool {
	attrs := e.Cont.Attrs
	if !attrs.DataEnabled() {
		return true
	}
	age := e.DataAge(s.clock.Now())
	if attrs.Data.Mode == dpool.CacheTimed {
		return age > attrs.Data.Timeout
	}
	return age == neverRefreshed
}

// neverRefreshed is what the age accessors report for a zero timestamp.
const neverRefreshed = time.Duration(1<<63 - 1)

func (s *Server) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	s.metrics.Op("read")
	h, err := s.handleFor(op.Handle)
	if err != nil {
		return s.errno("read", err)
	}
	e := h.entry
	active, _ := e.Active.(*dhandle.Active)
	size := e.Stat().Size

	// Source 1: the pre-read buffer (§4.E.1).
	if active != nil {
		if pr := active.PreRead; pr.Covers(op.Offset, int64(len(op.Dst))) {
			n, ok, err := pr.Read(ctx, op.Offset, int64(len(op.Dst)), op.Dst)
			if err != nil {
				return s.errno("read", err)
			}
			if ok {
				op.BytesRead = n
				s.metrics.Read(dmetrics.SourcePreRead, n)
				h.ObserveRead(op.Offset, int64(n), size)
				return nil
			}
			// Descriptor invalidated while waiting (file shrank); fall
			// through to the backend.
		}
	}

	// Source 2: the chunk cache (§4.E.2). The linear cursor advances for
	// these too — a file consumed 128K at a time through the chunk cache
	// is exactly the access pattern that should arm pre-read for its
	// siblings.
	if active != nil && h.CachingEnabled && dhandle.ChunkEligible(op.Offset, int64(len(op.Dst)), size) {
		n, err := active.ChunkRead(ctx, e.Obj, e.Cont.Queue(), s.readSlab.Acquire, op.Offset, int64(len(op.Dst)), op.Dst)
		if err != nil {
			return s.errno("read", err)
		}
		if max := int64(size) - op.Offset; int64(n) > max {
			n = int(max)
		}
		op.BytesRead = n
		s.metrics.Read(dmetrics.SourceChunk, n)
		h.ObserveRead(op.Offset, int64(n), size)
		return nil
	}

	// Source 3: the backend, asynchronously through the event queue when
	// a worker owns this container's queue, synchronously otherwise.
	n, err := s.backendRead(ctx, e, op.Dst, op.Offset)
	if err != nil {
		return s.errno("read", err)
	}
	op.BytesRead = n
	s.metrics.Read(dmetrics.SourceBackend, n)
	h.ObserveRead(op.Offset, int64(n), size)
	return nil
}

// backendRead submits one read to the backend. The async path posts the
// container's event queue and parks the request goroutine until the
// eventq worker polls the completion — the Go rendition of "submit now,
// reply from the worker that observed completion" (§4.A, §5).
func (s *Server) backendRead(ctx context.Context, e *dinode.Entry, dst []byte, off int64) (int, error) {
	q := e.Cont.Queue()
	s.mu.Lock()
	w := s.queueWorker[q]
	s.mu.Unlock()

	if w == nil {
		n, err := e.Obj.ReadAt(ctx, dst, off)
		if err == io.EOF {
			err = nil
		}
		return n, err
	}

	if err := s.readSem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer s.readSem.Release(1)

	done := make(chan backend.AsyncResult, 1)
	e.Obj.ReadAsync(q, dst, off, done)
	w.Post()
	select {
	case res := <-done:
		if res.Err == io.EOF {
			return res.N, nil
		}
		return res.N, res.Err
	case <-ctx.Done():
		// The completion still lands in the queue and is drained by the
		// worker; only this reply is abandoned.
		return 0, ctx.Err()
	}
}

func (s *Server) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	s.metrics.Op("write")
	h, err := s.handleFor(op.Handle)
	if err != nil {
		return s.errno("write", err)
	}
	if s.ops.write == nil {
		return s.errno("write", dfuseerr.ErrUnsupported)
	}
	e := h.entry

	if !h.MarkedWrite() {
		e.IncWrite()
		h.MarkWrite()
	}

	// The write is staged through a slab buffer: the kernel's page is
	// recycled the moment this handler returns, while the backend call
	// may outlive it on write-back containers.
	slot := s.writeSlab.Acquire()
	if slot == nil {
		return s.errno("write", dfuseerr.ErrNoMemory)
	}
	defer s.writeSlab.Release(slot)

	data := op.Data
	if len(data) <= len(slot.Buf) {
		n := copy(slot.Buf, data)
		data = slot.Buf[:n]
	}

	err = dhandle.Write(e, e.Cont.Attrs.Writeback, func() error {
		_, werr := s.ops.write(ctx, e, data, op.Offset)
		return werr
	})
	if err != nil {
		return s.errno("write", err)
	}
	h.IncWrite()
	h.WrittenThrough.Store(true)
	// The cached size is stale until the next flush-then-stat.
	e.EvictAttr()
	return nil
}

func (s *Server) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	s.metrics.Op("fsync")
	e, err := s.entryFor(op.Inode)
	if err != nil {
		return s.errno("fsync", err)
	}
	if e.Cont.Attrs.Writeback {
		e.DrainWrites()
		e.EndDrain()
	}
	return nil
}

func (s *Server) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	s.metrics.Op("flush")
	h, err := s.handleFor(op.Handle)
	if err != nil {
		return nil
	}
	e := h.entry
	if e.Cont.Attrs.Writeback {
		e.DrainWrites()
		e.EndDrain()
	}
	return nil
}

func (s *Server) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	s.metrics.Op("release")
	h := s.removeHandle(op.Handle)
	if h == nil {
		return nil
	}
	e := h.entry

	// Linear-read attribution (§4.E.3): a handle that read sequentially
	// to EOF arms pre-read for its siblings; a handle that read
	// non-linearly disarms it; a handle that never read leaves it alone.
	if h.AnyReadObserved() {
		if parent, ok := s.table.Lookup(h.Parent); ok {
			parent.LinearRead.Store(h.WasLinearToEOF())
		}
	}

	h.OnClose(e, s.clock.Now())

	if h.EvictOnClose.Load() {
		s.inval.InvalidateNow(e)
	}

	if h.MarkedWrite() {
		e.DecWrite()
	}
	e.DecOpen(false)
	if e.OpenCount() == 0 {
		s.closeActive(e)
	}
	return nil
}

// closeActive tears down the inode's active record after the last close
// (§4.E): chunk buckets recycle their slab slots, the pre-read descriptor
// returns its buffer, and the record is detached.
func (s *Server) closeActive(e *dinode.Entry) {
	active, ok := e.Active.(*dhandle.Active)
	if !ok || active == nil {
		e.Active = nil
		return
	}
	if pr := active.PreRead; pr != nil {
		pr.Release(s.preReadSlab.Release)
		active.PreRead = nil
	}
	active.Close(func(b *dhandle.Bucket) {
		if !b.Complete {
			logger.Errorf("inode %d: chunk bucket %d torn down incomplete", e.Ino, b.Index)
		}
		s.readSlab.Release(b.Slot)
	})
	e.Active = nil
}

func (s *Server) Fallocate(ctx context.Context, op *fuseops.FallocateOp) error {
	return s.errno("fallocate", dfuseerr.ErrUnsupported)
}
