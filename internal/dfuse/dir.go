package dfuse

import (
	"context"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/daos-stack/dfused/internal/backend"
	"github.com/daos-stack/dfused/internal/dfuseerr"
	"github.com/daos-stack/dfused/internal/dhandle"
	"github.com/daos-stack/dfused/internal/dinode"
	"github.com/daos-stack/dfused/internal/readdir"
)

// invalidateListing marks the parent's shared readdir handle stale after a
// namespace mutation (§4.F invariants: the valid flag is "reset when the
// directory is mutated").
func (s *Server) invalidateListing(parent *dinode.Entry) {
	if sh, ok := parent.SharedReaddir.(*readdir.Handle); ok {
		sh.Invalidate()
	}
}

func (s *Server) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	s.metrics.Op("mkdir")
	parent, err := s.entryFor(op.Parent)
	if err != nil {
		return s.errno("mkdir", err)
	}
	if s.ops.mkdir == nil {
		return s.errno("mkdir", dfuseerr.ErrUnsupported)
	}
	if _, err := s.ops.mkdir(ctx, parent, op.Name, uint32(op.Mode.Perm())); err != nil {
		return s.errno("mkdir", err)
	}
	s.invalidateListing(parent)
	ce, _, err := s.lookupChild(ctx, parent, op.Name)
	if err != nil {
		return s.errno("mkdir", err)
	}
	op.Entry = ce
	return nil
}

func (s *Server) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	s.metrics.Op("create")
	parent, err := s.entryFor(op.Parent)
	if err != nil {
		return s.errno("create", err)
	}
	if s.ops.createFile == nil {
		return s.errno("create", dfuseerr.ErrUnsupported)
	}
	if _, _, err := s.ops.createFile(ctx, parent, op.Name, uint32(op.Mode.Perm())); err != nil {
		return s.errno("create", err)
	}
	s.invalidateListing(parent)
	ce, e, err := s.lookupChild(ctx, parent, op.Name)
	if err != nil {
		return s.errno("create", err)
	}
	op.Entry = ce
	op.Handle = s.openFileHandle(e, parent.Ino)
	return nil
}

func (s *Server) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	s.metrics.Op("symlink")
	parent, err := s.entryFor(op.Parent)
	if err != nil {
		return s.errno("symlink", err)
	}
	if s.ops.symlink == nil {
		return s.errno("symlink", dfuseerr.ErrUnsupported)
	}
	if _, err := s.ops.symlink(ctx, parent, op.Name, op.Target); err != nil {
		return s.errno("symlink", err)
	}
	s.invalidateListing(parent)
	ce, _, err := s.lookupChild(ctx, parent, op.Name)
	if err != nil {
		return s.errno("symlink", err)
	}
	op.Entry = ce
	return nil
}

func (s *Server) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	s.metrics.Op("unlink")
	parent, err := s.entryFor(op.Parent)
	if err != nil {
		return s.errno("unlink", err)
	}
	if s.ops.unlink == nil {
		return s.errno("unlink", dfuseerr.ErrUnsupported)
	}

	// Identify the victim before removing it, so the table entry (if the
	// kernel knows the inode) can be flagged unlinked; open handles keep
	// serving the last-known stat afterwards (§8 scenario 4).
	st, _, lerr := parent.Cont.Lookup(ctx, parent.Obj.ID(), op.Name, false)

	if err := s.ops.unlink(ctx, parent, op.Name); err != nil {
		return s.errno("unlink", err)
	}
	if lerr == nil {
		ino := dinode.Number(st.ID.Hi, st.ID.Lo, uint64(parent.Cont.RootIno))
		if e, ok := s.table.Lookup(ino); ok {
			if p, n := e.ParentName(); p == parent.Ino && n == op.Name {
				e.MarkUnlinked()
			}
		}
	}
	s.invalidateListing(parent)
	return nil
}

func (s *Server) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	s.metrics.Op("rmdir")
	parent, err := s.entryFor(op.Parent)
	if err != nil {
		return s.errno("rmdir", err)
	}
	if s.ops.rmdir == nil {
		return s.errno("rmdir", dfuseerr.ErrUnsupported)
	}
	if err := s.ops.rmdir(ctx, parent, op.Name); err != nil {
		return s.errno("rmdir", err)
	}
	s.invalidateListing(parent)
	return nil
}

func (s *Server) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	s.metrics.Op("rename")
	oldParent, err := s.entryFor(op.OldParent)
	if err != nil {
		return s.errno("rename", err)
	}
	newParent, err := s.entryFor(op.NewParent)
	if err != nil {
		return s.errno("rename", err)
	}
	if s.ops.rename == nil {
		return s.errno("rename", dfuseerr.ErrUnsupported)
	}

	st, _, lerr := oldParent.Cont.Lookup(ctx, oldParent.Obj.ID(), op.OldName, false)

	if err := s.ops.rename(ctx, oldParent, op.OldName, newParent, op.NewName); err != nil {
		return s.errno("rename", err)
	}
	if lerr == nil {
		ino := dinode.Number(st.ID.Hi, st.ID.Lo, uint64(oldParent.Cont.RootIno))
		if e, ok := s.table.Lookup(ino); ok {
			e.SetParentName(newParent.Ino, op.NewName)
		}
	}
	s.invalidateListing(oldParent)
	if newParent != oldParent {
		s.invalidateListing(newParent)
	}
	return nil
}

func (s *Server) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	s.metrics.Op("opendir")
	e, err := s.entryFor(op.Inode)
	if err != nil {
		return s.errno("opendir", err)
	}
	cont := e.Cont
	dirCaching := cont.Attrs.DentryTimeout() > 0

	objID := e.Obj.ID()
	iter := func(ctx context.Context) (backend.DirIterator, error) {
		return cont.Opendir(ctx, objID)
	}
	cursor := readdir.Acquire(e, dirCaching, iter, func(ino fuseops.InodeID) {
		s.table.ReleaseRef(context.Background(), ino)
	})

	h := &openHandle{
		Handle: dhandle.NewHandle(0, e.Ino, e.ParentIno(), nil, dirCaching),
		entry:  e,
		cursor: cursor,
	}
	e.IncOpen(false)
	if e.Active == nil {
		e.Active = dhandle.NewActive()
	}
	op.Handle = s.insertHandle(h)
	return nil
}

func (s *Server) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	s.metrics.Op("readdir")
	h, err := s.handleFor(op.Handle)
	if err != nil || h.cursor == nil {
		return s.errno("readdir", dfuseerr.ErrInvalid)
	}
	n, err := h.cursor.ReadDir(ctx, h.entry, op.Offset, op.Dst, false, s.resolverFor(h.entry))
	if err != nil {
		return s.errno("readdir", err)
	}
	op.BytesRead = n
	return nil
}

func (s *Server) ReadDirPlus(ctx context.Context, op *fuseops.ReadDirPlusOp) error {
	s.metrics.Op("readdirplus")
	h, err := s.handleFor(op.Handle)
	if err != nil || h.cursor == nil {
		return s.errno("readdirplus", dfuseerr.ErrInvalid)
	}
	n, err := h.cursor.ReadDir(ctx, h.entry, op.Offset, op.Dst, true, s.resolverFor(h.entry))
	if err != nil {
		return s.errno("readdirplus", err)
	}
	op.BytesRead = n
	return nil
}

func (s *Server) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	s.metrics.Op("releasedir")
	h := s.removeHandle(op.Handle)
	if h == nil {
		return nil
	}
	if h.cursor != nil {
		h.cursor.Release(h.entry)
	}
	e := h.entry
	e.DecOpen(false)
	if e.OpenCount() == 0 {
		s.closeActive(e)
	}
	return nil
}

// dirResolver adapts the dispatcher's lookup machinery to the readdir
// engine's per-entry contract.
type dirResolver struct {
	s      *Server
	parent *dinode.Entry
}

func (s *Server) resolverFor(parent *dinode.Entry) dirResolver {
	return dirResolver{s: s, parent: parent}
}

// Resolve performs the plus-style lookup: the backend round trip also
// fetches any duns xattr, so UNS mount points are discovered during
// readdirplus exactly as during lookup (§4.F.1). The listing's stat is
// deliberately ignored — the lookup refetches, which is what picks up a
// concurrent container switch.
func (r dirResolver) Resolve(ctx context.Context, name string, _ *backend.Stat, cacheRef bool) (fuseops.ChildInodeEntry, error) {
	ce, e, err := r.s.lookupChild(ctx, r.parent, name)
	if err != nil {
		return fuseops.ChildInodeEntry{}, err
	}
	if cacheRef {
		r.s.table.Addref(e.Ino)
	}
	return ce, nil
}

func (r dirResolver) AddKernelRef(ino fuseops.InodeID) {
	r.s.table.Addref(ino)
}

func (r dirResolver) InoFor(st backend.Stat) fuseops.InodeID {
	return dinode.Number(st.ID.Hi, st.ID.Lo, uint64(r.parent.Cont.RootIno))
}

func (r dirResolver) ReleaseKernelRef(ino fuseops.InodeID) {
	r.s.table.ReleaseRef(context.Background(), ino)
}

var _ readdir.Resolver = dirResolver{}
