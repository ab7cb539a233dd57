package dfuse

import (
	"context"
	"syscall"
	"testing"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse/fuseops"
	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"

	"github.com/daos-stack/dfused/internal/backend"
	"github.com/daos-stack/dfused/internal/backend/fake"
	"github.com/daos-stack/dfused/internal/dhandle"
	"github.com/daos-stack/dfused/internal/dinode"
	"github.com/daos-stack/dfused/internal/dpool"
	"github.com/daos-stack/dfused/internal/eventq"
	"github.com/daos-stack/dfused/internal/inval"
)

func TestServer(t *testing.T) { RunTests(t) }

type nullNotifier struct{}

func (nullNotifier) InvalidateEntry(parent fuseops.InodeID, name string) error { return nil }

type ServerTest struct {
	ctx      context.Context
	server   *Server
	table    *dinode.Table
	registry *dpool.Registry
	cont     *dpool.Container
	workers  *eventq.Pool
	engine   *inval.Engine
}

func init() { RegisterTestSuite(&ServerTest{}) }

func (t *ServerTest) SetUp(ti *TestInfo) {
	t.ctx = context.Background()
	poolUUID, contUUID := uuid.New(), uuid.New()
	p := fake.NewPool(poolUUID)
	bc, err := p.OpenContainer(t.ctx, contUUID)
	AssertEq(nil, err)
	bc.(*fake.Container).SetAttr(dpool.DataCacheName, "on")
	bc.(*fake.Container).SetAttr(dpool.DentryTimeName, "5s")
	bc.(*fake.Container).SetAttr(dpool.AttrTimeName, "5s")

	clock := timeutil.RealClock()
	t.engine = inval.New(nullNotifier{}, clock)
	t.registry = dpool.NewRegistry(func(ctx context.Context, id uuid.UUID) (backend.Pool, error) {
		return p, nil
	}, t.engine)

	t.cont, err = t.registry.FindOrInsertContainer(t.ctx, poolUUID, contUUID)
	AssertEq(nil, err)

	t.workers = eventq.NewPool([]backend.EventQueue{t.cont.Queue()})
	t.table = dinode.NewTable(t.registry)
	t.server, err = NewServer(Config{}, clock, t.table, t.registry, t.engine, t.workers, t.cont)
	AssertEq(nil, err)
}

func (t *ServerTest) TearDown() {
	t.workers.Stop()
}

func (t *ServerTest) create(parent fuseops.InodeID, name string) *fuseops.CreateFileOp {
	op := &fuseops.CreateFileOp{Parent: parent, Name: name, Mode: 0644}
	AssertEq(nil, t.server.CreateFile(t.ctx, op))
	return op
}

func (t *ServerTest) write(handle fuseops.HandleID, ino fuseops.InodeID, data []byte, off int64) {
	op := &fuseops.WriteFileOp{Inode: ino, Handle: handle, Offset: off, Data: data}
	AssertEq(nil, t.server.WriteFile(t.ctx, op))
}

func (t *ServerTest) release(handle fuseops.HandleID) {
	AssertEq(nil, t.server.ReleaseFileHandle(t.ctx, &fuseops.ReleaseFileHandleOp{Handle: handle}))
}

func (t *ServerTest) LookupThenForgetReturnsTableToInitialState() {
	before := t.table.Count()

	op := t.create(fuseops.RootInodeID, "a")
	t.release(op.Handle)
	// create handed the kernel one reference.
	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "a"}
	AssertEq(nil, t.server.LookUpInode(t.ctx, lookup))
	AssertEq(op.Entry.Child, lookup.Entry.Child)

	AssertEq(nil, t.server.ForgetInode(t.ctx, &fuseops.ForgetInodeOp{Inode: op.Entry.Child, N: 2}))
	ExpectEq(before, t.table.Count())
}

func (t *ServerTest) OpenCloseNetsToZero() {
	op := t.create(fuseops.RootInodeID, "f")
	e, ok := t.table.Lookup(op.Entry.Child)
	AssertTrue(ok)
	AssertEq(1, e.OpenCount())
	t.release(op.Handle)
	ExpectEq(0, e.OpenCount())
	ExpectEq(nil, e.Active)

	for i := 0; i < 3; i++ {
		open := &fuseops.OpenFileOp{Inode: op.Entry.Child}
		AssertEq(nil, t.server.OpenFile(t.ctx, open))
		t.release(open.Handle)
	}
	ExpectEq(0, e.OpenCount())
	ExpectEq(0, t.server.OpenHandleCount())
}

func (t *ServerTest) UnlinkAfterRenameReturnsNoEnt() {
	op := t.create(fuseops.RootInodeID, "a")
	t.release(op.Handle)

	AssertEq(nil, t.server.Rename(t.ctx, &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "a",
		NewParent: fuseops.RootInodeID, NewName: "b",
	}))
	err := t.server.Unlink(t.ctx, &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "a"})
	ExpectEq(syscall.ENOENT, err)

	// The winner's inode reflects the rename and stays linked.
	e, ok := t.table.Lookup(op.Entry.Child)
	AssertTrue(ok)
	_, name := e.ParentName()
	ExpectEq("b", name)
	ExpectFalse(e.Unlinked())
}

func (t *ServerTest) RenameAfterUnlinkReturnsNoEnt() {
	op := t.create(fuseops.RootInodeID, "a")
	t.release(op.Handle)

	AssertEq(nil, t.server.Unlink(t.ctx, &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "a"}))
	err := t.server.Rename(t.ctx, &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "a",
		NewParent: fuseops.RootInodeID, NewName: "b",
	})
	ExpectEq(syscall.ENOENT, err)

	e, ok := t.table.Lookup(op.Entry.Child)
	AssertTrue(ok)
	_, name := e.ParentName()
	ExpectEq("a", name)
	ExpectTrue(e.Unlinked())

	// getattr on the unlinked inode short-circuits to the cached stat.
	getattr := &fuseops.GetInodeAttributesOp{Inode: op.Entry.Child}
	ExpectEq(nil, t.server.GetInodeAttributes(t.ctx, getattr))
}

func (t *ServerTest) LinearReadThenSiblingTriggersPreRead() {
	// Build d/a and d/b.
	mkdir := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "d", Mode: 0755}
	AssertEq(nil, t.server.MkDir(t.ctx, mkdir))
	dirIno := mkdir.Entry.Child

	const chunk = 128 << 10
	const fileSize = 3 * chunk
	data := make([]byte, fileSize)
	for i := range data {
		data[i] = byte(i)
	}

	a := t.create(dirIno, "a")
	t.write(a.Handle, a.Entry.Child, data, 0)
	t.release(a.Handle)
	b := t.create(dirIno, "b")
	t.write(b.Handle, b.Entry.Child, data, 0)
	t.release(b.Handle)

	// Read d/a linearly, 128K at a time, to EOF.
	open := &fuseops.OpenFileOp{Inode: a.Entry.Child}
	AssertEq(nil, t.server.OpenFile(t.ctx, open))
	buf := make([]byte, chunk)
	for off := int64(0); off < fileSize; off += chunk {
		read := &fuseops.ReadFileOp{Inode: a.Entry.Child, Handle: open.Handle, Offset: off, Dst: buf}
		AssertEq(nil, t.server.ReadFile(t.ctx, read))
	}
	// One more read to observe EOF.
	read := &fuseops.ReadFileOp{Inode: a.Entry.Child, Handle: open.Handle, Offset: fileSize, Dst: buf}
	AssertEq(nil, t.server.ReadFile(t.ctx, read))
	t.release(open.Handle)

	dir, ok := t.table.Lookup(dirIno)
	AssertTrue(ok)
	AssertTrue(dir.LinearRead.Load())

	// Age out d/b's data timer (the write-through close refreshed it) so
	// the open sees an expired cache, then open: pre-read fires and the
	// reads come from its buffer.
	eb, ok := t.table.Lookup(b.Entry.Child)
	AssertTrue(ok)
	eb.EvictData()
	openB := &fuseops.OpenFileOp{Inode: b.Entry.Child}
	AssertEq(nil, t.server.OpenFile(t.ctx, openB))
	active := eb.Active.(*dhandle.Active)
	AssertNe(nil, active.PreRead)

	readB := &fuseops.ReadFileOp{Inode: b.Entry.Child, Handle: openB.Handle, Offset: 0, Dst: buf}
	AssertEq(nil, t.server.ReadFile(t.ctx, readB))
	AssertEq(chunk, readB.BytesRead)
	ExpectEq(data[0], readB.Dst[0])
	ExpectEq(data[chunk-1], readB.Dst[chunk-1])

	// IL counters untouched throughout.
	ExpectEq(0, eb.ILCount())
	t.release(openB.Handle)
}

func (t *ServerTest) ReservedXattrPolicy() {
	op := t.create(fuseops.RootInodeID, "x")
	ino := op.Entry.Child
	t.release(op.Handle)

	err := t.server.SetXattr(t.ctx, &fuseops.SetXattrOp{Inode: ino, Name: "user.daos.dfuse.secret", Value: []byte("v")})
	ExpectEq(syscall.EPERM, err)

	err = t.server.SetXattr(t.ctx, &fuseops.SetXattrOp{Inode: ino, Name: "security.selinux", Value: []byte("v")})
	ExpectEq(syscall.ENOTSUP, err)

	err = t.server.SetXattr(t.ctx, &fuseops.SetXattrOp{Inode: ino, Name: "system.posix_acl_access", Value: []byte("v")})
	ExpectEq(syscall.ENOTSUP, err)

	get := &fuseops.GetXattrOp{Inode: ino, Name: "security.selinux", Dst: make([]byte, 16)}
	ExpectEq(syscall.ENODATA, t.server.GetXattr(t.ctx, get))

	// Everything else round-trips.
	AssertEq(nil, t.server.SetXattr(t.ctx, &fuseops.SetXattrOp{Inode: ino, Name: "user.color", Value: []byte("teal")}))
	get = &fuseops.GetXattrOp{Inode: ino, Name: "user.color", Dst: make([]byte, 16)}
	AssertEq(nil, t.server.GetXattr(t.ctx, get))
	ExpectEq("teal", string(get.Dst[:get.BytesRead]))
}

func (t *ServerTest) ReadOnlyModeBlanksMutations() {
	srv, err := NewServer(Config{ReadOnly: true}, timeutil.RealClock(), t.table, t.registry, t.engine, t.workers, t.cont)
	AssertEq(nil, err)
	err = srv.CreateFile(t.ctx, &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "nope", Mode: 0644})
	ExpectEq(syscall.ENOTSUP, err)
	err = srv.MkDir(t.ctx, &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "nope", Mode: 0755})
	ExpectEq(syscall.ENOTSUP, err)
}
