package dfuse

import (
	"context"
	"os"

	"github.com/daos-stack/dfused/internal/backend"
	"github.com/daos-stack/dfused/internal/dinode"
)

// contOps is the per-container-kind operation table (§4.H). A nil entry
// means the container kind lacks the operation and the dispatcher replies
// ENOTSUP; read_only mode blanks every mutation-capable entry at startup.
// Only the dfs kind exists: every container uses the table newContOps
// builds, and the read paths bypass this table.
type contOps struct {
	createFile func(ctx context.Context, parent *dinode.Entry, name string, mode uint32) (backend.Object, backend.Stat, error)
	mkdir      func(ctx context.Context, parent *dinode.Entry, name string, mode uint32) (backend.Stat, error)
	symlink    func(ctx context.Context, parent *dinode.Entry, name, target string) (backend.Stat, error)
	unlink     func(ctx context.Context, parent *dinode.Entry, name string) error
	rmdir      func(ctx context.Context, parent *dinode.Entry, name string) error
	rename     func(ctx context.Context, oldParent *dinode.Entry, oldName string, newParent *dinode.Entry, newName string) error
	setattr    func(ctx context.Context, e *dinode.Entry, size *uint64, mode *os.FileMode) error
	write      func(ctx context.Context, e *dinode.Entry, p []byte, off int64) (int, error)
	setxattr   func(ctx context.Context, e *dinode.Entry, name string, value []byte) error
	rmxattr    func(ctx context.Context, e *dinode.Entry, name string) error
}

// newContOps builds the dfs-kind table, fully populated unless readOnly
// blanks the mutators.
func newContOps(readOnly bool) contOps {
	ops := contOps{
		createFile: func(ctx context.Context, parent *dinode.Entry, name string, mode uint32) (backend.Object, backend.Stat, error) {
			return parent.Cont.CreateFile(ctx, parent.Obj.ID(), name, mode)
		},
		mkdir: func(ctx context.Context, parent *dinode.Entry, name string, mode uint32) (backend.Stat, error) {
			return parent.Cont.CreateDir(ctx, parent.Obj.ID(), name, mode)
		},
		symlink: func(ctx context.Context, parent *dinode.Entry, name, target string) (backend.Stat, error) {
			return parent.Cont.CreateSymlink(ctx, parent.Obj.ID(), name, target)
		},
		unlink: func(ctx context.Context, parent *dinode.Entry, name string) error {
			return parent.Cont.Unlink(ctx, parent.Obj.ID(), name)
		},
		rmdir: func(ctx context.Context, parent *dinode.Entry, name string) error {
			return parent.Cont.RmDir(ctx, parent.Obj.ID(), name)
		},
		rename: func(ctx context.Context, oldParent *dinode.Entry, oldName string, newParent *dinode.Entry, newName string) error {
			return oldParent.Cont.Rename(ctx, oldParent.Obj.ID(), oldName, newParent.Obj.ID(), newName)
		},
		setattr: func(ctx context.Context, e *dinode.Entry, size *uint64, mode *os.FileMode) error {
			if size != nil {
				if err := e.Obj.SetSize(ctx, *size); err != nil {
					return err
				}
			}
			if mode != nil {
				if err := e.Obj.Chmod(ctx, uint32(mode.Perm())); err != nil {
					return err
				}
			}
			return nil
		},
		write: func(ctx context.Context, e *dinode.Entry, p []byte, off int64) (int, error) {
			return e.Obj.WriteAt(ctx, p, off)
		},
		setxattr: func(ctx context.Context, e *dinode.Entry, name string, value []byte) error {
			return e.Cont.SetXattr(ctx, e.Obj.ID(), name, value)
		},
		rmxattr: func(ctx context.Context, e *dinode.Entry, name string) error {
			return e.Cont.RemoveXattr(ctx, e.Obj.ID(), name)
		},
	}
	if readOnly {
		ops = contOps{}
	}
	return ops
}
