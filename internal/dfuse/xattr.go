package dfuse

import (
	"context"
	"strings"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/daos-stack/dfused/internal/dfuseerr"
)

// Xattr namespace policy (§6): the daemon's own prefix is immutable from
// user space, security labels and POSIX ACLs are not supported at all, and
// everything else forwards to the backend.
const reservedXattrPrefix = "user.daos.dfuse."

func xattrForbiddenWrite(name string) error {
	if strings.HasPrefix(name, reservedXattrPrefix) {
		return dfuseerr.ErrForbiddenXattr
	}
	if strings.HasPrefix(name, "security.") || strings.HasPrefix(name, "system.posix_acl") {
		return dfuseerr.ErrUnsupported
	}
	return nil
}

func xattrForbiddenRead(name string) error {
	if strings.HasPrefix(name, "security.") || strings.HasPrefix(name, "system.posix_acl") {
		return dfuseerr.ErrNoXattr
	}
	return nil
}

func (s *Server) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	s.metrics.Op("setxattr")
	e, err := s.entryFor(op.Inode)
	if err != nil {
		return s.errno("setxattr", err)
	}
	if err := xattrForbiddenWrite(op.Name); err != nil {
		return s.errno("setxattr", err)
	}
	if s.ops.setxattr == nil {
		return s.errno("setxattr", dfuseerr.ErrUnsupported)
	}
	if err := s.ops.setxattr(ctx, e, op.Name, op.Value); err != nil {
		return s.errno("setxattr", err)
	}
	return nil
}

func (s *Server) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	s.metrics.Op("removexattr")
	e, err := s.entryFor(op.Inode)
	if err != nil {
		return s.errno("removexattr", err)
	}
	if err := xattrForbiddenWrite(op.Name); err != nil {
		return s.errno("removexattr", err)
	}
	if s.ops.rmxattr == nil {
		return s.errno("removexattr", dfuseerr.ErrUnsupported)
	}
	if err := s.ops.rmxattr(ctx, e, op.Name); err != nil {
		return s.errno("removexattr", err)
	}
	return nil
}

func (s *Server) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	s.metrics.Op("getxattr")
	e, err := s.entryFor(op.Inode)
	if err != nil {
		return s.errno("getxattr", err)
	}
	if err := xattrForbiddenRead(op.Name); err != nil {
		return s.errno("getxattr", err)
	}
	value, err := e.Cont.GetXattr(ctx, e.Obj.ID(), op.Name)
	if err != nil {
		return s.errno("getxattr", err)
	}
	op.BytesRead = len(value)
	if len(op.Dst) == 0 {
		// Size probe.
		return nil
	}
	if len(op.Dst) < len(value) {
		return syscall.ERANGE
	}
	copy(op.Dst, value)
	return nil
}

func (s *Server) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	s.metrics.Op("listxattr")
	e, err := s.entryFor(op.Inode)
	if err != nil {
		return s.errno("listxattr", err)
	}
	names, err := e.Cont.ListXattr(ctx, e.Obj.ID())
	if err != nil {
		return s.errno("listxattr", err)
	}
	total := 0
	for _, n := range names {
		total += len(n) + 1
	}
	op.BytesRead = total
	if len(op.Dst) == 0 {
		return nil
	}
	if len(op.Dst) < total {
		return syscall.ERANGE
	}
	off := 0
	for _, n := range names {
		off += copy(op.Dst[off:], n)
		op.Dst[off] = 0
		off++
	}
	return nil
}
