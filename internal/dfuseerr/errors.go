// Package dfuseerr classifies internal errors into the daemon's error
// kinds and maps each kind to the POSIX errno replied to the kernel.
// Mirrors the teacher's practice of translating backend error types to
// fuse errnos at the dispatch boundary (fs/fs.go's handling of
// *gcs.NotFoundError and friends), with sentinel wrapped errors instead of
// concrete backend types since the backend here is an interface.
package dfuseerr

import (
	"errors"
	"io"
	"syscall"
)

// Sentinel kinds. Backend implementations and internal packages wrap
// these with %w so Errno can classify without string matching.
var (
	ErrTransient      = errors.New("backend transient failure")
	ErrNotFound       = errors.New("no such entry")
	ErrExist          = errors.New("entry exists")
	ErrNotDir         = errors.New("not a directory")
	ErrIsDir          = errors.New("is a directory")
	ErrNotEmpty       = errors.New("directory not empty")
	ErrNoMemory       = errors.New("out of memory")
	ErrUnsupported    = errors.New("operation not supported")
	ErrInvalid        = errors.New("invalid argument")
	ErrSessionDead    = errors.New("fuse session dead")
	ErrForbiddenXattr = errors.New("reserved xattr name")
	ErrNoXattr        = errors.New("no such xattr")
)

// Errno maps err to the errno replied to the kernel, per the §7 table. A
// raw syscall.Errno passes through untouched; an unrecognized error
// becomes EIO, the catch-all for backend failures that are not clearly
// transient.
func Errno(err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrExist):
		return syscall.EEXIST
	case errors.Is(err, ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, ErrNoMemory):
		return syscall.ENOMEM
	case errors.Is(err, ErrUnsupported):
		return syscall.ENOTSUP
	case errors.Is(err, ErrInvalid):
		return syscall.EINVAL
	case errors.Is(err, ErrForbiddenXattr):
		return syscall.EPERM
	case errors.Is(err, ErrNoXattr):
		return syscall.ENODATA
	case errors.Is(err, ErrTransient):
		return syscall.EAGAIN
	case errors.Is(err, ErrSessionDead):
		return syscall.EBADF
	case errors.Is(err, io.EOF):
		// Backend short reads surface as EOF from ReadAt; the dispatch
		// layer handles these before mapping, so one reaching here is a
		// genuine backend failure.
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
