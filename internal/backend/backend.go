// Package backend declares the contract dfused speaks to the distributed
// object store (DAOS's "dfs" library, in the original). The transport and
// the on-wire RPC protocol are out of scope for this repository; only the
// shape a caller needs is declared here, so the rest of the daemon can be
// built and tested against internal/backend/fake.
package backend

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// ObjectID is the backend's stable identifier for a file or directory
// within a container. The high/low halves feed the inode-number formula
// in package dinode.
type ObjectID struct {
	Hi uint64
	Lo uint64
}

// Kind distinguishes what an Object projects into the POSIX namespace.
type Kind int

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
)

// Stat mirrors the subset of object metadata dfused projects into
// fuseops.InodeAttributes.
type Stat struct {
	ID    ObjectID
	Kind  Kind
	Size  uint64
	Mode  uint32
	Mtime int64 // unix nanos
	Ctime int64
	Nlink uint32
}

// Pool is a connection to one DAOS pool, keyed by UUID.
type Pool interface {
	UUID() uuid.UUID
	// OpenContainer mounts the named container within this pool.
	OpenContainer(ctx context.Context, contUUID uuid.UUID) (Container, error)
	// Disconnect releases the pool handle. Called once the pool's
	// refcount in dpool.Registry reaches zero.
	Disconnect(ctx context.Context) error
}

// Container is a mounted "dfs" namespace within a pool.
type Container interface {
	UUID() uuid.UUID
	Pool() uuid.UUID
	// Root returns the object id of the container's root directory.
	Root() ObjectID
	// Lookup resolves name within parent, optionally fetching the
	// reserved "duns" xattr in the same round trip when plus is true.
	Lookup(ctx context.Context, parent ObjectID, name string, plus bool) (Stat, []byte, error)
	Open(ctx context.Context, id ObjectID) (Object, error)
	Opendir(ctx context.Context, id ObjectID) (DirIterator, error)
	CreateFile(ctx context.Context, parent ObjectID, name string, mode uint32) (Object, Stat, error)
	CreateDir(ctx context.Context, parent ObjectID, name string, mode uint32) (Stat, error)
	CreateSymlink(ctx context.Context, parent ObjectID, name string, target string) (Stat, error)
	ReadSymlink(ctx context.Context, id ObjectID) (string, error)
	Unlink(ctx context.Context, parent ObjectID, name string) error
	RmDir(ctx context.Context, parent ObjectID, name string) error
	Rename(ctx context.Context, oldParent ObjectID, oldName string, newParent ObjectID, newName string) error
	GetXattr(ctx context.Context, id ObjectID, name string) ([]byte, error)
	SetXattr(ctx context.Context, id ObjectID, name string, value []byte) error
	ListXattr(ctx context.Context, id ObjectID) ([]string, error)
	RemoveXattr(ctx context.Context, id ObjectID, name string) error
	// Attr reads one container-level attribute (the daemon reads the
	// bounded set of dfuse caching attributes at mount time). ok is false
	// when the attribute is not set on the container.
	Attr(ctx context.Context, name string) (value string, ok bool, err error)
	// Queue returns the completion queue backing this container's
	// asynchronous I/O, polled by one internal/eventq worker.
	Queue() EventQueue
	// Umount releases the container handle. Called once the container's
	// refcount in dpool.Registry reaches zero.
	Umount(ctx context.Context) error
}

// Object is an open regular file or directory handle within a container.
type Object interface {
	ID() ObjectID
	Stat(ctx context.Context) (Stat, error)
	SetSize(ctx context.Context, size uint64) error
	Chmod(ctx context.Context, mode uint32) error
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)
	// ReadAsync submits a read through the container's event queue,
	// completing buf in place and closing done when finished (or
	// failed, with err set).
	ReadAsync(eq EventQueue, buf []byte, off int64, done chan<- AsyncResult)
	Close(ctx context.Context) error
}

// AsyncResult is delivered on the channel passed to Object.ReadAsync.
type AsyncResult struct {
	N   int
	Err error
}

// DirIterator walks a directory's children in backend order.
type DirIterator interface {
	// Next returns the next entry, or io.EOF when exhausted.
	Next(ctx context.Context) (name string, stat Stat, err error)
	// Seek repositions the iterator to a backend-defined offset token
	// previously returned from Offset.
	Seek(ctx context.Context, token int64) error
	Offset() int64
	Close(ctx context.Context) error
}

// EventQueue is a backend per-connection completion queue, polled by one
// internal/eventq worker.
type EventQueue interface {
	// PollNoWait drains ready completions without blocking, invoking cb
	// for each and returning how many were processed.
	PollNoWait(cb func()) int
	Close() error
}

var _ io.Closer = EventQueue(nil)
