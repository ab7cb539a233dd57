// Package ioctlsrv implements the interception-library handshake surface
// (spec component I). The wire contract is the original daemon's ioctl
// protocol: a magic type byte, a 32-bit version, and a small command set
// the LD_PRELOAD interception library issues against an open file
// descriptor. Kernel-side FUSE ioctl forwarding is owned by the transport;
// this package owns the command semantics and their serialized shapes, and
// additionally serves them over a per-mount control socket so the library
// can reach the daemon out of band.
package ioctlsrv

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse/fuseops"

	"github.com/daos-stack/dfused/internal/dfuseerr"
	"github.com/daos-stack/dfused/internal/dinode"
	"github.com/daos-stack/dfused/internal/dpool"
)

// Protocol identity. The type byte and version are a compatibility
// contract with the interception library; changing either breaks every
// deployed libioil.
const (
	IoctlType    = 0xA3
	IoctlVersion = 4
)

// Cmd enumerates the command set.
type Cmd uint32

const (
	CmdIL Cmd = iota + 1
	CmdILSize
	CmdILDSize
	CmdReplyPOH
	CmdReplyCOH
	CmdReplyDOH
	CmdReplyDOOH
	CmdReplyPFile
	CmdCountQuery
	CmdEvict
)

// ILFlagMetadataCaching is bit 0 of the IL reply flags: set when the
// container caches metadata, telling the library it may trust local stat
// data.
const ILFlagMetadataCaching = 1 << 0

// maxDirectReply is the largest handle blob returned inline; bigger blobs
// (pool handles on large systems) are spilled to a temp file whose path is
// returned under CmdReplyPFile instead.
const maxDirectReply = 16 << 10

// HandleSource serializes backend handles for the REPLY_* commands. The
// daemon-side backend owns the wire format; the fake returns stub blobs.
type HandleSource interface {
	PoolHandle(ctx context.Context, pool uuid.UUID) ([]byte, error)
	ContainerHandle(ctx context.Context, cont uuid.UUID) ([]byte, error)
	FSHandle(ctx context.Context, cont uuid.UUID) ([]byte, error)
	ObjectHandle(ctx context.Context, e *dinode.Entry) ([]byte, error)
}

// Server answers ioctl commands against daemon state.
type Server struct {
	table    *dinode.Table
	registry *dpool.Registry
	handles  HandleSource

	// openHandles reports the daemon's live open-handle count for
	// COUNT_QUERY; owned by the dispatcher.
	openHandles func() int

	// invalidate issues an immediate notify_inval_entry, used by IL on
	// writeable files to drop stale kernel cache.
	invalidate func(*dinode.Entry)

	// evict arms evict-on-close for every open handle on an inode
	// (CmdEvict); owned by the dispatcher, which knows the handles.
	evict func(fuseops.InodeID) error
}

// New wires the server. invalidate and evict may be nil in tests.
func New(table *dinode.Table, registry *dpool.Registry, handles HandleSource, openHandles func() int, invalidate func(*dinode.Entry), evict func(fuseops.InodeID) error) *Server {
	if openHandles == nil {
		openHandles = func() int { return 0 }
	}
	if invalidate == nil {
		invalidate = func(*dinode.Entry) {}
	}
	if evict == nil {
		evict = func(fuseops.InodeID) error { return dfuseerr.ErrUnsupported }
	}
	return &Server{table: table, registry: registry, handles: handles, openHandles: openHandles, invalidate: invalidate, evict: evict}
}

// ILReply is the decoded form of the IL handshake response; the wire form
// is little-endian fixed layout, version first.
type ILReply struct {
	Version   uint32
	Flags     uint64
	Pool      uuid.UUID
	Container uuid.UUID
	ObjHi     uint64
	ObjLo     uint64
}

func (r ILReply) encode() []byte {
	buf := make([]byte, 4+4+8+16+16+8+8)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], r.Version)
	// 4 bytes padding keeps the 64-bit fields aligned, matching the C
	// struct layout.
	le.PutUint64(buf[8:], r.Flags)
	copy(buf[16:], r.Pool[:])
	copy(buf[32:], r.Container[:])
	le.PutUint64(buf[48:], r.ObjHi)
	le.PutUint64(buf[56:], r.ObjLo)
	return buf
}

// DecodeILReply is the inverse of encode, used by tests and by the
// interception library's Go-side tooling.
func DecodeILReply(b []byte) (ILReply, error) {
	if len(b) < 64 {
		return ILReply{}, fmt.Errorf("IL reply truncated: %w", dfuseerr.ErrInvalid)
	}
	le := binary.LittleEndian
	var r ILReply
	r.Version = le.Uint32(b[0:])
	r.Flags = le.Uint64(b[8:])
	copy(r.Pool[:], b[16:32])
	copy(r.Container[:], b[32:48])
	r.ObjHi = le.Uint64(b[48:])
	r.ObjLo = le.Uint64(b[56:])
	return r, nil
}

// IL performs the interception-library attach handshake for ino (§6 "IL"):
// identify the object, flag metadata caching, invalidate stale kernel
// cache for writeable files, and count the attach on the inode.
func (s *Server) IL(ctx context.Context, ino fuseops.InodeID, writeable bool) ([]byte, error) {
	e, ok := s.table.Lookup(ino)
	if !ok {
		return nil, dfuseerr.ErrNotFound
	}
	var flags uint64
	if e.Cont != nil && e.Cont.Attrs.Attr.Enabled() {
		flags |= ILFlagMetadataCaching
	}
	if writeable {
		s.invalidate(e)
	}
	e.IncIL()

	st, err := e.Obj.Stat(ctx)
	if err != nil {
		return nil, err
	}
	reply := ILReply{
		Version: IoctlVersion,
		Flags:   flags,
		ObjHi:   st.ID.Hi,
		ObjLo:   st.ID.Lo,
	}
	if e.Cont != nil {
		reply.Pool = e.Cont.Pool()
		reply.Container = e.Cont.UUID()
	}
	return reply.encode(), nil
}

// HandleSize answers IL_SIZE / IL_DSIZE: the byte counts the caller must
// allocate before issuing the matching REPLY_* command.
func (s *Server) HandleSize(ctx context.Context, cmd Cmd, e *dinode.Entry) ([]byte, error) {
	blob, err := s.handleBlob(ctx, cmd, e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(len(blob)))
	return out, nil
}

func (s *Server) handleBlob(ctx context.Context, cmd Cmd, e *dinode.Entry) ([]byte, error) {
	if e.Cont == nil {
		return nil, dfuseerr.ErrInvalid
	}
	switch cmd {
	case CmdReplyPOH, CmdILSize:
		return s.handles.PoolHandle(ctx, e.Cont.Pool())
	case CmdReplyCOH:
		return s.handles.ContainerHandle(ctx, e.Cont.UUID())
	case CmdReplyDOH:
		return s.handles.FSHandle(ctx, e.Cont.UUID())
	case CmdReplyDOOH, CmdILDSize:
		return s.handles.ObjectHandle(ctx, e)
	default:
		return nil, dfuseerr.ErrUnsupported
	}
}

// HandleReply answers the REPLY_* commands. Pool handles larger than
// maxDirectReply are written to a private temp file and its path returned
// with a CmdReplyPFile marker, per §6.
func (s *Server) HandleReply(ctx context.Context, cmd Cmd, ino fuseops.InodeID) (replyCmd Cmd, payload []byte, err error) {
	e, ok := s.table.Lookup(ino)
	if !ok {
		return 0, nil, dfuseerr.ErrNotFound
	}
	blob, err := s.handleBlob(ctx, cmd, e)
	if err != nil {
		return 0, nil, err
	}
	if cmd == CmdReplyPOH && len(blob) > maxDirectReply {
		f, err := os.CreateTemp("/tmp", "dfuse_poh_*")
		if err != nil {
			return 0, nil, err
		}
		if _, err := f.Write(blob); err != nil {
			name := f.Name()
			f.Close()
			os.Remove(name)
			return 0, nil, err
		}
		name := f.Name()
		if err := f.Close(); err != nil {
			os.Remove(name)
			return 0, nil, err
		}
		return CmdReplyPFile, []byte(name), nil
	}
	return cmd, blob, nil
}

// CountReply is the COUNT_QUERY response.
type CountReply struct {
	Inodes     uint32
	Handles    uint32
	Pools      uint32
	Containers uint32
	Found      bool
}

func (r CountReply) encode() []byte {
	buf := make([]byte, 4*4+1)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], r.Inodes)
	le.PutUint32(buf[4:], r.Handles)
	le.PutUint32(buf[8:], r.Pools)
	le.PutUint32(buf[12:], r.Containers)
	if r.Found {
		buf[16] = 1
	}
	return buf
}

// DecodeCountReply is the test-side inverse of CountReply.encode.
func DecodeCountReply(b []byte) (CountReply, error) {
	if len(b) < 17 {
		return CountReply{}, fmt.Errorf("count reply truncated: %w", dfuseerr.ErrInvalid)
	}
	le := binary.LittleEndian
	return CountReply{
		Inodes:     le.Uint32(b[0:]),
		Handles:    le.Uint32(b[4:]),
		Pools:      le.Uint32(b[8:]),
		Containers: le.Uint32(b[12:]),
		Found:      b[16] != 0,
	}, nil
}

// CountQuery answers the management COUNT_QUERY command (§6): live
// inode/handle/pool/container counts plus an optional presence probe for
// one inode number (queryIno == 0 skips the probe).
func (s *Server) CountQuery(queryIno fuseops.InodeID) []byte {
	pools, conts := s.registry.Counts()
	r := CountReply{
		Inodes:     uint32(s.table.Count()),
		Handles:    uint32(s.openHandles()),
		Pools:      uint32(pools),
		Containers: uint32(conts),
	}
	if queryIno != 0 {
		_, r.Found = s.table.Lookup(queryIno)
	}
	return r.encode()
}
