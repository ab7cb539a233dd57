package ioctlsrv

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/sys/unix"

	"github.com/daos-stack/dfused/internal/dfuseerr"
	"github.com/daos-stack/dfused/internal/logger"
)

// The control socket speaks a minimal framed request/response protocol:
//
//	request:  magic u8, version u8, cmd u32, ino u64, payload-len u32, payload
//	response: errno i32, payload-len u32, payload
//
// all little-endian. The interception library opens the socket found at
// <mountpoint>/.dfuse/control (bind-mounted out of the volume by the
// daemon) when the in-band ioctl path is unavailable.

const frameHeaderLen = 1 + 1 + 4 + 8 + 4

// Serve accepts control connections until ctx is cancelled or the
// listener is closed. Peers must share the daemon's effective uid or be
// root; anyone else is dropped before the first frame is parsed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				logger.Warnf("control socket accept: %v", err)
			}
			return
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	if !peerAllowed(conn) {
		logger.Warnf("control socket: rejecting peer with foreign uid")
		return
	}
	for {
		cmd, ino, payload, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				logger.Debugf("control socket: %v", err)
			}
			return
		}
		status, out := s.dispatch(ctx, cmd, ino, payload)
		if err := writeFrame(conn, status, out); err != nil {
			return
		}
	}
}

// peerAllowed checks SO_PEERCRED against the daemon's own euid.
func peerAllowed(conn net.Conn) bool {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return false
	}
	allowed := false
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			return
		}
		allowed = cred.Uid == uint32(os.Geteuid()) || cred.Uid == 0
	})
	return ctrlErr == nil && allowed
}

func readFrame(r io.Reader) (Cmd, fuseops.InodeID, []byte, error) {
	hdr := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, 0, nil, err
	}
	if hdr[0] != IoctlType || hdr[1] != IoctlVersion {
		return 0, 0, nil, dfuseerr.ErrInvalid
	}
	le := binary.LittleEndian
	cmd := Cmd(le.Uint32(hdr[2:]))
	ino := fuseops.InodeID(le.Uint64(hdr[6:]))
	plen := le.Uint32(hdr[14:])
	if plen > 1<<20 {
		return 0, 0, nil, dfuseerr.ErrInvalid
	}
	payload := make([]byte, plen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, 0, nil, err
	}
	return cmd, ino, payload, nil
}

func writeFrame(w io.Writer, status syscall.Errno, payload []byte) error {
	hdr := make([]byte, 8)
	le := binary.LittleEndian
	le.PutUint32(hdr[0:], uint32(status))
	le.PutUint32(hdr[4:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func (s *Server) dispatch(ctx context.Context, cmd Cmd, ino fuseops.InodeID, payload []byte) (syscall.Errno, []byte) {
	var (
		out []byte
		err error
	)
	switch cmd {
	case CmdIL:
		writeable := len(payload) > 0 && payload[0] != 0
		out, err = s.IL(ctx, ino, writeable)
	case CmdILSize, CmdILDSize:
		e, ok := s.table.Lookup(ino)
		if !ok {
			err = dfuseerr.ErrNotFound
			break
		}
		out, err = s.HandleSize(ctx, cmd, e)
	case CmdReplyPOH, CmdReplyCOH, CmdReplyDOH, CmdReplyDOOH:
		var replyCmd Cmd
		replyCmd, out, err = s.HandleReply(ctx, cmd, ino)
		if err == nil {
			// Prefix the reply with the command actually answered, so
			// the library can tell an inline blob from a PFILE path.
			tagged := make([]byte, 4+len(out))
			binary.LittleEndian.PutUint32(tagged, uint32(replyCmd))
			copy(tagged[4:], out)
			out = tagged
		}
	case CmdEvict:
		err = s.evict(ino)
	case CmdCountQuery:
		var query fuseops.InodeID
		if len(payload) >= 8 {
			query = fuseops.InodeID(binary.LittleEndian.Uint64(payload))
		}
		out = s.CountQuery(query)
	default:
		err = dfuseerr.ErrUnsupported
	}
	if err != nil {
		mapped := dfuseerr.Errno(err)
		var errno syscall.Errno
		if !errors.As(mapped, &errno) {
			errno = syscall.EIO
		}
		return errno, nil
	}
	return 0, out
}
