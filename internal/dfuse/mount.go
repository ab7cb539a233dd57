package dfuse

import (
	"fmt"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/daos-stack/dfused/internal/logger"
)

// MountOptions carries the kernel-visible mount knobs from cmd.
type MountOptions struct {
	MountPoint string
	ReadOnly   bool
	AllowOther bool
}

// Mount wires the server to the kernel (§6): forced options first, the
// conditional ones from config, and the notifier the invalidation engine
// upcalls through. The returned MountedFileSystem's Join blocks until
// unmount.
func Mount(s *Server, notifier *fuse.Notifier, opts MountOptions) (*fuse.MountedFileSystem, error) {
	mountOpts := map[string]string{
		"default_permissions": "",
		"noatime":             "",
	}
	if opts.ReadOnly {
		mountOpts["ro"] = ""
	}
	if opts.AllowOther {
		mountOpts["allow_other"] = ""
	}

	cfg := &fuse.MountConfig{
		FSName:  "dfuse",
		Subtype: "daos",
		Options: mountOpts,
		// Lookups and directory reads on distinct inodes proceed in
		// parallel; the per-inode serialization the dispatcher relies on
		// is still provided by the kernel.
		EnableParallelDirOps: true,
		EnableReaddirplus:    true,
		ErrorLogger:          logger.ErrorLogger("fuse: "),
		DebugLogger:          logger.DebugLogger("fuse_debug: "),
	}

	server := fuse.NewServerWithNotifier(notifier, fuseutil.NewFileSystemServer(s))
	mfs, err := fuse.Mount(opts.MountPoint, server, cfg)
	if err != nil {
		return nil, fmt.Errorf("mounting %s: %w", opts.MountPoint, err)
	}
	return mfs, nil
}
