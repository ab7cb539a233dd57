package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/daos-stack/dfused/cfg"
	"github.com/daos-stack/dfused/internal/backend"
	"github.com/daos-stack/dfused/internal/dfuse"
	"github.com/daos-stack/dfused/internal/dinode"
	"github.com/daos-stack/dfused/internal/dmetrics"
	"github.com/daos-stack/dfused/internal/dpool"
	"github.com/daos-stack/dfused/internal/eventq"
	"github.com/daos-stack/dfused/internal/inval"
	"github.com/daos-stack/dfused/internal/ioctlsrv"
	"github.com/daos-stack/dfused/internal/logger"
)

// runMount wires every subsystem and blocks until the filesystem is
// unmounted: registry → container → eventq workers → inode table →
// dispatcher → kernel, then the invalidation engine and the control
// socket alongside.
func runMount(c cfg.Config, mountPoint string) error {
	ctx := context.Background()

	poolUUID, err := uuid.Parse(c.Pool)
	if err != nil {
		return fmt.Errorf("pool %q is not a UUID: %w", c.Pool, err)
	}
	contUUID, err := uuid.Parse(c.Container)
	if err != nil {
		return fmt.Errorf("container %q is not a UUID: %w", c.Container, err)
	}

	clock := timeutil.RealClock()
	notifier := fuse.NewNotifier()
	engine := inval.New(notifier, clock)

	registry := dpool.NewRegistry(newBackendPool, engine)
	cont, err := registry.FindOrInsertContainer(ctx, poolUUID, contUUID)
	if err != nil {
		return fmt.Errorf("opening container %s: %w", contUUID, err)
	}

	// One worker per backend completion queue; the mount container
	// contributes the first, UNS traversals register theirs as they
	// appear.
	workers := eventq.NewPool([]backend.EventQueue{cont.Queue()})
	defer workers.Stop()

	table := dinode.NewTable(registry)
	// The container reference acquired above passes to the root inode the
	// server installs; the shutdown drain releases it.
	server, err := dfuse.NewServer(dfuse.Config{
		ReadOnly:  c.ReadOnly,
		SlabSlots: c.EventQueue.SlabSlots,
	}, clock, table, registry, engine, workers, cont)
	if err != nil {
		registry.DecrefContainer(ctx, cont)
		return err
	}

	ctl := ioctlsrv.New(table, registry, stubHandles{registry: registry}, server.OpenHandleCount,
		engine.InvalidateNow, server.ArmEvict)

	mfs, err := dfuse.Mount(server, notifier, dfuse.MountOptions{
		MountPoint: mountPoint,
		ReadOnly:   c.ReadOnly,
		AllowOther: c.AllowOther,
	})
	if err != nil {
		return err
	}
	logger.Infof("mounted %s/%s at %s", poolUUID, contUUID, mountPoint)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var group errgroup.Group
	group.Go(func() error {
		engine.Run()
		return nil
	})

	sockPath := controlSocketPath(mountPoint)
	if ln, lerr := net.Listen("unix", sockPath); lerr != nil {
		logger.Warnf("control socket %s: %v (interception handshake disabled)", sockPath, lerr)
	} else {
		group.Go(func() error {
			ctl.Serve(runCtx, ln)
			os.Remove(sockPath)
			return nil
		})
	}

	if c.Metrics.Addr != "" {
		dmetrics.Register(prometheus.DefaultRegisterer)
		msrv := &http.Server{Addr: c.Metrics.Addr, Handler: promhttp.Handler()}
		group.Go(func() error {
			<-runCtx.Done()
			return msrv.Close()
		})
		group.Go(func() error {
			if err := msrv.ListenAndServe(); err != http.ErrServerClosed {
				logger.Warnf("metrics server: %v", err)
			}
			return nil
		})
	}

	err = mfs.Join(ctx)
	cancel()
	engine.Stop()
	if gerr := group.Wait(); gerr != nil && err == nil {
		err = gerr
	}
	logger.Infof("unmounted %s", mountPoint)
	return err
}

// controlSocketPath names the per-mount control socket the interception
// library connects to.
func controlSocketPath(mountPoint string) string {
	base := filepath.Base(filepath.Clean(mountPoint))
	return filepath.Join(os.TempDir(), fmt.Sprintf("dfuse_%s_%d.ctl", base, os.Getpid()))
}
