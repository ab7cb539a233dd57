// Package dpool implements the pool/container registry (spec component C):
// a UUID-keyed, reference-counted hash table shared identically by pools
// and containers, grounded on the teacher's fileSystem.generationBackedInodes
// / implicitDirInodes find-or-create pattern in fs/fs.go, generalized from a
// name-keyed map of two concrete types to a generic ref-counted table.
package dpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jpillora/backoff"

	"github.com/daos-stack/dfused/internal/backend"
	"github.com/daos-stack/dfused/internal/logger"
)

// refCounted is the contract a registry entry's payload must meet: a way
// to add/drop references and a way to tear itself down once the count
// reaches zero. Mirrors fs/inode/lookup_count.go's destroy-callback shape.
type refCounted interface {
	addref()
	// decref returns true when the count reached zero and free() has
	// been invoked.
	decref(ctx context.Context) bool
}

// Pool is a registry entry wrapping a connected backend.Pool.
type Pool struct {
	backend.Pool

	mu    sync.Mutex
	count int64
}

func (p *Pool) addref() {
	p.mu.Lock()
	p.count++
	p.mu.Unlock()
}

func (p *Pool) decref(ctx context.Context) bool {
	p.mu.Lock()
	p.count--
	zero := p.count == 0
	p.mu.Unlock()
	if zero {
		if err := p.Pool.Disconnect(ctx); err != nil {
			logger.Warnf("pool %s disconnect: %v", p.UUID(), err)
		}
	}
	return zero
}

// Container is a registry entry wrapping a mounted backend.Container, plus
// a back-reference to the owning pool so closing the container can decref
// the pool in turn (§4.C: "closing the last container reference also
// drops the owning pool's reference").
type Container struct {
	backend.Container
	owningPool *Pool
	registry   *Registry

	// Attrs is the parsed caching policy, read once at mount time and
	// immutable afterwards.
	Attrs CachingAttrs

	// RootIno is the allocated inode number for the container root. It
	// also supplies the container_ino high bits of every child inode
	// number, so it must survive close/reopen: the historic shadow
	// records it (§4.C).
	RootIno fuseops.InodeID

	mu    sync.Mutex
	count int64
}

func (c *Container) addref() {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

func (c *Container) decref(ctx context.Context) bool {
	c.mu.Lock()
	c.count--
	zero := c.count == 0
	c.mu.Unlock()
	if zero {
		if err := c.Container.Umount(ctx); err != nil {
			logger.Warnf("container %s umount: %v", c.UUID(), err)
		}
		c.registry.DecrefPool(ctx, c.owningPool)
	}
	return zero
}

// Registry is the process-wide pool+container table. There is exactly one
// live Registry per daemon instance.
type Registry struct {
	connect func(ctx context.Context, poolUUID uuid.UUID) (backend.Pool, error)

	poolsMu sync.Mutex
	pools   map[uuid.UUID]*Pool

	contsMu sync.Mutex
	conts   map[uuid.UUID]*Container

	// historic shadows (§4.C): survive eviction so a closed-then-reopened
	// pool/container reuses the same root inode number. Guarded by one
	// process-wide lock per the spec's "historic lists" note.
	historicMu    sync.Mutex
	historicPools map[uuid.UUID]struct{}
	historicConts map[uuid.UUID]fuseops.InodeID // container -> root inode

	// nextRootIno allocates container root inode numbers. The mount
	// container takes fuseops.RootInodeID; further containers (UNS
	// traversals) count up from there.
	nextRootIno atomic.Uint64

	// timeouts, when non-nil, learns each mounted container's dentry
	// timeouts so the invalidation engine can bucket inodes by them.
	timeouts TimeoutRegistrar
}

// TimeoutRegistrar is implemented by the invalidation engine: containers
// register their dentry-timeout values at mount time and unregister them
// on close, driving time-bucket refcounts (§3 time bucket, §4.G).
type TimeoutRegistrar interface {
	RegisterTimeout(d time.Duration)
	UnregisterTimeout(d time.Duration)
}

// Connector opens a fresh backend.Pool connection. Supplied by the caller
// (package cmd wires the backend in).
type Connector func(ctx context.Context, poolUUID uuid.UUID) (backend.Pool, error)

// NewRegistry constructs an empty registry using connect to establish new
// pool connections on first reference. timeouts may be nil (tests that do
// not exercise invalidation).
func NewRegistry(connect Connector, timeouts TimeoutRegistrar) *Registry {
	r := &Registry{
		connect:       connect,
		pools:         map[uuid.UUID]*Pool{},
		conts:         map[uuid.UUID]*Container{},
		historicPools: map[uuid.UUID]struct{}{},
		historicConts: map[uuid.UUID]fuseops.InodeID{},
		timeouts:      timeouts,
	}
	r.nextRootIno.Store(fuseops.RootInodeID)
	return r
}

// allocRootIno hands out the container's root inode number, preferring
// the historic shadow so a close/reopen cycle is invisible to anything
// that recorded the old number (§4.C). The first allocation is the mount
// root and gets fuseops.RootInodeID.
func (r *Registry) allocRootIno(contUUID uuid.UUID) fuseops.InodeID {
	r.historicMu.Lock()
	defer r.historicMu.Unlock()
	if ino, ok := r.historicConts[contUUID]; ok {
		return ino
	}
	return fuseops.InodeID(r.nextRootIno.Add(1) - 1)
}

// FindOrInsertPool is the race-free publication primitive of §4.C/§9: it
// either returns an already-live, addref'd entry for poolUUID, or connects
// a fresh one and installs it.
func (r *Registry) FindOrInsertPool(ctx context.Context, poolUUID uuid.UUID) (*Pool, error) {
	r.poolsMu.Lock()
	if p, ok := r.pools[poolUUID]; ok {
		p.addref()
		r.poolsMu.Unlock()
		return p, nil
	}
	r.poolsMu.Unlock()

	// Connect outside the lock: this may block on network I/O and must
	// not stall concurrent lookups of other pools. Transient connect
	// failures are retried briefly with jittered backoff before the
	// error is surfaced to the caller.
	conn, err := r.connectWithRetry(ctx, poolUUID)
	if err != nil {
		return nil, err
	}

	r.poolsMu.Lock()
	defer r.poolsMu.Unlock()
	if p, ok := r.pools[poolUUID]; ok {
		// Lost the race: tear down our connection and addref the
		// winner instead.
		p.addref()
		if derr := conn.Disconnect(ctx); derr != nil {
			logger.Warnf("pool %s disconnect (lost race): %v", poolUUID, derr)
		}
		return p, nil
	}
	p := &Pool{Pool: conn, count: 1}
	r.pools[poolUUID] = p

	r.historicMu.Lock()
	delete(r.historicPools, poolUUID)
	r.historicMu.Unlock()
	return p, nil
}

func (r *Registry) connectWithRetry(ctx context.Context, poolUUID uuid.UUID) (backend.Pool, error) {
	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: time.Second, Jitter: true}
	for {
		conn, err := r.connect(ctx, poolUUID)
		if err == nil {
			return conn, nil
		}
		if b.Attempt() >= 3 {
			return nil, err
		}
		logger.Warnf("pool %s connect: %v (retrying)", poolUUID, err)
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// FindOrInsertContainer is FindOrInsertPool's container-scoped counterpart.
func (r *Registry) FindOrInsertContainer(ctx context.Context, poolUUID, contUUID uuid.UUID) (*Container, error) {
	r.contsMu.Lock()
	if c, ok := r.conts[contUUID]; ok {
		c.addref()
		r.contsMu.Unlock()
		return c, nil
	}
	r.contsMu.Unlock()

	pool, err := r.FindOrInsertPool(ctx, poolUUID)
	if err != nil {
		return nil, err
	}

	mounted, err := pool.OpenContainer(ctx, contUUID)
	if err != nil {
		r.DecrefPool(ctx, pool)
		return nil, err
	}

	attrs, err := ReadAttrs(ctx, mounted)
	if err != nil {
		if derr := mounted.Umount(ctx); derr != nil {
			logger.Warnf("container %s umount: %v", contUUID, derr)
		}
		r.DecrefPool(ctx, pool)
		return nil, err
	}
	attrs.Rationalize()

	r.contsMu.Lock()
	defer r.contsMu.Unlock()
	if c, ok := r.conts[contUUID]; ok {
		c.addref()
		if derr := mounted.Umount(ctx); derr != nil {
			logger.Warnf("container %s umount (lost race): %v", contUUID, derr)
		}
		r.DecrefPool(ctx, pool)
		return c, nil
	}
	c := &Container{
		Container:  mounted,
		owningPool: pool,
		registry:   r,
		Attrs:      attrs,
		RootIno:    r.allocRootIno(contUUID),
		count:      1,
	}
	r.conts[contUUID] = c

	if r.timeouts != nil {
		if d := attrs.DentryTimeout(); d > 0 {
			r.timeouts.RegisterTimeout(d)
		}
		if d := attrs.DentryDirTimeout(); d > 0 && d != attrs.DentryTimeout() {
			r.timeouts.RegisterTimeout(d)
		}
	}
	return c, nil
}

// DecrefPool drops one reference to p, removing it from the table and
// recording a historic shadow once the count reaches zero.
func (r *Registry) DecrefPool(ctx context.Context, p *Pool) {
	r.poolsMu.Lock()
	zero := p.decref(ctx)
	if zero {
		delete(r.pools, p.UUID())
	}
	r.poolsMu.Unlock()
	if zero {
		r.historicMu.Lock()
		r.historicPools[p.UUID()] = struct{}{}
		r.historicMu.Unlock()
	}
}

// DecrefContainer drops one reference to c. The last reference records the
// historic shadow (so a reopen reuses RootIno) and unregisters the
// container's timeouts from the invalidation engine.
func (r *Registry) DecrefContainer(ctx context.Context, c *Container) {
	r.contsMu.Lock()
	zero := c.decref(ctx)
	if zero {
		delete(r.conts, c.UUID())
	}
	r.contsMu.Unlock()
	if !zero {
		return
	}
	r.historicMu.Lock()
	r.historicConts[c.UUID()] = c.RootIno
	r.historicMu.Unlock()
	if r.timeouts != nil {
		if d := c.Attrs.DentryTimeout(); d > 0 {
			r.timeouts.UnregisterTimeout(d)
		}
		if d := c.Attrs.DentryDirTimeout(); d > 0 && d != c.Attrs.DentryTimeout() {
			r.timeouts.UnregisterTimeout(d)
		}
	}
}

// AddrefContainer takes an additional strong reference on c, used when a
// second inode (a UNS traversal target) comes to share the container.
func (r *Registry) AddrefContainer(c *Container) { c.addref() }

// Counts reports live pool/container table sizes, for the ioctl
// COUNT_QUERY surface (§4.I).
func (r *Registry) Counts() (pools, containers int) {
	r.poolsMu.Lock()
	pools = len(r.pools)
	r.poolsMu.Unlock()
	r.contsMu.Lock()
	containers = len(r.conts)
	r.contsMu.Unlock()
	return
}
