// Package fake is an in-memory implementation of internal/backend, used by
// tests and as the backend the dfused command mounts, for local
// smoke-testing without a real DAOS deployment.
package fake

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/daos-stack/dfused/internal/backend"
)

var nextObjID atomic.Uint64

func allocID() backend.ObjectID {
	n := nextObjID.Add(1)
	return backend.ObjectID{Hi: n >> 32, Lo: n}
}

type node struct {
	mu       sync.RWMutex
	id       backend.ObjectID
	kind     backend.Kind
	mode     uint32
	data     []byte
	target   string // symlink target
	xattr    map[string][]byte
	children map[string]*node // directory only, name -> child
	mtime    int64
	ctime    int64
}

func newNode(kind backend.Kind, mode uint32) *node {
	n := &node{
		id:    allocID(),
		kind:  kind,
		mode:  mode,
		xattr: map[string][]byte{},
	}
	if kind == backend.KindDirectory {
		n.children = map[string]*node{}
	}
	return n
}

func (n *node) stat() backend.Stat {
	n.mu.RLock()
	defer n.mu.RUnlock()
	nlink := uint32(1)
	if n.kind == backend.KindDirectory {
		nlink = uint32(2 + len(n.children))
	}
	return backend.Stat{
		ID:    n.id,
		Kind:  n.kind,
		Size:  uint64(len(n.data)),
		Mode:  n.mode,
		Mtime: n.mtime,
		Ctime: n.ctime,
		Nlink: nlink,
	}
}

// Container is the fake in-memory namespace.
type Container struct {
	contUUID uuid.UUID
	poolUUID uuid.UUID

	mu    sync.RWMutex
	root  *node
	byID  map[backend.ObjectID]*node
	attrs map[string]string // container-level attributes
	inj   *Injector         // optional transient-error injection, for §7 tests
	queue *eventQueue
}

// Injector lets tests force transient backend errors, modeling §7's
// "backend transient" error class without standing up a real cluster.
type Injector struct {
	mu      sync.Mutex
	failNxt int
	err     error
}

// FailNext arranges for the next n backend calls on the container to
// return err.
func (i *Injector) FailNext(n int, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failNxt = n
	i.err = err
}

func (i *Injector) check() error {
	if i == nil {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.failNxt <= 0 {
		return nil
	}
	i.failNxt--
	return i.err
}

// NewContainer constructs an empty fake container.
func NewContainer(poolUUID, contUUID uuid.UUID) *Container {
	root := newNode(backend.KindDirectory, 0755)
	c := &Container{
		contUUID: contUUID,
		poolUUID: poolUUID,
		root:     root,
		byID:     map[backend.ObjectID]*node{root.id: root},
		queue:    newEventQueue(),
	}
	return c
}

// WithInjector attaches a fault injector, returning the same container for
// chaining in test setup.
func (c *Container) WithInjector(inj *Injector) *Container {
	c.inj = inj
	return c
}

func (c *Container) UUID() uuid.UUID        { return c.contUUID }
func (c *Container) Pool() uuid.UUID        { return c.poolUUID }
func (c *Container) Root() backend.ObjectID { return c.root.id }

func (c *Container) find(id backend.ObjectID) (*node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.byID[id]
	return n, ok
}

func (c *Container) Lookup(ctx context.Context, parent backend.ObjectID, name string, plus bool) (backend.Stat, []byte, error) {
	if err := c.inj.check(); err != nil {
		return backend.Stat{}, nil, err
	}
	p, ok := c.find(parent)
	if !ok || p.kind != backend.KindDirectory {
		return backend.Stat{}, nil, fmt.Errorf("lookup: %w", ErrNotDir)
	}
	p.mu.RLock()
	child, ok := p.children[name]
	p.mu.RUnlock()
	if !ok {
		return backend.Stat{}, nil, ErrNotFound
	}
	var duns []byte
	if plus {
		child.mu.RLock()
		if v, ok := child.xattr["user.daos.duns"]; ok {
			duns = append([]byte(nil), v...)
		}
		child.mu.RUnlock()
	}
	return child.stat(), duns, nil
}

func (c *Container) Open(ctx context.Context, id backend.ObjectID) (backend.Object, error) {
	if err := c.inj.check(); err != nil {
		return nil, err
	}
	n, ok := c.find(id)
	if !ok {
		return nil, ErrNotFound
	}
	return &object{n: n, c: c}, nil
}

func (c *Container) Opendir(ctx context.Context, id backend.ObjectID) (backend.DirIterator, error) {
	n, ok := c.find(id)
	if !ok || n.kind != backend.KindDirectory {
		return nil, ErrNotDir
	}
	n.mu.RLock()
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	stats := make([]backend.Stat, len(names))
	for i, name := range names {
		stats[i] = n.children[name].stat()
	}
	n.mu.RUnlock()
	return &dirIter{names: names, stats: stats}, nil
}

func (c *Container) create(parent backend.ObjectID, name string, kind backend.Kind, mode uint32) (*node, error) {
	p, ok := c.find(parent)
	if !ok || p.kind != backend.KindDirectory {
		return nil, ErrNotDir
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.children[name]; exists {
		return nil, ErrExist
	}
	child := newNode(kind, mode)
	p.children[name] = child
	c.mu.Lock()
	c.byID[child.id] = child
	c.mu.Unlock()
	return child, nil
}

func (c *Container) CreateFile(ctx context.Context, parent backend.ObjectID, name string, mode uint32) (backend.Object, backend.Stat, error) {
	if err := c.inj.check(); err != nil {
		return nil, backend.Stat{}, err
	}
	n, err := c.create(parent, name, backend.KindRegular, mode)
	if err != nil {
		return nil, backend.Stat{}, err
	}
	return &object{n: n, c: c}, n.stat(), nil
}

func (c *Container) CreateDir(ctx context.Context, parent backend.ObjectID, name string, mode uint32) (backend.Stat, error) {
	n, err := c.create(parent, name, backend.KindDirectory, mode)
	if err != nil {
		return backend.Stat{}, err
	}
	return n.stat(), nil
}

func (c *Container) CreateSymlink(ctx context.Context, parent backend.ObjectID, name string, target string) (backend.Stat, error) {
	n, err := c.create(parent, name, backend.KindSymlink, 0777)
	if err != nil {
		return backend.Stat{}, err
	}
	n.mu.Lock()
	n.target = target
	n.mu.Unlock()
	return n.stat(), nil
}

func (c *Container) Unlink(ctx context.Context, parent backend.ObjectID, name string) error {
	return c.remove(parent, name, backend.KindRegular)
}

func (c *Container) RmDir(ctx context.Context, parent backend.ObjectID, name string) error {
	return c.remove(parent, name, backend.KindDirectory)
}

func (c *Container) remove(parent backend.ObjectID, name string, want backend.Kind) error {
	p, ok := c.find(parent)
	if !ok || p.kind != backend.KindDirectory {
		return ErrNotDir
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	child, ok := p.children[name]
	if !ok {
		return ErrNotFound
	}
	if want == backend.KindDirectory {
		if child.kind != backend.KindDirectory {
			return ErrNotDir
		}
		child.mu.RLock()
		empty := len(child.children) == 0
		child.mu.RUnlock()
		if !empty {
			return ErrNotEmpty
		}
	} else if child.kind == backend.KindDirectory {
		return ErrIsDir
	}
	delete(p.children, name)
	return nil
}

func (c *Container) Rename(ctx context.Context, oldParent backend.ObjectID, oldName string, newParent backend.ObjectID, newName string) error {
	op, ok := c.find(oldParent)
	if !ok {
		return ErrNotDir
	}
	np, ok := c.find(newParent)
	if !ok {
		return ErrNotDir
	}
	if op == np {
		op.mu.Lock()
		defer op.mu.Unlock()
		child, ok := op.children[oldName]
		if !ok {
			return ErrNotFound
		}
		delete(op.children, oldName)
		op.children[newName] = child
		return nil
	}
	op.mu.Lock()
	child, ok := op.children[oldName]
	if !ok {
		op.mu.Unlock()
		return ErrNotFound
	}
	delete(op.children, oldName)
	op.mu.Unlock()

	np.mu.Lock()
	np.children[newName] = child
	np.mu.Unlock()
	return nil
}

func (c *Container) GetXattr(ctx context.Context, id backend.ObjectID, name string) ([]byte, error) {
	n, ok := c.find(id)
	if !ok {
		return nil, ErrNotFound
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.xattr[name]
	if !ok {
		return nil, ErrNoXattr
	}
	return append([]byte(nil), v...), nil
}

func (c *Container) SetXattr(ctx context.Context, id backend.ObjectID, name string, value []byte) error {
	n, ok := c.find(id)
	if !ok {
		return ErrNotFound
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.xattr[name] = append([]byte(nil), value...)
	return nil
}

func (c *Container) ListXattr(ctx context.Context, id backend.ObjectID) ([]string, error) {
	n, ok := c.find(id)
	if !ok {
		return nil, ErrNotFound
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.xattr))
	for name := range n.xattr {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Container) RemoveXattr(ctx context.Context, id backend.ObjectID, name string) error {
	n, ok := c.find(id)
	if !ok {
		return ErrNotFound
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.xattr[name]; !ok {
		return ErrNoXattr
	}
	delete(n.xattr, name)
	return nil
}

func (c *Container) ReadSymlink(ctx context.Context, id backend.ObjectID) (string, error) {
	n, ok := c.find(id)
	if !ok {
		return "", ErrNotFound
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.kind != backend.KindSymlink {
		return "", ErrInvalid
	}
	return n.target, nil
}

// SetAttr sets a container-level attribute, the fake counterpart of
// setting a dfuse caching attribute on a real container at create time.
func (c *Container) SetAttr(name, value string) {
	c.mu.Lock()
	if c.attrs == nil {
		c.attrs = map[string]string{}
	}
	c.attrs[name] = value
	c.mu.Unlock()
}

func (c *Container) Attr(ctx context.Context, name string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.attrs[name]
	return v, ok, nil
}

func (c *Container) Queue() backend.EventQueue { return c.queue }

func (c *Container) Umount(ctx context.Context) error {
	return c.queue.Close()
}

type object struct {
	n *node
	c *Container
}

func (o *object) ID() backend.ObjectID { return o.n.id }

func (o *object) Stat(ctx context.Context) (backend.Stat, error) {
	return o.n.stat(), nil
}

func (o *object) SetSize(ctx context.Context, size uint64) error {
	o.n.mu.Lock()
	defer o.n.mu.Unlock()
	if uint64(len(o.n.data)) == size {
		return nil
	}
	buf := make([]byte, size)
	copy(buf, o.n.data)
	o.n.data = buf
	return nil
}

func (o *object) Chmod(ctx context.Context, mode uint32) error {
	o.n.mu.Lock()
	defer o.n.mu.Unlock()
	o.n.mode = mode
	return nil
}

func (o *object) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := o.c.inj.check(); err != nil {
		return 0, err
	}
	o.n.mu.RLock()
	defer o.n.mu.RUnlock()
	if off >= int64(len(o.n.data)) {
		return 0, io.EOF
	}
	n := copy(p, o.n.data[off:])
	return n, nil
}

func (o *object) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := o.c.inj.check(); err != nil {
		return 0, err
	}
	o.n.mu.Lock()
	defer o.n.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(o.n.data)) {
		buf := make([]byte, end)
		copy(buf, o.n.data)
		o.n.data = buf
	}
	return copy(o.n.data[off:end], p), nil
}

// ReadAsync submits the read to the container's fake event queue, which
// completes it on its own goroutine the way a real backend completes I/O
// off the calling thread.
func (o *object) ReadAsync(eq backend.EventQueue, buf []byte, off int64, done chan<- backend.AsyncResult) {
	q, ok := eq.(*eventQueue)
	if !ok {
		q = o.c.queue
	}
	q.submit(func() backend.AsyncResult {
		n, err := o.ReadAt(context.Background(), buf, off)
		return backend.AsyncResult{N: n, Err: err}
	}, done)
}

func (o *object) Close(ctx context.Context) error { return nil }

type dirIter struct {
	names []string
	stats []backend.Stat
	idx   int
}

func (d *dirIter) Next(ctx context.Context) (string, backend.Stat, error) {
	if d.idx >= len(d.names) {
		return "", backend.Stat{}, io.EOF
	}
	name, stat := d.names[d.idx], d.stats[d.idx]
	d.idx++
	return name, stat, nil
}

func (d *dirIter) Seek(ctx context.Context, token int64) error {
	if token < 0 || token > int64(len(d.names)) {
		return ErrInvalid
	}
	d.idx = int(token)
	return nil
}

func (d *dirIter) Offset() int64                   { return int64(d.idx) }
func (d *dirIter) Close(ctx context.Context) error { return nil }

var (
	_ backend.Container   = (*Container)(nil)
	_ backend.Object      = (*object)(nil)
	_ backend.DirIterator = (*dirIter)(nil)
)
