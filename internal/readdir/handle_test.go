package readdir

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daos-stack/dfused/internal/backend"
	"github.com/daos-stack/dfused/internal/backend/fake"
	"github.com/daos-stack/dfused/internal/dinode"
)

// testResolver satisfies Resolver with counters instead of a real inode
// table.
type testResolver struct {
	mu        sync.Mutex
	resolves  int
	kernel    map[fuseops.InodeID]int // outstanding kernel refs
	cacheRefs map[fuseops.InodeID]int
}

func newTestResolver() *testResolver {
	return &testResolver{kernel: map[fuseops.InodeID]int{}, cacheRefs: map[fuseops.InodeID]int{}}
}

func (r *testResolver) Resolve(ctx context.Context, name string, st *backend.Stat, cacheRef bool) (fuseops.ChildInodeEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolves++
	ino := fuseops.InodeID(1000 + len(name))
	if st != nil {
		ino = fuseops.InodeID(st.ID.Lo)
	}
	r.kernel[ino]++
	if cacheRef {
		r.cacheRefs[ino]++
	}
	return fuseops.ChildInodeEntry{Child: ino}, nil
}

func (r *testResolver) AddKernelRef(ino fuseops.InodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kernel[ino]++
}

func (r *testResolver) InoFor(st backend.Stat) fuseops.InodeID {
	return fuseops.InodeID(st.ID.Lo)
}

func (r *testResolver) ReleaseKernelRef(ino fuseops.InodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kernel[ino]--
}

// dirFixture builds a fake directory with n files and the dinode entry
// standing for it.
func dirFixture(t *testing.T, n int) (*dinode.Entry, IterFactory) {
	t.Helper()
	cont := fake.NewContainer(uuid.New(), uuid.New())
	for i := 0; i < n; i++ {
		_, _, err := cont.CreateFile(context.Background(), cont.Root(), fmt.Sprintf("f%04d", i), 0644)
		require.NoError(t, err)
	}
	rootObj, err := cont.Open(context.Background(), cont.Root())
	require.NoError(t, err)
	e := dinode.NewEntry(rootObj, nil, fuseops.RootInodeID, "", false)
	e.Ino = fuseops.RootInodeID
	id := cont.Root()
	iter := func(ctx context.Context) (backend.DirIterator, error) {
		return cont.Opendir(ctx, id)
	}
	return e, iter
}

// readTo drives a cursor from offset from with a fixed buffer until EOD,
// an empty reply, or maxEntries entries (0 means no limit), returning the
// offset it stopped at.
func readTo(t *testing.T, c *Cursor, e *dinode.Entry, r Resolver, from fuseops.DirOffset, bufSize int, maxEntries int) fuseops.DirOffset {
	t.Helper()
	offset := from
	buf := make([]byte, bufSize)
	for {
		n, err := c.ReadDir(context.Background(), e, offset, buf, false, r)
		require.NoError(t, err)
		if n == 0 {
			return offset
		}
		offset = c.NextOffset()
		if maxEntries > 0 && offset >= firstEntryOffset+fuseops.DirOffset(maxEntries) {
			return offset
		}
		if offset >= EOD {
			return offset
		}
	}
}

func TestReadDir_TooSmallBufferThenRetry(t *testing.T) {
	e, iter := dirFixture(t, 3)
	r := newTestResolver()
	c := Acquire(e, false, iter, func(fuseops.InodeID) {})
	defer c.Release(e)

	// A buffer too small for even one entry replies with zero bytes.
	n, err := c.ReadDir(context.Background(), e, 2, make([]byte, 8), false, r)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The same offset with room succeeds: nothing was lost.
	n, err = c.ReadDir(context.Background(), e, 2, make([]byte, 4096), false, r)
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestSharedHandleReuseAndCache(t *testing.T) {
	e, iter := dirFixture(t, 32)
	r := newTestResolver()

	c1 := Acquire(e, true, iter, func(fuseops.InodeID) {})
	require.True(t, c1.HandleForTest().Shared())
	readTo(t, c1, e, r, 0, 64<<10, 0)
	assert.Equal(t, 32, c1.HandleForTest().CacheLen())

	// A second opendir reuses the shared handle and serves from its
	// cache list without touching the backend iterator again.
	c2 := Acquire(e, true, iter, func(fuseops.InodeID) {})
	assert.Same(t, c1.HandleForTest(), c2.HandleForTest())
	end := readTo(t, c2, e, r, 0, 64<<10, 0)
	assert.GreaterOrEqual(t, end, EOD)

	c2.Release(e)
	c1.Release(e)
	// Shared handle stays installed on the inode after the last cursor
	// releases.
	sh, ok := e.SharedReaddir.(*Handle)
	require.True(t, ok)
	assert.Equal(t, 32, sh.CacheLen())
}

// Scenario: two handles on one directory; the second seeks backwards and
// must migrate to a private handle while the shared cache list survives.
func TestSeekMigratesToPrivateHandle(t *testing.T) {
	e, iter := dirFixture(t, 2048)
	r := newTestResolver()

	c1 := Acquire(e, true, iter, func(fuseops.InodeID) {})
	readTo(t, c1, e, r, 0, 32<<10, 1024)
	shared := c1.HandleForTest()
	require.True(t, shared.Shared())
	cachedBefore := shared.CacheLen()
	assert.GreaterOrEqual(t, cachedBefore, 1024)

	c2 := Acquire(e, true, iter, func(fuseops.InodeID) {})
	assert.Same(t, shared, c2.HandleForTest())
	readTo(t, c2, e, r, 0, 32<<10, 512)

	// Rewind: the cursor must abandon the shared handle.
	buf := make([]byte, 32<<10)
	n, err := c2.ReadDir(context.Background(), e, 0, buf, false, r)
	require.NoError(t, err)
	assert.Greater(t, n, 0)
	assert.NotSame(t, shared, c2.HandleForTest())
	assert.False(t, c2.HandleForTest().Shared())

	// The shared handle and its cache list remain reachable from the
	// inode, unshrunk.
	sh, ok := e.SharedReaddir.(*Handle)
	require.True(t, ok)
	assert.Same(t, shared, sh)
	assert.GreaterOrEqual(t, sh.CacheLen(), cachedBefore)

	c2.Release(e)
	c1.Release(e)
}

func TestInvalidatedHandleReplacedOnNextOpen(t *testing.T) {
	e, iter := dirFixture(t, 4)
	r := newTestResolver()

	c1 := Acquire(e, true, iter, func(fuseops.InodeID) {})
	readTo(t, c1, e, r, 0, 4096, 0)
	old := c1.HandleForTest()
	c1.Release(e)

	old.Invalidate()
	c2 := Acquire(e, true, iter, func(fuseops.InodeID) {})
	assert.NotSame(t, old, c2.HandleForTest())
	assert.True(t, c2.HandleForTest().Shared())
	c2.Release(e)
}

func TestPlusUpgradeInstallsCacheRef(t *testing.T) {
	e, iter := dirFixture(t, 4)
	r := newTestResolver()

	// Populate the cache with a non-plus pass: entries carry no held
	// refs.
	c1 := Acquire(e, true, iter, func(fuseops.InodeID) {})
	readTo(t, c1, e, r, 0, 4096, 0)
	require.Zero(t, r.resolves)

	// A plus pass over the same cache performs the lookups now and
	// installs the refs.
	buf := make([]byte, 64<<10)
	n, err := c1.ReadDir(context.Background(), e, 2, buf, true, r)
	require.NoError(t, err)
	assert.Greater(t, n, 0)
	assert.Equal(t, 4, r.resolves)
	total := 0
	for _, v := range r.cacheRefs {
		total += v
	}
	assert.Equal(t, 4, total)
	c1.Release(e)
}

func TestParseDuns(t *testing.T) {
	pool, cont := uuid.New(), uuid.New()

	d, err := ParseDuns([]byte(fmt.Sprintf("DAOS.POSIX://%s/%s", pool, cont)))
	require.NoError(t, err)
	assert.True(t, d.IsPOSIX())
	assert.Equal(t, pool, d.Pool)
	assert.Equal(t, cont, d.Container)

	d, err = ParseDuns([]byte(fmt.Sprintf("POSIX:%s:%s", pool, cont)))
	require.NoError(t, err)
	assert.True(t, d.IsPOSIX())

	for _, bad := range []string{"", "DAOS.POSIX://onlypool", "POSIX:a:b", "DAOS.POSIX:/x/y"} {
		_, err := ParseDuns([]byte(bad))
		assert.Error(t, err, "input %q", bad)
	}
}
