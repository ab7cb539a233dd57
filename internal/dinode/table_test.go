package dinode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daos-stack/dfused/internal/backend"
	"github.com/daos-stack/dfused/internal/backend/fake"
	"github.com/daos-stack/dfused/internal/dpool"
)

func testRegistry() *dpool.Registry {
	return dpool.NewRegistry(func(ctx context.Context, poolUUID uuid.UUID) (backend.Pool, error) {
		return fake.NewPool(poolUUID), nil
	}, nil)
}

// insertOne installs a fresh entry backed by a fake object.
func insertOne(t *testing.T, table *Table, cont *dpool.Container, ino fuseops.InodeID, name string) *Entry {
	t.Helper()
	obj, _, err := cont.CreateFile(context.Background(), cont.Root(), name, 0644)
	require.NoError(t, err)
	e := table.LookupOrInsert(ino, func() *Entry {
		return NewEntry(obj, cont, fuseops.RootInodeID, name, false)
	})
	return e
}

func TestLookupForgetRoundTrip(t *testing.T) {
	reg := testRegistry()
	cont, err := reg.FindOrInsertContainer(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)
	table := NewTable(reg)

	e := insertOne(t, table, cont, 100, "a")
	assert.Equal(t, int64(1), e.Ref())
	assert.Equal(t, 1, table.Count())

	got, ok := table.Lookup(100)
	assert.True(t, ok)
	assert.Same(t, e, got)
	// Lookup is the no-ref borrow; the count is unchanged.
	assert.Equal(t, int64(1), e.Ref())

	table.Forget(context.Background(), 100, 1)
	assert.Equal(t, 0, table.Count())
	_, ok = table.Lookup(100)
	assert.False(t, ok)
}

func TestLookupOrInsert_SecondCallerAddsRef(t *testing.T) {
	reg := testRegistry()
	cont, err := reg.FindOrInsertContainer(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)
	table := NewTable(reg)

	e := insertOne(t, table, cont, 7, "a")
	again := table.LookupOrInsert(7, func() *Entry {
		t.Fatal("constructor must not run for a present entry")
		return nil
	})
	assert.Same(t, e, again)
	assert.Equal(t, int64(2), e.Ref())

	table.Forget(context.Background(), 7, 2)
	assert.Equal(t, 0, table.Count())
}

// Forget-multi racing a shutdown drain: every inode ends freed exactly
// once and nothing leaks.
func TestForgetMultiUnderDrain(t *testing.T) {
	reg := testRegistry()
	cont, err := reg.FindOrInsertContainer(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)
	table := NewTable(reg)

	const total = 100
	const forgotten = 60
	for i := 0; i < total; i++ {
		insertOne(t, table, cont, fuseops.InodeID(1000+i), string(rune('a'+i%26))+string(rune('0'+i/26)))
	}
	require.Equal(t, total, table.Count())

	var wg sync.WaitGroup
	wg.Add(forgotten)
	for i := 0; i < forgotten; i++ {
		go func(i int) {
			defer wg.Done()
			table.Forget(context.Background(), fuseops.InodeID(1000+i), 1)
		}(i)
	}
	done := make(chan struct{})
	go func() {
		table.Drain(context.Background())
		close(done)
	}()
	wg.Wait()
	<-done

	assert.Equal(t, 0, table.Count())
}

func TestDrainReleasesContainerRoots(t *testing.T) {
	reg := testRegistry()
	ctx := context.Background()
	cont, err := reg.FindOrInsertContainer(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)
	table := NewTable(reg)

	rootObj, err := cont.Open(ctx, cont.Root())
	require.NoError(t, err)
	table.LookupOrInsert(cont.RootIno, func() *Entry {
		return NewEntry(rootObj, cont, fuseops.InodeID(cont.RootIno), "", true)
	})

	// The root entry owns the registry reference: draining the table
	// must bring the container count to zero.
	table.Drain(ctx)
	_, conts := reg.Counts()
	assert.Equal(t, 0, conts)
}

func TestWriteDrainOrdering(t *testing.T) {
	e := &Entry{}
	e.BeginWrite()
	drained := make(chan struct{})
	go func() {
		e.DrainWrites()
		e.EndDrain()
		close(drained)
	}()
	time.Sleep(10 * time.Millisecond)
	select {
	case <-drained:
		t.Fatal("drain completed while a write was in flight")
	default:
	}
	e.EndWrite()
	<-drained
}
