package dpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daos-stack/dfused/internal/backend"
	"github.com/daos-stack/dfused/internal/backend/fake"
)

func fakeConnector() Connector {
	return func(ctx context.Context, poolUUID uuid.UUID) (backend.Pool, error) {
		return fake.NewPool(poolUUID), nil
	}
}

type recordingRegistrar struct {
	mu         sync.Mutex
	registered []time.Duration
	dropped    []time.Duration
}

func (r *recordingRegistrar) RegisterTimeout(d time.Duration) {
	r.mu.Lock()
	r.registered = append(r.registered, d)
	r.mu.Unlock()
}

func (r *recordingRegistrar) UnregisterTimeout(d time.Duration) {
	r.mu.Lock()
	r.dropped = append(r.dropped, d)
	r.mu.Unlock()
}

func TestFindOrInsertContainer_RefcountAndCounts(t *testing.T) {
	r := NewRegistry(fakeConnector(), nil)
	ctx := context.Background()
	pool, cont := uuid.New(), uuid.New()

	c1, err := r.FindOrInsertContainer(ctx, pool, cont)
	require.NoError(t, err)
	c2, err := r.FindOrInsertContainer(ctx, pool, cont)
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	pools, conts := r.Counts()
	assert.Equal(t, 1, pools)
	assert.Equal(t, 1, conts)

	r.DecrefContainer(ctx, c1)
	pools, conts = r.Counts()
	assert.Equal(t, 1, pools)
	assert.Equal(t, 1, conts)

	r.DecrefContainer(ctx, c2)
	pools, conts = r.Counts()
	assert.Equal(t, 0, pools)
	assert.Equal(t, 0, conts)
}

func TestFindOrInsertContainer_ConcurrentPublishesOnce(t *testing.T) {
	r := NewRegistry(fakeConnector(), nil)
	ctx := context.Background()
	pool, cont := uuid.New(), uuid.New()

	const racers = 16
	results := make([]*Container, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.FindOrInsertContainer(ctx, pool, cont)
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	wg.Wait()

	for i := 1; i < racers; i++ {
		assert.Same(t, results[0], results[i])
	}
	_, conts := r.Counts()
	assert.Equal(t, 1, conts)

	for range results {
		r.DecrefContainer(ctx, results[0])
	}
	_, conts = r.Counts()
	assert.Equal(t, 0, conts)
}

func TestHistoricShadow_RootInoSurvivesReopen(t *testing.T) {
	r := NewRegistry(fakeConnector(), nil)
	ctx := context.Background()
	pool, cont := uuid.New(), uuid.New()

	c1, err := r.FindOrInsertContainer(ctx, pool, cont)
	require.NoError(t, err)
	ino := c1.RootIno
	r.DecrefContainer(ctx, c1)

	c2, err := r.FindOrInsertContainer(ctx, pool, cont)
	require.NoError(t, err)
	assert.Equal(t, ino, c2.RootIno)
	r.DecrefContainer(ctx, c2)
}

func TestRootInoAllocation_DistinctPerContainer(t *testing.T) {
	r := NewRegistry(fakeConnector(), nil)
	ctx := context.Background()
	pool := uuid.New()

	c1, err := r.FindOrInsertContainer(ctx, pool, uuid.New())
	require.NoError(t, err)
	c2, err := r.FindOrInsertContainer(ctx, pool, uuid.New())
	require.NoError(t, err)
	assert.NotEqual(t, c1.RootIno, c2.RootIno)
	r.DecrefContainer(ctx, c1)
	r.DecrefContainer(ctx, c2)
}

func TestTimeoutRegistration(t *testing.T) {
	reg := &recordingRegistrar{}
	ctx := context.Background()
	pool, cont := uuid.New(), uuid.New()

	// Pre-create the container on the fake pool so its timeout
	// attributes are in place before the registry mounts it.
	p := fake.NewPool(pool)
	bc, err := p.OpenContainer(ctx, cont)
	require.NoError(t, err)
	bc.(*fake.Container).SetAttr(DentryTimeName, "5s")
	bc.(*fake.Container).SetAttr(DentryDirTimeName, "60s")

	r := NewRegistry(func(ctx context.Context, poolUUID uuid.UUID) (backend.Pool, error) {
		return p, nil
	}, reg)
	c, err := r.FindOrInsertContainer(ctx, pool, cont)
	require.NoError(t, err)
	assert.ElementsMatch(t, []time.Duration{5 * time.Second, 60 * time.Second}, reg.registered)

	r.DecrefContainer(ctx, c)
	assert.ElementsMatch(t, []time.Duration{5 * time.Second, 60 * time.Second}, reg.dropped)
}
