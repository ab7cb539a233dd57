package dhandle

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/daos-stack/dfused/internal/backend/fake"
	"github.com/daos-stack/dfused/internal/eventq"
)

func newTestFile(t *testing.T, size int) *fake.Container {
	t.Helper()
	cont := fake.NewContainer(uuid.New(), uuid.New())
	obj, _, err := cont.CreateFile(context.Background(), cont.Root(), "f", 0644)
	assert.NoError(t, err)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	_, err = obj.WriteAt(context.Background(), data, 0)
	assert.NoError(t, err)
	return cont
}

func TestChunkEligible(t *testing.T) {
	assert.True(t, ChunkEligible(0, slotSize, bucketSize))
	assert.True(t, ChunkEligible(slotSize*7, slotSize, bucketSize))
	assert.True(t, ChunkEligible(bucketSize, slotSize, 2*bucketSize))

	// Misaligned or wrong-length reads never qualify.
	assert.False(t, ChunkEligible(1, slotSize, bucketSize))
	assert.False(t, ChunkEligible(0, slotSize-1, bucketSize))

	// A file ending mid-bucket: no slot of the straddling final bucket
	// qualifies, not even ones entirely backed by data.
	partial := uint64(bucketSize + 3*slotSize)
	assert.True(t, ChunkEligible(0, slotSize, partial))
	assert.False(t, ChunkEligible(bucketSize, slotSize, partial))
	assert.False(t, ChunkEligible(bucketSize+slotSize, slotSize, partial))
	assert.False(t, ChunkEligible(bucketSize+2*slotSize, slotSize, partial))

	// A file smaller than one bucket has no eligible reads at all.
	assert.False(t, ChunkEligible(0, slotSize, bucketSize-1))
}

func TestBucketAndSlot(t *testing.T) {
	b, s := bucketAndSlot(0, slotSize)
	assert.Equal(t, int64(0), b)
	assert.Equal(t, 0, s)

	b, s = bucketAndSlot(slotSize*3, slotSize)
	assert.Equal(t, int64(0), b)
	assert.Equal(t, 3, s)

	b, s = bucketAndSlot(bucketSize, slotSize)
	assert.Equal(t, int64(1), b)
	assert.Equal(t, 0, s)
}

func TestActive_ChunkRead_FillsAndServes(t *testing.T) {
	cont := newTestFile(t, bucketSize)
	obj, err := cont.Open(context.Background(), cont.Root())
	assert.NoError(t, err)
	// Reopen the actual file object (Open on root gives the dir; look up
	// the file's own object instead).
	stat, _, err := cont.Lookup(context.Background(), cont.Root(), "f", false)
	assert.NoError(t, err)
	obj, err = cont.Open(context.Background(), stat.ID)
	assert.NoError(t, err)

	pool := eventq.NewSlabPool(eventq.SlabRead, 4)
	a := NewActive()

	dst := make([]byte, slotSize)
	n, err := a.ChunkRead(context.Background(), obj, nil, pool.Acquire, 0, slotSize, dst)
	assert.NoError(t, err)
	assert.Equal(t, slotSize, n)
	assert.Equal(t, byte(0), dst[0])
	assert.Equal(t, byte(1), dst[1])

	// Second read within the same bucket should hit the now-complete bucket.
	dst2 := make([]byte, slotSize)
	n, err = a.ChunkRead(context.Background(), obj, nil, pool.Acquire, slotSize, slotSize, dst2)
	assert.NoError(t, err)
	assert.Equal(t, slotSize, n)
}
