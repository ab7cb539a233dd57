package dhandle

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/daos-stack/dfused/internal/backend/fake"
	"github.com/daos-stack/dfused/internal/eventq"
)

func TestPreReadEligible(t *testing.T) {
	assert.True(t, PreReadEligible(true, false, true, 1024, true))
	assert.False(t, PreReadEligible(false, false, true, 1024, true), "caching disabled")
	assert.False(t, PreReadEligible(true, true, true, 1024, true), "already open elsewhere")
	assert.False(t, PreReadEligible(true, false, false, 1024, true), "data cache not expired")
	assert.False(t, PreReadEligible(true, false, true, MaxPreReadFileSize+1, true), "too large")
	assert.False(t, PreReadEligible(true, false, true, 1024, false), "parent not linear")
}

func TestPreRead_ServesFromBuffer(t *testing.T) {
	cont := fake.NewContainer(uuid.New(), uuid.New())
	content := []byte("hello pre-read world")
	obj, _, err := cont.CreateFile(context.Background(), cont.Root(), "f", 0644)
	assert.NoError(t, err)
	_, err = obj.WriteAt(context.Background(), content, 0)
	assert.NoError(t, err)

	pool := eventq.NewSlabPool(eventq.SlabPreRead, 1)
	pr := StartPreRead(context.Background(), obj, pool.Acquire, int64(len(content)))
	assert.NotNil(t, pr)

	dst := make([]byte, 5)
	n, ok, err := pr.Read(context.Background(), 0, 5, dst)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(dst[:n]))
}

func TestPreRead_ShrunkFileInvalidates(t *testing.T) {
	cont := fake.NewContainer(uuid.New(), uuid.New())
	obj, _, err := cont.CreateFile(context.Background(), cont.Root(), "f", 0644)
	assert.NoError(t, err)
	_, err = obj.WriteAt(context.Background(), []byte("0123456789"), 0)
	assert.NoError(t, err)

	pool := eventq.NewSlabPool(eventq.SlabPreRead, 1)
	// Claim a larger expected size than the file actually has, simulating
	// the file shrinking between open() and pre-read completion.
	pr := StartPreRead(context.Background(), obj, pool.Acquire, 20)
	assert.NotNil(t, pr)

	time.Sleep(20 * time.Millisecond)
	assert.False(t, pr.Covers(0, 10))
}
