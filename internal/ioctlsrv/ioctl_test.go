package ioctlsrv

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daos-stack/dfused/internal/backend"
	"github.com/daos-stack/dfused/internal/backend/fake"
	"github.com/daos-stack/dfused/internal/dinode"
	"github.com/daos-stack/dfused/internal/dpool"
)

type stubHandles struct{}

func (stubHandles) PoolHandle(ctx context.Context, pool uuid.UUID) ([]byte, error) {
	return pool[:], nil
}
func (stubHandles) ContainerHandle(ctx context.Context, cont uuid.UUID) ([]byte, error) {
	return cont[:], nil
}
func (stubHandles) FSHandle(ctx context.Context, cont uuid.UUID) ([]byte, error) {
	return cont[:], nil
}
func (stubHandles) ObjectHandle(ctx context.Context, e *dinode.Entry) ([]byte, error) {
	return []byte{1, 2, 3}, nil
}

type fixture struct {
	table    *dinode.Table
	registry *dpool.Registry
	cont     *dpool.Container
	srv      *Server
	ino      fuseops.InodeID
	entry    *dinode.Entry
}

func setUp(t *testing.T, attrs map[string]string) *fixture {
	t.Helper()
	ctx := context.Background()
	poolUUID, contUUID := uuid.New(), uuid.New()
	p := fake.NewPool(poolUUID)
	bc, err := p.OpenContainer(ctx, contUUID)
	require.NoError(t, err)
	for k, v := range attrs {
		bc.(*fake.Container).SetAttr(k, v)
	}

	registry := dpool.NewRegistry(func(ctx context.Context, id uuid.UUID) (backend.Pool, error) {
		return p, nil
	}, nil)
	cont, err := registry.FindOrInsertContainer(ctx, poolUUID, contUUID)
	require.NoError(t, err)

	table := dinode.NewTable(registry)
	obj, _, err := cont.CreateFile(ctx, cont.Root(), "f", 0644)
	require.NoError(t, err)
	ino := fuseops.InodeID(1234)
	e := table.LookupOrInsert(ino, func() *dinode.Entry {
		return dinode.NewEntry(obj, cont, fuseops.RootInodeID, "f", false)
	})

	f := &fixture{table: table, registry: registry, cont: cont, ino: ino, entry: e}
	f.srv = New(table, registry, stubHandles{}, func() int { return 3 }, nil, nil)
	return f
}

func TestIL_RoundTripAndAttachCount(t *testing.T) {
	f := setUp(t, map[string]string{dpool.AttrTimeName: "30s"})

	out, err := f.srv.IL(context.Background(), f.ino, false)
	require.NoError(t, err)

	reply, err := DecodeILReply(out)
	require.NoError(t, err)
	assert.Equal(t, uint32(IoctlVersion), reply.Version)
	assert.Equal(t, f.cont.Pool(), reply.Pool)
	assert.Equal(t, f.cont.UUID(), reply.Container)
	assert.EqualValues(t, ILFlagMetadataCaching, reply.Flags&ILFlagMetadataCaching)
	assert.Equal(t, int64(1), f.entry.ILCount())
}

func TestIL_NoMetadataCachingFlag(t *testing.T) {
	f := setUp(t, nil)
	out, err := f.srv.IL(context.Background(), f.ino, false)
	require.NoError(t, err)
	reply, err := DecodeILReply(out)
	require.NoError(t, err)
	assert.Zero(t, reply.Flags&ILFlagMetadataCaching)
}

func TestIL_WriteableTriggersInvalidation(t *testing.T) {
	f := setUp(t, nil)
	invalidated := 0
	f.srv.invalidate = func(e *dinode.Entry) { invalidated++ }
	_, err := f.srv.IL(context.Background(), f.ino, true)
	require.NoError(t, err)
	assert.Equal(t, 1, invalidated)
}

func TestIL_UnknownInode(t *testing.T) {
	f := setUp(t, nil)
	_, err := f.srv.IL(context.Background(), 999999, false)
	assert.Error(t, err)
}

func TestCountQuery(t *testing.T) {
	f := setUp(t, nil)

	reply, err := DecodeCountReply(f.srv.CountQuery(f.ino))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), reply.Inodes)
	assert.Equal(t, uint32(3), reply.Handles)
	assert.Equal(t, uint32(1), reply.Pools)
	assert.Equal(t, uint32(1), reply.Containers)
	assert.True(t, reply.Found)

	reply, err = DecodeCountReply(f.srv.CountQuery(424242))
	require.NoError(t, err)
	assert.False(t, reply.Found)
}

func TestHandleReply_InlineBlob(t *testing.T) {
	f := setUp(t, nil)
	cmd, blob, err := f.srv.HandleReply(context.Background(), CmdReplyCOH, f.ino)
	require.NoError(t, err)
	assert.Equal(t, CmdReplyCOH, cmd)
	assert.Equal(t, f.cont.UUID(), uuid.UUID(blob))
}

func TestHandleSize(t *testing.T) {
	f := setUp(t, nil)
	out, err := f.srv.HandleSize(context.Background(), CmdReplyDOOH, f.entry)
	require.NoError(t, err)
	require.Len(t, out, 8)
	assert.Equal(t, byte(3), out[0]) // 3-byte stub object handle
}
