package cmd

import (
	"context"

	"github.com/google/uuid"

	"github.com/daos-stack/dfused/internal/backend"
	"github.com/daos-stack/dfused/internal/backend/fake"
	"github.com/daos-stack/dfused/internal/dinode"
	"github.com/daos-stack/dfused/internal/dpool"
)

// newBackendPool is the pool connector the registry dials through. The
// production DAOS transport is linked in by the packaging build (the
// backend RPC layer is outside this repository); the default here is the
// in-memory backend, which makes an unlinked binary a self-contained
// scratch filesystem — useful for smoke tests and CI.
var newBackendPool dpool.Connector = func(ctx context.Context, poolUUID uuid.UUID) (backend.Pool, error) {
	return fake.NewPool(poolUUID), nil
}

// stubHandles serializes backend handles for the ioctl REPLY_* commands.
// With the in-memory backend there is no wire handle to serialize; the
// UUID bytes stand in, which keeps the interception handshake exercisable
// end to end.
type stubHandles struct {
	registry *dpool.Registry
}

func (s stubHandles) PoolHandle(ctx context.Context, pool uuid.UUID) ([]byte, error) {
	return pool[:], nil
}

func (s stubHandles) ContainerHandle(ctx context.Context, cont uuid.UUID) ([]byte, error) {
	return cont[:], nil
}

func (s stubHandles) FSHandle(ctx context.Context, cont uuid.UUID) ([]byte, error) {
	return cont[:], nil
}

func (s stubHandles) ObjectHandle(ctx context.Context, e *dinode.Entry) ([]byte, error) {
	id := e.Obj.ID()
	out := make([]byte, 16)
	for i := 0; i < 8; i++ {
		out[i] = byte(id.Hi >> (8 * i))
		out[8+i] = byte(id.Lo >> (8 * i))
	}
	return out, nil
}
