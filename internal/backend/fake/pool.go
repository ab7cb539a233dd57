package fake

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/daos-stack/dfused/internal/backend"
)

// Pool is a fake in-memory DAOS pool: a set of containers created on
// demand, keyed by UUID, so tests don't need to pre-register every
// container they open.
type Pool struct {
	uuid uuid.UUID

	mu         sync.Mutex
	containers map[uuid.UUID]*Container
}

// NewPool constructs an empty fake pool.
func NewPool(id uuid.UUID) *Pool {
	return &Pool{uuid: id, containers: map[uuid.UUID]*Container{}}
}

func (p *Pool) UUID() uuid.UUID { return p.uuid }

func (p *Pool) OpenContainer(ctx context.Context, contUUID uuid.UUID) (backend.Container, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.containers[contUUID]
	if !ok {
		c = NewContainer(p.uuid, contUUID)
		p.containers[contUUID] = c
	}
	return c, nil
}

func (p *Pool) Disconnect(ctx context.Context) error { return nil }

var _ backend.Pool = (*Pool)(nil)
