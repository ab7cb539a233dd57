package eventq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlabPool_AcquireRelease(t *testing.T) {
	p := NewSlabPool(SlabRead, 2)

	s1 := p.Acquire()
	assert.NotNil(t, s1)
	assert.Len(t, s1.Buf, MaxReadSize)

	s2 := p.Acquire()
	assert.NotNil(t, s2)

	s3 := p.Acquire()
	assert.Nil(t, s3, "pool should be exhausted at limit")

	p.Release(s1)
	s4 := p.Acquire()
	assert.NotNil(t, s4, "released slot should be reusable")
}

func TestSlabPool_PreReadSize(t *testing.T) {
	p := NewSlabPool(SlabPreRead, 1)
	s := p.Acquire()
	assert.Len(t, s.Buf, MaxPreReadSize)
}

func TestSlabPool_Restock(t *testing.T) {
	p := NewSlabPool(SlabWrite, 4)
	p.Restock(4)

	for i := 0; i < 4; i++ {
		assert.NotNil(t, p.Acquire())
	}
	assert.Nil(t, p.Acquire())
}
