package threadctx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcquireAssignsDenseIds(t *testing.T) {
	p := NewPool(4)
	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		h, err := p.Acquire()
		assert.NoError(t, err, "pool should have capacity for handle %d", i)
		assert.False(t, seen[h.ID()], "id %d handed out twice", h.ID())
		seen[h.ID()] = true
		assert.GreaterOrEqual(t, h.ID(), 0)
		assert.Less(t, h.ID(), 4)
	}
}

func TestAcquireExhaustion(t *testing.T) {
	p := NewPool(2)
	_, err := p.Acquire()
	assert.NoError(t, err)
	_, err = p.Acquire()
	assert.NoError(t, err)

	_, err = p.Acquire()
	assert.Error(t, err, "third acquire should fail on a 2-thread pool")
	assert.True(t, errors.Is(err, ErrPoolExhausted))
}

func TestReleaseRecyclesId(t *testing.T) {
	p := NewPool(1)
	h, err := p.Acquire()
	assert.NoError(t, err)
	assert.Equal(t, int64(1), p.Outstanding())

	h.Release()
	assert.Equal(t, int64(0), p.Outstanding())

	h2, err := p.Acquire()
	assert.NoError(t, err)
	assert.Equal(t, h.ID(), h2.ID())
}

func TestReleaseForeignHandlePanics(t *testing.T) {
	a := NewPool(1)
	b := NewPool(1)

	ha, err := a.Acquire()
	assert.NoError(t, err)

	assert.Panics(t, func() { b.Release(ha) })
}
