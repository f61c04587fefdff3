package nbbst

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gocsets/csets/intkey"
	"github.com/gocsets/csets/threadctx"
)

func newSet(t *testing.T, threads int) (*NBBSTSet[int64], *threadctx.Pool) {
	t.Helper()
	s := NewNBBSTSet[int64](threads, intkey.Identity)
	return s, threadctx.NewPool(threads)
}

func TestS1Empty(t *testing.T) {
	s, pool := newSet(t, 1)
	h, _ := pool.Acquire()

	assert.False(t, s.Contains(h, 7))
	assert.False(t, s.Remove(h, 7))
}

func TestS2Singleton(t *testing.T) {
	s, pool := newSet(t, 1)
	h, _ := pool.Acquire()

	assert.True(t, s.Add(h, 42))
	assert.False(t, s.Add(h, 42))
	assert.True(t, s.Contains(h, 42))
	assert.True(t, s.Remove(h, 42))
	assert.False(t, s.Contains(h, 42))
}

func TestS3SequentialInsertThenRemove(t *testing.T) {
	const n = 2000
	s, pool := newSet(t, 1)
	h, _ := pool.Acquire()

	for i := int64(0); i < n; i++ {
		assert.True(t, s.Add(h, i))
	}
	assert.Equal(t, int64(n), s.Len())

	for i := int64(0); i < n; i++ {
		assert.True(t, s.Remove(h, i))
	}
	assert.Equal(t, int64(0), s.Len())

	for i := int64(0); i < n; i++ {
		assert.False(t, s.Contains(h, i))
	}
}

func TestStructuralInvariantCleanAtQuiescence(t *testing.T) {
	s, pool := newSet(t, 1)
	h, _ := pool.Acquire()

	r := rand.New(rand.NewSource(3))
	for i := 0; i < 3000; i++ {
		k := r.Int63n(600)
		if r.Intn(2) == 0 {
			s.Add(h, k)
		} else {
			s.Remove(h, k)
		}
	}

	var walk func(n *node)
	walk = func(n *node) {
		if n == nil || n.isLeaf {
			return
		}
		assert.Equal(t, stateClean, n.update.Load().state, "internal node %d not clean at quiescence", n.key)
		walk(n.left.Load())
		walk(n.right.Load())
	}
	walk(s.t.root)
}

func TestConcurrentAddRemoveContains(t *testing.T) {
	const threads = 8
	const keyspace = 400
	s, pool := newSet(t, threads)

	var wg sync.WaitGroup
	for w := 0; w < threads; w++ {
		h, err := pool.Acquire()
		assert.NoError(t, err)
		wg.Add(1)
		go func(h threadctx.Handle, seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 3000; i++ {
				k := int64(r.Intn(keyspace))
				switch r.Intn(3) {
				case 0:
					s.Add(h, k)
				case 1:
					s.Remove(h, k)
				case 2:
					s.Contains(h, k)
				}
			}
		}(h, int64(w+1))
	}
	wg.Wait()
	assert.GreaterOrEqual(t, s.Len(), int64(0))
}
