package hazard

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gocsets/csets/threadctx"
)

type testNode struct {
	value int
	next  *testNode
}

func newTestManager(threads, slots, prefill int) (*Manager[testNode], *threadctx.Pool) {
	m := New[testNode](threads, slots, prefill,
		func() *testNode { return &testNode{} },
		func(n *testNode) *testNode { return n.next },
		func(n *testNode, next *testNode) { n.next = next },
	)
	return m, threadctx.NewPool(threads)
}

func TestGetFreeNodeServesPrefillFirst(t *testing.T) {
	m, pool := newTestManager(1, 2, 3)
	h, _ := pool.Acquire()

	seen := map[*testNode]bool{}
	for i := 0; i < 3; i++ {
		n := m.GetFreeNode(h)
		assert.False(t, seen[n], "prefilled nodes must not repeat")
		seen[n] = true
	}
}

func TestPublishProtectsNodeFromRecycling(t *testing.T) {
	m, pool := newTestManager(2, 1, 0)
	h0, _ := pool.Acquire()
	h1, _ := pool.Acquire()

	protected := m.GetFreeNode(h0)
	m.Publish(h0, 0, protected)

	// Retire far more nodes than the pigeonhole threshold on thread 1
	// so GetFreeNode is forced to scan; `protected` must never appear
	// in the scan's results because it is still published.
	threshold := (m.slots + 1) * m.threads
	for i := 0; i < threshold+4; i++ {
		m.Retire(h1, m.GetFreeNode(h1))
	}

	for i := 0; i < threshold+4; i++ {
		n := m.GetFreeNode(h1)
		assert.NotSame(t, protected, n, "a published node must never be handed back as free")
	}

	m.Release(h0, 0)
}

func TestRetireThenRecycleEventuallyReturnsRetiredNode(t *testing.T) {
	m, pool := newTestManager(1, 1, 0)
	h, _ := pool.Acquire()

	retired := make(map[*testNode]bool)
	threshold := (m.slots + 1) * m.threads

	for i := 0; i < threshold+1; i++ {
		n := m.GetFreeNode(h)
		retired[n] = true
		m.Retire(h, n)
	}

	recycledFromRetired := false
	for i := 0; i < threshold+1; i++ {
		n := m.GetFreeNode(h)
		if retired[n] {
			recycledFromRetired = true
		}
	}
	assert.True(t, recycledFromRetired, "once enough nodes are retired, GetFreeNode should recycle rather than allocate forever")
}

func TestDrainEmptiesUnreferencedRetirementQueue(t *testing.T) {
	m, pool := newTestManager(1, 1, 0)
	h, _ := pool.Acquire()

	for i := 0; i < 5; i++ {
		m.Retire(h, m.GetFreeNode(h))
	}
	// GetFreeNode recycles the whole retirement queue each time it
	// reaches (slots+1)*threads = 2 nodes, so of the five retirements
	// only the last is still pending here.
	assert.Equal(t, 1, m.PendingRetired(h))

	m.Drain(h)
	assert.Equal(t, 0, m.PendingRetired(h))
}

func TestConcurrentPublishReleaseDoesNotRace(t *testing.T) {
	m, pool := newTestManager(8, 2, 16)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		h, err := pool.Acquire()
		assert.NoError(t, err)
		wg.Add(1)
		go func(h threadctx.Handle) {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				n := m.GetFreeNode(h)
				m.Publish(h, 0, n)
				m.Release(h, 0)
				m.Retire(h, n)
			}
		}(h)
	}
	wg.Wait()
}
