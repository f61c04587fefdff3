// Package hazard implements C1, the safe-memory-reclamation subsystem
// shared by every set in this module: a per-thread hazard-pointer
// publication table plus a per-thread free/retirement-queue pair that
// recycles retired nodes once no thread can still be inspecting them.
//
// A Manager is generic over the node type T it recycles; callers
// supply the intrusive "next" accessors used to thread nodes onto the
// free and retirement queues, since Go generics have no way to name a
// field on a type parameter.
package hazard

import (
	"fmt"
	"sync/atomic"

	"github.com/gocsets/csets/threadctx"
)

// Manager recycles *T nodes behind a hazard-pointer discipline. Free
// and retirement queues are touched only by their owning thread and so
// need no locking; hazard slots are written only by their owner and
// read by everyone, via atomic.Pointer.
type Manager[T any] struct {
	threads int
	slots   int

	newNode func() *T
	getNext func(*T) *T
	setNext func(*T, *T)

	pointers [][]atomic.Pointer[T] // [threads][slots]

	localHead []*T
	localTail []*T
	localCnt  []int

	freeHead []*T
	freeTail []*T
}

// New constructs a Manager for threads threads, slots hazard slots per
// thread, and prefill freshly allocated nodes seeded into each
// thread's free queue. newNode allocates a zero node; getNext/setNext
// access the intrusive free-list link on T.
func New[T any](threads, slots, prefill int, newNode func() *T, getNext func(*T) *T, setNext func(*T, *T)) *Manager[T] {
	if threads <= 0 {
		threads = 1
	}
	if slots <= 0 {
		slots = 1
	}

	m := &Manager[T]{
		threads:   threads,
		slots:     slots,
		newNode:   newNode,
		getNext:   getNext,
		setNext:   setNext,
		pointers:  make([][]atomic.Pointer[T], threads),
		localHead: make([]*T, threads),
		localTail: make([]*T, threads),
		localCnt:  make([]int, threads),
		freeHead:  make([]*T, threads),
		freeTail:  make([]*T, threads),
	}

	for tid := 0; tid < threads; tid++ {
		m.pointers[tid] = make([]atomic.Pointer[T], slots)

		if prefill <= 0 {
			continue
		}
		head := newNode()
		tail := head
		for i := 1; i < prefill; i++ {
			n := newNode()
			setNext(tail, n)
			tail = n
		}
		m.freeHead[tid] = head
		m.freeTail[tid] = tail
	}

	return m
}

func (m *Manager[T]) checkHandle(h threadctx.Handle) int {
	tid := h.ID()
	if tid < 0 || tid >= m.threads {
		panic(fmt.Errorf("hazard: handle id %d outside [0,%d)", tid, m.threads))
	}
	return tid
}

func (m *Manager[T]) checkSlot(slot int) {
	if slot < 0 || slot >= m.slots {
		panic(fmt.Errorf("hazard: slot %d outside [0,%d)", slot, m.slots))
	}
}

// Publish installs node into the caller's hazard slot. The store has
// release semantics: any write that made node reachable must happen
// before this call for readers relying on the hazard to be safe.
func (m *Manager[T]) Publish(h threadctx.Handle, slot int, node *T) {
	tid := m.checkHandle(h)
	m.checkSlot(slot)
	m.pointers[tid][slot].Store(node)
}

// Release clears the caller's hazard slot.
func (m *Manager[T]) Release(h threadctx.Handle, slot int) {
	tid := m.checkHandle(h)
	m.checkSlot(slot)
	m.pointers[tid][slot].Store(nil)
}

// Retire appends node to the caller's local retirement queue. node
// must not still be reachable from the tree structure.
func (m *Manager[T]) Retire(h threadctx.Handle, node *T) {
	tid := m.checkHandle(h)
	m.setNext(node, nil)
	if m.localHead[tid] == nil {
		m.localHead[tid] = node
		m.localTail[tid] = node
	} else {
		m.setNext(m.localTail[tid], node)
		m.localTail[tid] = node
	}
	m.localCnt[tid]++
}

// GetFreeNode returns a node the caller may mutate exclusively: either
// one already on the caller's free queue, one recycled out of the
// caller's own retirement queue once enough nodes have accumulated
// there, or a freshly allocated one.
func (m *Manager[T]) GetFreeNode(h threadctx.Handle) *T {
	tid := m.checkHandle(h)

	if n := m.popFree(tid); n != nil {
		return n
	}

	if m.localCnt[tid] < (m.slots+1)*m.threads {
		return m.newNode()
	}

	// More nodes retired than there are hazard slots in the whole
	// manager, so one sweep must free at least one (pigeonhole).
	m.sweep(tid)
	n := m.popFree(tid)
	if n == nil {
		panic("hazard: pigeonhole guarantee violated, no freeable node found")
	}
	return n
}

func (m *Manager[T]) popFree(tid int) *T {
	n := m.freeHead[tid]
	if n == nil {
		return nil
	}
	m.freeHead[tid] = m.getNext(n)
	if m.freeHead[tid] == nil {
		m.freeTail[tid] = nil
	}
	m.setNext(n, nil)
	return n
}

// sweep scans tid's retirement queue once, splicing every node no
// hazard slot references onto tid's free queue and keeping the rest in
// their original order.
func (m *Manager[T]) sweep(tid int) {
	var keptHead, keptTail *T
	n := m.localHead[tid]
	for n != nil {
		next := m.getNext(n)
		m.setNext(n, nil)
		if m.isReferenced(n) {
			if keptHead == nil {
				keptHead = n
			} else {
				m.setNext(keptTail, n)
			}
			keptTail = n
		} else {
			if m.freeHead[tid] == nil {
				m.freeHead[tid] = n
			} else {
				m.setNext(m.freeTail[tid], n)
			}
			m.freeTail[tid] = n
			m.localCnt[tid]--
		}
		n = next
	}
	m.localHead[tid] = keptHead
	m.localTail[tid] = keptTail
}

// isReferenced probes every thread's every hazard slot for node.
func (m *Manager[T]) isReferenced(node *T) bool {
	for tid := 0; tid < m.threads; tid++ {
		for i := 0; i < m.slots; i++ {
			if m.pointers[tid][i].Load() == node {
				return true
			}
		}
	}
	return false
}

// PendingRetired returns the caller's current local retirement-queue
// length, for diagnostics and tests.
func (m *Manager[T]) PendingRetired(h threadctx.Handle) int {
	return m.localCnt[m.checkHandle(h)]
}

// Drain moves every node on the caller's retirement queue that is not
// currently hazard-referenced onto the caller's free queue. It is
// meant for orderly teardown (see (*multiway.MultiwaySet).Close)
// rather than the hot path, where GetFreeNode already amortizes the
// same sweep across allocation requests.
func (m *Manager[T]) Drain(h threadctx.Handle) {
	m.sweep(m.checkHandle(h))
}
