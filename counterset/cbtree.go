// Package counterset implements C3, the counter-based self-adjusting
// tree: structurally the same per-node-locked, version-stamped BST as
// avlset, but rebalanced by access-frequency counters (semi-splay and
// counter-weighted rotation-at-target) instead of by height.
package counterset

import (
	"math"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/gocsets/csets"
	"github.com/gocsets/csets/hazard"
	"github.com/gocsets/csets/threadctx"
	"github.com/gocsets/csets/verword"
)

// A descent alternates the node under examination and its parent
// across slots 0 and 1, the same way avlset's does; the rebalance
// helpers additionally pin the parent and grandparent they are about
// to lock into slots 2 and 3.
const minHazardsPerThread = 4

const (
	slotRebalParent = 2
	slotRebalGrand  = 3
)

type node struct {
	key     int64
	present atomic.Bool
	nCount  atomic.Int64
	lCount  atomic.Int64
	rCount  atomic.Int64
	version atomic.Uint64

	parent atomic.Pointer[node]
	left   atomic.Pointer[node]
	right  atomic.Pointer[node]

	mu sync.Mutex

	next *node
}

func (n *node) verword() verword.CBWord { return verword.CBWord(n.version.Load()) }

func weight(n *node) int64 {
	if n == nil {
		return 0
	}
	return n.nCount.Load() + n.lCount.Load() + n.rCount.Load() + 1
}

func resetNode(n *node, key int64) *node {
	n.key = key
	n.present.Store(true)
	n.nCount.Store(0)
	n.lCount.Store(0)
	n.rCount.Store(0)
	n.version.Store(0)
	n.parent.Store(nil)
	n.left.Store(nil)
	n.right.Store(nil)
	n.next = nil
	return n
}

type updateMode int

const (
	ifAbsent updateMode = iota
	ifPresent
)

// approxLog2 is the clamped, approximate log2(size) used for the
// semi-splay depth threshold. The batched size tracker can transiently
// report a negative size; treat that as zero.
func approxLog2(size int64) int64 {
	if size <= 0 {
		return 0
	}
	return int64(bits.Len64(uint64(size)))
}

type tree struct {
	rootHolder *node
	hz         *hazard.Manager[node]

	threads    int
	globalSize atomic.Int64
	logSize    atomic.Int32
	deltas     []int64 // per-thread, touched only by its owner; no lock needed
}

func newTree(cfg csets.Config) *tree {
	t := &tree{threads: cfg.Threads, deltas: make([]int64, cfg.Threads)}
	t.hz = hazard.New[node](cfg.Threads, cfg.HazardsPerThread, cfg.Prefill,
		func() *node { return &node{} },
		func(n *node) *node { return n.next },
		func(n *node, next *node) { n.next = next },
	)
	root := &node{key: math.MinInt64}
	root.present.Store(true)
	t.rootHolder = root
	return t
}

func (t *tree) adjustSize(h threadctx.Handle, delta int64) {
	tid := h.ID()
	t.deltas[tid] += delta
	if d := t.deltas[tid]; d >= int64(t.threads) || d <= -int64(t.threads) {
		t.globalSize.Add(d)
		t.deltas[tid] = 0
		t.refreshLogSize()
	}
}

func (t *tree) refreshLogSize() {
	newLog := int32(approxLog2(t.globalSize.Load()))
	for {
		old := t.logSize.Load()
		if old == newLog {
			return
		}
		if t.logSize.CompareAndSwap(old, newLog) {
			return
		}
	}
}

// CounterSet is a concurrent ordered set of T rebalanced by access
// frequency rather than by height.
type CounterSet[T any] struct {
	t    *tree
	hash csets.Hasher[T]
}

func NewCounterSet[T any](threads int, hash csets.Hasher[T]) *CounterSet[T] {
	s, err := NewCounterSetWithConfig[T](csets.DefaultConfig(threads), hash)
	if err != nil {
		panic(err)
	}
	return s
}

func NewCounterSetWithConfig[T any](cfg csets.Config, hash csets.Hasher[T]) (*CounterSet[T], error) {
	if err := cfg.ValidateMinHazards(minHazardsPerThread); err != nil {
		return nil, err
	}
	return &CounterSet[T]{t: newTree(cfg), hash: hash}, nil
}

func (s *CounterSet[T]) Add(h threadctx.Handle, value T) bool {
	return s.t.add(h, s.hash(value))
}
func (s *CounterSet[T]) Remove(h threadctx.Handle, value T) bool {
	return s.t.remove(h, s.hash(value))
}
func (s *CounterSet[T]) Contains(h threadctx.Handle, value T) bool {
	return s.t.contains(h, s.hash(value))
}
func (s *CounterSet[T]) Len() int64 { return s.t.globalSize.Load() }

func (t *tree) waitUntilNotChanging(n *node) {
	if !n.verword().IsShrinkLocked() {
		return
	}
	for spins := 0; spins < 128; spins++ {
		if !n.verword().IsShrinkLocked() {
			return
		}
	}
	n.mu.Lock()
	n.mu.Unlock()
}

// contains is the optimistic read path, identical in discipline to
// avlset's but bumping the per-node access counters it walks through
// and, on a deep hit, triggering semi-splay.
func (t *tree) contains(h threadctx.Handle, key int64) bool {
	defer t.releaseAll(h)
	for {
		present, retry := t.tryContains(h, key)
		if !retry {
			return present
		}
	}
}

func (t *tree) releaseAll(h threadctx.Handle) {
	for slot := 0; slot < minHazardsPerThread; slot++ {
		t.hz.Release(h, slot)
	}
}

func (t *tree) tryContains(h threadctx.Handle, key int64) (present bool, retry bool) {
	n := t.rootHolder
	var depth int64
	slot := 0

	for {
		nv := n.verword()
		var child *node
		dir := 1
		if n == t.rootHolder || key >= n.key {
			child = n.right.Load()
			dir = 1
		} else {
			child = n.left.Load()
			dir = -1
		}

		if child == nil {
			if n.verword() != nv {
				return false, true
			}
			return false, false
		}
		t.hz.Publish(h, slot, child)

		cv := child.verword()
		if cv.IsShrinkingOrUnlinked() {
			t.waitUntilNotChanging(child)
			return false, true
		}
		if n.verword() != nv {
			return false, true
		}

		if dir < 0 {
			n.lCount.Add(1)
		} else {
			n.rCount.Add(1)
		}
		depth++

		if child.key == key {
			present = child.present.Load()
			if present {
				child.nCount.Add(1)
				t.maybeCounterRotateAtTarget(h, child)
				t.maybeSemiSplay(h, child, depth)
			}
			return present, false
		}
		n = child
		slot = 1 - slot
	}
}

// pinAncestors publishes n's parent and grandparent into the
// rebalance slots, re-reading each link after publishing so both are
// provably protected from recycling before the caller locks them. A
// nil parent means the ancestry moved (or ran out) mid-pin and the
// caller should just skip its heuristic rebalance.
func (t *tree) pinAncestors(h threadctx.Handle, n *node) (parent, grandparent *node) {
	parent = n.parent.Load()
	if parent == nil || parent == t.rootHolder {
		return nil, nil
	}
	t.hz.Publish(h, slotRebalParent, parent)
	if n.parent.Load() != parent {
		return nil, nil
	}
	grandparent = parent.parent.Load()
	if grandparent == nil {
		return nil, nil
	}
	t.hz.Publish(h, slotRebalGrand, grandparent)
	if parent.parent.Load() != grandparent {
		return nil, nil
	}
	return parent, grandparent
}

// maybeCounterRotateAtTarget implements the "rotation at target"
// trigger: a hit at n rotates n toward its parent once the
// counter-weighted subtree on n's inner side outweighs the subtree on
// parent's far side.
func (t *tree) maybeCounterRotateAtTarget(h threadctx.Handle, n *node) {
	parent, grandparent := t.pinAncestors(h, n)
	if parent == nil {
		return
	}

	dir := 1
	if parent.left.Load() == n {
		dir = -1
	}
	var inner, parentOther *node
	if dir < 0 {
		inner = n.right.Load()
		parentOther = parent.right.Load()
	} else {
		inner = n.left.Load()
		parentOther = parent.left.Load()
	}
	if weight(inner) <= weight(parentOther) {
		return
	}
	var outer *node
	if dir < 0 {
		outer = n.left.Load()
	} else {
		outer = n.right.Load()
	}

	grandparent.mu.Lock()
	parent.mu.Lock()
	n.mu.Lock()
	if parent.parent.Load() != grandparent || n.parent.Load() != parent ||
		parent.verword().IsUnlinked() || n.verword().IsUnlinked() {
		n.mu.Unlock()
		parent.mu.Unlock()
		grandparent.mu.Unlock()
		return
	}
	if weight(inner) <= weight(outer) {
		t.singleRotateNL(grandparent, parent, n, dir)
	} else {
		t.doubleRotateNL(grandparent, parent, n, dir)
	}
	n.mu.Unlock()
	parent.mu.Unlock()
	grandparent.mu.Unlock()
}

// maybeSemiSplay promotes n toward the root with one single rotation
// per loop iteration once a hit's depth exceeds 4*log2(size).
func (t *tree) maybeSemiSplay(h threadctx.Handle, n *node, depth int64) {
	threshold := 4 * approxLog2(t.globalSize.Load())
	if depth <= threshold {
		return
	}

	cur := n
	for steps := depth - threshold; steps > 0; steps-- {
		parent, grandparent := t.pinAncestors(h, cur)
		if parent == nil {
			return
		}

		grandparent.mu.Lock()
		parent.mu.Lock()
		cur.mu.Lock()

		if parent.parent.Load() != grandparent || cur.parent.Load() != parent ||
			parent.verword().IsUnlinked() || cur.verword().IsUnlinked() {
			cur.mu.Unlock()
			parent.mu.Unlock()
			grandparent.mu.Unlock()
			return
		}

		dir := 1
		if parent.left.Load() == cur {
			dir = -1
		}
		t.singleRotateNL(grandparent, parent, cur, dir)

		cur.mu.Unlock()
		parent.mu.Unlock()
		grandparent.mu.Unlock()
	}
}

func (t *tree) add(h threadctx.Handle, key int64) bool    { return t.updateUnderRoot(h, key, ifAbsent) }
func (t *tree) remove(h threadctx.Handle, key int64) bool { return t.updateUnderRoot(h, key, ifPresent) }

func (t *tree) updateUnderRoot(h threadctx.Handle, key int64, mode updateMode) bool {
	defer t.releaseAll(h)
	for {
		done, result := t.attemptUpdate(h, key, mode)
		if done {
			return result
		}
	}
}

// attemptUpdate descends unlocked, publishing each child into
// alternating hazard slots before reading its fields, so the parent a
// write is about to lock can never be recycled out from under it.
func (t *tree) attemptUpdate(h threadctx.Handle, key int64, mode updateMode) (done bool, result bool) {
	parent := t.rootHolder
	dir := 1
	slot := 0
	for {
		var child *node
		if dir > 0 {
			child = parent.right.Load()
		} else {
			child = parent.left.Load()
		}

		if child == nil {
			if mode == ifPresent {
				return true, false
			}
			return t.attemptInsert(h, key, parent, dir)
		}
		t.hz.Publish(h, slot, child)

		if key == child.key {
			return t.attemptNodeUpdate(h, mode, parent, child)
		}

		if child.verword().IsShrinkingOrUnlinked() {
			t.waitUntilNotChanging(child)
			return false, false
		}

		parent = child
		slot = 1 - slot
		if key < child.key {
			dir = -1
		} else {
			dir = 1
		}
	}
}

func (t *tree) attemptInsert(h threadctx.Handle, key int64, parent *node, dir int) (bool, bool) {
	parent.mu.Lock()
	defer parent.mu.Unlock()

	var cur *node
	if dir > 0 {
		cur = parent.right.Load()
	} else {
		cur = parent.left.Load()
	}
	if cur != nil || parent.verword().IsUnlinked() {
		return false, false
	}

	n := resetNode(t.hz.GetFreeNode(h), key)
	n.parent.Store(parent)
	if dir > 0 {
		parent.right.Store(n)
	} else {
		parent.left.Store(n)
	}

	t.adjustSize(h, 1)
	return true, true
}

func (t *tree) attemptNodeUpdate(h threadctx.Handle, mode updateMode, parent, n *node) (bool, bool) {
	if mode == ifAbsent && n.present.Load() {
		return true, false
	}
	if mode == ifPresent && !n.present.Load() {
		return true, false
	}

	if mode == ifAbsent {
		n.mu.Lock()
		if n.verword().IsUnlinked() {
			n.mu.Unlock()
			return false, false
		}
		if n.present.Load() {
			n.mu.Unlock()
			return true, false
		}
		n.present.Store(true)
		n.mu.Unlock()
		t.adjustSize(h, 1)
		return true, true
	}

	parent.mu.Lock()
	n.mu.Lock()
	if n.verword().IsUnlinked() || n.parent.Load() != parent || !n.present.Load() {
		n.mu.Unlock()
		parent.mu.Unlock()
		return false, false
	}

	left := n.left.Load()
	right := n.right.Load()
	if left != nil && right != nil {
		n.present.Store(false)
		n.mu.Unlock()
		parent.mu.Unlock()
		t.adjustSize(h, -1)
		t.fixAndUnlink(h, n)
		return true, true
	}

	splice := left
	if splice == nil {
		splice = right
	}
	if parent.left.Load() == n {
		parent.left.Store(splice)
	} else {
		parent.right.Store(splice)
	}
	if splice != nil {
		splice.parent.Store(parent)
	}
	n.present.Store(false)
	n.version.Store(uint64(verword.CBUnlinked))
	n.mu.Unlock()
	parent.mu.Unlock()

	t.adjustSize(h, -1)
	t.hz.Retire(h, n)
	t.fixAndUnlink(h, parent)
	return true, true
}

// fixAndUnlink walks toward the root physically splicing out any
// logically-deleted node with at most one child; C3 has no height or
// balance invariant to restore, so unlike avlset's
// fixHeightAndRebalance it stops the moment a node needs nothing.
// Each step re-publishes n and its parent into the rebalance slots,
// re-reading the parent link after publishing, so the ascent never
// locks a node that has already been recycled.
func (t *tree) fixAndUnlink(h threadctx.Handle, n *node) {
	for n != nil && n != t.rootHolder {
		t.hz.Publish(h, slotRebalParent, n)
		parent := n.parent.Load()
		if parent == nil {
			return
		}
		t.hz.Publish(h, slotRebalGrand, parent)
		if n.parent.Load() != parent {
			continue
		}
		left := n.left.Load()
		right := n.right.Load()
		if !((left == nil || right == nil) && !n.present.Load()) {
			return
		}

		parent.mu.Lock()
		if parent.verword().IsUnlinked() || n.parent.Load() != parent {
			parent.mu.Unlock()
			return
		}
		n.mu.Lock()
		ok := t.attemptUnlinkNL(parent, n)
		n.mu.Unlock()
		parent.mu.Unlock()
		if !ok {
			return
		}
		t.hz.Retire(h, n)
		n = parent
	}
}

func (t *tree) attemptUnlinkNL(parent, n *node) bool {
	left := n.left.Load()
	right := n.right.Load()
	if left != nil && right != nil {
		return false
	}
	splice := left
	if splice == nil {
		splice = right
	}
	if parent.left.Load() == n {
		parent.left.Store(splice)
	} else if parent.right.Load() == n {
		parent.right.Store(splice)
	} else {
		return false
	}
	if splice != nil {
		splice.parent.Store(parent)
	}
	n.version.Store(uint64(verword.CBUnlinked))
	n.present.Store(false)
	return true
}

func bumpGrow(n *node)   { n.version.Store(uint64(n.verword().BeginGrow())) }
func settleGrow(n *node) { n.version.Store(uint64(n.verword().EndGrow())) }
func bumpShrink(n *node) { n.version.Store(uint64(n.verword().BeginShrink())) }

func settleShrink(n *node) { n.version.Store(uint64(n.verword().EndShrink())) }

func relinkChild(parent, oldChild, newChild *node) {
	if parent.left.Load() == oldChild {
		parent.left.Store(newChild)
	} else {
		parent.right.Store(newChild)
	}
	newChild.parent.Store(parent)
}

// singleRotateNL promotes n to parent's slot under grandparent. dir
// is the side of parent that n occupies: -1 for left (a right
// rotation of parent around n), 1 for right (a left rotation).
func (t *tree) singleRotateNL(grandparent, parent, n *node, dir int) {
	bumpShrink(parent)
	bumpGrow(n)

	if dir < 0 {
		nR := n.right.Load()
		parent.left.Store(nR)
		if nR != nil {
			nR.parent.Store(parent)
		}
		n.right.Store(parent)
	} else {
		nL := n.left.Load()
		parent.right.Store(nL)
		if nL != nil {
			nL.parent.Store(parent)
		}
		n.left.Store(parent)
	}
	parent.parent.Store(n)
	relinkChild(grandparent, parent, n)

	settleShrink(parent)
	settleGrow(n)
}

// doubleRotateNL promotes n's inner child over both n and parent (the
// "zig-zag" case): a rotation of n around its inner child followed by
// a rotation of parent around that same child.
func (t *tree) doubleRotateNL(grandparent, parent, n *node, dir int) {
	var inner *node
	if dir < 0 {
		inner = n.right.Load()
	} else {
		inner = n.left.Load()
	}
	if inner == nil {
		t.singleRotateNL(grandparent, parent, n, dir)
		return
	}

	inner.mu.Lock()
	defer inner.mu.Unlock()

	bumpShrink(parent)
	bumpShrink(n)
	bumpGrow(inner)

	if dir < 0 {
		innerL := inner.left.Load()
		n.right.Store(innerL)
		if innerL != nil {
			innerL.parent.Store(n)
		}
		inner.left.Store(n)
		n.parent.Store(inner)

		innerR := inner.right.Load()
		parent.left.Store(innerR)
		if innerR != nil {
			innerR.parent.Store(parent)
		}
		inner.right.Store(parent)
		parent.parent.Store(inner)
	} else {
		innerR := inner.right.Load()
		n.left.Store(innerR)
		if innerR != nil {
			innerR.parent.Store(n)
		}
		inner.right.Store(n)
		n.parent.Store(inner)

		innerL := inner.left.Load()
		parent.right.Store(innerL)
		if innerL != nil {
			innerL.parent.Store(parent)
		}
		inner.left.Store(parent)
		parent.parent.Store(inner)
	}
	relinkChild(grandparent, parent, inner)

	settleShrink(parent)
	settleShrink(n)
	settleGrow(inner)
}
