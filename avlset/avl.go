// Package avlset implements C2, the optimistic, fine-grained-locking
// relaxed-balance AVL tree: a height-balanced ordered set whose reads
// are lock-free and whose writes take per-node locks in a strict
// root-to-leaf order, validated against a per-node version word (see
// package verword).
package avlset

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/gocsets/csets"
	"github.com/gocsets/csets/hazard"
	"github.com/gocsets/csets/threadctx"
	"github.com/gocsets/csets/verword"
)

// minHazardsPerThread is the most hazard slots any single AVLSet call
// publishes at once: descents alternate a node and its parent across
// two slots so the node whose version is being re-validated is always
// still protected while its child is examined.
const minHazardsPerThread = 2

type node struct {
	key     int64
	present atomic.Bool
	height  atomic.Int32
	version atomic.Uint64

	parent atomic.Pointer[node]
	left   atomic.Pointer[node]
	right  atomic.Pointer[node]

	mu sync.Mutex

	next *node // hazard free-list link; touched only by the owning thread
}

func (n *node) verword() verword.AVLWord { return verword.AVLWord(n.version.Load()) }

func nodeHeight(n *node) int32 {
	if n == nil {
		return 0
	}
	return n.height.Load()
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

// resetNode prepares a recycled node for reuse without copying its
// embedded sync.Mutex or atomic fields (which go vet flags and which
// is unsafe while a concurrent reader might still be touching the old
// contents via a stale pointer read before the hazard scan excluded
// it).
func resetNode(n *node, key int64) *node {
	n.key = key
	n.present.Store(true)
	n.height.Store(1)
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

type condition int

const (
	nothingRequired condition = iota
	heightOnly
	unlinkRequired
	rebalanceRequired
)

// tree is the unexported, int64-keyed implementation. AVLSet[T] wraps
// it with a Hasher[T] so the algorithm itself never has to reason
// about the element type.
type tree struct {
	rootHolder *node
	hz         *hazard.Manager[node]
	size       atomic.Int64
}

func newTree(cfg csets.Config) *tree {
	t := &tree{}
	t.hz = hazard.New[node](cfg.Threads, cfg.HazardsPerThread, cfg.Prefill,
		func() *node { return &node{} },
		func(n *node) *node { return n.next },
		func(n *node, next *node) { n.next = next },
	)
	root := &node{key: math.MinInt64}
	root.present.Store(true)
	root.height.Store(1)
	t.rootHolder = root
	return t
}

// AVLSet is a concurrent ordered set of T, keyed by the int64 a Hasher
// reduces each value to.
type AVLSet[T any] struct {
	t    *tree
	hash csets.Hasher[T]
}

// NewAVLSet constructs an AVLSet sized for threads workers using
// DefaultConfig; panics if that default configuration is somehow
// invalid (it never is, for threads > 0).
func NewAVLSet[T any](threads int, hash csets.Hasher[T]) *AVLSet[T] {
	s, err := NewAVLSetWithConfig[T](csets.DefaultConfig(threads), hash)
	if err != nil {
		panic(err)
	}
	return s
}

// NewAVLSetWithConfig validates cfg before constructing the set.
func NewAVLSetWithConfig[T any](cfg csets.Config, hash csets.Hasher[T]) (*AVLSet[T], error) {
	if err := cfg.ValidateMinHazards(minHazardsPerThread); err != nil {
		return nil, err
	}
	return &AVLSet[T]{t: newTree(cfg), hash: hash}, nil
}

func (s *AVLSet[T]) Add(h threadctx.Handle, value T) bool      { return s.t.add(h, s.hash(value)) }
func (s *AVLSet[T]) Remove(h threadctx.Handle, value T) bool   { return s.t.remove(h, s.hash(value)) }
func (s *AVLSet[T]) Contains(h threadctx.Handle, value T) bool { return s.t.contains(h, s.hash(value)) }
func (s *AVLSet[T]) Len() int64                                { return s.t.size.Load() }

func (t *tree) add(h threadctx.Handle, key int64) bool    { return t.updateUnderRoot(h, key, ifAbsent) }
func (t *tree) remove(h threadctx.Handle, key int64) bool { return t.updateUnderRoot(h, key, ifPresent) }

// contains is the optimistic, lock-free read path.
// It captures the parent's version before dereferencing a child and
// retries the whole call if anything it observed could have been torn
// by a concurrent shrink. The descent publishes each child into the
// hazard slot its grandparent vacated, alternating between the two
// slots, so both the node being examined and the parent whose version
// is re-validated stay protected from recycling at every step.
func (t *tree) contains(h threadctx.Handle, key int64) bool {
	defer t.hz.Release(h, 0)
	defer t.hz.Release(h, 1)
	for {
		present, retry := t.attemptGet(h, key, t.rootHolder, 1, verword.AVLWord(t.rootHolder.version.Load()), 0)
		if !retry {
			return present
		}
	}
}

func (t *tree) attemptGet(h threadctx.Handle, key int64, n *node, dir int, nv verword.AVLWord, slot int) (present bool, retry bool) {
	var child *node
	if dir > 0 {
		child = n.right.Load()
	} else {
		child = n.left.Load()
	}

	if child == nil {
		if verword.AVLWord(n.version.Load()) != nv {
			return false, true
		}
		return false, false
	}
	t.hz.Publish(h, slot, child)

	if key == child.key {
		cv := child.verword()
		if cv.IsShrinking() {
			t.waitUntilNotChanging(child)
			return false, true
		}
		present = child.present.Load()
		if child.verword() != cv {
			return false, true
		}
		return present, false
	}

	cv := child.verword()
	if cv.IsChangingOrUnlinked() {
		t.waitUntilNotChanging(child)
		return false, true
	}

	if verword.AVLWord(n.version.Load()) != nv {
		return false, true
	}

	nextDir := 1
	if key < child.key {
		nextDir = -1
	}
	present, retry = t.attemptGet(h, key, child, nextDir, cv, 1-slot)
	if retry {
		return false, true
	}
	return present, false
}

// waitUntilNotChanging spins briefly and then falls back to acquiring
// and releasing n's lock, which serializes behind whatever write holds
// it.
func (t *tree) waitUntilNotChanging(n *node) {
	if !n.verword().IsShrinking() {
		return
	}
	for spins := 0; spins < 128; spins++ {
		if !n.verword().IsShrinking() {
			return
		}
	}
	n.mu.Lock()
	n.mu.Unlock()
}

func (t *tree) updateUnderRoot(h threadctx.Handle, key int64, mode updateMode) bool {
	defer t.hz.Release(h, 0)
	defer t.hz.Release(h, 1)
	for {
		done, result := t.attemptUpdate(h, key, mode, t.rootHolder)
		if done {
			return result
		}
	}
}

// attemptUpdate descends unlocked from holder, publishing each child
// into alternating hazard slots before reading any of its fields,
// exactly like attemptGet: that publication is what lets GetFreeNode
// elsewhere detect this traversal before recycling a node out from
// under it, and the alternation keeps the parent protected until the
// descent has moved past it.
func (t *tree) attemptUpdate(h threadctx.Handle, key int64, mode updateMode, holder *node) (done bool, result bool) {
	parent := holder
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

		cv := child.verword()
		if cv.IsChangingOrUnlinked() {
			// The version moved while we were looking at it. This is a
			// retry edge, never a fallthrough: restart from the root
			// once the shrink we collided with has finished.
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

	var cur *node
	if dir > 0 {
		cur = parent.right.Load()
	} else {
		cur = parent.left.Load()
	}
	if cur != nil || parent.verword().IsUnlinked() {
		parent.mu.Unlock()
		return false, false
	}

	n := resetNode(t.hz.GetFreeNode(h), key)
	n.parent.Store(parent)
	if dir > 0 {
		parent.right.Store(n)
	} else {
		parent.left.Store(n)
	}
	parent.mu.Unlock()

	t.size.Add(1)
	t.fixHeightAndRebalance(h, parent)
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
		t.size.Add(1)
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
		t.size.Add(-1)
		t.fixHeightAndRebalance(h, n)
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
	n.version.Store(uint64(verword.Unlinked))
	n.mu.Unlock()
	parent.mu.Unlock()

	t.size.Add(-1)
	t.hz.Retire(h, n)
	t.fixHeightAndRebalance(h, parent)
	return true, true
}

func (t *tree) nodeCondition(n *node) condition {
	left := n.left.Load()
	right := n.right.Load()

	if (left == nil || right == nil) && !n.present.Load() {
		return unlinkRequired
	}

	leftHeight := nodeHeight(left)
	rightHeight := nodeHeight(right)
	balance := leftHeight - rightHeight
	if balance < -1 || balance > 1 {
		return rebalanceRequired
	}

	if expected := max32(leftHeight, rightHeight) + 1; expected != n.height.Load() {
		return heightOnly
	}
	return nothingRequired
}

func (t *tree) fixHeightNL(n *node) {
	n.height.Store(max32(nodeHeight(n.left.Load()), nodeHeight(n.right.Load())) + 1)
}

// fixHeightAndRebalance walks from the deepest modified node toward
// the root, unlinking, rebalancing, or just restamping a height at
// each step until a node that needs nothing is reached. Each
// step re-publishes n and its parent into the two descent slots, and
// re-reads the parent link after publishing so the hazard provably
// landed before any concurrent unlink could have retired the parent.
func (t *tree) fixHeightAndRebalance(h threadctx.Handle, n *node) {
	for n != nil && n != t.rootHolder {
		t.hz.Publish(h, 0, n)
		parent := n.parent.Load()
		if parent == nil {
			return
		}
		t.hz.Publish(h, 1, parent)
		if n.parent.Load() != parent {
			continue
		}

		switch t.nodeCondition(n) {
		case nothingRequired:
			return

		case heightOnly:
			n.mu.Lock()
			t.fixHeightNL(n)
			n.mu.Unlock()
			n = parent

		case unlinkRequired:
			parent.mu.Lock()
			if !parent.verword().IsUnlinked() && n.parent.Load() == parent {
				n.mu.Lock()
				if t.attemptUnlinkNL(parent, n) {
					n.mu.Unlock()
					t.hz.Retire(h, n)
				} else {
					n.mu.Unlock()
				}
			}
			parent.mu.Unlock()
			n = parent

		case rebalanceRequired:
			parent.mu.Lock()
			if !parent.verword().IsUnlinked() && n.parent.Load() == parent {
				n.mu.Lock()
				next := t.rebalanceNL(parent, n)
				n.mu.Unlock()
				parent.mu.Unlock()
				n = next
			} else {
				parent.mu.Unlock()
			}
		}
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
	n.version.Store(uint64(verword.Unlinked))
	n.present.Store(false)
	return true
}

func (t *tree) rebalanceNL(parent, n *node) *node {
	left := n.left.Load()
	right := n.right.Load()
	leftHeight := nodeHeight(left)
	rightHeight := nodeHeight(right)
	balance := leftHeight - rightHeight

	if balance > 1 {
		return t.rebalanceToRightNL(parent, n, left, rightHeight)
	}
	if balance < -1 {
		return t.rebalanceToLeftNL(parent, n, right, leftHeight)
	}
	t.fixHeightNL(n)
	return parent
}

func (t *tree) rebalanceToRightNL(parent, n, nL *node, hR int32) *node {
	nL.mu.Lock()
	defer nL.mu.Unlock()

	hL := nodeHeight(nL)
	if hL-hR <= 1 {
		return n
	}

	nLR := nL.right.Load()
	hLL := nodeHeight(nL.left.Load())
	hLR := nodeHeight(nLR)

	if hLR <= hLL {
		return t.rotateRightNL(parent, n, nL, nLR, hR, hLL, hLR)
	}

	// nL's inner child is the taller one: a single rotation would only
	// move the imbalance to the other side, so rotate nLR up over both.
	nLR.mu.Lock()
	defer nLR.mu.Unlock()
	return t.rotateRightOverLeftNL(parent, n, nL, nLR, hR, hLL)
}

func (t *tree) rebalanceToLeftNL(parent, n, nR *node, hL int32) *node {
	nR.mu.Lock()
	defer nR.mu.Unlock()

	hR := nodeHeight(nR)
	if hR-hL <= 1 {
		return n
	}

	nRL := nR.left.Load()
	hRR := nodeHeight(nR.right.Load())
	hRL := nodeHeight(nRL)

	if hRL <= hRR {
		return t.rotateLeftNL(parent, n, nR, nRL, hL, hRR, hRL)
	}

	// Mirror of rebalanceToRightNL: the inner child is taller, so only
	// the double rotation restores balance.
	nRL.mu.Lock()
	defer nRL.mu.Unlock()
	return t.rotateLeftOverRightNL(parent, n, nR, nRL, hL, hRR)
}

func bumpChange(n *node) {
	n.version.Store(uint64(n.verword().BeginChange()))
}

func settleChange(n *node) {
	n.version.Store(uint64(n.verword().EndChange()))
}

func relinkChild(parent, oldChild, newChild *node) {
	if parent.left.Load() == oldChild {
		parent.left.Store(newChild)
	} else {
		parent.right.Store(newChild)
	}
	newChild.parent.Store(parent)
}

func outOfBalance(a, b int32) bool {
	d := a - b
	return d < -1 || d > 1
}

// rotateRightNL performs a single right rotation of n around its left
// child nL, promoting nL to occupy n's former slot under parent.
func (t *tree) rotateRightNL(parent, n, nL, nLR *node, hR, hLL, hLR int32) *node {
	bumpChange(n)
	bumpChange(nL)

	n.left.Store(nLR)
	if nLR != nil {
		nLR.parent.Store(n)
	}
	nL.right.Store(n)
	n.parent.Store(nL)
	relinkChild(parent, n, nL)

	hN := max32(hLR, hR) + 1
	n.height.Store(hN)
	nL.height.Store(max32(hLL, hN) + 1)

	settleChange(n)
	settleChange(nL)

	if outOfBalance(hLR, hR) {
		return n
	}
	if outOfBalance(hLL, hN) {
		return nL
	}
	return parent
}

// rotateLeftNL is rotateRightNL's mirror image.
func (t *tree) rotateLeftNL(parent, n, nR, nRL *node, hL, hRR, hRL int32) *node {
	bumpChange(n)
	bumpChange(nR)

	n.right.Store(nRL)
	if nRL != nil {
		nRL.parent.Store(n)
	}
	nR.left.Store(n)
	n.parent.Store(nR)
	relinkChild(parent, n, nR)

	hN := max32(hRL, hL) + 1
	n.height.Store(hN)
	nR.height.Store(max32(hRR, hN) + 1)

	settleChange(n)
	settleChange(nR)

	if outOfBalance(hRL, hL) {
		return n
	}
	if outOfBalance(hRR, hN) {
		return nR
	}
	return parent
}

// rotateRightOverLeftNL performs the double rotation for the
// left-right heavy case: nL's right child nLR becomes the new subtree
// root.
func (t *tree) rotateRightOverLeftNL(parent, n, nL, nLR *node, hR, hLL int32) *node {
	nLRL := nLR.left.Load()
	nLRR := nLR.right.Load()
	hLRL := nodeHeight(nLRL)
	hLRR := nodeHeight(nLRR)

	bumpChange(n)
	bumpChange(nL)
	bumpChange(nLR)

	n.left.Store(nLRR)
	if nLRR != nil {
		nLRR.parent.Store(n)
	}
	nL.right.Store(nLRL)
	if nLRL != nil {
		nLRL.parent.Store(nL)
	}
	nLR.left.Store(nL)
	nL.parent.Store(nLR)
	nLR.right.Store(n)
	n.parent.Store(nLR)
	relinkChild(parent, n, nLR)

	hN := max32(hLRR, hR) + 1
	n.height.Store(hN)
	hNL := max32(hLL, hLRL) + 1
	nL.height.Store(hNL)
	nLR.height.Store(max32(hNL, hN) + 1)

	settleChange(n)
	settleChange(nL)
	settleChange(nLR)

	if outOfBalance(hLRR, hR) {
		return n
	}
	if outOfBalance(hLL, hLRL) {
		return nL
	}
	return parent
}

// rotateLeftOverRightNL mirrors rotateRightOverLeftNL.
func (t *tree) rotateLeftOverRightNL(parent, n, nR, nRL *node, hL, hRR int32) *node {
	nRLL := nRL.left.Load()
	nRLR := nRL.right.Load()
	hRLL := nodeHeight(nRLL)
	hRLR := nodeHeight(nRLR)

	bumpChange(n)
	bumpChange(nR)
	bumpChange(nRL)

	n.right.Store(nRLL)
	if nRLL != nil {
		nRLL.parent.Store(n)
	}
	nR.left.Store(nRLR)
	if nRLR != nil {
		nRLR.parent.Store(nR)
	}
	nRL.right.Store(nR)
	nR.parent.Store(nRL)
	nRL.left.Store(n)
	n.parent.Store(nRL)
	relinkChild(parent, n, nRL)

	hN := max32(hRLL, hL) + 1
	n.height.Store(hN)
	hNR := max32(hRR, hRLR) + 1
	nR.height.Store(hNR)
	nRL.height.Store(max32(hN, hNR) + 1)

	settleChange(n)
	settleChange(nR)
	settleChange(nRL)

	if outOfBalance(hRLL, hL) {
		return n
	}
	if outOfBalance(hRR, hRLR) {
		return nR
	}
	return parent
}
