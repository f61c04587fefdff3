// Package nbbst implements C4, the lock-free external binary search
// tree: internal nodes carry routing keys only, leaves carry stored
// keys, and every modification is described by a per-node update
// descriptor that any thread can finish on behalf of another
// ("helping"), which is what makes the structure lock-free.
package nbbst

import (
	"math"
	"sync/atomic"

	"github.com/gocsets/csets"
	"github.com/gocsets/csets/hazard"
	"github.com/gocsets/csets/threadctx"
)

// minHazardsPerThread: a search keeps the grandparent, parent and
// leaf it is tracking published at all times.
const minHazardsPerThread = 3

const (
	slotGP = 0
	slotP  = 1
	slotL  = 2
)

type updateState int32

const (
	stateClean updateState = iota
	stateIFlag
	stateDFlag
	stateMark
)

// update carries an operation's state and descriptor together as one
// immutable value, CASed atomically as a unit.
type update struct {
	state updateState
	info  any // *insertInfo or *deleteInfo; nil only for stateClean
}

// newClean allocates a fresh Clean word. Every reset of a recycled
// node installs a distinct allocation rather than a shared sentinel,
// so a stale descriptor's CAS against an update word it observed
// before the node was recycled can never succeed by accident.
func newClean() *update { return &update{state: stateClean} }

type insertInfo struct {
	p, l, newInternal *node
}

type deleteInfo struct {
	gp, p, l    *node
	pUpdateSeen *update
}

type node struct {
	key    int64
	isLeaf bool

	left, right atomic.Pointer[node]
	update      atomic.Pointer[update]

	next *node
}

func resetLeaf(n *node, key int64) *node {
	n.key = key
	n.isLeaf = true
	n.left.Store(nil)
	n.right.Store(nil)
	n.update.Store(newClean())
	n.next = nil
	return n
}

func resetInternal(n *node, key int64, left, right *node) *node {
	n.key = key
	n.isLeaf = false
	n.left.Store(left)
	n.right.Store(right)
	n.update.Store(newClean())
	n.next = nil
	return n
}

type tree struct {
	root *node
	hz   *hazard.Manager[node]
	size atomic.Int64
}

func newTree(cfg csets.Config) *tree {
	t := &tree{}
	t.hz = hazard.New[node](cfg.Threads, cfg.HazardsPerThread, cfg.Prefill,
		func() *node { return &node{} },
		func(n *node) *node { return n.next },
		func(n *node, next *node) { n.next = next },
	)

	negInf := &node{key: math.MinInt64, isLeaf: true}
	negInf.update.Store(newClean())
	posInf := &node{key: math.MaxInt64, isLeaf: true}
	posInf.update.Store(newClean())
	root := &node{key: math.MaxInt64, isLeaf: false}
	root.left.Store(negInf)
	root.right.Store(posInf)
	root.update.Store(newClean())
	t.root = root
	return t
}

// NBBSTSet is a lock-free concurrent ordered set of T.
type NBBSTSet[T any] struct {
	t    *tree
	hash csets.Hasher[T]
}

func NewNBBSTSet[T any](threads int, hash csets.Hasher[T]) *NBBSTSet[T] {
	s, err := NewNBBSTSetWithConfig[T](csets.DefaultConfig(threads), hash)
	if err != nil {
		panic(err)
	}
	return s
}

func NewNBBSTSetWithConfig[T any](cfg csets.Config, hash csets.Hasher[T]) (*NBBSTSet[T], error) {
	if err := cfg.ValidateMinHazards(minHazardsPerThread); err != nil {
		return nil, err
	}
	return &NBBSTSet[T]{t: newTree(cfg), hash: hash}, nil
}

func (s *NBBSTSet[T]) Add(h threadctx.Handle, value T) bool {
	return s.t.add(h, s.hash(value))
}
func (s *NBBSTSet[T]) Remove(h threadctx.Handle, value T) bool {
	return s.t.remove(h, s.hash(value))
}
func (s *NBBSTSet[T]) Contains(h threadctx.Handle, value T) bool {
	return s.t.contains(h, s.hash(value))
}
func (s *NBBSTSet[T]) Len() int64 { return s.t.size.Load() }

// search descends from the root publishing gp, p and l as hazards as
// it goes, so that by the time it returns the caller may safely
// dereference whichever of the three it still needs. Moving a node
// between slots leaves no unprotected gap (the old slot still covers
// it until the new store lands); only the fresh child load needs the
// publish-then-reread dance in readChild. The caller must release
// slots gp/p/l once done.
func (t *tree) search(h threadctx.Handle, key int64) (gp, p, l *node) {
	p = t.root
	t.hz.Publish(h, slotP, p)
	l = t.readChild(h, p, key)

	for !l.isLeaf {
		gp = p
		t.hz.Publish(h, slotGP, gp)
		p = l
		t.hz.Publish(h, slotP, p)
		l = t.readChild(h, p, key)
	}
	return gp, p, l
}

// readChild loads p's child on key's side into the leaf slot,
// re-reading until the publication provably landed before any
// concurrent splice could have retired the child.
func (t *tree) readChild(h threadctx.Handle, p *node, key int64) *node {
	for {
		var c *node
		if key < p.key {
			c = p.left.Load()
		} else {
			c = p.right.Load()
		}
		t.hz.Publish(h, slotL, c)
		var again *node
		if key < p.key {
			again = p.left.Load()
		} else {
			again = p.right.Load()
		}
		if again == c {
			return c
		}
	}
}

func (t *tree) releaseSearch(h threadctx.Handle) {
	t.hz.Release(h, slotGP)
	t.hz.Release(h, slotP)
	t.hz.Release(h, slotL)
}

func (t *tree) contains(h threadctx.Handle, key int64) bool {
	_, _, l := t.search(h, key)
	found := l.key == key
	t.releaseSearch(h)
	return found
}

func (t *tree) help(h threadctx.Handle, u *update) {
	switch u.state {
	case stateIFlag:
		t.helpInsert(h, u.info.(*insertInfo))
	case stateMark:
		t.helpMarked(h, u.info.(*deleteInfo))
	case stateDFlag:
		t.helpDelete(h, u.info.(*deleteInfo))
	}
}

func (t *tree) add(h threadctx.Handle, key int64) bool {
	for {
		_, p, l := t.search(h, key)
		if l.key == key {
			t.releaseSearch(h)
			return false
		}

		pUpdate := p.update.Load()
		if pUpdate.state != stateClean {
			t.releaseSearch(h)
			t.help(h, pUpdate)
			continue
		}

		newLeaf := resetLeaf(t.hz.GetFreeNode(h), key)
		oldLeafCopy := resetLeaf(t.hz.GetFreeNode(h), l.key)
		var newInternal *node
		if key < l.key {
			newInternal = resetInternal(t.hz.GetFreeNode(h), l.key, newLeaf, oldLeafCopy)
		} else {
			newInternal = resetInternal(t.hz.GetFreeNode(h), key, oldLeafCopy, newLeaf)
		}

		op := &insertInfo{p: p, l: l, newInternal: newInternal}
		iUpdate := &update{state: stateIFlag, info: op}

		if p.update.CompareAndSwap(pUpdate, iUpdate) {
			t.helpInsert(h, op)
			t.releaseSearch(h)
			t.size.Add(1)
			return true
		}
		cur := p.update.Load()
		t.releaseSearch(h)
		t.help(h, cur)
	}
}

func (t *tree) helpInsert(h threadctx.Handle, op *insertInfo) {
	var swapped bool
	if op.p.left.Load() == op.l {
		swapped = op.p.left.CompareAndSwap(op.l, op.newInternal)
	} else {
		swapped = op.p.right.CompareAndSwap(op.l, op.newInternal)
	}
	if swapped {
		t.hz.Retire(h, op.l)
	}

	cur := op.p.update.Load()
	if cur.state == stateIFlag && cur.info == op {
		op.p.update.CompareAndSwap(cur, newClean())
	}
}

func (t *tree) remove(h threadctx.Handle, key int64) bool {
	for {
		gp, p, l := t.search(h, key)
		if l.key != key {
			t.releaseSearch(h)
			return false
		}
		if gp == nil {
			// The two sentinel leaves (±infinity) guarantee every real
			// key has a grandparent; reaching here would mean the key
			// searched for is one of the sentinels, which callers can
			// never observe as a stored element.
			t.releaseSearch(h)
			return false
		}

		gpUpdate := gp.update.Load()
		if gpUpdate.state != stateClean {
			t.releaseSearch(h)
			t.help(h, gpUpdate)
			continue
		}
		pUpdate := p.update.Load()
		if pUpdate.state != stateClean {
			t.releaseSearch(h)
			t.help(h, pUpdate)
			continue
		}

		op := &deleteInfo{gp: gp, p: p, l: l, pUpdateSeen: pUpdate}
		dUpdate := &update{state: stateDFlag, info: op}

		if !gp.update.CompareAndSwap(gpUpdate, dUpdate) {
			cur := gp.update.Load()
			t.releaseSearch(h)
			t.help(h, cur)
			continue
		}

		done := t.helpDelete(h, op)
		t.releaseSearch(h)
		if done {
			t.size.Add(-1)
			return true
		}
		// helpDelete backed out because p.update had moved on; retry
		// the whole delete from a fresh search.
	}
}

func (t *tree) helpDelete(h threadctx.Handle, op *deleteInfo) bool {
	markUpdate := &update{state: stateMark, info: op}
	swapped := op.p.update.CompareAndSwap(op.pUpdateSeen, markUpdate)
	cur := op.p.update.Load()
	if swapped || (cur.state == stateMark && cur.info == op) {
		t.helpMarked(h, op)
		return true
	}

	// Back out: someone else changed p.update to something incompatible
	// with this delete; release gp back to clean and let the caller
	// retry with a fresh search.
	gpCur := op.gp.update.Load()
	if gpCur.state == stateDFlag && gpCur.info == op {
		op.gp.update.CompareAndSwap(gpCur, newClean())
	}
	return false
}

func (t *tree) helpMarked(h threadctx.Handle, op *deleteInfo) {
	var sibling *node
	if op.p.left.Load() == op.l {
		sibling = op.p.right.Load()
	} else {
		sibling = op.p.left.Load()
	}

	var swapped bool
	if op.gp.left.Load() == op.p {
		swapped = op.gp.left.CompareAndSwap(op.p, sibling)
	} else {
		swapped = op.gp.right.CompareAndSwap(op.p, sibling)
	}
	if swapped {
		t.hz.Retire(h, op.p)
		t.hz.Retire(h, op.l)
	}

	cur := op.gp.update.Load()
	if cur.state == stateDFlag && cur.info == op {
		op.gp.update.CompareAndSwap(cur, newClean())
	}
}
