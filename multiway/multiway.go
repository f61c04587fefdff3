// Package multiway implements C5, the lock-free multiway search tree:
// a skip-list-like stack of linked levels whose nodes hold a single
// immutable Contents block. Every mutation builds a replacement
// Contents and CASes it into place, so there are no per-node locks.
package multiway

import (
	"math"
	"sync/atomic"

	"github.com/gocsets/csets"
	"github.com/gocsets/csets/hazard"
	"github.com/gocsets/csets/threadctx"
)

// minHazardsPerThread: a descent publishes the node and Contents block
// it is currently examining (slots 0-1); the split and cleanup helpers
// pin a second Contents block (the parent's) in the aux slot while
// they rework it.
const minHazardsPerThread = 3

const (
	slotNode     = 0
	slotContents = 1
	slotAux      = 2
)

const (
	maxHeight    = 8
	levelDivisor = 32 // mean extra height ~= 1/(levelDivisor-1)
)

// contentsBlock is the immutable payload a node's pointer targets.
// children is nil at the leaf level. next is the intrusive free-list
// link used only while the block sits on a Hazard Manager queue.
type contentsBlock struct {
	keys     []int64
	children []*node
	link     *node

	next *contentsBlock
}

type node struct {
	contents atomic.Pointer[contentsBlock]

	next *node
}

func resetContents(c *contentsBlock, keys []int64, children []*node, link *node) *contentsBlock {
	c.keys = keys
	c.children = children
	c.link = link
	c.next = nil
	return c
}

func resetNode(n *node, c *contentsBlock) *node {
	n.contents.Store(c)
	n.next = nil
	return n
}

type headNode struct {
	node   *node
	height int
}

type pathEntry struct {
	node     *node
	contents *contentsBlock
	idx      int // signed search result within contents.keys
}

type tree struct {
	head atomic.Pointer[headNode]

	hzNode     *hazard.Manager[node]
	hzContents *hazard.Manager[contentsBlock]

	seeds []uint64

	globalSize atomic.Int64
	logSize    atomic.Int32
	deltas     []int64
	threads    int
}

func newTree(cfg csets.Config) *tree {
	t := &tree{threads: cfg.Threads, seeds: make([]uint64, cfg.Threads), deltas: make([]int64, cfg.Threads)}
	for i := range t.seeds {
		t.seeds[i] = uint64(i+1)*0x9E3779B97F4A7C15 | 1
	}

	t.hzNode = hazard.New[node](cfg.Threads, cfg.HazardsPerThread, cfg.Prefill,
		func() *node { return &node{} },
		func(n *node) *node { return n.next },
		func(n *node, next *node) { n.next = next },
	)
	t.hzContents = hazard.New[contentsBlock](cfg.Threads, cfg.HazardsPerThread, cfg.Prefill,
		func() *contentsBlock { return &contentsBlock{} },
		func(c *contentsBlock) *contentsBlock { return c.next },
		func(c *contentsBlock, next *contentsBlock) { c.next = next },
	)

	leaf := &node{}
	leaf.contents.Store(&contentsBlock{keys: []int64{math.MaxInt64}})
	root := &node{}
	root.contents.Store(&contentsBlock{keys: []int64{math.MaxInt64}, children: []*node{leaf}})
	t.head.Store(&headNode{node: root, height: 1})
	return t
}

// MultiwaySet is a lock-free concurrent ordered set of T.
type MultiwaySet[T any] struct {
	t    *tree
	hash csets.Hasher[T]
}

func NewMultiwaySet[T any](threads int, hash csets.Hasher[T]) *MultiwaySet[T] {
	s, err := NewMultiwaySetWithConfig[T](csets.DefaultConfig(threads), hash)
	if err != nil {
		panic(err)
	}
	return s
}

func NewMultiwaySetWithConfig[T any](cfg csets.Config, hash csets.Hasher[T]) (*MultiwaySet[T], error) {
	if err := cfg.ValidateMinHazards(minHazardsPerThread); err != nil {
		return nil, err
	}
	return &MultiwaySet[T]{t: newTree(cfg), hash: hash}, nil
}

func (s *MultiwaySet[T]) Add(h threadctx.Handle, value T) bool      { return s.t.add(h, s.hash(value)) }
func (s *MultiwaySet[T]) Remove(h threadctx.Handle, value T) bool   { return s.t.remove(h, s.hash(value)) }
func (s *MultiwaySet[T]) Contains(h threadctx.Handle, value T) bool { return s.t.contains(h, s.hash(value)) }
func (s *MultiwaySet[T]) Len() int64                                { return s.t.globalSize.Load() }

// Close drains the caller's retirement queues in both Hazard Manager
// sub-instances so long-running processes that create and discard many
// sets do not accumulate retired blocks. Optional: a dropped
// MultiwaySet is still memory-safe without it.
func (s *MultiwaySet[T]) Close(h threadctx.Handle) {
	s.t.hzNode.Drain(h)
	s.t.hzContents.Drain(h)
}

func (t *tree) seedFor(h threadctx.Handle) *uint64 { return &t.seeds[h.ID()] }

func nextRandom(seed *uint64) uint64 {
	x := *seed
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	*seed = x
	return x
}

// randomLevel draws h ~ geometric(1/levelDivisor): h==0 with
// probability (levelDivisor-1)/levelDivisor, the common case.
func randomLevel(seed *uint64) int {
	level := 0
	for level < maxHeight && nextRandom(seed)%levelDivisor == 0 {
		level++
	}
	return level
}

func approxLog2(size int64) int64 {
	if size <= 0 {
		return 0
	}
	n, shifted := int64(0), size
	for shifted > 1 {
		shifted >>= 1
		n++
	}
	return n
}

// adjustSize batches per-thread deltas the same way counterset does,
// flushing into the global counter once a thread's accumulated delta
// reaches the thread count in magnitude.
func (t *tree) adjustSize(h threadctx.Handle, delta int64) {
	tid := h.ID()
	t.deltas[tid] += delta
	if t.deltas[tid] >= int64(t.threads) || t.deltas[tid] <= -int64(t.threads) {
		t.globalSize.Add(t.deltas[tid])
		t.deltas[tid] = 0
		t.refreshLogSize()
	}
}

func (t *tree) refreshLogSize() {
	for {
		cur := t.logSize.Load()
		next := int32(approxLog2(t.globalSize.Load()))
		if cur == next || t.logSize.CompareAndSwap(cur, next) {
			return
		}
	}
}

// searchKeys is Collections.binarySearch's convention: a non-negative
// result is an exact index match; -(i)-1 is the insertion point.
func searchKeys(keys []int64, key int64) int {
	lo, hi := 0, len(keys)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch {
		case keys[mid] == key:
			return mid
		case keys[mid] < key:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return -(lo + 1)
}

func insertKeyAt(keys []int64, idx int, key int64) []int64 {
	out := make([]int64, len(keys)+1)
	copy(out, keys[:idx])
	out[idx] = key
	copy(out[idx+1:], keys[idx:])
	return out
}

func removeKeyAt(keys []int64, idx int) []int64 {
	out := make([]int64, len(keys)-1)
	copy(out, keys[:idx])
	copy(out[idx:], keys[idx+1:])
	return out
}

func insertChildAt(children []*node, idx int, child *node) []*node {
	if children == nil {
		return nil
	}
	out := make([]*node, len(children)+1)
	copy(out, children[:idx])
	out[idx] = child
	copy(out[idx+1:], children[idx:])
	return out
}

func removeChildAt(children []*node, idx int) []*node {
	if children == nil {
		return nil
	}
	out := make([]*node, len(children)-1)
	copy(out, children[:idx])
	copy(out[idx:], children[idx+1:])
	return out
}

// searchPath descends from the head, recording one entry per level,
// and applies the "push-right" fallback whenever the key searched for
// falls to the right of everything at the current node (or the node
// is a dying, empty one): it just follows link without recording a
// path entry for the skipped node. The final entry is always a leaf
// level, or a terminal dead end with idx == -1 if the structure has
// no right neighbour left to push into (only possible transiently).
//
// Each Contents block is published and then re-read before any of its
// fields are trusted: if the node's pointer still matches after the
// publication, the block cannot yet have been retired, so the hazard
// provably protects it for the rest of this level's work.
func (t *tree) searchPath(h threadctx.Handle, key int64) []pathEntry {
	cur := t.head.Load().node
	path := make([]pathEntry, 0, maxHeight+2)

	for {
		t.hzNode.Publish(h, slotNode, cur)
		c := cur.contents.Load()
		t.hzContents.Publish(h, slotContents, c)
		if cur.contents.Load() != c {
			continue
		}

		if len(c.keys) == 0 {
			if c.link == nil {
				path = append(path, pathEntry{node: cur, contents: c, idx: -1})
				return path
			}
			cur = c.link
			continue
		}

		idx := searchKeys(c.keys, key)
		insertAt := idx
		if idx < 0 {
			insertAt = -idx - 1
		}
		if insertAt == len(c.keys) && idx < 0 {
			if c.link != nil {
				cur = c.link
				continue
			}
		}

		path = append(path, pathEntry{node: cur, contents: c, idx: idx})
		if c.children == nil {
			return path
		}

		childIdx := insertAt
		if idx >= 0 {
			childIdx = idx
		}
		cur = c.children[childIdx]
	}
}

func (t *tree) releaseSearch(h threadctx.Handle) {
	t.hzNode.Release(h, slotNode)
	t.hzContents.Release(h, slotContents)
	t.hzContents.Release(h, slotAux)
}

func (t *tree) contains(h threadctx.Handle, key int64) bool {
	path := t.searchPath(h, key)
	last := path[len(path)-1]
	found := last.contents.children == nil && last.idx >= 0
	t.releaseSearch(h)
	return found
}

func (t *tree) add(h threadctx.Handle, key int64) bool {
	for {
		path := t.searchPath(h, key)
		leaf := path[len(path)-1]
		if leaf.contents.children != nil {
			// Dead end: searchPath gave up at an internal, emptied node
			// with no link to push right into. Transient; retry.
			t.releaseSearch(h)
			continue
		}
		if leaf.idx >= 0 {
			t.releaseSearch(h)
			return false
		}

		insertAt := -leaf.idx - 1
		newKeys := insertKeyAt(leaf.contents.keys, insertAt, key)
		newContents := resetContents(t.hzContents.GetFreeNode(h), newKeys, nil, leaf.contents.link)

		if !leaf.node.contents.CompareAndSwap(leaf.contents, newContents) {
			t.releaseSearch(h)
			continue
		}
		t.hzContents.Retire(h, leaf.contents)
		t.adjustSize(h, 1)

		if level := randomLevel(t.seedFor(h)); level > 0 {
			t.promote(h, path, level)
		}
		t.releaseSearch(h)
		return true
	}
}

func (t *tree) remove(h threadctx.Handle, key int64) bool {
	for {
		path := t.searchPath(h, key)
		leaf := path[len(path)-1]
		if leaf.contents.children != nil || leaf.idx < 0 {
			t.releaseSearch(h)
			return false
		}

		newKeys := removeKeyAt(leaf.contents.keys, leaf.idx)
		newContents := resetContents(t.hzContents.GetFreeNode(h), newKeys, nil, leaf.contents.link)

		if !leaf.node.contents.CompareAndSwap(leaf.contents, newContents) {
			t.releaseSearch(h)
			continue
		}
		t.hzContents.Retire(h, leaf.contents)
		t.adjustSize(h, -1)

		if len(newKeys) == 0 {
			t.dropDeadChild(h, path)
		}
		t.releaseSearch(h)
		return true
	}
}

// promote implements the h>0 insertion path: starting at the leaf
// node whose Contents was just replaced, split it in half and patch
// its parent to reference the new right half, ascending one level per
// unit of the randomly drawn height.
func (t *tree) promote(h threadctx.Handle, path []pathEntry, level int) {
	cur := len(path) - 1
	for i := 0; i < level; i++ {
		entry := path[cur]
		c := entry.node.contents.Load()
		t.hzContents.Publish(h, slotContents, c)
		if entry.node.contents.Load() != c {
			return
		}
		if len(c.keys) < 2 {
			return
		}

		right, leftContents, separator := t.splitContents(h, c)
		if !entry.node.contents.CompareAndSwap(c, leftContents) {
			return
		}
		t.hzContents.Retire(h, c)

		if cur == 0 {
			t.growHead(h, entry.node, right)
			return
		}

		parent := path[cur-1]
		if !t.patchParent(h, parent, entry.node, right, separator) {
			return
		}
		cur--
	}
}

func (t *tree) splitContents(h threadctx.Handle, c *contentsBlock) (right *node, left *contentsBlock, separator int64) {
	mid := len(c.keys) / 2

	rightKeys := append([]int64(nil), c.keys[mid:]...)
	var rightChildren []*node
	if c.children != nil {
		rightChildren = append([]*node(nil), c.children[mid:]...)
	}
	right = resetNode(t.hzNode.GetFreeNode(h), resetContents(t.hzContents.GetFreeNode(h), rightKeys, rightChildren, c.link))

	leftKeys := append([]int64(nil), c.keys[:mid]...)
	var leftChildren []*node
	if c.children != nil {
		leftChildren = append([]*node(nil), c.children[:mid]...)
	}
	left = resetContents(t.hzContents.GetFreeNode(h), leftKeys, leftChildren, right)

	return right, left, leftKeys[len(leftKeys)-1]
}

func (t *tree) patchParent(h threadctx.Handle, parent pathEntry, oldChild, newChild *node, separator int64) bool {
	c := parent.node.contents.Load()
	t.hzContents.Publish(h, slotAux, c)
	if parent.node.contents.Load() != c {
		return false
	}
	childIdx := -1
	for i, ch := range c.children {
		if ch == oldChild {
			childIdx = i
			break
		}
	}
	if childIdx == -1 {
		return false
	}

	newKeys := insertKeyAt(c.keys, childIdx, separator)
	newChildren := insertChildAt(c.children, childIdx+1, newChild)
	newContents := resetContents(t.hzContents.GetFreeNode(h), newKeys, newChildren, c.link)

	if parent.node.contents.CompareAndSwap(c, newContents) {
		t.hzContents.Retire(h, c)
		return true
	}
	return false
}

func (t *tree) growHead(h threadctx.Handle, oldRoot, newRight *node) {
	for {
		hn := t.head.Load()
		if hn.node != oldRoot {
			return
		}

		oc := oldRoot.contents.Load()
		t.hzContents.Publish(h, slotAux, oc)
		if oldRoot.contents.Load() != oc {
			continue
		}
		newRootContents := resetContents(t.hzContents.GetFreeNode(h),
			[]int64{oc.keys[len(oc.keys)-1], math.MaxInt64},
			[]*node{oldRoot, newRight},
			nil,
		)
		newRoot := resetNode(t.hzNode.GetFreeNode(h), newRootContents)
		newHead := &headNode{node: newRoot, height: hn.height + 1}

		if t.head.CompareAndSwap(hn, newHead) {
			return
		}
	}
}

// dropDeadChild is the simplified good-samaritan cleanup this
// implementation performs: a single best-effort attempt, right after
// a leaf empties out, to remove it from its immediate parent. Readers
// that race this (or that encounter an empty node this pass never
// reaches) are still correct: searchPath's push-right fallback follows
// an empty node's link unconditionally.
//
// The detached node itself is not retired: the left sibling's link may
// still reference it, and readers pushing right through that link must
// keep finding the empty Contents that redirects them. The collector
// reclaims the node once the last such reference is gone.
func (t *tree) dropDeadChild(h threadctx.Handle, path []pathEntry) {
	if len(path) < 2 {
		return
	}
	leaf := path[len(path)-1]
	parent := path[len(path)-2]

	c := parent.node.contents.Load()
	t.hzContents.Publish(h, slotAux, c)
	if parent.node.contents.Load() != c {
		return
	}
	if len(c.children) <= 1 {
		return
	}
	childIdx := -1
	for i, ch := range c.children {
		if ch == leaf.node {
			childIdx = i
			break
		}
	}
	if childIdx == -1 {
		return
	}

	newKeys := removeKeyAt(c.keys, childIdx)
	newChildren := removeChildAt(c.children, childIdx)
	newContents := resetContents(t.hzContents.GetFreeNode(h), newKeys, newChildren, c.link)

	if parent.node.contents.CompareAndSwap(c, newContents) {
		t.hzContents.Retire(h, c)
	}
}
