package pqueue

import "sync"

// CostHandle is a Handle that also reports an execution cost, used by the
// ordered tree's look-ahead query.
type CostHandle interface {
	Handle
	Cost() int64
}

// Tree is an augmented binary search tree keyed by priority, answering
// "sum of costs of all elements strictly lower priority than k" in
// O(log n) expected time — the look-ahead the cost-aware (DARC/Shinjuku)
// dispatcher uses. No corpus repo implements an augmented
// BST; this is new code justified in DESIGN.md as having no library
// substitute (it needs a custom augmentation container/heap cannot
// provide).
type Tree struct {
	mu   sync.Mutex
	root *treeNode
	size int
}

type treeNode struct {
	h              CostHandle
	left, right    *treeNode
	subtreeCostSum int64 // cost of this node + both subtrees
	subtreeCount   int
}

// NewTree builds an empty ordered tree.
func NewTree() *Tree { return &Tree{} }

// Insert adds h, keyed by its Priority().
func (t *Tree) Insert(h CostHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = insertNode(t.root, h)
	t.size++
}

func insertNode(n *treeNode, h CostHandle) *treeNode {
	if n == nil {
		return &treeNode{h: h, subtreeCostSum: h.Cost(), subtreeCount: 1}
	}
	if h.Priority() < n.h.Priority() {
		n.left = insertNode(n.left, h)
	} else {
		n.right = insertNode(n.right, h)
	}
	recompute(n)
	return n
}

func recompute(n *treeNode) {
	sum := n.h.Cost()
	count := 1
	if n.left != nil {
		sum += n.left.subtreeCostSum
		count += n.left.subtreeCount
	}
	if n.right != nil {
		sum += n.right.subtreeCostSum
		count += n.right.subtreeCount
	}
	n.subtreeCostSum = sum
	n.subtreeCount = count
}

// Remove deletes the first handle equal to h (by pointer identity via
// priority + a linear tie-break scan at that priority).
func (t *Tree) Remove(h CostHandle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed bool
	t.root, removed = removeNode(t.root, h)
	if removed {
		t.size--
	}
	return removed
}

func removeNode(n *treeNode, h CostHandle) (*treeNode, bool) {
	if n == nil {
		return nil, false
	}
	switch {
	case h.Priority() < n.h.Priority():
		var ok bool
		n.left, ok = removeNode(n.left, h)
		if ok {
			recompute(n)
		}
		return n, ok
	case h.Priority() > n.h.Priority():
		var ok bool
		n.right, ok = removeNode(n.right, h)
		if ok {
			recompute(n)
		}
		return n, ok
	default:
		if n.h != h {
			// same priority, different handle: search both subtrees
			if left, ok := removeNode(n.left, h); ok {
				n.left = left
				recompute(n)
				return n, true
			}
			if right, ok := removeNode(n.right, h); ok {
				n.right = right
				recompute(n)
				return n, true
			}
			return n, false
		}
		if n.left == nil {
			return n.right, true
		}
		if n.right == nil {
			return n.left, true
		}
		successor := n.right
		for successor.left != nil {
			successor = successor.left
		}
		n.h = successor.h
		n.right, _ = removeNode(n.right, successor.h)
		recompute(n)
		return n, true
	}
}

// Len returns the number of stored elements.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Min returns the lowest-priority handle, or nil if empty.
func (t *Tree) Min() CostHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.root
	if n == nil {
		return nil
	}
	for n.left != nil {
		n = n.left
	}
	return n.h
}

// CostBelow returns the sum of costs of all elements with priority
// strictly lower than k. Lower priority
// values sort earlier/first, matching the deadline convention throughout
// this spec.
func (t *Tree) CostBelow(k int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return costBelow(t.root, k)
}

func costBelow(n *treeNode, k int64) int64 {
	if n == nil {
		return 0
	}
	if n.h.Priority() < k {
		left := int64(0)
		if n.left != nil {
			left = n.left.subtreeCostSum
		}
		return left + n.h.Cost() + costBelow(n.right, k)
	}
	return costBelow(n.left, k)
}
