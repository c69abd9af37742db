// Package runqueue implements the per-worker local run queue: the
// ordered store of currently-runnable sandboxes owned by one worker, in
// three interchangeable variants (heap, ordered-tree, FIFO list), plus
// the monotonic queuing-cost counter every variant maintains.
package runqueue

import (
	"sync"
	"sync/atomic"

	"github.com/sledgerun/sledge/internal/pqueue"
)

// Item is what a local run queue orders: a priority, a remaining
// execution cost (for the queuing-cost counter), and whatever payload
// the caller attaches.
type Item interface {
	pqueue.CostHandle
}

// Variant selects which underlying structure backs the queue.
type Variant int

const (
	VariantHeap Variant = iota // EDF/SRSF
	VariantTree                // cost-aware lookahead dispatch
	VariantList                // FIFO round-robin
)

// Queue is a per-worker local run queue. Exactly one of heap/tree/list is
// active, selected by Variant at construction.
type Queue struct {
	variant Variant

	heap *pqueue.Heap
	tree *pqueue.Tree
	list *fifoList

	// queuingCost is the sum of remaining estimated costs of enqueued
	// sandboxes; invariant: never negative.
	queuingCost atomic.Int64

	mu sync.Mutex // guards list variant bookkeeping only; heap/tree lock themselves
}

// New builds a Queue of the given variant.
func New(v Variant) *Queue {
	q := &Queue{variant: v}
	switch v {
	case VariantHeap:
		q.heap = pqueue.New(0, nil, nil)
	case VariantTree:
		q.tree = pqueue.NewTree()
	case VariantList:
		q.list = newFIFOList()
	default:
		panic("runqueue: unknown variant")
	}
	return q
}

// Enqueue adds it to the queue and bumps the queuing-cost counter.
func (q *Queue) Enqueue(it Item) {
	switch q.variant {
	case VariantHeap:
		q.heap.Enqueue(it)
	case VariantTree:
		q.tree.Insert(it)
	case VariantList:
		q.mu.Lock()
		q.list.pushBack(it)
		q.mu.Unlock()
	}
	q.queuingCost.Add(it.Cost())
}

// GetNext removes and returns the item the worker should run next: the
// minimum-priority element for heap/tree variants, or the list head for
// FIFO round-robin. Returns nil if empty.
func (q *Queue) GetNext() Item {
	var it Item
	switch q.variant {
	case VariantHeap:
		if h := q.heap.Dequeue(); h != nil {
			it = h.(Item)
		}
	case VariantTree:
		if h := q.tree.Min(); h != nil {
			q.tree.Remove(h)
			it = h.(Item)
		}
	case VariantList:
		q.mu.Lock()
		it = q.list.popFront()
		q.mu.Unlock()
	}
	if it != nil {
		q.queuingCost.Add(-it.Cost())
		if q.queuingCost.Load() < 0 {
			q.queuingCost.Store(0) // clamp: invariant forbids crossing zero
		}
	}
	return it
}

// Variant reports which backing structure this queue uses.
func (q *Queue) Variant() Variant {
	return q.variant
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	switch q.variant {
	case VariantHeap:
		return q.heap.Length()
	case VariantTree:
		return q.tree.Len()
	case VariantList:
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.list.len()
	}
	return 0
}

// QueuingCost returns the current monotonic queuing-cost counter.
func (q *Queue) QueuingCost() int64 {
	return q.queuingCost.Load()
}

// TryAddIndex implements the ordered-tree variant's cost-aware dispatch
// helper: it reports whether the worker
// is idle, whether it can be preempted in sandbox's favor, or the
// waiting cost sandbox would face if queued normally. idle and
// runningPreemptable describe the worker's current execution state;
// runningPriority is the priority of whatever it is currently executing (ignored
// if the worker is idle).
func (q *Queue) TryAddIndex(idle, runningPreemptable bool, runningPriority int64, candidate Item) (waitingCost int64, needInterrupt bool) {
	if q.variant != VariantTree {
		panic("runqueue: TryAddIndex only valid for VariantTree")
	}
	if idle {
		return 0, false
	}
	if runningPreemptable && runningPriority > candidate.Priority() {
		return 0, true
	}
	return q.tree.CostBelow(candidate.Priority()), false
}
