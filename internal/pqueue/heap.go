// Package pqueue implements the fixed-capacity min-heap and augmented
// ordered tree: O(log n) insert/delete-by-index,
// O(1) peek, and the self-index/snapshot callbacks that let callers avoid
// a scan on deletion and read the head lock-free.
//
// The heap is built on container/heap, the same stdlib a similar
// DeadlineScheduler uses (kernel/threads/intelligence/scheduling/engine.go)
// — container/heap alone gives no self-index or publish-on-new-top hook,
// both of which container/heap alone does not provide.
package pqueue

import (
	"container/heap"
	"math"
	"sync"
	"sync/atomic"
)

// Handle is anything the heap can order and track an index for.
type Handle interface {
	// Priority returns the ordering key; lower sorts first.
	Priority() int64
}

// IndexChangeFunc is invoked whenever the heap moves h to a new index,
// so callers can maintain a SelfIndex field for O(log n) deletion
//.
type IndexChangeFunc func(h Handle, idx int)

// NewTopFunc is invoked whenever the current minimum changes, letting a
// global queue publish a lock-free snapshot.
type NewTopFunc func(h Handle)

// Heap is a lock-protected min-heap over Handle, keyed by Priority().
type Heap struct {
	mu       sync.Mutex
	items    heapSlice
	capacity int
	onIndex  IndexChangeFunc
	onTop    NewTopFunc

	// topSnapshot publishes the current minimum priority for a wait-free
	// Peek, or math.MaxInt64 when empty.
	topSnapshot atomic.Int64
}

// New builds a Heap with the given fixed capacity (0 = unbounded) and
// optional callbacks.
func New(capacity int, onIndex IndexChangeFunc, onTop NewTopFunc) *Heap {
	h := &Heap{capacity: capacity, onIndex: onIndex, onTop: onTop}
	h.topSnapshot.Store(math.MaxInt64)
	return h
}

type heapSlice []Handle

func (s heapSlice) Len() int            { return len(s) }
func (s heapSlice) Less(i, j int) bool  { return s[i].Priority() < s[j].Priority() }
func (s heapSlice) Swap(i, j int)       { s[i], s[j] = s[j], s[i] }
func (s *heapSlice) Push(x interface{}) { *s = append(*s, x.(Handle)) }
func (s *heapSlice) Pop() interface{} {
	old := *s
	n := len(old)
	item := old[n-1]
	*s = old[:n-1]
	return item
}

// Enqueue inserts h, returning false if the heap is at fixed capacity.
func (h *Heap) Enqueue(x Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enqueueLocked(x)
}

func (h *Heap) enqueueLocked(x Handle) bool {
	if h.capacity > 0 && len(h.items) >= h.capacity {
		return false
	}
	heap.Push(&h.items, x)
	h.fireIndexCallbacksLocked()
	h.publishTopLocked()
	return true
}

// Dequeue removes and returns the minimum-priority handle, or nil if
// empty.
func (h *Heap) Dequeue() Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dequeueLocked()
}

func (h *Heap) dequeueLocked() Handle {
	if len(h.items) == 0 {
		return nil
	}
	x := heap.Pop(&h.items).(Handle)
	h.fireIndexCallbacksLocked()
	h.publishTopLocked()
	return x
}

// Peek is a wait-free read of the published top-priority snapshot
// (math.MaxInt64 when empty), 
func (h *Heap) Peek() int64 {
	return h.topSnapshot.Load()
}

// Top view-only dequeues: returns the minimum without removing it
// without mutating the heap.
func (h *Heap) Top() Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

// Length returns the current element count.
func (h *Heap) Length() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

// DeleteByIndex removes the element currently at idx in O(log n),
// avoiding a linear scan. The caller is responsible for tracking idx
// via the IndexChangeFunc.
func (h *Heap) DeleteByIndex(idx int) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	if idx < 0 || idx >= len(h.items) {
		return nil
	}
	x := heap.Remove(&h.items, idx).(Handle)
	h.fireIndexCallbacksLocked()
	h.publishTopLocked()
	return x
}

// Delete scans for handle and removes it; prefer DeleteByIndex when the
// caller tracks SelfIndex, enabling O(log n) deletion.
func (h *Heap) Delete(x Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, v := range h.items {
		if v == x {
			heap.Remove(&h.items, i)
			h.fireIndexCallbacksLocked()
			h.publishTopLocked()
			return true
		}
	}
	return false
}

func (h *Heap) fireIndexCallbacksLocked() {
	if h.onIndex == nil {
		return
	}
	for i, v := range h.items {
		h.onIndex(v, i)
	}
}

func (h *Heap) publishTopLocked() {
	if len(h.items) == 0 {
		h.topSnapshot.Store(math.MaxInt64)
		return
	}
	top := h.items[0]
	h.topSnapshot.Store(top.Priority())
	if h.onTop != nil {
		h.onTop(top)
	}
}
