// Package globalqueue implements the global request queue:
// the shared intake point every worker's dispatcher consults before
// pulling from its own local run queue. It runs in one of two modes
// selected at startup — priority mode (a min-heap) or FIFO mode (a
// Chase-Lev deque).
package globalqueue

import (
	"math"

	"github.com/sledgerun/sledge/internal/pqueue"
)

// Request is anything the global queue can order: a priority (used only
// in priority mode; ignored in FIFO mode, where order is push order).
type Request interface {
	pqueue.Handle
}

// Mode selects the backing structure, set once at construction
//.
type Mode int

const (
	ModePriority Mode = iota
	ModeFIFO
)

// Queue is the global request queue. Exactly one of heap/deque is
// active depending on Mode.
type Queue struct {
	mode  Mode
	heap  *pqueue.Heap
	deque *Deque
}

// New builds a Queue in the given mode. capacity bounds the priority
// heap (0 = unbounded) and sizes the FIFO deque's backing ring (must be
// a power of 2; rounded up if not).
func New(mode Mode, capacity int) *Queue {
	q := &Queue{mode: mode}
	switch mode {
	case ModePriority:
		q.heap = pqueue.New(capacity, nil, nil)
	case ModeFIFO:
		q.deque = NewDeque(capacity)
	default:
		panic("globalqueue: unknown mode")
	}
	return q
}

// Add inserts r, returning false if the queue is at capacity. In FIFO
// mode this is the owner-side push.
func (q *Queue) Add(r Request) bool {
	switch q.mode {
	case ModePriority:
		return q.heap.Enqueue(r)
	default:
		if q.deque.Len() >= len(q.deque.buf) {
			return false
		}
		q.deque.PushBottom(r)
		return true
	}
}

// Peek is the wait-free read of the current head priority (priority
// mode only; math.MaxInt64 when empty). FIFO mode has no notion of a
// priority head and always reports math.MaxInt64.
func (q *Queue) Peek() int64 {
	if q.mode != ModePriority {
		return math.MaxInt64
	}
	return q.heap.Peek()
}

// RemoveIfEarlier removes and returns the current head only if its
// priority is earlier (numerically less) than deadline, otherwise
// leaves the queue untouched and returns nil. Priority
// mode only; FIFO mode always returns nil (callers use GetNext or Steal).
func (q *Queue) RemoveIfEarlier(deadline int64) Request {
	if q.mode != ModePriority {
		return nil
	}
	if q.heap.Peek() >= deadline {
		return nil
	}
	top := q.heap.Top()
	if top == nil || top.Priority() >= deadline {
		return nil
	}
	if !q.heap.Delete(top) {
		return nil
	}
	return top.(Request)
}

// GetNext pulls the next request regardless of mode: heap minimum in
// priority mode, owner-side pop in FIFO mode.
func (q *Queue) GetNext() Request {
	switch q.mode {
	case ModePriority:
		if h := q.heap.Dequeue(); h != nil {
			return h.(Request)
		}
		return nil
	default:
		if r := q.deque.PopBottom(); r != nil {
			return r.(Request)
		}
		return nil
	}
}

// Steal pulls from the non-owner end; only meaningful in FIFO mode
//.
// Priority mode has no owner/thief distinction, so Steal degrades to
// GetNext.
func (q *Queue) Steal() (Request, error) {
	if q.mode != ModeFIFO {
		if h := q.GetNext(); h != nil {
			return h, nil
		}
		return nil, nil
	}
	r, err := q.deque.Steal()
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}
	return r.(Request), nil
}

// Len reports the current element count. In FIFO mode this is an
// approximation: size() in a Chase-Lev deque is inherently racy against
// concurrent steals.
func (q *Queue) Len() int {
	switch q.mode {
	case ModePriority:
		return q.heap.Length()
	default:
		return q.deque.Len()
	}
}
