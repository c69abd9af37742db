package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/sledgerun/sledge/internal/runqueue"
)

// WorkerHandle is the dispatcher's view of one worker: its local run
// queue plus the running-sandbox bookkeeping needed to compute
// try_add_index / need_interrupt.
type WorkerHandle struct {
	ID int

	Queue *runqueue.Queue

	mu          sync.Mutex
	idle        bool
	preemptable bool  // true while the running sandbox is in Running-User
	runningPrio int64 // valid only when !idle

	// Signal lets the dispatcher wake the worker after enqueuing a
	// preempting sandbox.
	Signal chan struct{}
}

// NewWorkerHandle builds an idle WorkerHandle over the given run queue
// variant.
func NewWorkerHandle(id int, variant runqueue.Variant) *WorkerHandle {
	return &WorkerHandle{
		ID:     id,
		Queue:  runqueue.New(variant),
		idle:   true,
		Signal: make(chan struct{}, 1),
	}
}

// SetRunning records that the worker is now executing a sandbox of the
// given priority, preemptable or not.
func (w *WorkerHandle) SetRunning(priority int64, preemptable bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.idle = false
	w.preemptable = preemptable
	w.runningPrio = priority
}

// SetIdle records that the worker has nothing running.
func (w *WorkerHandle) SetIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.idle = true
}

// TryAdd implements try_add(worker, sandbox, &need_interrupt): delegates
// to the tree variant's TryAddIndex when
// the worker's queue is tree-backed, otherwise derives the same
// decision from idle/preemptable/runningPrio directly (heap and list
// variants don't expose a lookahead cost, so waitingCost degrades to
// the queue's total queuing cost).
func (w *WorkerHandle) TryAdd(candidate *Entry) (waitingCost int64, needInterrupt bool) {
	w.mu.Lock()
	idle, preemptable, runningPrio := w.idle, w.preemptable, w.runningPrio
	w.mu.Unlock()

	if w.Queue.Variant() == runqueue.VariantTree {
		return w.Queue.TryAddIndex(idle, preemptable, runningPrio, candidate)
	}
	if idle {
		return 0, false
	}
	if preemptable && runningPrio > candidate.Priority() {
		return 0, true
	}
	return w.Queue.QueuingCost(), false
}

// IdleBitmap is the atomic free-worker bitmap DARC uses, updated
// lock-free as workers flip between idle and busy.
type IdleBitmap struct {
	bits atomic.Uint64
}

// SetIdle marks worker i idle (1) or busy (0).
func (b *IdleBitmap) SetIdle(i int, idle bool) {
	for {
		old := b.bits.Load()
		var next uint64
		if idle {
			next = old | (1 << uint(i))
		} else {
			next = old &^ (1 << uint(i))
		}
		if b.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// IsIdle reports whether worker i is currently marked idle.
func (b *IdleBitmap) IsIdle(i int) bool {
	return b.bits.Load()&(1<<uint(i)) != 0
}

// FirstIdle returns the index of the lowest-numbered idle worker among
// [0, n), or -1 if none.
func (b *IdleBitmap) FirstIdle(n int) int {
	bits := b.bits.Load()
	for i := 0; i < n; i++ {
		if bits&(1<<uint(i)) != 0 {
			return i
		}
	}
	return -1
}
