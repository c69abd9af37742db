// Package dispatch implements the listener-side dispatch policies:
// EDF-Interrupt, DARC, and Shinjuku. A Dispatcher owns a fixed set of
// WorkerHandles and, given a newly-admitted sandbox, picks a
// destination and — for EDF-Interrupt — decides whether to preempt.
package dispatch

import (
	"container/list"
	"sync"

	"github.com/sledgerun/sledge/internal/arch"
	"github.com/sledgerun/sledge/internal/globalqueue"
	"github.com/sledgerun/sledge/internal/sbx"
)

// globalQueueCapacity bounds the cross-thread backlog (C6) a request
// lands in when no worker can take it immediately. Past this, Dispatch
// reports queue-full rather than growing unbounded.
const globalQueueCapacity = 4096

// Policy selects which of the three algorithms Dispatch uses.
type Policy int

const (
	PolicyEDFInterrupt Policy = iota
	PolicyDARC
	PolicyShinjuku
)

// Dispatcher routes admitted sandboxes to workers.
type Dispatcher struct {
	policy  Policy
	workers []*WorkerHandle

	mu       sync.Mutex
	lastIdx  int // EDF-Interrupt round-robin start index

	// DARC state: request-type -> reservation group (contiguous worker
	// index range) plus the shared stealable pool and free-worker
	// bitmap. Requests that arrive with no reserved or stealable slot
	// idle land in global (C6, FIFO mode) for DrainDARC to place later.
	reservations map[string]reservationGroup
	idleBitmap   IdleBitmap
	global       *globalqueue.Queue

	// Shinjuku state: per-request-type FIFO deque, preempted entries at
	// front, new arrivals at rear.
	shinjukuDeques map[string]*list.List
}

type reservationGroup struct {
	start, end int // [start, end) worker indices reserved for this request type
}

// New builds a Dispatcher over the given workers under policy.
func New(policy Policy, workers []*WorkerHandle) *Dispatcher {
	mode := globalqueue.ModePriority
	if policy == PolicyDARC {
		mode = globalqueue.ModeFIFO
	}
	d := &Dispatcher{
		policy:         policy,
		workers:        workers,
		reservations:   make(map[string]reservationGroup),
		global:         globalqueue.New(mode, globalQueueCapacity),
		shinjukuDeques: make(map[string]*list.List),
	}
	for i := range workers {
		d.idleBitmap.SetIdle(i, true)
	}
	return d
}

// Reserve statically maps requestType to a contiguous slice of workers
// [start, end).
// DARC-only; no-op under other policies.
func (d *Dispatcher) Reserve(requestType string, start, end int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reservations[requestType] = reservationGroup{start: start, end: end}
	for i := start; i < end; i++ {
		d.idleBitmap.SetIdle(i, true)
	}
}

// Dispatch routes s, a freshly allocated sandbox, using the
// configured policy. requestType is only consulted by DARC and
// Shinjuku. ctx is the arch.Context the worker will switch into once
// this entry reaches the front of its queue. Returns:
//   - worker index >= 0: placed directly on that worker's local queue.
//   - -1: no worker could take it immediately; the entry was queued in
//     the global backlog (C6) or a policy-specific deque and will be
//     placed by a later DrainDARC / RunShinjukuPass. The caller still
//     waits on the sandbox's response channel.
//   - -2: the global backlog (C6) is at capacity; the caller rejects
//     with 429 per the Queue-full error kind.
func (d *Dispatcher) Dispatch(s *sbx.Sandbox, p sbx.Policy, sequence int64, requestType string, ctx *arch.Context) int {
	switch d.policy {
	case PolicyEDFInterrupt:
		return d.dispatchEDFInterrupt(s, p, sequence, ctx)
	case PolicyDARC:
		return d.dispatchDARC(s, requestType, ctx)
	case PolicyShinjuku:
		return d.dispatchShinjuku(s, p, sequence, requestType, ctx)
	default:
		panic("dispatch: unknown policy")
	}
}

// dispatchEDFInterrupt implements EDF-Interrupt placement: iterate
// workers round-robin from the last chosen index, accept the first
// fully idle one; otherwise among workers that could preempt, pick the
// smallest queuing cost; otherwise the smallest projected waiting
// cost.
func (d *Dispatcher) dispatchEDFInterrupt(s *sbx.Sandbox, p sbx.Policy, sequence int64, ctx *arch.Context) int {
	entry := NewEntry(s, p, sequence, ctx)
	n := len(d.workers)

	d.mu.Lock()
	start := d.lastIdx
	d.mu.Unlock()

	bestPreempt := -1
	var bestPreemptCost int64
	bestWait := -1
	var bestWaitCost int64 = -1

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		w := d.workers[idx]
		waitingCost, needInterrupt := w.TryAdd(entry)
		w.mu.Lock()
		idle := w.idle
		w.mu.Unlock()
		if idle {
			// idle: accept immediately
			d.mu.Lock()
			d.lastIdx = (idx + 1) % n
			d.mu.Unlock()
			w.Queue.Enqueue(entry)
			return idx
		}
		if needInterrupt {
			cost := w.Queue.QueuingCost()
			if bestPreempt == -1 || cost < bestPreemptCost {
				bestPreempt, bestPreemptCost = idx, cost
			}
			continue
		}
		if bestWait == -1 || waitingCost < bestWaitCost {
			bestWait, bestWaitCost = idx, waitingCost
		}
	}

	if bestPreempt != -1 {
		w := d.workers[bestPreempt]
		w.Queue.Enqueue(entry)
		select {
		case w.Signal <- struct{}{}:
		default:
		}
		return bestPreempt
	}
	if bestWait != -1 {
		d.workers[bestWait].Queue.Enqueue(entry)
		return bestWait
	}
	// Unreachable with n > 0 (bestWait always captures a non-preempting
	// worker), kept for the n == 0 defensive case and for symmetry with
	// DARC's overflow path.
	if !d.global.Add(entry) {
		return -2
	}
	return -1
}

// dispatchDARC implements DARC placement: pick an idle worker
// from requestType's reservation group, falling back to any idle
// stealable slot outside it. No preemption.
func (d *Dispatcher) dispatchDARC(s *sbx.Sandbox, requestType string, ctx *arch.Context) int {
	d.mu.Lock()
	group, ok := d.reservations[requestType]
	d.mu.Unlock()

	if ok {
		for i := group.start; i < group.end; i++ {
			if d.idleBitmap.IsIdle(i) {
				d.idleBitmap.SetIdle(i, false)
				entry := NewEntry(s, sbx.PolicyDARC, 0, ctx)
				d.workers[i].Queue.Enqueue(entry)
				return i
			}
		}
	}
	if idx := d.idleBitmap.FirstIdle(len(d.workers)); idx != -1 {
		d.idleBitmap.SetIdle(idx, false)
		entry := NewEntry(s, sbx.PolicyDARC, 0, ctx)
		d.workers[idx].Queue.Enqueue(entry)
		return idx
	}
	entry := NewEntry(s, sbx.PolicyDARC, 0, ctx)
	if !d.global.Add(entry) {
		return -2
	}
	return -1
}

// DrainDARC places as many backlog entries from the global queue (C6,
// FIFO mode under DARC) onto newly-idle workers as there are idle
// slots, each on the lowest-numbered idle worker. Backlog entries carry
// no request type, so reservation groups are not consulted here. Intended
// to be called periodically (e.g. alongside the preemption quantum),
// matching "on each iteration it drains as many ready requests as
// there are idle reserved-or-stealable workers".
func (d *Dispatcher) DrainDARC() int {
	placed := 0
	for {
		idx := d.idleBitmap.FirstIdle(len(d.workers))
		if idx == -1 {
			return placed
		}
		req := d.global.GetNext()
		if req == nil {
			return placed
		}
		entry := req.(*Entry)
		d.idleBitmap.SetIdle(idx, false)
		d.workers[idx].Queue.Enqueue(entry)
		placed++
	}
}

// dispatchShinjuku implements Shinjuku placement: push new
// arrivals to the rear of the per-type deque; the periodic pass
// (RunShinjukuPass) handles dequeue-by-age/deadline-ratio and
// preemption.
func (d *Dispatcher) dispatchShinjuku(s *sbx.Sandbox, p sbx.Policy, sequence int64, requestType string, ctx *arch.Context) int {
	d.mu.Lock()
	dq, ok := d.shinjukuDeques[requestType]
	if !ok {
		dq = list.New()
		d.shinjukuDeques[requestType] = dq
	}
	dq.PushBack(NewEntry(s, p, sequence, ctx))
	d.mu.Unlock()
	return -1 // Shinjuku placement happens in the periodic pass, not at arrival
}

// RunShinjukuPass implements the periodic Shinjuku step: for each worker, if idle, pop the ready deque whose head has
// the highest age/deadline ratio and enqueue it there; if busy and the
// running sandbox has been running >= interruptInterval, send a
// non-blocking wake on the worker's Signal channel. The busy branch
// does not move the running sandbox back to its deque and does not
// dispatch another one. now is the current monotonic time used for the
// age/deadline-ratio computation.
func (d *Dispatcher) RunShinjukuPass(now int64, runningSince map[int]int64, interruptInterval int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, w := range d.workers {
		w.mu.Lock()
		idle := w.idle
		w.mu.Unlock()

		if idle {
			if e := d.popHighestAgeDeadlineRatioLocked(now); e != nil {
				w.Queue.Enqueue(e)
				w.SetRunning(e.Priority(), true)
			}
			continue
		}
		since, tracked := runningSince[i]
		if !tracked || now-since < interruptInterval {
			continue
		}
		// signal only: internal/worker drains this channel in pollIdle and
		// does not switch on it; a sandbox that yields at a checkpoint is
		// re-enqueued on the worker's own local run queue.
		select {
		case w.Signal <- struct{}{}:
		default:
		}
	}
}

func (d *Dispatcher) popHighestAgeDeadlineRatioLocked(now int64) *Entry {
	var bestType string
	var bestRatio float64 = -1
	for t, dq := range d.shinjukuDeques {
		if dq.Len() == 0 {
			continue
		}
		front := dq.Front().Value.(*Entry)
		age := float64(now - front.ArrivedAt.UnixNano())
		deadline := float64(front.Deadline.UnixNano() - now)
		if deadline <= 0 {
			deadline = 1
		}
		ratio := age / deadline
		if ratio > bestRatio {
			bestRatio, bestType = ratio, t
		}
	}
	if bestType == "" {
		return nil
	}
	dq := d.shinjukuDeques[bestType]
	e := dq.Remove(dq.Front()).(*Entry)
	return e
}

// PreemptedBackToFront re-enqueues a preempted entry at the front of
// its Shinjuku deque, per "inserts preempted sandboxes at front".
func (d *Dispatcher) PreemptedBackToFront(requestType string, e *Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dq, ok := d.shinjukuDeques[requestType]
	if !ok {
		dq = list.New()
		d.shinjukuDeques[requestType] = dq
	}
	dq.PushFront(e)
}
