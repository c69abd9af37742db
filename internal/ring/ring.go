// Package ring implements the bounded single-producer/single-consumer
// rings carrying small control messages between a listener and its
// workers. Each (listener, worker) pair gets two: one
// listener→worker, one worker→listener.
//
// No corpus repo implements an SPSC ring directly; this generalizes the
// teacher's atomic head/tail ring-buffer idiom
// (kernel/threads/foundation/message_queue.go) from raw SAB byte
// offsets to a typed Go slice, since there is no shared-array-buffer
// boundary to cross in-process.
package ring

import "sync/atomic"

// Kind enumerates the ring's message set.
type Kind uint8

const (
	KindWorkerPulledSandbox Kind = iota // worker pulled a new sandbox
	KindWorkerReducedDemand             // worker reduced its demand by X cycles
	KindWorkerFinishedSandbox           // worker finished sandbox
	KindWorkerOvershotEstimate          // worker overshot its estimate
	KindShedCurrentJob                  // listener requests current-job shedding
)

// Message is one ring slot. Cycles carries the demand delta for
// KindWorkerReducedDemand and the overshoot amount for
// KindWorkerOvershotEstimate; SandboxID names the affected sandbox
// where applicable.
type Message struct {
	Kind      Kind
	SandboxID string
	Cycles    int64
}

// Ring is a lock-free SPSC ring of fixed power-of-2 capacity. Exactly
// one goroutine may call Push; exactly one (a different one) may call
// Pop. Concurrent calls from more than one pusher or more than one
// popper are not safe — this mirrors the hardware SPSC ring the
// original design targets, not a general MPMC queue.
type Ring struct {
	buf  []Message
	mask uint64

	head atomic.Uint64 // next slot to pop (consumer-owned)
	tail atomic.Uint64 // next slot to push (producer-owned)
}

// New builds a Ring whose capacity is the next power of 2 ≥ capacity
// (minimum 8).
func New(capacity int) *Ring {
	size := 8
	for size < capacity {
		size <<= 1
	}
	return &Ring{
		buf:  make([]Message, size),
		mask: uint64(size - 1),
	}
}

// Push enqueues msg, returning false if the ring is full. These
// rings carry best-effort control traffic; a full ring means the
// consumer is behind and the producer must decide whether to drop or
// spin, which is a policy decision left to the caller).
func (r *Ring) Push(msg Message) bool {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail-head >= uint64(len(r.buf)) {
		return false
	}
	r.buf[tail&r.mask] = msg
	r.tail.Store(tail + 1)
	return true
}

// Pop dequeues the oldest message, returning (Message{}, false) if
// empty.
func (r *Ring) Pop() (Message, bool) {
	head := r.head.Load()
	tail := r.tail.Load()
	if head == tail {
		return Message{}, false
	}
	msg := r.buf[head&r.mask]
	r.head.Store(head + 1)
	return msg, true
}

// Drain pops every currently-available message and invokes fn on each,
// matching the worker loop's "drain listener→worker ring" step
//.
func (r *Ring) Drain(fn func(Message)) {
	for {
		msg, ok := r.Pop()
		if !ok {
			return
		}
		fn(msg)
	}
}

// Len reports the approximate number of queued messages.
func (r *Ring) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Pair bundles the two rings for one (listener, worker) relationship
//.
type Pair struct {
	ToWorker   *Ring // listener -> worker
	ToListener *Ring // worker -> listener
}

// NewPair builds a Pair with both rings at the given capacity.
func NewPair(capacity int) *Pair {
	return &Pair{
		ToWorker:   New(capacity),
		ToListener: New(capacity),
	}
}
