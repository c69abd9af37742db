package sbx

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/sledgerun/sledge/internal/wasmmem"
)

// defaultStackCapacity sizes every sandbox's guard-paged execution stack.
// Unlike linear memory it is fixed at allocation time and never grown, so
// one conservative size covers every module's call depth.
const defaultStackCapacity = 2 << 20 // 2 MiB

// historyDepth bounds the transition ring.
const historyDepth = 32

// Transition is one recorded state change.
type Transition struct {
	From     State
	To       State
	At       time.Time
	Duration time.Duration // time spent in From before this transition
}

// Hook is invoked on a state transition. from-hooks see the state being
// left, to-hooks see the state being entered.
type Hook func(s *Sandbox, from, to State)

// ListNode is the intrusive list hook: a sandbox is on at most one such list
// (global queue, a local run queue, the cleanup list, or none). It is the
// first field of Sandbox so that, in spirit with the original C layout
// note, the node and its owner are laid out together; Go gives us no
// alignment guarantee to enforce here, but the ordering documents intent.
type ListNode struct {
	next, prev *Sandbox
}

// newID returns a fresh 16-byte random hex sandbox identifier, in the
// same style as the node identity (crypto/rand + hex, not a
// UUID library — see DESIGN.md).
func newID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Sandbox is the unit of scheduling.
type Sandbox struct {
	Node ListNode // intrusive hook; owning list clears it on removal

	ID      string
	Tenant  string
	Route   string
	ModuleRef ModuleRef // shared, refcounted module handle (see internal/module)

	// Memory and Stack are this sandbox's exclusively-owned guard-paged
	// regions. Stack is allocated up front, at New; Memory is sized from
	// the module's starting_pages/max_pages exports once instantiation
	// runs and is released on the Returned/Error transitions, in keeping
	// with the rule that a sandbox's linear memory does not outlive the
	// run that produced it, while its stack lives until Complete.
	Memory *wasmmem.Memory
	Stack  *wasmmem.Stack

	// Deadline/cost accounting used by every scheduling policy.
	Deadline          time.Time     // absolute deadline (wall time here; a monotonic cycle count natively)
	EstimatedCost     time.Duration // estimated execution cost
	RemainingBudget   time.Duration // remaining execution budget
	AdmissionEstimate float64       // unitless estimated_cost / deadline ratio

	ArrivedAt    time.Time
	AllocatedAt  time.Time
	DispatchedAt time.Time
	CompletedAt  time.Time

	// SelfIndex is maintained by whichever priority queue currently holds
	// this sandbox, enabling O(log n) delete-by-index.
	SelfIndex int

	// Response is an opaque client-response channel; it receives exactly
	// one send and is never closed (see internal/server's entryFor and
	// internal/worker's onYield).
	Response chan<- Response

	mu        sync.Mutex
	state     State
	openSince time.Time
	durations [numStates]time.Duration
	history   []Transition

	onFrom map[State][]Hook
	onTo   map[State][]Hook
}

// Response is the opaque payload delivered to the sandbox's client-facing
// channel on completion.
type Response struct {
	Status int
	Body   []byte
	Err    error
}

// ModuleRef is a narrow, refcounted handle to a loaded module image,
// implemented in internal/module. Declared here to avoid an import cycle;
// internal/module's *Module satisfies it.
type ModuleRef interface {
	Release()
}

// New allocates a sandbox in state Uninitialized, reserves its
// guard-paged execution stack, and immediately transitions it to
// Allocated, matching the described behavior ("Allocation reserves a
// struct..."). The returned sandbox's Memory field is nil until its
// module is instantiated and wasmmem.Allocate is called against it.
// Memory is released automatically on entering Returned/Error via hooks
// registered here; Stack outlives that and is released by the caller
// once the sandbox reaches Complete (see internal/worker's cleanup pass).
func New(tenant, route string, mod ModuleRef) (*Sandbox, error) {
	stack, err := wasmmem.AllocateStack(defaultStackCapacity)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Sandbox{
		ID:          newID(),
		Tenant:      tenant,
		Route:       route,
		ModuleRef:   mod,
		Stack:       stack,
		ArrivedAt:   now,
		AllocatedAt: now,
		state:       Uninitialized,
		openSince:   now,
		history:     make([]Transition, 0, historyDepth),
		onFrom:      make(map[State][]Hook),
		onTo:        make(map[State][]Hook),
	}
	s.transition(Allocated)

	releaseMemory := func(sb *Sandbox, from, to State) {
		if sb.Memory != nil {
			sb.Memory.Release()
		}
	}
	s.OnTo(Returned, releaseMemory)
	s.OnTo(Error, releaseMemory)

	return s, nil
}

// State returns the current state under lock.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnFrom registers a hook fired when leaving state st.
func (s *Sandbox) OnFrom(st State, h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFrom[st] = append(s.onFrom[st], h)
}

// OnTo registers a hook fired when entering state st.
func (s *Sandbox) OnTo(st State, h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTo[st] = append(s.onTo[st], h)
}

// Transition moves the sandbox from its current state to to, validating
// the edge, recording duration/history, and firing hooks. Panics on an
// illegal edge.
func (s *Sandbox) Transition(to State) {
	s.mu.Lock()
	from := s.state
	checkTransition(from, to)
	s.recordLocked(from, to)
	s.state = to
	fromHooks := append([]Hook(nil), s.onFrom[from]...)
	toHooks := append([]Hook(nil), s.onTo[to]...)
	s.mu.Unlock()

	for _, h := range fromHooks {
		h(s, from, to)
	}
	for _, h := range toHooks {
		h(s, from, to)
	}
}

// transition is the lock-free-at-call-site helper used during New, where
// no hooks are registered yet and no concurrent access is possible.
func (s *Sandbox) transition(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.state
	checkTransition(from, to)
	s.recordLocked(from, to)
	s.state = to
}

func (s *Sandbox) recordLocked(from, to State) {
	now := time.Now()
	d := now.Sub(s.openSince)
	s.durations[from] += d
	s.openSince = now

	if len(s.history) >= historyDepth {
		s.history = s.history[1:]
	}
	s.history = append(s.history, Transition{From: from, To: to, At: now, Duration: d})

	if to.Terminal() {
		s.CompletedAt = now
	}
}

// Duration returns accumulated time spent in st so far. The invariant
// (sum of durations == completion-allocation) holds
// once the sandbox reaches a terminal state.
func (s *Sandbox) Duration(st State) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durations[st]
}

// History returns a copy of the recorded transitions, oldest first.
func (s *Sandbox) History() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transition, len(s.history))
	copy(out, s.history)
	return out
}

// Priority computes the scheduling key for policy p. Lower values are
// higher priority (earlier deadline, or
// FIFO sequence number).
func (s *Sandbox) Priority(p Policy, sequence int64) int64 {
	switch p {
	case PolicyFIFO:
		return sequence
	case PolicySRSF:
		return s.Deadline.UnixNano() - int64(s.RemainingBudget)
	default: // PolicyEDF and DARC/Shinjuku use the absolute deadline
		return s.Deadline.UnixNano()
	}
}

// Cost reports the remaining execution cost in microseconds, letting a
// Sandbox satisfy runqueue.Item/pqueue.CostHandle directly for
// queuing-cost accounting.
func (s *Sandbox) Cost() int64 {
	return s.RemainingBudget.Microseconds()
}

// Policy enumerates the scheduler families
type Policy int

const (
	PolicyEDF Policy = iota
	PolicySRSF
	PolicyFIFO
	PolicyDARC
	PolicyShinjuku
)

// Exit dispatches on the sandbox's state: Returned -> Complete
// (caller pushes to cleanup list);
// Blocked (Asleep) -> no-op; Error -> no-op. Any other source state is a
// programming error.
func (s *Sandbox) Exit() {
	switch s.State() {
	case Returned:
		s.Transition(Complete)
	case Asleep, Error:
		// no-op: yield/caller already handled it
	default:
		panic("sbx: Exit called from state " + s.State().String())
	}
}
