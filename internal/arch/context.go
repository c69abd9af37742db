// Package arch implements the per-sandbox context record: a variant tag
// plus fast/slow register banks, and the switch/save/restore operations
// a worker uses to move control between sandboxes.
//
// Go gives no portable way to capture or restore an arbitrary machine
// context from a library, so this package substitutes a pure-user-space
// scheme for the signal-handler dance a native implementation would use:
// it models Running-User bodies as goroutines (the same unit the Go
// runtime itself asynchronously preempts) and implements the fast and
// slow banks as channel handshakes rather than register snapshots.
package arch

import (
	"fmt"
	"sync/atomic"
)

// Variant is the context's register-bank discriminant.
type Variant int32

const (
	Unused Variant = iota
	Fast
	Slow
	Running
)

func (v Variant) String() string {
	switch v {
	case Unused:
		return "Unused"
	case Fast:
		return "Fast"
	case Slow:
		return "Slow"
	case Running:
		return "Running"
	default:
		return "?"
	}
}

// Entry is the guest body invoked on a fast start. It receives a Yielder
// it must call at any cooperative checkpoint and must return only on
// guest completion or trap.
type Entry func(y Yielder)

// Yielder lets guest-body code (or the host-call shims it invokes) check
// for and honor a pending preemption/sleep request at a checkpoint.
type Yielder interface {
	// Checkpoint yields control back to the worker (ReasonPreempted) and
	// blocks the calling goroutine until the context is switched back in.
	// It returns false if the sandbox should abandon execution (shed); a
	// context already marked shed returns false without yielding.
	Checkpoint() bool
	// Sleep parks the goroutine reporting ReasonBlocked and resumes it on
	// the next fast restore.
	Sleep()
}

// Context is one sandbox's saved/running register state.
type Context struct {
	variant atomic.Int32 // Variant, CAS-guarded so a Running context is never re-targeted

	entry Entry // fast bank: the not-yet-started body

	resume  chan struct{} // slow bank: signal the parked goroutine to continue
	yielded chan yieldMsg // slow bank: the parked goroutine reports back

	shed    atomic.Bool // set to force the checkpoint to abandon
	started atomic.Bool
}

type yieldMsg struct {
	reason Reason
}

// Reason is why control returned to the worker from a running context.
type Reason int

const (
	ReasonBlocked Reason = iota // sandbox_sleep
	ReasonPreempted
	ReasonReturned
	ReasonTrap
	ReasonShed // listener-initiated MESSAGE_CTW_SHED_CURRENT_JOB, distinct from a guest trap
)

func (r Reason) String() string {
	switch r {
	case ReasonBlocked:
		return "blocked"
	case ReasonPreempted:
		return "preempted"
	case ReasonReturned:
		return "returned"
	case ReasonTrap:
		return "trap"
	case ReasonShed:
		return "shed"
	default:
		return "?"
	}
}

// New builds an unused context around entry, to be started with a fast
// switch.
func New(entry Entry) *Context {
	c := &Context{
		entry:   entry,
		resume:  make(chan struct{}),
		yielded: make(chan yieldMsg, 1),
	}
	c.variant.Store(int32(Unused))
	return c
}

func (c *Context) Variant() Variant { return Variant(c.variant.Load()) }

// Init sets variant=Fast: the context is ready to be started cold, with
// only its entry function, no saved register bank yet.
func (c *Context) Init() {
	if !c.variant.CompareAndSwap(int32(Unused), int32(Fast)) {
		panic("arch: Init called on a non-Unused context")
	}
}

// saveFast captures the yield point, transitioning Running -> Fast: used
// when the outgoing context is at a cooperative yield (the sandbox
// called Sleep, or it fully returned and a fresh Fast start is implied
// for the next sandbox, not this one).
func (c *Context) saveFast() {
	if !c.variant.CompareAndSwap(int32(Running), int32(Fast)) {
		panic("arch: saveFast called on a non-Running context")
	}
}

// saveSlow captures "full machine state", transitioning Running -> Slow.
// In this Go-native substitute there is no mcontext to copy: the parked
// goroutine itself holds the continuation, referenced by resume/yielded.
func (c *Context) saveSlow() {
	if !c.variant.CompareAndSwap(int32(Running), int32(Slow)) {
		panic("arch: saveSlow called on a non-Running context")
	}
}

// Switch transfers control from (optionally) the caller's own context to
// to. If from is non-nil, it is saved as Slow when preempted is true
// (mid-execution, full register set) or Fast otherwise (a cooperative
// yield point). Switch blocks until to yields control back and reports
// why; a to that parked at a Checkpoint is then saved as Slow, and one
// that called Sleep as Fast, so it can be switched into again.
func Switch(from *Context, preempted bool, to *Context) Reason {
	if from != nil {
		if preempted {
			from.saveSlow()
		} else {
			from.saveFast()
		}
	}

	if !to.variant.CompareAndSwap(int32(Fast), int32(Running)) &&
		!to.variant.CompareAndSwap(int32(Slow), int32(Running)) {
		panic(fmt.Sprintf("arch: Switch target not Fast/Slow (variant=%s)", to.Variant()))
	}

	if !to.started.Swap(true) {
		go to.run()
	} else {
		to.resume <- struct{}{}
	}

	msg := <-to.yielded
	switch msg.reason {
	case ReasonPreempted:
		to.saveSlow()
	case ReasonBlocked:
		to.saveFast()
	}
	return msg.reason
}

// run is the goroutine body for a fast-started context. It is launched
// exactly once per context's lifetime. A guest trap unwinds the body
// via panic(TrapError{...}); run recovers exactly that sentinel and
// reports ReasonTrap, the Go-native analogue of a guest trap unwinding
// through a signal-based longjmp back to the worker. Any other panic is
// a real bug and is allowed to propagate and crash the process.
func (c *Context) run() {
	defer func() {
		if r := recover(); r != nil {
			switch r.(type) {
			case TrapError:
				c.yielded <- yieldMsg{reason: ReasonTrap}
				return
			case ShedError:
				c.yielded <- yieldMsg{reason: ReasonShed}
				return
			}
			panic(r)
		}
	}()
	c.entry(contextYielder{c})
	c.yielded <- yieldMsg{reason: ReasonReturned}
}

// TrapNo enumerates the fixed trap set the module ABI can raise.
type TrapNo int

const (
	TrapExit TrapNo = iota
	TrapInvalidIndex
	TrapMismatchedType
	TrapCallStackOverflow
	TrapOutOfBoundsLinearMemory
	TrapIllegalArithmetic
	TrapMismatchedGlobalType
)

// TrapError is the panic value guest-call shims raise via
// wasm_trap_raise; run's recover distinguishes it from a genuine
// runtime bug.
type TrapError struct {
	No TrapNo
}

func (e TrapError) Error() string { return "arch: guest trap" }

// RaiseTrap unwinds the calling goroutine's guest body with trapno. Only
// valid to call from within the context's own running goroutine.
func RaiseTrap(trapno TrapNo) {
	panic(TrapError{No: trapno})
}

// ShedError is panicked by a host-call shim when a Checkpoint reports a
// pending listener-initiated shed (MESSAGE_CTW_SHED_CURRENT_JOB). It is
// recognized by run() alongside TrapError but kept distinct: a trap is
// raised by guest bytecode hitting one of the fixed ABI trap causes,
// while a shed is the runtime killing an otherwise healthy sandbox from
// the outside.
type ShedError struct{}

func (ShedError) Error() string { return "arch: sandbox shed by listener request" }

type contextYielder struct{ c *Context }

// Checkpoint parks the running goroutine until the owning worker resumes
// it, honoring the slow-restore contract: the goroutine itself is the
// "full machine context" here, so parking on a channel recv is exactly
// analogous to a signal-handler return reloading mcontext.
func (y contextYielder) Checkpoint() bool {
	if y.c.shed.Load() {
		return false
	}
	y.c.yielded <- yieldMsg{reason: ReasonPreempted}
	<-y.c.resume
	return !y.c.shed.Load()
}

// Sleep reports ReasonBlocked and parks until the worker issues a fast
// restore on wakeup.
func (y contextYielder) Sleep() {
	y.c.yielded <- yieldMsg{reason: ReasonBlocked}
	<-y.c.resume
}

// Shed marks the context to abandon at its next checkpoint, used by the
// preemption signal's MESSAGE_CTW_SHED_CURRENT_JOB path.
func (c *Context) Shed() { c.shed.Store(true) }
