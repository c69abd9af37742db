// Package preempt implements the per-worker preemption signal: a
// periodic quantum timer that asks the worker's scheduler to
// reconsider what it's running, plus the re-entrancy guard and the
// listener-initiated "shed current job" cancellation.
//
// Go cannot portably capture or restore an arbitrary machine context
// from a library — not even via os/signal, which only delivers signals
// between goroutine scheduling points and never interrupts a running
// goroutine mid-instruction the way a POSIX SIGALRM handler does.
// This package substitutes a cooperative scheme: the "interrupt"
// becomes a request a sandbox honors at its
// next checkpoint (a host-call boundary: the guest's cycle_counter
// import in internal/module), backed by a real per-worker time.Timer. The
// timer/select idiom is grounded on the supervisor units
// (kernel/threads/supervisor/units/ml_supervisor.go), which arm a
// time.Timer against a deadline and select on it alongside a result
// channel.
package preempt

import (
	"sync"
	"sync/atomic"
	"time"
)

// ShedResponseCode is the client-visible response code a shed job is marked
// with when a listener forces the victim to Error with response code
// 4091.
const ShedResponseCode = 4091

// Signal drives one worker's quantum timer and re-entrancy bookkeeping.
// One Signal is owned by exactly one worker goroutine.
type Signal struct {
	quantum time.Duration
	timer   *time.Timer

	// inScheduler and deferred implement the re-entrancy rule: if the
	// worker is currently in the scheduler (flag
	// set), mark deferred = true and return."
	inScheduler atomic.Bool
	deferred    atomic.Int32

	mu      sync.Mutex
	shedded map[string]bool // sandbox IDs pending MESSAGE_CTW_SHED_CURRENT_JOB
}

// New builds a Signal that fires every quantum once Start is called.
func New(quantum time.Duration) *Signal {
	return &Signal{quantum: quantum, shedded: make(map[string]bool)}
}

// Start arms the timer. Rearm is the caller's responsibility after
// each fire (see Fire).
func (s *Signal) Start() {
	s.timer = time.NewTimer(s.quantum)
}

// Stop releases the timer; safe to call more than once.
func (s *Signal) Stop() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

// C exposes the timer's fire channel for the worker loop to select on.
func (s *Signal) C() <-chan time.Time {
	return s.timer.C
}

// Rearm resets the timer for the next quantum; call after every fire.
func (s *Signal) Rearm() {
	s.timer.Reset(s.quantum)
}

// EnterScheduler marks the worker as currently inside its scheduler
// loop, where a preemption signal must be deferred rather than acted
// on immediately (re-entrancy rule (1)).
func (s *Signal) EnterScheduler() {
	s.inScheduler.Store(true)
}

// ExitScheduler clears the in-scheduler flag. If a quantum fired while
// the flag was set, it returns true so the caller re-checks the
// scheduler immediately instead of waiting for the next timer fire.
func (s *Signal) ExitScheduler() (hadDeferred bool) {
	s.inScheduler.Store(false)
	return s.deferred.Swap(0) > 0
}

// Fire is called from the worker's select-on-timer branch. It reports
// whether the scheduler should act now (false means it was deferred
// because the worker was already inside its scheduler).
func (s *Signal) Fire() (act bool) {
	if s.inScheduler.Load() {
		s.deferred.Add(1)
		return false
	}
	return true
}

// RequestShed implements the listener side of "listener sends
// MESSAGE_CTW_SHED_CURRENT_JOB": marks sandboxID so the
// worker forces it to Error(4091) on its next scheduler entry.
func (s *Signal) RequestShed(sandboxID string) {
	s.mu.Lock()
	s.shedded[sandboxID] = true
	s.mu.Unlock()
}

// ConsumeShed reports and clears whether sandboxID was marked for
// shedding; the worker calls this on every scheduler entry.
func (s *Signal) ConsumeShed(sandboxID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shedded[sandboxID] {
		delete(s.shedded, sandboxID)
		return true
	}
	return false
}
