// Package worker implements the per-worker scheduling loop: drain
// rings, drain the cleanup list, pull the next runnable
// sandbox from the local run queue, and dispatch it into the
// appropriate context-switch path depending on its state.
package worker

import (
	"log/slog"
	"syscall"
	"time"

	"github.com/sledgerun/sledge/internal/arch"
	"github.com/sledgerun/sledge/internal/dispatch"
	"github.com/sledgerun/sledge/internal/preempt"
	"github.com/sledgerun/sledge/internal/ring"
	"github.com/sledgerun/sledge/internal/sbx"
)

// trapResponseStatus is the client-visible status for an unrecovered
// guest trap (spec §7's Guest-trap kind).
const trapResponseStatus = 500

// Worker runs one scheduling loop. It owns a WorkerHandle (its local
// run queue and idle/preemptable bookkeeping), a preemption Signal, an
// inter-thread ring Pair, and an epoll descriptor for socket wakeups.
type Worker struct {
	Handle *dispatch.WorkerHandle
	Signal *preempt.Signal
	Rings  *ring.Pair

	epfd int

	cleanup []*dispatch.Entry // sandboxes pending resource release
	current *dispatch.Entry

	log *slog.Logger
}

// New builds a Worker and arms its quantum timer. quantum is the
// preemption timer period; Close also stops the timer.
func New(id int, handle *dispatch.WorkerHandle, quantum time.Duration, rings *ring.Pair, log *slog.Logger) (*Worker, error) {
	epfd, err := syscall.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	w := &Worker{
		Handle: handle,
		Signal: preempt.New(quantum),
		Rings:  rings,
		epfd:   epfd,
		log:    log.With("worker", id),
	}
	w.Signal.Start()
	return w, nil
}

// Close stops the quantum timer and releases the worker's epoll
// descriptor.
func (w *Worker) Close() error {
	w.Signal.Stop()
	return syscall.Close(w.epfd)
}

// RunOnce executes a single pass of the worker loop body; cmd/sledged
// calls it in a loop, and tests can drive individual iterations
// deterministically.
func (w *Worker) RunOnce() {
	w.Signal.EnterScheduler()
	defer w.Signal.ExitScheduler()

	w.drainRing()
	w.drainCleanup()

	next := w.pullNext()
	if next == nil {
		w.pollIdle()
		return
	}

	switch next.State() {
	case sbx.Initialized:
		w.fastEnter(next)
	case sbx.Preempted:
		w.slowRestore(next)
	case sbx.Runnable:
		w.fastRestore(next)
	default:
		w.log.Error("worker: sandbox in unexpected state at get_next", "state", next.State().String())
	}
}

func (w *Worker) pullNext() *dispatch.Entry {
	it := w.Handle.Queue.GetNext()
	if it == nil {
		return nil
	}
	return it.(*dispatch.Entry)
}

// drainRing applies every listener->worker control message queued since
// the last scheduler entry. The only inbound kind today is a shed
// request; it feeds the same Signal.RequestShed/ConsumeShed bookkeeping
// a caller in the same process can also drive directly without going
// through the ring.
func (w *Worker) drainRing() {
	if w.Rings == nil {
		return
	}
	w.Rings.ToWorker.Drain(func(m ring.Message) {
		if m.Kind == ring.KindShedCurrentJob {
			w.Signal.RequestShed(m.SandboxID)
		}
	})
}

func (w *Worker) drainCleanup() {
	if len(w.cleanup) == 0 {
		return
	}
	for _, e := range w.cleanup {
		e.ModuleRef.Release()
		if e.Stack != nil {
			e.Stack.Release()
		}
		w.log.Debug("worker: released sandbox resources", "sandbox", e.ID)
	}
	w.cleanup = w.cleanup[:0]
}

// fastEnter implements "prepare WASI, set current, fast-context-switch
// INTO next" for a freshly Initialized sandbox.
func (w *Worker) fastEnter(e *dispatch.Entry) {
	e.Transition(sbx.Runnable)
	e.Transition(sbx.RunningUser)
	w.current = e
	w.Handle.SetRunning(e.Priority(), true)
	reason := arch.Switch(nil, false, e.Ctx)
	w.onYield(e, reason)
}

// slowRestore resumes a Preempted sandbox mid-execution, through the
// same arch.Switch channel handshake as the other paths (no signal is
// raised).
func (w *Worker) slowRestore(e *dispatch.Entry) {
	e.Transition(sbx.Runnable)
	e.Transition(sbx.RunningUser)
	w.current = e
	w.Handle.SetRunning(e.Priority(), true)
	reason := arch.Switch(nil, false, e.Ctx)
	w.onYield(e, reason)
}

// fastRestore implements the post-block Runnable resume path (e.g.
// after sandbox_sleep's epoll wakeup).
func (w *Worker) fastRestore(e *dispatch.Entry) {
	e.Transition(sbx.RunningUser)
	w.current = e
	w.Handle.SetRunning(e.Priority(), true)
	reason := arch.Switch(nil, false, e.Ctx)
	w.onYield(e, reason)
}

// onYield handles control returning to the worker after a sandbox
// yields, sleeps, is preempted, or traps. A guest trap or a shed
// unwinds the running goroutine via panic straight through arch's
// run(), never returning to internal/server's entryFor closure, so
// this is also where the client response for those two reasons gets
// sent — entryFor only ever gets to send one on a normal return.
func (w *Worker) onYield(e *dispatch.Entry, reason arch.Reason) {
	w.current = nil
	w.Handle.SetIdle()

	switch reason {
	case arch.ReasonReturned:
		e.Transition(sbx.Returned)
		e.Exit() // Returned -> Complete
		w.cleanup = append(w.cleanup, e)
	case arch.ReasonBlocked:
		e.Transition(sbx.Asleep)
		// wakeup is driven by the epoll edge firing in pollIdle/RunOnce;
		// the caller is responsible for re-enqueueing e as Runnable.
	case arch.ReasonPreempted:
		// This is also "the worker's next scheduler entry": honor any
		// shed request queued for this sandbox's ID before deciding
		// whether to keep it parked. Shed() only marks the context; the
		// parked goroutine's own Checkpoint call notices it and aborts
		// (ReasonShed) the next time this entry is resumed.
		if w.Signal.ConsumeShed(e.ID) {
			e.Ctx.Shed()
		}
		e.Transition(sbx.Interrupted)
		e.Transition(sbx.Preempted)
		w.Handle.Queue.Enqueue(e)
	case arch.ReasonTrap:
		w.respond(e, sbx.Response{Status: trapResponseStatus})
		e.Transition(sbx.Error)
		e.Exit() // Error -> no-op, already terminal
		w.cleanup = append(w.cleanup, e)
	case arch.ReasonShed:
		w.respond(e, sbx.Response{Status: preempt.ShedResponseCode})
		e.Transition(sbx.Error)
		e.Exit() // Error -> no-op, already terminal
		w.cleanup = append(w.cleanup, e)
	}
}

// respond delivers resp on e's response channel, if the caller (or a
// test) wired one; the channel is always buffered by one slot so this
// never blocks against a reader that hasn't arrived yet.
func (w *Worker) respond(e *dispatch.Entry, resp sbx.Response) {
	if e.Response == nil {
		return
	}
	e.Response <- resp
}

// pollIdle polls epoll with a zero timeout and drains the dispatcher's
// wake Signal when the local run queue is empty — the scheduler never
// blocks.
func (w *Worker) pollIdle() {
	var events [8]syscall.EpollEvent
	_, _ = syscall.EpollWait(w.epfd, events[:], 0)

	// The dispatcher's wake Signal exists for a blocking-poll worker
	// loop; this one re-enters RunOnce continuously, so a pending
	// preemption placement is already visible on the next pullNext
	// without needing to wait on this channel. Drain it so a rapid
	// sequence of preempting dispatches can't pin its buffer full.
	select {
	case <-w.Handle.Signal:
	default:
	}
}
