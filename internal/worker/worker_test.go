package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sledgerun/sledge/internal/arch"
	"github.com/sledgerun/sledge/internal/dispatch"
	"github.com/sledgerun/sledge/internal/runqueue"
	"github.com/sledgerun/sledge/internal/sbx"
)

type fakeModule struct{ released bool }

func (m *fakeModule) Release() { m.released = true }

func newTestEntry(t *testing.T, entry arch.Entry) *dispatch.Entry {
	t.Helper()
	mod := &fakeModule{}
	s, err := sbx.New("t1", "/r", mod)
	require.NoError(t, err)
	s.Transition(sbx.Initialized)
	ctx := arch.New(entry)
	ctx.Init()
	return dispatch.NewEntry(s, sbx.PolicyEDF, 0, ctx)
}

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	handle := dispatch.NewWorkerHandle(0, runqueue.VariantHeap)
	w, err := New(0, handle, time.Hour, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestFastEnterReturnsImmediately(t *testing.T) {
	w := newTestWorker(t)
	e := newTestEntry(t, func(y arch.Yielder) {})
	w.Handle.Queue.Enqueue(e)

	w.RunOnce()

	assert.Equal(t, sbx.Complete, e.State())
	assert.Len(t, w.cleanup, 1, "expected one sandbox queued for cleanup")
}

func TestFastEnterSleepsThenWorkerMarksAsleep(t *testing.T) {
	w := newTestWorker(t)
	started := make(chan struct{})
	e := newTestEntry(t, func(y arch.Yielder) {
		close(started)
		y.Sleep()
	})
	w.Handle.Queue.Enqueue(e)

	w.RunOnce()

	assert.Equal(t, sbx.Asleep, e.State())
}

func TestPreemptionRequeuesAsPreempted(t *testing.T) {
	w := newTestWorker(t)
	e := newTestEntry(t, func(y arch.Yielder) {
		if !y.Checkpoint() {
			return
		}
	})
	w.Handle.Queue.Enqueue(e)

	// The entry's body parks at its first Checkpoint, so the first
	// RunOnce pass reports ReasonPreempted and the worker re-enqueues
	// it in state Preempted rather than running it to completion.
	w.RunOnce()

	assert.Equal(t, sbx.Preempted, e.State(), "expected sandbox requeued as Preempted")
	assert.Equal(t, 1, w.Handle.Queue.Len(), "expected the preempted sandbox back on the local run queue")
}

func TestTrapTransitionsToError(t *testing.T) {
	w := newTestWorker(t)
	e := newTestEntry(t, func(y arch.Yielder) {
		arch.RaiseTrap(arch.TrapIllegalArithmetic)
	})
	w.Handle.Queue.Enqueue(e)

	w.RunOnce()

	assert.Equal(t, sbx.Error, e.State(), "expected sandbox to reach Error on trap")
	assert.Len(t, w.cleanup, 1, "expected trapped sandbox queued for cleanup")
}
