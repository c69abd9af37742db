package sbx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sledgerun/sledge/internal/wasmmem"
)

type noopModule struct{ released bool }

func (m *noopModule) Release() { m.released = true }

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	s, err := New("t1", "/r", &noopModule{})
	require.NoError(t, err)
	return s
}

func TestNewStartsAllocated(t *testing.T) {
	s := newTestSandbox(t)
	assert.Equal(t, Allocated, s.State())
	assert.NotEmpty(t, s.ID)
}

func TestNewAllocatesStack(t *testing.T) {
	s := newTestSandbox(t)
	require.NotNil(t, s.Stack)
	defer s.Stack.Release()
	assert.EqualValues(t, defaultStackCapacity, s.Stack.Capacity())
	assert.Nil(t, s.Memory, "memory is sized later, from the instantiated module")
}

func TestIllegalTransitionPanics(t *testing.T) {
	s := newTestSandbox(t)
	defer func() {
		assert.NotNil(t, recover(), "expected panic on illegal transition")
	}()
	s.Transition(Complete) // Allocated -> Complete is not legal
}

func TestDurationAccumulatesToCompletion(t *testing.T) {
	s := newTestSandbox(t)
	s.Transition(Initialized)
	time.Sleep(2 * time.Millisecond)
	s.Transition(Runnable)
	time.Sleep(2 * time.Millisecond)
	s.Transition(RunningUser)
	time.Sleep(2 * time.Millisecond)
	s.Transition(Returned)
	s.Exit() // Returned -> Complete

	var total time.Duration
	for st := State(0); st < numStates; st++ {
		total += s.Duration(st)
	}
	elapsed := s.CompletedAt.Sub(s.AllocatedAt)
	// durations must sum to elapsed time within one state-change granularity
	diff := total - elapsed
	assert.GreaterOrEqual(t, diff, -time.Millisecond)
	assert.LessOrEqual(t, diff, time.Millisecond)
}

func TestExitFromWrongStatePanics(t *testing.T) {
	s := newTestSandbox(t)
	defer func() {
		assert.NotNil(t, recover(), "expected panic")
	}()
	s.Exit() // Allocated is not Returned/Asleep/Error
}

func TestHooksFireOnTransition(t *testing.T) {
	s := newTestSandbox(t)
	var fromSeen, toSeen State = -1, -1
	s.OnFrom(Initialized, func(sb *Sandbox, from, to State) { fromSeen = from })
	s.OnTo(Runnable, func(sb *Sandbox, from, to State) { toSeen = to })

	s.Transition(Initialized)
	s.Transition(Runnable)

	assert.Equal(t, Initialized, fromSeen)
	assert.Equal(t, Runnable, toSeen)
}

func TestHistoryBounded(t *testing.T) {
	s := newTestSandbox(t)
	// Drive more transitions than historyDepth via the Runnable<->sleep loop.
	s.Transition(Initialized)
	s.Transition(Runnable)
	for i := 0; i < historyDepth+5; i++ {
		s.Transition(RunningUser)
		s.Transition(Asleep)
		s.Transition(Runnable)
	}
	assert.Len(t, s.History(), historyDepth)
}

func TestReturnedWithMemoryAllowsLaterRelease(t *testing.T) {
	s := newTestSandbox(t)
	defer s.Stack.Release()

	mem, err := wasmmem.Allocate(wasmmem.PageSize, 4*wasmmem.PageSize)
	require.NoError(t, err)
	s.Memory = mem

	s.Transition(Initialized)
	s.Transition(Runnable)
	s.Transition(RunningUser)
	s.Transition(Returned)

	// Release is idempotent, so this call must not panic whether or not
	// the Returned transition already released Memory; it does not show
	// which of the two happened, and the stack is not checked here.
	assert.NotPanics(t, func() { s.Memory.Release() })
}
