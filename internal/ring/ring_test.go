package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPopOrder(t *testing.T) {
	r := New(4)
	r.Push(Message{Kind: KindWorkerPulledSandbox, SandboxID: "a"})
	r.Push(Message{Kind: KindWorkerFinishedSandbox, SandboxID: "b"})

	m, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", m.SandboxID)

	m, ok = r.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", m.SandboxID)

	_, ok = r.Pop()
	assert.False(t, ok, "expected empty ring")
}

func TestPushFailsWhenFull(t *testing.T) {
	r := New(2) // rounds up to 8
	for i := 0; i < 8; i++ {
		require.True(t, r.Push(Message{Kind: KindWorkerOvershotEstimate, Cycles: int64(i)}), "push %d should have succeeded", i)
	}
	assert.False(t, r.Push(Message{Kind: KindShedCurrentJob}), "expected push to fail once full")
}

func TestDrainInvokesInOrder(t *testing.T) {
	r := New(8)
	r.Push(Message{Cycles: 1})
	r.Push(Message{Cycles: 2})
	r.Push(Message{Cycles: 3})

	var got []int64
	r.Drain(func(m Message) { got = append(got, m.Cycles) })
	assert.Equal(t, []int64{1, 2, 3}, got)
	assert.Equal(t, 0, r.Len(), "expected ring drained")
}

func TestNewPairIndependentRings(t *testing.T) {
	p := NewPair(4)
	p.ToWorker.Push(Message{Kind: KindShedCurrentJob})
	assert.Equal(t, 0, p.ToListener.Len(), "pushing to ToWorker must not affect ToListener")
	assert.Equal(t, 1, p.ToWorker.Len(), "expected ToWorker to hold one message")
}
