package arch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFastStartAndReturn(t *testing.T) {
	c := New(func(y Yielder) {
		// returns immediately: a sandbox with no checkpoints
	})
	c.Init()
	reason := Switch(nil, false, c)
	assert.Equal(t, ReasonReturned, reason)
}

func TestCheckpointPreemptAndResume(t *testing.T) {
	progressed := false
	c := New(func(y Yielder) {
		if !y.Checkpoint() {
			return
		}
		progressed = true
	})
	c.Init()

	reason := Switch(nil, false, c)
	assert.Equal(t, ReasonPreempted, reason, "expected ReasonPreempted at first checkpoint")
	assert.False(t, progressed, "body progressed past checkpoint before resume")

	reason = Switch(nil, true, c)
	assert.Equal(t, ReasonReturned, reason, "expected ReasonReturned after resume")
	assert.True(t, progressed, "body did not progress after resume")
}

func TestShedAbandonsAtCheckpoint(t *testing.T) {
	ran := false
	c := New(func(y Yielder) {
		if !y.Checkpoint() {
			return
		}
		ran = true
	})
	c.Init()

	Switch(nil, false, c) // parks at first checkpoint
	c.Shed()
	reason := Switch(nil, true, c)
	assert.Equal(t, ReasonReturned, reason)
	assert.False(t, ran, "shed context should not have progressed past checkpoint")
}

func TestSleepReportsBlocked(t *testing.T) {
	done := false
	c := New(func(y Yielder) {
		y.Sleep()
		done = true
	})
	c.Init()

	reason := Switch(nil, false, c)
	assert.Equal(t, ReasonBlocked, reason)

	reason = Switch(nil, false, c)
	assert.Equal(t, ReasonReturned, reason)
	assert.True(t, done, "body did not resume after sleep")
}

func TestRaiseTrapReportsReasonTrap(t *testing.T) {
	c := New(func(y Yielder) {
		RaiseTrap(TrapOutOfBoundsLinearMemory)
	})
	c.Init()
	reason := Switch(nil, false, c)
	assert.Equal(t, ReasonTrap, reason)
}

func TestInitTwicePanics(t *testing.T) {
	c := New(func(y Yielder) {})
	c.Init()
	defer func() {
		assert.NotNil(t, recover(), "expected panic on second Init")
	}()
	c.Init()
}
