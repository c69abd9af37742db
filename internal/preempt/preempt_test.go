package preempt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFireDefersWhileInScheduler(t *testing.T) {
	s := New(time.Hour)
	s.EnterScheduler()
	assert.False(t, s.Fire(), "expected fire to be deferred while in scheduler")
	assert.True(t, s.ExitScheduler(), "expected ExitScheduler to report a deferred fire")
}

func TestFireActsWhenIdle(t *testing.T) {
	s := New(time.Hour)
	assert.True(t, s.Fire(), "expected fire to act immediately when not in scheduler")
	assert.False(t, s.ExitScheduler(), "expected no deferred fire recorded")
}

func TestRequestShedAndConsumeOnce(t *testing.T) {
	s := New(time.Hour)
	s.RequestShed("sbx-1")
	assert.True(t, s.ConsumeShed("sbx-1"), "expected shed request to be consumed")
	assert.False(t, s.ConsumeShed("sbx-1"), "expected second consume to find nothing")
}

func TestTimerFiresAfterQuantum(t *testing.T) {
	s := New(5 * time.Millisecond)
	s.Start()
	defer s.Stop()

	select {
	case <-s.C():
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}
