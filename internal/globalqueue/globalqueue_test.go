package globalqueue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type req struct {
	prio int64
}

func (r *req) Priority() int64 { return r.prio }

func TestPriorityModePeekAndRemoveIfEarlier(t *testing.T) {
	q := New(ModePriority, 0)
	q.Add(&req{prio: 100})
	q.Add(&req{prio: 50})

	assert.Equal(t, int64(50), q.Peek())

	// deadline not earlier than head: no removal
	assert.Nil(t, q.RemoveIfEarlier(50), "expected no removal at equal deadline")

	// deadline earlier than head: removes it
	r := q.RemoveIfEarlier(51)
	require.NotNil(t, r)
	assert.Equal(t, int64(50), r.Priority())
	assert.Equal(t, int64(100), q.Peek(), "expected peek 100 after removal")
}

func TestFIFOModePushPopOrder(t *testing.T) {
	q := New(ModeFIFO, 8)
	q.Add(&req{prio: 1})
	q.Add(&req{prio: 2})
	q.Add(&req{prio: 3})

	// owner pop is LIFO from the bottom end, matching Chase-Lev's
	// design: the owner treats its end as a stack, thieves treat the
	// top as a FIFO queue.
	assert.Equal(t, int64(3), q.GetNext().Priority(), "expected owner pop to return most recently pushed")
	assert.Equal(t, int64(2), q.GetNext().Priority())
}

func TestDequeStealFromOppositeEnd(t *testing.T) {
	d := NewDeque(8)
	d.PushBottom(&req{prio: 1})
	d.PushBottom(&req{prio: 2})
	d.PushBottom(&req{prio: 3})

	stolen, err := d.Steal()
	require.NoError(t, err)
	require.NotNil(t, stolen)
	assert.Equal(t, int64(1), stolen.(*req).prio, "expected to steal the oldest element")
}

func TestDequeStealEmptyReturnsNilNoError(t *testing.T) {
	d := NewDeque(8)
	stolen, err := d.Steal()
	require.NoError(t, err)
	assert.Nil(t, stolen)
}

func TestDequeConcurrentOwnerAndThieves(t *testing.T) {
	d := NewDeque(1024)
	const n = 500
	for i := 0; i < n; i++ {
		d.PushBottom(&req{prio: int64(i)})
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int64]bool)
	record := func(r Request) {
		mu.Lock()
		seen[r.Priority()] = true
		mu.Unlock()
	}

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				r, err := d.Steal()
				if err == ErrStealContention {
					continue
				}
				if r == nil {
					return
				}
				record(r)
			}
		}()
	}
	for {
		r := d.PopBottom()
		if r == nil {
			break
		}
		record(r)
	}
	wg.Wait()

	assert.Len(t, seen, n, "expected to see all elements exactly once")
}
