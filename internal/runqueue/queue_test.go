package runqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeapVariantOrdersByPriority(t *testing.T) {
	q := New(VariantHeap)
	q.Enqueue(&testItem{prio: 30, cost: 3})
	q.Enqueue(&testItem{prio: 10, cost: 1})
	q.Enqueue(&testItem{prio: 20, cost: 2})

	var order []int64
	for q.Len() > 0 {
		order = append(order, q.GetNext().Priority())
	}
	assert.Equal(t, []int64{10, 20, 30}, order)
}

func TestListVariantIsFIFO(t *testing.T) {
	q := New(VariantList)
	q.Enqueue(&testItem{prio: 1, cost: 1})
	q.Enqueue(&testItem{prio: 2, cost: 1})
	q.Enqueue(&testItem{prio: 3, cost: 1})

	assert.Equal(t, int64(1), q.GetNext().Priority(), "expected FIFO order 1 first")
	assert.Equal(t, int64(2), q.GetNext().Priority(), "expected FIFO order 2 second")
}

func TestQueuingCostNeverNegative(t *testing.T) {
	q := New(VariantHeap)
	q.Enqueue(&testItem{prio: 1, cost: 100})
	assert.Equal(t, int64(100), q.QueuingCost())
	q.GetNext()
	assert.Equal(t, int64(0), q.QueuingCost())
	// draining an empty queue must never drive the counter negative
	q.GetNext()
	assert.GreaterOrEqual(t, q.QueuingCost(), int64(0), "queuing cost went negative")
}

func TestTreeVariantTryAddIndex(t *testing.T) {
	q := New(VariantTree)
	q.Enqueue(&testItem{prio: 100, cost: 50})
	q.Enqueue(&testItem{prio: 200, cost: 20})

	candidate := &testItem{prio: 150, cost: 10}
	waiting, needInterrupt := q.TryAddIndex(false, false, 0, candidate)
	assert.False(t, needInterrupt)
	assert.Equal(t, int64(50), waiting, "expected waiting cost 50 (strictly lower priority items)")

	waiting, needInterrupt = q.TryAddIndex(true, false, 0, candidate)
	assert.False(t, needInterrupt, "expected idle worker to report false")
	assert.Equal(t, int64(0), waiting)

	waiting, needInterrupt = q.TryAddIndex(false, true, 500, candidate)
	assert.True(t, needInterrupt, "expected preemptable higher-priority-number running to report interrupt")
	assert.Equal(t, int64(0), waiting)
}
