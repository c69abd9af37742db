package pqueue

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

type item struct {
	prio  int64
	cost  int64
	index int
}

func (i *item) Priority() int64 { return i.prio }
func (i *item) Cost() int64     { return i.cost }

func TestEnqueueDequeueSingleElementRoundTrips(t *testing.T) {
	h := New(0, nil, nil)
	x := &item{prio: 10}
	assert.True(t, h.Enqueue(x))
	assert.Equal(t, Handle(x), h.Dequeue())
}

func TestPeekIsIdempotentWithoutMutation(t *testing.T) {
	h := New(0, nil, nil)
	h.Enqueue(&item{prio: 5})
	a := h.Peek()
	b := h.Peek()
	assert.Equal(t, a, b, "successive peeks diverged")
}

func TestPeekEmptyIsMaxInt64(t *testing.T) {
	h := New(0, nil, nil)
	assert.Equal(t, int64(math.MaxInt64), h.Peek())
}

func TestMinHeapOrdering(t *testing.T) {
	h := New(0, nil, nil)
	h.Enqueue(&item{prio: 30})
	h.Enqueue(&item{prio: 10})
	h.Enqueue(&item{prio: 20})

	var order []int64
	for h.Length() > 0 {
		order = append(order, h.Dequeue().Priority())
	}
	assert.Equal(t, []int64{10, 20, 30}, order)
}

func TestCapacityFullRejectsEnqueue(t *testing.T) {
	h := New(1, nil, nil)
	assert.True(t, h.Enqueue(&item{prio: 1}), "first enqueue should succeed")
	assert.False(t, h.Enqueue(&item{prio: 2}), "enqueue past capacity should fail")
}

func TestSelfIndexStaysAccurate(t *testing.T) {
	items := []*item{{prio: 5}, {prio: 1}, {prio: 9}, {prio: 3}}
	h := New(0, func(handle Handle, idx int) {
		handle.(*item).index = idx
	}, nil)
	for _, it := range items {
		h.Enqueue(it)
	}
	// invariant 3: the element at e.self_index is e.
	for _, it := range items {
		assert.Equal(t, Handle(it), h.items[it.index], "self-index does not point back to the element")
	}
}

func TestDeleteByIndexUsesTrackedIndex(t *testing.T) {
	items := []*item{{prio: 5}, {prio: 1}, {prio: 9}}
	h := New(0, func(handle Handle, idx int) {
		handle.(*item).index = idx
	}, nil)
	for _, it := range items {
		h.Enqueue(it)
	}
	target := items[2]
	removed := h.DeleteByIndex(target.index)
	assert.Equal(t, Handle(target), removed)
	assert.Equal(t, 2, h.Length())
}

func TestOnNewTopFiresOnChange(t *testing.T) {
	var lastTop Handle
	h := New(0, nil, func(handle Handle) { lastTop = handle })
	low := &item{prio: 5}
	h.Enqueue(low)
	assert.Equal(t, Handle(low), lastTop)
	lower := &item{prio: 1}
	h.Enqueue(lower)
	assert.Equal(t, Handle(lower), lastTop, "expected top to change")
}
