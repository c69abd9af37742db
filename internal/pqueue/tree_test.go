package pqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTreeCostBelowLookahead(t *testing.T) {
	tr := NewTree()
	tr.Insert(&item{prio: 10, cost: 100})
	tr.Insert(&item{prio: 20, cost: 200})
	tr.Insert(&item{prio: 30, cost: 300})

	// strictly below 25 -> priorities 10 and 20 -> cost 100+200
	assert.Equal(t, int64(300), tr.CostBelow(25))
	// strictly below 10 -> nothing
	assert.Equal(t, int64(0), tr.CostBelow(10))
	// strictly below everything
	assert.Equal(t, int64(600), tr.CostBelow(1000))
}

func TestTreeMinAndRemove(t *testing.T) {
	tr := NewTree()
	a := &item{prio: 5, cost: 1}
	b := &item{prio: 1, cost: 1}
	c := &item{prio: 9, cost: 1}
	tr.Insert(a)
	tr.Insert(b)
	tr.Insert(c)

	assert.Equal(t, CostHandle(b), tr.Min())
	assert.True(t, tr.Remove(b), "expected removal to succeed")
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, CostHandle(a), tr.Min(), "expected new min to be a")
}

func TestTreeCostBelowAfterRemoval(t *testing.T) {
	tr := NewTree()
	tr.Insert(&item{prio: 10, cost: 100})
	x := &item{prio: 20, cost: 200}
	tr.Insert(x)
	tr.Remove(x)
	assert.Equal(t, int64(100), tr.CostBelow(1000), "expected 100 after removal")
}
