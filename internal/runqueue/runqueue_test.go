package runqueue

type testItem struct {
	prio, cost int64
}

func (t *testItem) Priority() int64 { return t.prio }
func (t *testItem) Cost() int64     { return t.cost }
