package runqueue

import "container/list"

// fifoList is the round-robin FIFO variant of the local run queue, built
// on container/list rather than hand-rolling pointer plumbing the
// stdlib already provides.
type fifoList struct {
	l *list.List
}

func newFIFOList() *fifoList {
	return &fifoList{l: list.New()}
}

func (f *fifoList) pushBack(it Item) {
	f.l.PushBack(it)
}

func (f *fifoList) popFront() Item {
	e := f.l.Front()
	if e == nil {
		return nil
	}
	f.l.Remove(e)
	return e.Value.(Item)
}

func (f *fifoList) len() int {
	return f.l.Len()
}
