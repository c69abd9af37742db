package dispatch

import (
	"github.com/sledgerun/sledge/internal/arch"
	"github.com/sledgerun/sledge/internal/sbx"
)

// Entry adapts a *sbx.Sandbox to the zero-argument Priority()/Cost()
// shape runqueue.Item and pqueue.Handle require, and carries the
// arch.Context the worker switches into when the entry reaches the
// front of its queue. Sandbox.Priority takes a policy and sequence
// number because the same sandbox can be ranked differently under
// different policies; Entry freezes that choice at enqueue time, once
// the dispatcher has picked a destination worker and queue variant.
type Entry struct {
	*sbx.Sandbox
	Ctx      *arch.Context
	priority int64
}

// NewEntry computes and freezes the sandbox's priority key under
// policy p with the given FIFO sequence number (ignored for non-FIFO
// policies), and attaches the context the worker will switch into.
func NewEntry(s *sbx.Sandbox, p sbx.Policy, sequence int64, ctx *arch.Context) *Entry {
	return &Entry{Sandbox: s, Ctx: ctx, priority: s.Priority(p, sequence)}
}

// Priority satisfies pqueue.Handle / runqueue.Item.
func (e *Entry) Priority() int64 { return e.priority }
