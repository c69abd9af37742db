// Package sbx implements the sandbox entity: its lifecycle state machine,
// per-state duration accounting, and the bounded transition history ring.
package sbx

import "fmt"

// State is one of the sandbox lifecycle states.
type State int

const (
	Uninitialized State = iota
	Allocated
	Initialized
	Runnable
	RunningUser
	RunningSys
	Interrupted
	Preempted
	Asleep
	Returned
	Complete
	Error
	numStates
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Allocated:
		return "Allocated"
	case Initialized:
		return "Initialized"
	case Runnable:
		return "Runnable"
	case RunningUser:
		return "Running-User"
	case RunningSys:
		return "Running-System"
	case Interrupted:
		return "Interrupted"
	case Preempted:
		return "Preempted"
	case Asleep:
		return "Asleep"
	case Returned:
		return "Returned"
	case Complete:
		return "Complete"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is one of the two terminal states.
func (s State) Terminal() bool {
	return s == Complete || s == Error
}

// Preemptable reports whether a sandbox in s may be preempted. Only
// Running-User is preemptable; every other state is entered/left with
// preemption disabled.
func (s State) Preemptable() bool {
	return s == RunningUser
}

// legalTransitions enumerates the state machine's legal edges
// Illegal transitions panic, matching the "programming error"
// treatment of out-of-contract calls.
var legalTransitions = map[State]map[State]bool{
	Uninitialized: {Allocated: true},
	Allocated:     {Initialized: true, Error: true},
	Initialized:   {Runnable: true, Error: true},
	Runnable:      {RunningUser: true, Error: true},
	RunningUser: {
		RunningSys:  true,
		Interrupted: true,
		Asleep:      true,
		Returned:    true,
		Error:       true,
	},
	RunningSys: {
		RunningUser: true,
		Asleep:      true,
		Returned:    true,
		Error:       true,
	},
	Interrupted: {Preempted: true, Error: true},
	Preempted:   {Runnable: true, Error: true},
	Asleep:      {Runnable: true, Error: true},
	Returned:    {Complete: true},
}

// checkTransition panics if from -> to is not a legal edge of the FSM.
func checkTransition(from, to State) {
	if edges, ok := legalTransitions[from]; !ok || !edges[to] {
		panic(fmt.Sprintf("sbx: illegal state transition %s -> %s", from, to))
	}
}
