package ttsrelay

import "slices"

// State is the lifecycle position of a device's synthesis session.
type State int

const (
	StateIdle State = iota
	StateAwaitingUpstream
	StateActive
	StateFinishing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingUpstream:
		return "AwaitingUpstreamReady"
	case StateActive:
		return "Active"
	case StateFinishing:
		return "Finishing"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

var validTransitions = map[State][]State{
	StateIdle:             {StateAwaitingUpstream, StateClosed},
	StateAwaitingUpstream: {StateAwaitingUpstream, StateActive, StateClosed},
	StateActive:           {StateAwaitingUpstream, StateFinishing, StateClosed},
	StateFinishing:        {StateAwaitingUpstream, StateClosed},
}

type stateMachine struct {
	current State
}

// CanTransition reports whether the session may move to. Failed is
// reachable from every state except itself.
func (sm *stateMachine) CanTransition(to State) bool {
	from := sm.current
	if to == StateFailed {
		return from != StateFailed
	}
	validTo, ok := validTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(validTo, to)
}

func (sm *stateMachine) Transition(to State) bool {
	if sm.CanTransition(to) {
		sm.current = to
		return true
	}
	return false
}

func (sm *stateMachine) Current() State {
	return sm.current
}

// terminal reports whether the session can no longer make progress.
func (sm *stateMachine) terminal() bool {
	return sm.current == StateClosed || sm.current == StateFailed
}
