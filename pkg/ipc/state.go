package ipc

import "fmt"

// State is a connection lifecycle state.
type State int32

const (
	// StateConnecting: the transport has not been established yet.
	StateConnecting State = iota
	// StateActive: messages flow in both directions.
	StateActive
	// StateInterrupted: the transport was lost and is being re-established.
	StateInterrupted
	// StateInvalidated: the peer is gone for good. No further messages
	// arrive and sends are discarded.
	StateInvalidated
	// StateTerminated: the connection was closed locally.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateInterrupted:
		return "interrupted"
	case StateInvalidated:
		return "invalidated"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Final reports whether no further messages will be delivered.
func (s State) Final() bool {
	return s == StateInvalidated || s == StateTerminated
}

var transitions = map[State][]State{
	StateConnecting:  {StateActive, StateInvalidated, StateTerminated},
	StateActive:      {StateInterrupted, StateInvalidated, StateTerminated},
	StateInterrupted: {StateActive, StateInvalidated, StateTerminated},
	StateInvalidated: {StateTerminated},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
