// Package session drives one interview session at a time: connection
// lifecycle, audio forwarding, inbound event routing and transcript commits,
// all from a single event loop.
package session

import (
	"errors"
	"fmt"
)

// State is the connection state of the controller.
type State int

const (
	// StateDisconnected - no session; connect is allowed.
	StateDisconnected State = iota
	// StateConnecting - transport open in flight.
	StateConnecting
	// StateConnected - transport open and audio flowing.
	StateConnected
	// StateError - connect, device or transport failure. Needs an explicit
	// disconnect before the next connect.
	StateError
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateDisconnected, StateConnecting, StateConnected, StateError} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Allowed transitions:
//
//	DISCONNECTED → CONNECTING → CONNECTED → DISCONNECTED
//	                   │            │
//	                   └─→ ERROR ←──┘
//	                         │
//	                         └─→ DISCONNECTED
//
// CONNECTING → DISCONNECTED covers a disconnect issued while the open is
// still in flight.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateError, StateDisconnected},
	StateConnected:    {StateDisconnected, StateError},
	StateError:        {StateDisconnected},
}

// CanTransition reports whether s → to is a legal edge.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CanConnect returns true only from DISCONNECTED.
func (s State) CanConnect() bool {
	return s == StateDisconnected
}

// Active returns true while a session exists.
func (s State) Active() bool {
	return s != StateDisconnected
}

var (
	ErrInvalidState = errors.New("invalid session state")
	// ErrClosed is returned once the controller has been shut down.
	ErrClosed = errors.New("session controller closed")
	// ErrConnectAborted is returned to a pending Connect when the session is
	// torn down before the transport finished opening.
	ErrConnectAborted = errors.New("connect aborted by disconnect")
)
