package p2p

import (
	"errors"
	"fmt"
)

// ConnState is the lifecycle position of one connection attempt
type ConnState int

const (
	StateDialing ConnState = iota
	StateNegotiating
	StateMultiplexing
	StateEstablished
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateNegotiating:
		return "negotiating"
	case StateMultiplexing:
		return "multiplexing"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// ErrInvalidTransition is returned for a transition the lifecycle forbids
var ErrInvalidTransition = errors.New("invalid connection state transition")

// Every state may move to Closed; otherwise only one step forward.
var transitions = map[ConnState]ConnState{
	StateDialing:      StateNegotiating,
	StateNegotiating:  StateMultiplexing,
	StateMultiplexing: StateEstablished,
}

// connFSM tracks a single attempt. Closed is terminal.
type connFSM struct {
	state ConnState
}

func newFSM(initial ConnState) *connFSM {
	return &connFSM{state: initial}
}

func (f *connFSM) State() ConnState {
	return f.state
}

// Transition moves to the next state or fails without changing anything
func (f *connFSM) Transition(to ConnState) error {
	if f.state == StateClosed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.state, to)
	}
	if to == StateClosed || transitions[f.state] == to {
		f.state = to
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.state, to)
}

// Direction records which side initiated a connection
type Direction int

const (
	DirOutbound Direction = iota
	DirInbound
)

func (d Direction) String() string {
	if d == DirInbound {
		return "inbound"
	}
	return "outbound"
}
