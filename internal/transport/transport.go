// Package transport owns the single persistent connection to the chat
// backend and reports its lifecycle as typed events.
package transport

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send when the connection is not open.
var ErrNotConnected = errors.New("not connected to server")

// State is the lifecycle state of the current connection instance.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateFailed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a connection instance.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Transport maintains one connection to a fixed endpoint.
//
// Open and Close never block on the network; results are observed through
// the Sink given to the implementation.
type Transport interface {
	// Open starts a new connection instance. It is a no-op while a
	// connection is already connecting or open.
	Open()

	// Send writes one frame. It returns ErrNotConnected unless the state is
	// StateOpen; nothing is queued.
	Send(data []byte) error

	// Close ends the current connection instance.
	Close()

	// State returns the current lifecycle state.
	State() State
}

// Event is one of Opened, Closed, Failed or FrameReceived.
type Event interface {
	event()
}

// Opened is emitted once a connection instance is established.
type Opened struct{}

// Closed is emitted when a connection instance ends cleanly, either because
// Close was called or because the peer sent a close frame.
type Closed struct {
	Code   int
	Reason string
}

// Failed is emitted when a connection instance could not be established or
// dropped without a close handshake.
type Failed struct {
	Err error
}

// FrameReceived carries one inbound data frame.
type FrameReceived struct {
	Data []byte
}

func (Opened) event()        {}
func (Closed) event()        {}
func (Failed) event()        {}
func (FrameReceived) event() {}

func (e Closed) String() string {
	if e.Code == 0 {
		return "closed"
	}
	return fmt.Sprintf("closed (%d %s)", e.Code, e.Reason)
}

// Sink receives transport events. Events for one connection instance arrive
// in order and stop after that instance's Closed or Failed.
type Sink func(Event)
