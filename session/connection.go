package session

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// State observer connection lifecycle state
type State int32

const (
	// StatePending connection accepted, handshake not yet authorized
	StatePending State = iota
	// StateAuthorized handshake authorized, not yet registered
	StateAuthorized
	// StateLive registered and receiving relayed payloads
	StateLive
	// StateClosed terminal state
	StateClosed
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAuthorized:
		return "authorized"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

var (
	// ErrConnectionClosed the observer connection is closed
	ErrConnectionClosed = errors.New("observer connection closed")
	// ErrDeliveryMiss the observer did not accept the payload
	ErrDeliveryMiss = errors.New("observer did not accept payload")
	// ErrMissingDeviceID no device ID given
	ErrMissingDeviceID = errors.New("device ID is required")
	// ErrInvalidTransition the requested lifecycle change is not allowed from the
	// current state
	ErrInvalidTransition = errors.New("invalid observer state transition")
)

// Connection one observer connection bound to a single device
type Connection interface {
	// ID returns the connection ID, unique within the process
	ID() string
	// DeviceID returns the device the connection observes
	DeviceID() string
	// Send hand a payload to the connection without blocking. Returns ErrDeliveryMiss
	// when the connection can not take the payload now, and ErrConnectionClosed once
	// the connection is closed.
	Send(payload []byte) error
	// IsOpen whether the connection is live
	IsOpen() bool
	// Activate move the connection from authorized to live
	Activate() error
	// Close close the connection. Idempotent.
	Close() error
}

// Lifecycle tracks the observer connection state machine
//
//	pending -> authorized -> live -> closed
//
// Any state may move to closed. Safe for concurrent use.
type Lifecycle struct {
	state atomic.Int32
}

// State returns the current state
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

func (l *Lifecycle) transition(from, to State) error {
	if l.state.CompareAndSwap(int32(from), int32(to)) {
		return nil
	}
	current := l.State()
	if current == StateClosed {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %s -> %s while %s", ErrInvalidTransition, from, to, current)
}

// Authorize move from pending to authorized
func (l *Lifecycle) Authorize() error {
	return l.transition(StatePending, StateAuthorized)
}

// Activate move from authorized to live
func (l *Lifecycle) Activate() error {
	return l.transition(StateAuthorized, StateLive)
}

// MarkClosed move to closed. Returns true only for the call which performed the change.
func (l *Lifecycle) MarkClosed() bool {
	return State(l.state.Swap(int32(StateClosed))) != StateClosed
}

// IsOpen whether the connection is live
func (l *Lifecycle) IsOpen() bool {
	return l.State() == StateLive
}
