package lifecycle

import (
	"fmt"
	"time"
)

// Event is the closed set of connection events fed to the Manager by the
// protocol adapter.
type Event interface {
	event()
}

// ConnectingEvent reports that the socket started dialing.
type ConnectingEvent struct{}

// OpenEvent reports an authenticated, usable connection.
type OpenEvent struct{}

// ClosedEvent reports a closed connection with the protocol close code.
type ClosedEvent struct {
	Code    int
	Message string
}

// QREvent carries a pairing QR payload.
type QREvent struct {
	Code    string
	Timeout time.Duration
}

// PairingCodeEvent carries a phone-number pairing code.
type PairingCodeEvent struct {
	Code string
}

func (ConnectingEvent) event()  {}
func (OpenEvent) event()        {}
func (ClosedEvent) event()      {}
func (QREvent) event()          {}
func (PairingCodeEvent) event() {}

type State int

const (
	Idle State = iota
	Connecting
	Open
	Backoff
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Backoff:
		return "backoff"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type CloseKind int

const (
	Transient CloseKind = iota
	LoggedOut
)

func (k CloseKind) String() string {
	if k == LoggedOut {
		return "loggedOut"
	}
	return "transient"
}

// CloseReason is the classified form of a ClosedEvent.
type CloseReason struct {
	Code    int       `json:"code"`
	Message string    `json:"message,omitempty"`
	Kind    CloseKind `json:"-"`
	At      time.Time `json:"at"`
}

// Snapshot is a consistent view of the connection state.
type Snapshot struct {
	State     State
	Attempt   int
	Delay     time.Duration
	LastClose *CloseReason
	Since     time.Time
}
