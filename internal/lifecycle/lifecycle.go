// Package lifecycle defines the peer-session status and its transitions.
//
// The machine is a pure function of (status, trigger); it holds no state of
// its own. The session owns the current status and applies the machine on
// the tick goroutine.
//
// Transition table:
//
//	Initializing   InitSucceeded      -> Initialized
//	Initializing   InitFailed         -> Error
//	Initialized    SendIssued         -> AwaitingPeer
//	Initialized    HandshakeReceived  -> ConnectedPeer
//	AwaitingPeer   HandshakeReceived  -> ConnectedPeer
//	AwaitingPeer   SendSucceeded      -> ConnectedPeer  (only with ConnectOnSendSuccess)
//	any but Error  ErrorOccurred      -> Error
//
// Every other pair leaves the status unchanged. Error is terminal.
package lifecycle

import "fmt"

// Status is the single process-wide connection status.
type Status int

const (
	Initializing Status = iota
	Initialized
	AwaitingPeer
	ConnectedPeer
	Error
)

// Statuses lists every status in declaration order.
var Statuses = []Status{Initializing, Initialized, AwaitingPeer, ConnectedPeer, Error}

func (s Status) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Initialized:
		return "initialized"
	case AwaitingPeer:
		return "awaiting_peer"
	case ConnectedPeer:
		return "connected_peer"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Trigger is an occurrence that may move the status.
type Trigger int

const (
	InitSucceeded Trigger = iota + 1
	InitFailed
	SendIssued
	HandshakeReceived
	SendSucceeded
	ErrorOccurred
)

// Triggers lists every trigger in declaration order.
var Triggers = []Trigger{InitSucceeded, InitFailed, SendIssued, HandshakeReceived, SendSucceeded, ErrorOccurred}

func (t Trigger) String() string {
	switch t {
	case InitSucceeded:
		return "init_succeeded"
	case InitFailed:
		return "init_failed"
	case SendIssued:
		return "send_issued"
	case HandshakeReceived:
		return "handshake_received"
	case SendSucceeded:
		return "send_succeeded"
	case ErrorOccurred:
		return "error_occurred"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// Machine evaluates transitions.
type Machine struct {
	// ConnectOnSendSuccess treats any successful send while AwaitingPeer as
	// proof that the peer is live. There is no acknowledgement protocol, so
	// this is an inference; hosts with their own ack can turn it off.
	ConnectOnSendSuccess bool
}

// Option configures a Machine.
type Option func(*Machine)

// WithConnectOnSendSuccess sets Machine.ConnectOnSendSuccess.
func WithConnectOnSendSuccess(enabled bool) Option {
	return func(m *Machine) {
		m.ConnectOnSendSuccess = enabled
	}
}

// NewMachine returns a machine with ConnectOnSendSuccess enabled unless
// overridden.
func NewMachine(opts ...Option) Machine {
	m := Machine{ConnectOnSendSuccess: true}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Next returns the status after trigger fires in from, and whether the
// status changed.
func (m Machine) Next(from Status, trigger Trigger) (Status, bool) {
	if trigger == ErrorOccurred {
		if from == Error {
			return from, false
		}
		return Error, true
	}

	switch from {
	case Initializing:
		switch trigger {
		case InitSucceeded:
			return Initialized, true
		case InitFailed:
			return Error, true
		}
	case Initialized:
		switch trigger {
		case SendIssued:
			return AwaitingPeer, true
		case HandshakeReceived:
			return ConnectedPeer, true
		}
	case AwaitingPeer:
		switch trigger {
		case HandshakeReceived:
			return ConnectedPeer, true
		case SendSucceeded:
			if m.ConnectOnSendSuccess {
				return ConnectedPeer, true
			}
		}
	}

	return from, false
}
