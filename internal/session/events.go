package session

import "github.com/roach88/duplex/internal/overlay"

// SessionInitialized is emitted once the overlay identity exists.
type SessionInitialized struct {
	Address overlay.Address
}

// AwaitingPeer is emitted for every send request handed to the overlay,
// before its outcome is known.
//
// It is sent from a system, so it becomes readable on the tick after the
// request was processed. A fast send completes in that same tick: its
// MessageSent and ConnectedPeer come from a drained closure and are
// readable alongside AwaitingPeer. Hosts that display status should use
// PeerSession.Status or read AwaitingPeer before ConnectedPeer within a
// tick, not treat it as newer than ConnectedPeer.
type AwaitingPeer struct{}

// ConnectedPeer is emitted when the status moves to ConnectedPeer.
type ConnectedPeer struct {
	Peer overlay.Address
}

// MessageSent is emitted when the overlay accepted a send request.
type MessageSent struct {
	ID          CorrelationID
	Destination overlay.Address
}

// MessageReceived is emitted for every decoded inbound payload,
// handshakes included.
type MessageReceived[T any] struct {
	Payload T
	Sender  overlay.Address
}

// SendMessage is a request to deliver Payload to Destination.
// Create it with Plugin.Send so ID is assigned.
type SendMessage[T any] struct {
	ID          CorrelationID
	Payload     T
	Destination overlay.Address
}
