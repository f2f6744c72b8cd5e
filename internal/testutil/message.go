// Package testutil holds fixtures shared by package tests and the scenario
// harness.
package testutil

// Message is the pingpong payload used by tests and scenarios. Extra
// carries the handshake marker.
type Message struct {
	Counter int    `json:"counter" cbor:"counter" yaml:"counter"`
	Extra   string `json:"extra" cbor:"extra" yaml:"extra"`
}

// HandshakeMarker returns Extra.
func (m Message) HandshakeMarker() string {
	return m.Extra
}

// Start returns the handshake message.
func Start() Message {
	return Message{Extra: "START"}
}
