// Package overlay defines the contract between the session and the overlay
// network that carries its messages.
//
// The overlay is an external collaborator. The session only needs four
// things from it: create an identity (a Handle with a routable Address),
// send an Envelope to an Address, receive the next Envelope addressed to
// the Handle, and close the Handle. Routing, transport and cryptography are
// the network's business.
//
// Two implementations live in subpackages:
//   - mem: in-process, for tests and single-binary demos
//   - sqlitenet: cross-process, peers share a SQLite file as a mailbox
package overlay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

var (
	// ErrMalformedAddress is returned by ParseAddress for text that does not
	// decode to a public key.
	ErrMalformedAddress = errors.New("overlay: malformed address")

	// ErrUnknownPeer is returned by Send when the destination is not
	// reachable on the network.
	ErrUnknownPeer = errors.New("overlay: unknown peer")

	// ErrClosed is returned by operations on a closed handle or network.
	ErrClosed = errors.New("overlay: closed")
)

// Address identifies a peer on the overlay.
//
// Format: base58 (Bitcoin alphabet) of a 32-byte ed25519 public key.
// The zero value is the empty address, which never identifies a peer.
type Address string

// ParseAddress validates s and returns it as an Address.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrMalformedAddress)
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrMalformedAddress, s, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: %q: key is %d bytes, want %d",
			ErrMalformedAddress, s, len(raw), ed25519.PublicKeySize)
	}
	return Address(s), nil
}

// AddressFromKey encodes a public key as an Address.
func AddressFromKey(pub ed25519.PublicKey) Address {
	return Address(base58.Encode(pub))
}

// IsZero reports whether a is the empty address.
func (a Address) IsZero() bool {
	return a == ""
}

func (a Address) String() string {
	return string(a)
}

// Short returns the first 8 characters of a, for log lines.
func (a Address) Short() string {
	if len(a) <= 8 {
		return string(a)
	}
	return string(a[:8])
}

// Identity is a freshly generated peer keypair.
type Identity struct {
	Address Address
	Private ed25519.PrivateKey
}

// GenerateIdentity creates a new random identity.
func GenerateIdentity() (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate identity: %w", err)
	}
	return Identity{Address: AddressFromKey(pub), Private: priv}, nil
}

// Envelope is the unit carried by the overlay.
//
// Payload is opaque to the network; the session encodes and decodes it with
// its payload codec. Field keys are fixed integers so the CBOR encoding is
// stable across versions.
type Envelope struct {
	Sender  Address `cbor:"1,keyasint" json:"sender"`
	Payload []byte  `cbor:"2,keyasint" json:"payload"`
}

// Network creates identities on the overlay.
type Network interface {
	// CreateIdentity allocates a new routable identity and returns a handle
	// for it. It may block on network I/O and honours ctx.
	CreateIdentity(ctx context.Context) (Handle, error)
}

// Handle is a live identity on the overlay.
//
// Thread-safety: implementations must allow Send, Receive and Close to be
// called concurrently from different goroutines.
type Handle interface {
	// Address returns the routable address of this identity.
	Address() Address

	// Send delivers env to dst. A nil error means the network accepted the
	// envelope; it does not mean the peer has read it.
	Send(ctx context.Context, env Envelope, dst Address) error

	// Receive blocks until an envelope addressed to this handle arrives, ctx
	// is done, or the handle is closed.
	Receive(ctx context.Context) (Envelope, error)

	// Close releases the identity. Pending and future Receive calls return
	// ErrClosed. Close is idempotent.
	Close() error
}

// ReceiveLoop calls fn for every envelope received on h until ctx is done
// or Receive fails.
//
// Returns ctx.Err() when stopped by cancellation, otherwise the receive
// error. fn runs on the loop goroutine; it must not block for long.
func ReceiveLoop(ctx context.Context, h Handle, fn func(Envelope)) error {
	for {
		env, err := h.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(env)
	}
}
