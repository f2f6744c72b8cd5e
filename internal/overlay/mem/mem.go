// Package mem is an in-process overlay network. Useful for tests and for
// running several peers inside one binary.
//
// Every handle owns an unbounded inbox. Send copies the envelope into the
// destination inbox and returns once it is queued, so a successful Send
// means "accepted by the network", as on a real overlay.
package mem

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/duplex/internal/overlay"
)

// Network is a registry of live handles.
//
// Thread-safety: all methods are safe for concurrent use.
type Network struct {
	mu      sync.Mutex
	peers   map[overlay.Address]*Handle
	failErr error
}

// New creates an empty network.
func New() *Network {
	return &Network{peers: make(map[overlay.Address]*Handle)}
}

// FailIdentity makes every following CreateIdentity call fail with err.
// Pass nil to restore normal behaviour.
func (n *Network) FailIdentity(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failErr = err
}

// CreateIdentity implements overlay.Network.
func (n *Network) CreateIdentity(ctx context.Context) (overlay.Handle, error) {
	return n.Join(ctx)
}

// Join is CreateIdentity with the concrete handle type, for tests that play
// the remote side of a conversation.
func (n *Network) Join(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	failErr := n.failErr
	n.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}

	id, err := overlay.GenerateIdentity()
	if err != nil {
		return nil, err
	}

	h := &Handle{
		net:    n,
		addr:   id.Address,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	n.mu.Lock()
	n.peers[h.addr] = h
	n.mu.Unlock()
	return h, nil
}

// Peers returns the number of live handles.
func (n *Network) Peers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

func (n *Network) lookup(addr overlay.Address) *Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[addr]
}

func (n *Network) remove(addr overlay.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, addr)
}

// Handle is one identity on a mem Network.
type Handle struct {
	net  *Network
	addr overlay.Address

	mu     sync.Mutex
	inbox  []overlay.Envelope
	signal chan struct{} // Buffered, size 1

	done      chan struct{}
	closeOnce sync.Once
}

// Address implements overlay.Handle.
func (h *Handle) Address() overlay.Address {
	return h.addr
}

// Send implements overlay.Handle.
func (h *Handle) Send(ctx context.Context, env overlay.Envelope, dst overlay.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.isClosed() {
		return overlay.ErrClosed
	}

	peer := h.net.lookup(dst)
	if peer == nil {
		return fmt.Errorf("%w: %s", overlay.ErrUnknownPeer, dst)
	}

	// The sender may reuse its buffer after Send returns.
	env.Payload = append([]byte(nil), env.Payload...)
	if !peer.deliver(env) {
		return fmt.Errorf("%w: %s", overlay.ErrUnknownPeer, dst)
	}
	return nil
}

// Receive implements overlay.Handle.
func (h *Handle) Receive(ctx context.Context) (overlay.Envelope, error) {
	for {
		if h.isClosed() {
			return overlay.Envelope{}, overlay.ErrClosed
		}
		if env, ok := h.pop(); ok {
			return env, nil
		}

		select {
		case <-ctx.Done():
			return overlay.Envelope{}, ctx.Err()
		case <-h.done:
			return overlay.Envelope{}, overlay.ErrClosed
		case <-h.signal:
		}
	}
}

// Close implements overlay.Handle.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.net.remove(h.addr)
		close(h.done)
	})
	return nil
}

// Pending returns the number of envelopes waiting in the inbox.
func (h *Handle) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inbox)
}

func (h *Handle) deliver(env overlay.Envelope) bool {
	if h.isClosed() {
		return false
	}

	h.mu.Lock()
	h.inbox = append(h.inbox, env)
	h.mu.Unlock()

	select {
	case h.signal <- struct{}{}:
	default:
	}
	return true
}

func (h *Handle) pop() (overlay.Envelope, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.inbox) == 0 {
		return overlay.Envelope{}, false
	}
	env := h.inbox[0]
	h.inbox[0] = overlay.Envelope{}
	h.inbox = h.inbox[1:]
	return env, true
}

func (h *Handle) isClosed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
