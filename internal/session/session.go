// Package session runs one peer session on an overlay network from inside a
// tick-driven app.
//
// The Plugin owns a PeerSession resource in the world. All overlay I/O
// (identity creation, sends, the receive loop) runs as bridge tasks; every
// result comes back as a closure drained on the tick goroutine, where the
// session is updated and events are emitted. Nothing else crosses the
// boundary.
//
// Flow:
//
//	startup      -> task: CreateIdentity -> closure: store handle, SessionInitialized
//	first init   -> task: receive loop   -> closure per payload: MessageReceived,
//	                                        handshake check
//	SendMessage  -> AwaitingPeer now     -> task: Send -> closure: MessageSent or
//	                                        SessionError{SendFailure}
//
// CRITICAL: background tasks capture the overlay.Handle value, never the
// PeerSession. Only the tick goroutine reads or writes the session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/duplex/internal/bridge"
	"github.com/roach88/duplex/internal/codec"
	"github.com/roach88/duplex/internal/events"
	"github.com/roach88/duplex/internal/lifecycle"
	"github.com/roach88/duplex/internal/metrics"
	"github.com/roach88/duplex/internal/overlay"
	"github.com/roach88/duplex/internal/tick"
)

// DefaultSentinel is the handshake marker announcing a new counterpart.
const DefaultSentinel = "START"

// DefaultCooperativePoll is the receive step used on a cooperative executor
// when Config.ReceivePoll is not set.
const DefaultCooperativePoll = 25 * time.Millisecond

// Marked is implemented by payloads that carry a handshake marker.
type Marked interface {
	HandshakeMarker() string
}

// PeerSession is the session state, stored as a world resource.
type PeerSession struct {
	// Handle is nil until initialization succeeds.
	Handle overlay.Handle

	// Counterpart is the connected peer, empty until one is known.
	Counterpart overlay.Address

	// Status is the lifecycle status.
	Status lifecycle.Status

	listening bool
}

// Address returns the session's own address, or "" before initialization.
func (s *PeerSession) Address() overlay.Address {
	if s.Handle == nil {
		return ""
	}
	return s.Handle.Address()
}

// Of returns the PeerSession of w. Panics if no session plugin was added.
func Of(w *tick.World) *PeerSession {
	return tick.MustGet[*PeerSession](w)
}

// Config configures a Plugin.
type Config[T any] struct {
	// Network creates the session identity. Required.
	Network overlay.Network

	// Codec encodes payloads. Defaults to JSON.
	Codec codec.Codec[T]

	// Marker extracts the handshake marker from a payload. Defaults to the
	// payload's HandshakeMarker method when T implements Marked.
	Marker func(T) string

	// Sentinel is the marker value that announces a counterpart.
	// Defaults to DefaultSentinel. Compared after NFC normalization.
	Sentinel string

	// Machine evaluates status transitions. Defaults to
	// lifecycle.NewMachine().
	Machine *lifecycle.Machine

	// IDs generates correlation ids. Defaults to UUIDv7Generator.
	IDs IDGenerator

	// ReceivePoll, when positive, runs the listener as a chain of short
	// receive steps bounded by this interval instead of one blocking loop.
	// On a cooperative executor it defaults to DefaultCooperativePoll.
	ReceivePoll time.Duration

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Plugin is the peer-session plugin for payloads of type T.
type Plugin[T any] struct {
	network  overlay.Network
	codec    codec.Codec[T]
	marker   func(T) string
	sentinel string
	machine  lifecycle.Machine
	ids      IDGenerator
	poll     time.Duration
	metrics  *metrics.Metrics

	bridge *bridge.Bridge[*tick.World]

	// created holds the handle as soon as the identity task gets it, so
	// teardown can close it even if the closure publishing it never ran.
	created atomic.Pointer[handleRef]

	status    atomic.Int32
	published lifecycle.Status
}

type handleRef struct {
	h overlay.Handle
}

// New validates cfg and creates a plugin.
func New[T any](cfg Config[T]) (*Plugin[T], error) {
	if cfg.Network == nil {
		return nil, errors.New("session: network is required")
	}

	p := &Plugin[T]{
		network: cfg.Network,
		codec:   cfg.Codec,
		marker:  cfg.Marker,
		ids:     cfg.IDs,
		poll:    cfg.ReceivePoll,
		metrics: cfg.Metrics,
	}

	if p.codec == nil {
		p.codec = codec.JSON[T]()
	}
	if p.marker == nil {
		var zero T
		if _, ok := any(zero).(Marked); !ok {
			return nil, fmt.Errorf("session: no marker for payload type %T: set Config.Marker or implement HandshakeMarker", zero)
		}
		p.marker = func(v T) string { return any(v).(Marked).HandshakeMarker() }
	}

	sentinel := cfg.Sentinel
	if sentinel == "" {
		sentinel = DefaultSentinel
	}
	p.sentinel = norm.NFC.String(sentinel)

	if cfg.Machine != nil {
		p.machine = *cfg.Machine
	} else {
		p.machine = lifecycle.NewMachine()
	}
	if p.ids == nil {
		p.ids = UUIDv7Generator{}
	}
	return p, nil
}

// Build implements tick.Plugin.
func (p *Plugin[T]) Build(app *tick.App) {
	p.bridge = app.Bridge()
	if p.poll <= 0 && p.bridge.Cooperative() {
		// A blocking receive loop would hold the only worker.
		p.poll = DefaultCooperativePoll
		slog.Debug("cooperative executor: listener uses receive steps", "poll", p.poll)
	}

	w := app.World()
	tick.Insert(w, &PeerSession{Status: lifecycle.Initializing})

	bus := w.Bus()
	events.Register[SessionInitialized](bus)
	events.Register[SessionError](bus)
	events.Register[AwaitingPeer](bus)
	events.Register[ConnectedPeer](bus)
	events.Register[MessageSent](bus)
	events.Register[MessageReceived[T]](bus)
	events.Register[SendMessage[T]](bus)

	app.AddStartupSystem(p.initialize)
	app.AddSystem(p.startListener)
	app.AddSystem(p.processSends)
	app.AddSystem(p.publishStatus)
	app.OnShutdown(p.teardown)
}

// Status returns the status as of the end of the last tick. Safe from any
// goroutine.
func (p *Plugin[T]) Status() lifecycle.Status {
	return lifecycle.Status(p.status.Load())
}

// Send queues a request to deliver payload to dst and returns its
// correlation id. The request is processed on the next tick.
//
// Must be called on the tick goroutine.
func (p *Plugin[T]) Send(w *tick.World, payload T, dst overlay.Address) CorrelationID {
	id := p.ids.Generate()
	events.Send(w.Bus(), SendMessage[T]{ID: id, Payload: payload, Destination: dst})
	return id
}

// SendTo is Send with an unparsed address. A malformed address emits
// SessionError{ProtocolError} and queues nothing.
func (p *Plugin[T]) SendTo(w *tick.World, payload T, raw string) (CorrelationID, error) {
	dst, err := overlay.ParseAddress(raw)
	if err != nil {
		se := SessionError{Kind: ProtocolError, Cause: err}
		p.fail(w, se)
		return "", se
	}
	return p.Send(w, payload, dst), nil
}

// IsHandshake reports whether payload carries the sentinel marker.
func (p *Plugin[T]) IsHandshake(payload T) bool {
	return norm.NFC.String(p.marker(payload)) == p.sentinel
}

// initialize spawns the identity task. Startup system.
func (p *Plugin[T]) initialize(w *tick.World) {
	network := p.network
	p.bridge.Spawn("create-identity", func(ctx context.Context) error {
		h, err := network.CreateIdentity(ctx)
		if err != nil {
			p.bridge.RunOnTick(func(w *tick.World) {
				p.fail(w, SessionError{Kind: InitializationFailure, Cause: err})
			})
			return err
		}

		p.created.Store(&handleRef{h: h})
		if !p.bridge.RunOnTick(func(w *tick.World) { p.initialized(w, h) }) {
			// Shut down while we were connecting.
			return h.Close()
		}
		return nil
	})
}

func (p *Plugin[T]) initialized(w *tick.World, h overlay.Handle) {
	s := Of(w)
	s.Handle = h
	p.apply(s, lifecycle.InitSucceeded)

	slog.Info("session initialized", "address", h.Address())
	events.Send(w.Bus(), SessionInitialized{Address: h.Address()})
}

// fail emits se and moves the session to Error.
func (p *Plugin[T]) fail(w *tick.World, se SessionError) {
	slog.Error("session error", "kind", se.Kind, "id", se.ID, "error", se.Cause)
	p.metrics.Error(string(se.Kind))
	events.Send(w.Bus(), se)

	trigger := lifecycle.ErrorOccurred
	if se.Kind == InitializationFailure {
		trigger = lifecycle.InitFailed
	}
	p.apply(Of(w), trigger)
}

// apply fires trigger and reports whether the status changed.
func (p *Plugin[T]) apply(s *PeerSession, trigger lifecycle.Trigger) bool {
	next, changed := p.machine.Next(s.Status, trigger)
	if !changed {
		return false
	}
	slog.Debug("session status changed", "from", s.Status, "to", next, "trigger", trigger)
	s.Status = next
	return true
}

// publishStatus stores the status snapshot read by Status. Runs last.
func (p *Plugin[T]) publishStatus(w *tick.World) {
	s := Of(w)
	p.status.Store(int32(s.Status))

	if s.Status != p.published || w.Tick() == 1 {
		p.published = s.Status
		p.metrics.Status(s.Status.String(), statusNames)
	}
}

// teardown closes the handle after background tasks have stopped.
func (p *Plugin[T]) teardown(ctx context.Context, w *tick.World) error {
	ref := p.created.Load()
	if ref == nil {
		return nil
	}
	if err := ref.h.Close(); err != nil {
		return fmt.Errorf("close session handle: %w", err)
	}
	return nil
}

var statusNames = func() []string {
	names := make([]string, len(lifecycle.Statuses))
	for i, s := range lifecycle.Statuses {
		names[i] = s.String()
	}
	return names
}()
