package cli

import (
	"fmt"
	"log/slog"

	"github.com/roach88/duplex/internal/events"
	"github.com/roach88/duplex/internal/overlay"
	"github.com/roach88/duplex/internal/session"
	"github.com/roach88/duplex/internal/tick"
)

// StopMarker ends a pingpong exchange. The side that reaches the round
// limit sends it instead of a normal reply.
const StopMarker = "STOP"

// Ball is the pingpong payload.
type Ball struct {
	Counter int    `json:"counter" cbor:"1,keyasint"`
	Extra   string `json:"extra,omitempty" cbor:"2,keyasint,omitempty"`
}

// HandshakeMarker implements session.Marked.
func (b Ball) HandshakeMarker() string {
	return b.Extra
}

// PingEvent is one line of pingpong output.
type PingEvent struct {
	Event   string `json:"event"`
	Address string `json:"address,omitempty"`
	Peer    string `json:"peer,omitempty"`
	Counter int    `json:"counter,omitempty"`
	Extra   string `json:"extra,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (e PingEvent) String() string {
	switch e.Event {
	case "initialized":
		return fmt.Sprintf("listening as %s", e.Address)
	case "connected":
		return fmt.Sprintf("connected to %s", e.Peer)
	case "received":
		if e.Extra != "" {
			return fmt.Sprintf("received %d %s from %s", e.Counter, e.Extra, e.Peer)
		}
		return fmt.Sprintf("received %d from %s", e.Counter, e.Peer)
	case "error":
		return fmt.Sprintf("session error: %s", e.Error)
	default:
		return e.Event
	}
}

// pingpong is a tick plugin that plays one side of the exchange.
type pingpong struct {
	session  *session.Plugin[Ball]
	out      *OutputFormatter
	sentinel string

	// peer is the raw address to join. Empty when hosting.
	peer string

	// rounds is the counter value at which the exchange stops. Zero means
	// no limit.
	rounds int

	// ready, when set, is called with the session's own address.
	ready func(overlay.Address)

	final session.CorrelationID
	err   *session.SessionError
}

func (p *pingpong) Build(app *tick.App) {
	app.AddSystem(p.update)
}

func (p *pingpong) update(w *tick.World) {
	bus := w.Bus()

	for _, ev := range events.Read[session.SessionInitialized](bus) {
		p.emit(PingEvent{Event: "initialized", Address: ev.Address.String()})
		if p.ready != nil {
			p.ready(ev.Address)
		}
		if p.peer != "" {
			// A malformed address comes back as a SessionError next tick.
			_, _ = p.session.SendTo(w, Ball{Extra: p.sentinel}, p.peer)
		}
	}

	for _, ev := range events.Read[session.ConnectedPeer](bus) {
		p.emit(PingEvent{Event: "connected", Peer: ev.Peer.String()})
	}

	for _, ev := range events.Read[session.MessageReceived[Ball]](bus) {
		ball := ev.Payload
		p.emit(PingEvent{Event: "received", Peer: ev.Sender.String(), Counter: ball.Counter, Extra: ball.Extra})

		if ball.Extra == StopMarker {
			slog.Info("pingpong finished", "counter", ball.Counter)
			w.Exit()
			continue
		}

		dst := session.Of(w).Counterpart
		if dst.IsZero() {
			dst = ev.Sender
		}
		next := Ball{Counter: ball.Counter + 1}
		if p.rounds > 0 && next.Counter > p.rounds {
			next.Extra = StopMarker
			p.final = p.session.Send(w, next, dst)
			continue
		}
		p.session.Send(w, next, dst)
	}

	for _, ev := range events.Read[session.MessageSent](bus) {
		if p.final != "" && ev.ID == p.final {
			slog.Info("pingpong finished", "counter", p.rounds)
			w.Exit()
		}
	}

	for _, ev := range events.Read[session.SessionError](bus) {
		p.emit(PingEvent{Event: "error", Error: ev.Error()})
		if p.err == nil {
			se := ev
			p.err = &se
		}
		w.Exit()
	}
}

func (p *pingpong) emit(ev PingEvent) {
	if err := p.out.Success(ev); err != nil {
		slog.Warn("write output", "error", err)
	}
}

// exitError maps the first session error to a command exit error.
func (p *pingpong) exitError() error {
	if p.err == nil {
		return nil
	}
	switch p.err.Kind {
	case session.ProtocolError:
		return WrapExitError(ExitCommandError, "unusable peer address", *p.err)
	case session.InitializationFailure:
		return WrapExitError(ExitCommandError, "could not join the overlay", *p.err)
	default:
		return WrapExitError(ExitFailure, "session failed", *p.err)
	}
}
