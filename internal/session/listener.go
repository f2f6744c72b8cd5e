package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/duplex/internal/events"
	"github.com/roach88/duplex/internal/lifecycle"
	"github.com/roach88/duplex/internal/overlay"
	"github.com/roach88/duplex/internal/tick"
)

// startListener starts the receive loop on the first SessionInitialized.
// Later initialization events are ignored.
func (p *Plugin[T]) startListener(w *tick.World) {
	s := Of(w)
	if s.listening || len(events.Read[SessionInitialized](w.Bus())) == 0 {
		return
	}
	if s.Handle == nil {
		return
	}
	s.listening = true

	h := s.Handle
	if p.poll > 0 {
		p.bridge.Spawn("receive-step", p.receiveStep(h))
		return
	}

	p.bridge.Spawn("receive-loop", func(ctx context.Context) error {
		err := overlay.ReceiveLoop(ctx, h, p.deliver)
		if err != nil && ctx.Err() == nil {
			p.receiveFailed(err)
		}
		return err
	})
}

// receiveStep returns a task that waits at most p.poll for one envelope and
// then re-spawns itself, so a cooperative executor can interleave other
// tasks between steps.
func (p *Plugin[T]) receiveStep(h overlay.Handle) func(ctx context.Context) error {
	var step func(ctx context.Context) error
	step = func(ctx context.Context) error {
		rctx, cancel := context.WithTimeout(ctx, p.poll)
		env, err := h.Receive(rctx)
		cancel()

		switch {
		case err == nil:
			p.deliver(env)
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			// Poll window elapsed with nothing to read.
		default:
			p.receiveFailed(err)
			return err
		}

		p.bridge.Spawn("receive-step", step)
		return nil
	}
	return step
}

// deliver decodes env and posts the result to the tick goroutine.
// Runs on the receive goroutine.
func (p *Plugin[T]) deliver(env overlay.Envelope) {
	payload, err := p.codec.Unmarshal(env.Payload)
	if err != nil {
		slog.Warn("dropping undecodable payload", "sender", env.Sender.Short(), "codec", p.codec.Name(), "error", err)
		return
	}

	handshake := p.IsHandshake(payload)
	sender := env.Sender
	p.bridge.RunOnTick(func(w *tick.World) {
		p.received(w, payload, sender, handshake)
	})
}

func (p *Plugin[T]) received(w *tick.World, payload T, sender overlay.Address, handshake bool) {
	p.metrics.Received()
	events.Send(w.Bus(), MessageReceived[T]{Payload: payload, Sender: sender})

	if !handshake {
		return
	}

	s := Of(w)
	if !p.apply(s, lifecycle.HandshakeReceived) {
		slog.Debug("handshake ignored", "sender", sender.Short(), "status", s.Status)
		return
	}
	s.Counterpart = sender
	p.metrics.Handshake()
	slog.Info("peer connected", "peer", sender, "via", "handshake")
	events.Send(w.Bus(), ConnectedPeer{Peer: sender})
}

func (p *Plugin[T]) receiveFailed(err error) {
	p.bridge.RunOnTick(func(w *tick.World) {
		p.fail(w, SessionError{Kind: ReceiveLoopFailure, Cause: err})
	})
}
