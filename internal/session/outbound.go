package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/duplex/internal/events"
	"github.com/roach88/duplex/internal/lifecycle"
	"github.com/roach88/duplex/internal/metrics"
	"github.com/roach88/duplex/internal/overlay"
	"github.com/roach88/duplex/internal/tick"
)

// processSends hands every SendMessage readable this tick to the overlay.
//
// Each request with a handle yields exactly one MessageSent or
// SessionError{SendFailure} carrying its id, on a later tick. Requests
// made before a handle exists or after shutdown are dropped without an
// event.
func (p *Plugin[T]) processSends(w *tick.World) {
	s := Of(w)

	for _, req := range events.Read[SendMessage[T]](w.Bus()) {
		if s.Handle == nil {
			slog.Debug("send dropped: session has no handle", "id", req.ID, "status", s.Status)
			p.metrics.SendOutcome(metrics.OutcomeDropped)
			continue
		}

		data, err := p.codec.Marshal(req.Payload)
		if err != nil {
			p.metrics.SendOutcome(metrics.OutcomeFailed)
			p.fail(w, SessionError{Kind: SendFailure, ID: req.ID, Cause: fmt.Errorf("encode payload: %w", err)})
			continue
		}

		h := s.Handle
		env := overlay.Envelope{Sender: h.Address(), Payload: data}
		id, dst := req.ID, req.Destination

		spawned := p.bridge.Spawn("send", func(ctx context.Context) error {
			err := h.Send(ctx, env, dst)
			p.bridge.RunOnTick(func(w *tick.World) {
				p.complete(w, id, dst, err)
			})
			return err
		})
		if !spawned {
			slog.Debug("send dropped: bridge shut down", "id", id, "status", s.Status)
			p.metrics.SendOutcome(metrics.OutcomeDropped)
			continue
		}

		p.apply(s, lifecycle.SendIssued)
		events.Send(w.Bus(), AwaitingPeer{})
	}
}

// complete records the outcome of one send.
func (p *Plugin[T]) complete(w *tick.World, id CorrelationID, dst overlay.Address, err error) {
	if err != nil {
		p.metrics.SendOutcome(metrics.OutcomeFailed)
		p.fail(w, SessionError{Kind: SendFailure, ID: id, Cause: err})
		return
	}

	p.metrics.SendOutcome(metrics.OutcomeSent)
	slog.Debug("message sent", "id", id, "peer", dst.Short())
	events.Send(w.Bus(), MessageSent{ID: id, Destination: dst})

	s := Of(w)
	if p.apply(s, lifecycle.SendSucceeded) {
		s.Counterpart = dst
		slog.Info("peer connected", "peer", dst, "via", "send")
		events.Send(w.Bus(), ConnectedPeer{Peer: dst})
	}
}
