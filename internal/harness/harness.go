package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/roach88/duplex/internal/bridge"
	"github.com/roach88/duplex/internal/codec"
	"github.com/roach88/duplex/internal/events"
	"github.com/roach88/duplex/internal/lifecycle"
	"github.com/roach88/duplex/internal/overlay"
	"github.com/roach88/duplex/internal/overlay/mem"
	"github.com/roach88/duplex/internal/session"
	"github.com/roach88/duplex/internal/testutil"
	"github.com/roach88/duplex/internal/tick"
)

// StepTimeout bounds how long one step waits for background results.
const StepTimeout = 2 * time.Second

// Harness drives one scenario.
type Harness struct {
	app     *tick.App
	plugin  *session.Plugin[testutil.Message]
	net     *mem.Network
	peers   map[string]*mem.Handle
	aliases *aliasTable
	rec     *recorder

	// posted is the number of bridge closures the harness expects so far.
	posted uint64
}

// Run executes a scenario and returns its result.
//
// Execution flow:
//  1. Create a fresh in-process network and join the scenario's peers
//  2. Build the app with the session plugin and the trace recorder
//  3. Boot: tick, wait for the identity result, tick
//  4. Execute steps
//  5. Shut down and check expectations
func Run(scenario *Scenario) (result *Result, err error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, h.close())
	}()

	if err := h.boot(); err != nil {
		return nil, err
	}

	for i, step := range scenario.Steps {
		if err := h.execute(step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	result = NewResult()
	if h.rec.trace != nil {
		result.Trace = h.rec.trace
	}
	s := session.Of(h.app.World())
	result.Status = s.Status.String()
	if !s.Counterpart.IsZero() {
		result.Counterpart = h.aliases.name(s.Counterpart)
	}

	checkExpect(scenario.Expect, result)
	return result, nil
}

func newHarness(scenario *Scenario) (*Harness, error) {
	net := mem.New()
	h := &Harness{
		net:     net,
		peers:   make(map[string]*mem.Handle),
		aliases: newAliasTable(),
	}

	for _, alias := range scenario.Peers {
		peer, err := net.Join(context.Background())
		if err != nil {
			h.closePeers()
			return nil, fmt.Errorf("join peer %q: %w", alias, err)
		}
		h.peers[alias] = peer
		h.aliases.add(peer.Address(), alias)
	}
	for _, alias := range scenario.Unknown {
		id, err := overlay.GenerateIdentity()
		if err != nil {
			h.closePeers()
			return nil, err
		}
		h.aliases.add(id.Address, alias)
	}

	if scenario.InitError != "" {
		net.FailIdentity(errors.New(scenario.InitError))
	}

	var opts []lifecycle.Option
	if scenario.ConnectOnSend != nil {
		opts = append(opts, lifecycle.WithConnectOnSendSuccess(*scenario.ConnectOnSend))
	}
	machine := lifecycle.NewMachine(opts...)

	plugin, err := session.New(session.Config[testutil.Message]{
		Network: net,
		Machine: &machine,
		IDs:     session.NewSequenceGenerator("corr"),
	})
	if err != nil {
		h.closePeers()
		return nil, err
	}
	h.plugin = plugin

	h.rec = &recorder{aliases: h.aliases, last: lifecycle.Initializing}
	h.app = tick.NewApp(tick.WithExecutor(bridge.NewPool()))
	h.app.AddPlugin(plugin)
	h.app.AddSystem(h.rec.system)
	return h, nil
}

func (h *Harness) boot() error {
	h.app.Update()
	return h.settle(1)
}

// settle waits until n more closures have been posted, then ticks.
func (h *Harness) settle(n uint64) error {
	h.posted += n
	ctx, cancel := context.WithTimeout(context.Background(), StepTimeout)
	defer cancel()
	if err := testutil.AwaitPosted(ctx, h.app.Bridge(), h.posted); err != nil {
		return err
	}
	h.app.Update()
	return nil
}

func (h *Harness) execute(step Step) error {
	w := h.app.World()
	hasHandle := session.Of(w).Handle != nil

	switch {
	case step.Send != nil:
		dst := h.aliases.address(step.Send.To)
		h.plugin.Send(w, testutil.Message{Counter: step.Send.Counter, Extra: step.Send.Extra}, dst)
		h.app.Update()
		if !hasHandle {
			return nil
		}
		return h.settle(1)

	case step.SendRaw != nil:
		raw := step.SendRaw.To
		if addr, ok := h.aliases.lookup(raw); ok {
			raw = string(addr)
		}
		_, err := h.plugin.SendTo(w, testutil.Message{Counter: step.SendRaw.Counter, Extra: step.SendRaw.Extra}, raw)
		h.app.Update()
		if err != nil || !hasHandle {
			return nil
		}
		return h.settle(1)

	case step.Receive != nil:
		peer := h.peers[step.Receive.From]
		data, err := codec.JSON[testutil.Message]().Marshal(testutil.Message{
			Counter: step.Receive.Counter,
			Extra:   step.Receive.Extra,
		})
		if err != nil {
			return err
		}
		env := overlay.Envelope{Sender: peer.Address(), Payload: data}
		if err := peer.Send(context.Background(), env, session.Of(w).Address()); err != nil {
			return fmt.Errorf("remote send from %q: %w", step.Receive.From, err)
		}
		return h.settle(1)

	default:
		for i := 0; i < step.Ticks; i++ {
			h.app.Update()
		}
		return nil
	}
}

func (h *Harness) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), StepTimeout)
	defer cancel()
	err := h.app.Shutdown(ctx)
	h.closePeers()
	return err
}

func (h *Harness) closePeers() {
	for _, p := range h.peers {
		_ = p.Close()
	}
}

// recorder is a system that appends host-visible events to the trace.
type recorder struct {
	aliases *aliasTable
	last    lifecycle.Status
	trace   []TraceEvent
}

func (r *recorder) system(w *tick.World) {
	t := w.Tick()
	bus := w.Bus()

	for _, ev := range events.Read[session.SessionInitialized](bus) {
		r.aliases.add(ev.Address, SelfAlias)
		r.add(TraceEvent{Tick: t, Kind: KindSessionInitialized, Peer: SelfAlias})
	}
	for _, ev := range events.Read[session.SendMessage[testutil.Message]](bus) {
		r.add(TraceEvent{
			Tick:    t,
			Kind:    KindSendMessage,
			ID:      string(ev.ID),
			Peer:    r.aliases.name(ev.Destination),
			Payload: &Payload{Counter: ev.Payload.Counter, Extra: ev.Payload.Extra},
		})
	}
	for range events.Read[session.AwaitingPeer](bus) {
		r.add(TraceEvent{Tick: t, Kind: KindAwaitingPeer})
	}
	for _, ev := range events.Read[session.MessageSent](bus) {
		r.add(TraceEvent{Tick: t, Kind: KindMessageSent, ID: string(ev.ID), Peer: r.aliases.name(ev.Destination)})
	}
	for _, ev := range events.Read[session.MessageReceived[testutil.Message]](bus) {
		r.add(TraceEvent{
			Tick:    t,
			Kind:    KindMessageReceived,
			Peer:    r.aliases.name(ev.Sender),
			Payload: &Payload{Counter: ev.Payload.Counter, Extra: ev.Payload.Extra},
		})
	}
	for _, ev := range events.Read[session.ConnectedPeer](bus) {
		r.add(TraceEvent{Tick: t, Kind: KindConnectedPeer, Peer: r.aliases.name(ev.Peer)})
	}
	for _, ev := range events.Read[session.SessionError](bus) {
		r.add(TraceEvent{
			Tick:      t,
			Kind:      KindSessionError,
			ID:        string(ev.ID),
			ErrorKind: string(ev.Kind),
			Cause:     r.aliases.scrub(ev.Cause.Error()),
		})
	}

	if status := session.Of(w).Status; status != r.last {
		r.last = status
		r.add(TraceEvent{Tick: t, Kind: KindStatus, Status: status.String()})
	}
}

func (r *recorder) add(ev TraceEvent) {
	r.trace = append(r.trace, ev)
}

// aliasTable maps overlay addresses to scenario aliases.
type aliasTable struct {
	byAddr  map[overlay.Address]string
	byAlias map[string]overlay.Address
}

func newAliasTable() *aliasTable {
	return &aliasTable{
		byAddr:  make(map[overlay.Address]string),
		byAlias: make(map[string]overlay.Address),
	}
}

func (a *aliasTable) add(addr overlay.Address, alias string) {
	a.byAddr[addr] = alias
	a.byAlias[alias] = addr
}

func (a *aliasTable) name(addr overlay.Address) string {
	if alias, ok := a.byAddr[addr]; ok {
		return alias
	}
	return "unaliased:" + addr.Short()
}

func (a *aliasTable) lookup(alias string) (overlay.Address, bool) {
	addr, ok := a.byAlias[alias]
	return addr, ok
}

func (a *aliasTable) address(alias string) overlay.Address {
	return a.byAlias[alias]
}

// scrub replaces every known address in s with its alias.
func (a *aliasTable) scrub(s string) string {
	pairs := make([]string, 0, 2*len(a.byAddr))
	for addr, alias := range a.byAddr {
		pairs = append(pairs, string(addr), alias)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
