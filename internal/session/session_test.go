package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/duplex/internal/bridge"
	"github.com/roach88/duplex/internal/codec"
	"github.com/roach88/duplex/internal/events"
	"github.com/roach88/duplex/internal/lifecycle"
	"github.com/roach88/duplex/internal/overlay"
	"github.com/roach88/duplex/internal/overlay/mem"
	"github.com/roach88/duplex/internal/testutil"
	"github.com/roach88/duplex/internal/tick"
)

type msg = testutil.Message

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

// recorder accumulates every session event the host can observe.
type recorder struct {
	initialized []SessionInitialized
	errors      []SessionError
	awaiting    int
	connected   []ConnectedPeer
	sent        []MessageSent
	received    []MessageReceived[msg]
}

func (r *recorder) system(w *tick.World) {
	bus := w.Bus()
	r.initialized = append(r.initialized, events.Read[SessionInitialized](bus)...)
	r.errors = append(r.errors, events.Read[SessionError](bus)...)
	r.awaiting += len(events.Read[AwaitingPeer](bus))
	r.connected = append(r.connected, events.Read[ConnectedPeer](bus)...)
	r.sent = append(r.sent, events.Read[MessageSent](bus)...)
	r.received = append(r.received, events.Read[MessageReceived[msg]](bus)...)
}

type fixture struct {
	app    *tick.App
	net    *mem.Network
	plugin *Plugin[msg]
	rec    *recorder
	posted uint64
}

func newFixture(t *testing.T, network overlay.Network, cfg Config[msg], opts ...tick.Option) *fixture {
	t.Helper()

	memNet, _ := network.(*mem.Network)
	if network == nil {
		memNet = mem.New()
		network = memNet
	}
	cfg.Network = network
	if cfg.IDs == nil {
		cfg.IDs = NewSequenceGenerator("corr")
	}

	plugin, err := New(cfg)
	require.NoError(t, err)

	f := &fixture{
		app:    tick.NewApp(opts...),
		net:    memNet,
		plugin: plugin,
		rec:    &recorder{},
	}
	f.app.AddPlugin(plugin)
	f.app.AddSystem(f.rec.system)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.app.Shutdown(ctx)
	})
	return f
}

func (f *fixture) world() *tick.World  { return f.app.World() }
func (f *fixture) session() *PeerSession { return Of(f.world()) }

// settle waits for n more closures from background tasks, then ticks once
// so they are drained.
func (f *fixture) settle(t *testing.T, n uint64) {
	t.Helper()
	f.posted += n
	testutil.WaitPosted(t, f.app.Bridge(), f.posted)
	f.app.Update()
}

// boot runs the startup tick and the tick that drains the identity result.
func (f *fixture) boot(t *testing.T) {
	t.Helper()
	f.app.Update()
	f.settle(t, 1)
}

func (f *fixture) remote(t *testing.T) *mem.Handle {
	t.Helper()
	h, err := f.net.Join(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func sendFrom(t *testing.T, h *mem.Handle, dst overlay.Address, m msg) {
	t.Helper()
	data, err := codec.JSON[msg]().Marshal(m)
	require.NoError(t, err)
	require.NoError(t, h.Send(context.Background(), overlay.Envelope{Sender: h.Address(), Payload: data}, dst))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config[msg]{})
	assert.ErrorContains(t, err, "network is required")

	_, err = New(Config[string]{Network: mem.New()})
	assert.ErrorContains(t, err, "no marker")

	p, err := New(Config[string]{Network: mem.New(), Marker: func(s string) string { return s }})
	require.NoError(t, err)
	assert.True(t, p.IsHandshake("START"))
}

func TestSession_InitializeSuccess(t *testing.T) {
	f := newFixture(t, nil, Config[msg]{})

	f.app.Update()
	assert.Equal(t, lifecycle.Initializing, f.plugin.Status())

	f.settle(t, 1)

	s := f.session()
	require.NotNil(t, s.Handle)
	assert.Equal(t, lifecycle.Initialized, s.Status)
	assert.Equal(t, lifecycle.Initialized, f.plugin.Status())
	require.Len(t, f.rec.initialized, 1)
	assert.Equal(t, s.Address(), f.rec.initialized[0].Address)
	assert.Empty(t, f.rec.errors)
}

// Initialization fails, then a send request is dropped without any
// outcome event.
func TestSession_InitializeFailure(t *testing.T) {
	net := mem.New()
	net.FailIdentity(errors.New("network unreachable"))
	f := newFixture(t, net, Config[msg]{})
	f.boot(t)

	s := f.session()
	assert.Nil(t, s.Handle)
	assert.Equal(t, lifecycle.Error, s.Status)
	require.Len(t, f.rec.errors, 1)
	assert.Equal(t, InitializationFailure, f.rec.errors[0].Kind)
	assert.EqualError(t, f.rec.errors[0].Cause, "network unreachable")
	assert.True(t, IsInitializationFailure(f.rec.errors[0]))

	peer, err := overlay.GenerateIdentity()
	require.NoError(t, err)
	f.plugin.Send(f.world(), testutil.Start(), peer.Address)

	f.app.Update()
	f.app.Update()

	assert.Empty(t, f.rec.sent)
	assert.Len(t, f.rec.errors, 1, "dropped send must not produce an outcome")
	assert.Zero(t, f.rec.awaiting)
	assert.Equal(t, lifecycle.Error, f.session().Status)
}

// Successful handshake send connects to the destination.
func TestSession_SendConnectsOnSuccess(t *testing.T) {
	f := newFixture(t, nil, Config[msg]{})
	peer := f.remote(t)
	f.boot(t)

	id := f.plugin.Send(f.world(), testutil.Start(), peer.Address())
	assert.Equal(t, CorrelationID("corr-1"), id)

	f.app.Update()
	assert.Equal(t, lifecycle.AwaitingPeer, f.session().Status)

	f.settle(t, 1)

	assert.Equal(t, 1, f.rec.awaiting)
	require.Len(t, f.rec.sent, 1)
	assert.Equal(t, MessageSent{ID: id, Destination: peer.Address()}, f.rec.sent[0])
	assert.Equal(t, []ConnectedPeer{{Peer: peer.Address()}}, f.rec.connected)
	assert.Equal(t, lifecycle.ConnectedPeer, f.session().Status)
	assert.Equal(t, peer.Address(), f.session().Counterpart)

	env, err := peer.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f.session().Address(), env.Sender)
	got, err := codec.JSON[msg]().Unmarshal(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, testutil.Start(), got)
}

func TestSession_SendWithoutConnectOnSuccess(t *testing.T) {
	m := lifecycle.NewMachine(lifecycle.WithConnectOnSendSuccess(false))
	f := newFixture(t, nil, Config[msg]{Machine: &m})
	peer := f.remote(t)
	f.boot(t)

	f.plugin.Send(f.world(), msg{Counter: 1}, peer.Address())
	f.app.Update()
	f.settle(t, 1)

	assert.Len(t, f.rec.sent, 1)
	assert.Empty(t, f.rec.connected)
	assert.Equal(t, lifecycle.AwaitingPeer, f.session().Status)
	assert.True(t, f.session().Counterpart.IsZero())
}

func TestSession_SendFailure(t *testing.T) {
	f := newFixture(t, nil, Config[msg]{})
	f.boot(t)

	ghost, err := overlay.GenerateIdentity()
	require.NoError(t, err)

	id := f.plugin.Send(f.world(), testutil.Start(), ghost.Address)
	f.app.Update()
	f.settle(t, 1)

	assert.Empty(t, f.rec.sent)
	require.Len(t, f.rec.errors, 1)
	se := f.rec.errors[0]
	assert.Equal(t, SendFailure, se.Kind)
	assert.Equal(t, id, se.ID)
	assert.ErrorIs(t, se, overlay.ErrUnknownPeer)
	assert.True(t, IsSendFailure(se))
	assert.Equal(t, lifecycle.Error, f.session().Status)
}

// Every send yields exactly one outcome carrying its id.
func TestSession_ConcurrentSendsEachGetOneOutcome(t *testing.T) {
	f := newFixture(t, nil, Config[msg]{})
	peer := f.remote(t)
	ghost, err := overlay.GenerateIdentity()
	require.NoError(t, err)
	f.boot(t)

	const n = 120
	issued := make(map[CorrelationID]bool, n)
	for i := 0; i < n; i++ {
		dst := peer.Address()
		if i%4 == 0 {
			dst = ghost.Address
		}
		issued[f.plugin.Send(f.world(), msg{Counter: i}, dst)] = true
	}
	require.Len(t, issued, n, "correlation ids must be unique")

	f.app.Update()
	f.settle(t, n)

	outcomes := make(map[CorrelationID]int)
	for _, ev := range f.rec.sent {
		outcomes[ev.ID]++
	}
	for _, ev := range f.rec.errors {
		require.Equal(t, SendFailure, ev.Kind)
		outcomes[ev.ID]++
	}

	assert.Len(t, outcomes, n)
	for id := range issued {
		assert.Equal(t, 1, outcomes[id], "id %s", id)
	}
	assert.Equal(t, n, f.rec.awaiting)
	assert.Len(t, f.rec.errors, n/4)
	assert.Equal(t, n-n/4, peer.Pending())
}

// A payload that is not the sentinel never alters the counterpart; the
// sentinel from the same peer then connects.
func TestSession_HandshakeInbound(t *testing.T) {
	f := newFixture(t, nil, Config[msg]{})
	p2 := f.remote(t)
	f.boot(t)
	self := f.session().Address()

	sendFrom(t, p2, self, msg{Counter: 1, Extra: "hello"})
	f.settle(t, 1)

	require.Len(t, f.rec.received, 1)
	assert.Equal(t, MessageReceived[msg]{Payload: msg{Counter: 1, Extra: "hello"}, Sender: p2.Address()}, f.rec.received[0])
	assert.Equal(t, lifecycle.Initialized, f.session().Status)
	assert.True(t, f.session().Counterpart.IsZero())

	sendFrom(t, p2, self, testutil.Start())
	f.settle(t, 1)

	assert.Len(t, f.rec.received, 2)
	assert.Equal(t, []ConnectedPeer{{Peer: p2.Address()}}, f.rec.connected)
	assert.Equal(t, lifecycle.ConnectedPeer, f.session().Status)
	assert.Equal(t, p2.Address(), f.session().Counterpart)
}

func TestSession_HandshakeWhileAwaiting(t *testing.T) {
	m := lifecycle.NewMachine(lifecycle.WithConnectOnSendSuccess(false))
	f := newFixture(t, nil, Config[msg]{Machine: &m})
	p1 := f.remote(t)
	f.boot(t)

	f.plugin.Send(f.world(), testutil.Start(), p1.Address())
	f.app.Update()
	f.settle(t, 1)
	require.Equal(t, lifecycle.AwaitingPeer, f.session().Status)

	sendFrom(t, p1, f.session().Address(), testutil.Start())
	f.settle(t, 1)

	assert.Equal(t, lifecycle.ConnectedPeer, f.session().Status)
	assert.Equal(t, p1.Address(), f.session().Counterpart)
}

func TestSession_SecondHandshakeKeepsCounterpart(t *testing.T) {
	f := newFixture(t, nil, Config[msg]{})
	p1 := f.remote(t)
	p2 := f.remote(t)
	f.boot(t)
	self := f.session().Address()

	sendFrom(t, p1, self, testutil.Start())
	f.settle(t, 1)
	require.Equal(t, p1.Address(), f.session().Counterpart)

	sendFrom(t, p2, self, testutil.Start())
	f.settle(t, 1)

	assert.Equal(t, p1.Address(), f.session().Counterpart)
	assert.Len(t, f.rec.connected, 1)
	assert.Len(t, f.rec.received, 2, "the ignored handshake is still delivered")
}

func TestSession_SentinelComparedAfterNFC(t *testing.T) {
	// Precomposed sentinel, decomposed marker.
	f := newFixture(t, nil, Config[msg]{Sentinel: "caf\u00e9"})
	p := f.remote(t)
	f.boot(t)

	sendFrom(t, p, f.session().Address(), msg{Extra: "cafe\u0301"})
	f.settle(t, 1)

	assert.Equal(t, lifecycle.ConnectedPeer, f.session().Status)
}

func TestSession_UndecodablePayloadSkipped(t *testing.T) {
	f := newFixture(t, nil, Config[msg]{})
	p := f.remote(t)
	f.boot(t)
	self := f.session().Address()

	require.NoError(t, p.Send(context.Background(), overlay.Envelope{Sender: p.Address(), Payload: []byte("{garbage")}, self))
	sendFrom(t, p, self, msg{Counter: 7})
	f.settle(t, 1)

	require.Len(t, f.rec.received, 1)
	assert.Equal(t, 7, f.rec.received[0].Payload.Counter)
	assert.Empty(t, f.rec.errors)
}

func TestSession_CBORCodec(t *testing.T) {
	c, err := codec.CBOR[msg]()
	require.NoError(t, err)
	f := newFixture(t, nil, Config[msg]{Codec: c})
	p := f.remote(t)
	f.boot(t)

	f.plugin.Send(f.world(), msg{Counter: 9, Extra: "x"}, p.Address())
	f.app.Update()
	f.settle(t, 1)

	env, err := p.Receive(context.Background())
	require.NoError(t, err)
	got, err := c.Unmarshal(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, msg{Counter: 9, Extra: "x"}, got)
}

// brokenNetwork hands out handles whose receive primitive always fails.
type brokenNetwork struct {
	inner *mem.Network
	err   error
}

type brokenHandle struct {
	*mem.Handle
	err error
}

func (n brokenNetwork) CreateIdentity(ctx context.Context) (overlay.Handle, error) {
	h, err := n.inner.Join(ctx)
	if err != nil {
		return nil, err
	}
	return brokenHandle{Handle: h, err: n.err}, nil
}

func (h brokenHandle) Receive(ctx context.Context) (overlay.Envelope, error) {
	return overlay.Envelope{}, h.err
}

func TestSession_ReceiveLoopFailure(t *testing.T) {
	for name, poll := range map[string]time.Duration{"loop": 0, "steps": 5 * time.Millisecond} {
		t.Run(name, func(t *testing.T) {
			linkDown := errors.New("link down")
			f := newFixture(t, brokenNetwork{inner: mem.New(), err: linkDown}, Config[msg]{ReceivePoll: poll})
			f.boot(t)

			// The listener starts on the boot tick; its failure comes back
			// as one closure.
			f.settle(t, 1)

			require.Len(t, f.rec.errors, 1)
			assert.Equal(t, ReceiveLoopFailure, f.rec.errors[0].Kind)
			assert.ErrorIs(t, f.rec.errors[0], linkDown)
			assert.Equal(t, lifecycle.Error, f.session().Status)

			// Not restarted.
			f.app.Update()
			assert.Equal(t, uint64(2), f.app.Bridge().Posted())
		})
	}
}

func TestSession_SendToMalformedAddress(t *testing.T) {
	f := newFixture(t, nil, Config[msg]{})
	f.boot(t)

	id, err := f.plugin.SendTo(f.world(), testutil.Start(), "not a key")
	require.Error(t, err)
	assert.Empty(t, id)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ProtocolError, kind)
	assert.ErrorIs(t, err, overlay.ErrMalformedAddress)

	f.app.Update()
	require.Len(t, f.rec.errors, 1)
	assert.Equal(t, ProtocolError, f.rec.errors[0].Kind)
	assert.Equal(t, lifecycle.Error, f.session().Status)
}

func TestSession_SendToParsesAddress(t *testing.T) {
	f := newFixture(t, nil, Config[msg]{})
	p := f.remote(t)
	f.boot(t)

	id, err := f.plugin.SendTo(f.world(), testutil.Start(), p.Address().String())
	require.NoError(t, err)

	f.app.Update()
	f.settle(t, 1)
	require.Len(t, f.rec.sent, 1)
	assert.Equal(t, id, f.rec.sent[0].ID)
}

func TestSession_SerialExecutor(t *testing.T) {
	f := newFixture(t, nil, Config[msg]{ReceivePoll: 2 * time.Millisecond},
		tick.WithExecutor(bridge.NewSerial()))
	p := f.remote(t)
	f.boot(t)

	// Sends and receive steps share one worker.
	f.plugin.Send(f.world(), msg{Counter: 1}, p.Address())
	f.app.Update()
	f.settle(t, 1)
	require.Len(t, f.rec.sent, 1)

	sendFrom(t, p, f.session().Address(), testutil.Start())
	f.settle(t, 1)
	assert.Equal(t, lifecycle.ConnectedPeer, f.session().Status)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.app.Shutdown(ctx))
}

func TestSession_SerialExecutorDefaultConfig(t *testing.T) {
	f := newFixture(t, nil, Config[msg]{}, tick.WithExecutor(bridge.NewSerial()))
	assert.Equal(t, DefaultCooperativePoll, f.plugin.poll)

	p := f.remote(t)
	f.boot(t)

	// The listener is already running; the send must still get a turn on
	// the single worker.
	id := f.plugin.Send(f.world(), msg{Counter: 1}, p.Address())
	f.app.Update()
	f.settle(t, 1)
	require.Len(t, f.rec.sent, 1)
	assert.Equal(t, id, f.rec.sent[0].ID)
	assert.Empty(t, f.rec.errors)

	sendFrom(t, p, f.session().Address(), msg{Counter: 2})
	f.settle(t, 1)
	require.Len(t, f.rec.received, 1)
	assert.Equal(t, 2, f.rec.received[0].Payload.Counter)
}

func TestSession_PoolKeepsBlockingListener(t *testing.T) {
	f := newFixture(t, nil, Config[msg]{})
	assert.Zero(t, f.plugin.poll)
}

func TestSession_SendAfterShutdownDropped(t *testing.T) {
	f := newFixture(t, nil, Config[msg]{})
	p := f.remote(t)
	f.boot(t)
	require.Equal(t, lifecycle.Initialized, f.session().Status)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.app.Shutdown(ctx))

	f.plugin.Send(f.world(), msg{Counter: 1}, p.Address())
	f.app.Update()
	f.app.Update()

	assert.Equal(t, lifecycle.Initialized, f.session().Status)
	assert.Zero(t, f.rec.awaiting)
	assert.Empty(t, f.rec.sent)
	assert.Empty(t, f.rec.errors)
}

func TestSession_ShutdownClosesHandle(t *testing.T) {
	f := newFixture(t, nil, Config[msg]{})
	f.boot(t)
	require.Equal(t, 1, f.net.Peers())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.app.Shutdown(ctx))

	assert.Equal(t, 0, f.net.Peers())
	assert.False(t, f.app.Bridge().RunOnTick(func(*tick.World) {}))
}

func TestSessionError_Format(t *testing.T) {
	se := SessionError{Kind: SendFailure, ID: "corr-3", Cause: errors.New("boom")}
	assert.Equal(t, "send_failure: boom (id=corr-3)", se.Error())

	wrapped := errors.Join(errors.New("outer"), se)
	assert.True(t, IsSendFailure(wrapped))
	assert.False(t, IsInitializationFailure(wrapped))

	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}
