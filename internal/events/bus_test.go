package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pinged struct{ N int }
type ponged struct{ N int }

func TestBus_EventsVisibleAfterUpdate(t *testing.T) {
	b := NewBus()
	Send(b, pinged{N: 1})

	assert.Empty(t, Read[pinged](b), "events must not be visible before Update")

	b.Update()
	assert.Equal(t, []pinged{{N: 1}}, Read[pinged](b))
}

func TestBus_EventsLiveOneTick(t *testing.T) {
	b := NewBus()
	Send(b, pinged{N: 1})
	b.Update()
	require.Len(t, Read[pinged](b), 1)

	b.Update()
	assert.Empty(t, Read[pinged](b), "events are dropped after one tick")
}

func TestBus_BroadcastToAllReaders(t *testing.T) {
	b := NewBus()
	Send(b, pinged{N: 1})
	Send(b, pinged{N: 2})
	b.Update()

	first := Read[pinged](b)
	second := Read[pinged](b)

	assert.Equal(t, first, second, "every reader observes the full queue")
	assert.Len(t, second, 2)
}

func TestBus_FIFOWithinKind(t *testing.T) {
	b := NewBus()
	for i := 0; i < 5; i++ {
		Send(b, pinged{N: i})
	}
	b.Update()

	got := Read[pinged](b)
	require.Len(t, got, 5)
	for i, ev := range got {
		assert.Equal(t, i, ev.N)
	}
}

func TestBus_KindsAreIndependent(t *testing.T) {
	b := NewBus()
	Send(b, pinged{N: 1})
	Send(b, ponged{N: 2})
	b.Update()

	assert.Equal(t, []pinged{{N: 1}}, Read[pinged](b))
	assert.Equal(t, []ponged{{N: 2}}, Read[ponged](b))
	assert.Equal(t, 2, b.Kinds())
}

func TestBus_SendDuringTickVisibleNextTick(t *testing.T) {
	b := NewBus()
	Send(b, pinged{N: 1})
	b.Update()

	// A consumer reacting during this tick.
	for _, ev := range Read[pinged](b) {
		Send(b, ponged{N: ev.N})
	}
	assert.Empty(t, Read[ponged](b))

	b.Update()
	assert.Equal(t, []ponged{{N: 1}}, Read[ponged](b))
}

func TestBus_ReadReturnsCopy(t *testing.T) {
	b := NewBus()
	Send(b, pinged{N: 1})
	b.Update()

	got := Read[pinged](b)
	got[0].N = 99

	assert.Equal(t, 1, Read[pinged](b)[0].N, "mutating a read slice must not affect other readers")
}

func TestRegister_Idempotent(t *testing.T) {
	b := NewBus()
	q1 := Register[pinged](b)
	q2 := Register[pinged](b)
	assert.Same(t, q1, q2)
	assert.Equal(t, 1, b.Kinds())
}

func TestQueue_PendingLen(t *testing.T) {
	b := NewBus()
	q := Register[pinged](b)
	q.Send(pinged{})
	q.Send(pinged{})

	assert.Equal(t, 2, q.PendingLen())
	assert.Equal(t, 0, q.Len())

	b.Update()
	assert.Equal(t, 0, q.PendingLen())
	assert.Equal(t, 2, q.Len())
}
