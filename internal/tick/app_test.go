package tick

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/duplex/internal/events"
)

type note struct{ Text string }

type counter struct{ N int }

func TestWorld_Resources(t *testing.T) {
	w := NewWorld()

	_, ok := Get[*counter](w)
	assert.False(t, ok)
	assert.Panics(t, func() { MustGet[*counter](w) })

	c := &counter{N: 1}
	Insert(w, c)
	assert.Same(t, c, MustGet[*counter](w))

	Insert(w, &counter{N: 2})
	assert.Equal(t, 2, MustGet[*counter](w).N, "insert replaces")
}

func TestApp_StartupRunsOnce(t *testing.T) {
	app := NewApp()
	runs := 0
	app.AddStartupSystem(func(*World) { runs++ })

	app.Update()
	app.Update()
	app.Update()

	assert.Equal(t, 1, runs)
	assert.Equal(t, uint64(3), app.World().Tick())
}

func TestApp_ClosureEventsVisibleSameTick(t *testing.T) {
	app := NewApp()
	var seen [][]note
	app.AddSystem(func(w *World) {
		seen = append(seen, events.Read[note](w.Bus()))
	})

	app.Bridge().RunOnTick(func(w *World) {
		events.Send(w.Bus(), note{Text: "from closure"})
	})

	app.Update()
	app.Update()

	require.Len(t, seen, 2)
	assert.Equal(t, []note{{Text: "from closure"}}, seen[0])
	assert.Empty(t, seen[1])
}

func TestApp_SystemEventsVisibleNextTick(t *testing.T) {
	app := NewApp()
	var seen []int
	app.AddSystem(func(w *World) {
		if w.Tick() == 1 {
			events.Send(w.Bus(), note{Text: "hi"})
		}
		seen = append(seen, len(events.Read[note](w.Bus())))
	})

	app.Update()
	app.Update()
	app.Update()

	assert.Equal(t, []int{0, 1, 0}, seen)
}

func TestApp_SystemsRunInOrder(t *testing.T) {
	app := NewApp()
	var order []string
	app.AddSystem(func(*World) { order = append(order, "a") })
	app.AddSystem(func(*World) { order = append(order, "b") })

	app.Update()
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestApp_DrainHook(t *testing.T) {
	var drained []int
	app := NewApp(WithDrainHook(func(n int) { drained = append(drained, n) }))

	app.Bridge().RunOnTick(func(*World) {})
	app.Bridge().RunOnTick(func(*World) {})
	app.Update()
	app.Update()

	assert.Equal(t, []int{2, 0}, drained)
}

type recordPlugin struct{ built bool }

func (p *recordPlugin) Build(app *App) {
	p.built = true
	Insert(app.World(), &counter{})
	app.AddSystem(func(w *World) { MustGet[*counter](w).N++ })
}

func TestApp_AddPlugin(t *testing.T) {
	p := &recordPlugin{}
	app := NewApp().AddPlugin(p)
	app.Update()

	assert.True(t, p.built)
	assert.Equal(t, 1, MustGet[*counter](app.World()).N)
}

func TestApp_RunStopsOnExit(t *testing.T) {
	mock := clock.NewMock()
	app := NewApp(WithClock(mock), WithRate(time.Millisecond))
	app.AddSystem(func(w *World) {
		if w.Tick() == 3 {
			w.Exit()
		}
	})

	errc := make(chan error, 1)
	go func() { errc <- app.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		select {
		case err := <-errc:
			return assert.NoError(t, err)
		default:
			mock.Add(time.Millisecond)
			return false
		}
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, uint64(3), app.World().Tick())
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	app := NewApp(WithRate(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := app.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(1), app.World().Tick(), "one tick runs before the first wait")
}

func TestApp_ShutdownCancelsTasksThenCleansUp(t *testing.T) {
	app := NewApp()
	var order []string
	taskDone := make(chan struct{})

	app.Bridge().Spawn("blocker", func(ctx context.Context) error {
		<-ctx.Done()
		close(taskDone)
		return ctx.Err()
	})
	app.OnShutdown(func(ctx context.Context, w *World) error {
		order = append(order, "first")
		return nil
	})
	app.OnShutdown(func(ctx context.Context, w *World) error {
		select {
		case <-taskDone:
			order = append(order, "second-after-task")
		default:
			order = append(order, "second-before-task")
		}
		return nil
	})

	require.NoError(t, app.Shutdown(context.Background()))
	assert.Equal(t, []string{"second-after-task", "first"}, order)

	require.NoError(t, app.Shutdown(context.Background()), "second shutdown is a no-op")
	assert.Len(t, order, 2)
}

func TestApp_ShutdownCombinesErrors(t *testing.T) {
	app := NewApp()
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	app.OnShutdown(func(context.Context, *World) error { return errA })
	app.OnShutdown(func(context.Context, *World) error { return errB })

	err := app.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}
