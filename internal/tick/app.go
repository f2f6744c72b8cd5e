// Package tick hosts the synchronous domain: a World, the systems that run
// against it once per tick, and the bridge through which background tasks
// reach it.
//
// # Tick order
//
//  1. the tick counter advances
//  2. startup systems (first tick only)
//  3. bridge closures posted since the last drain run, in FIFO order
//  4. the event bus publishes everything sent since the last tick
//  5. systems run, in registration order
//
// Events sent by closures in step 3 are therefore readable by systems in
// the same tick. Events sent by systems become readable on the next tick.
package tick

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/roach88/duplex/internal/bridge"
)

// DefaultRate is the tick interval used by Run when none is configured.
const DefaultRate = 16 * time.Millisecond

// DefaultShutdownGrace bounds how long Shutdown waits for background tasks.
const DefaultShutdownGrace = 2 * time.Second

// System is a function run on the tick goroutine.
type System func(w *World)

// Cleanup releases a plugin's resources at shutdown.
type Cleanup func(ctx context.Context, w *World) error

// Plugin registers systems, resources and cleanups on an App.
type Plugin interface {
	Build(app *App)
}

// Option configures an App.
type Option func(*App)

// WithClock sets the clock driving Run and the shutdown grace timer.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithRate sets the tick interval for Run. Non-positive values are ignored.
func WithRate(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.rate = d
		}
	}
}

// WithShutdownGrace sets how long Shutdown waits for background tasks.
func WithShutdownGrace(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.grace = d
		}
	}
}

// WithExecutor sets the executor backing the app's bridge.
func WithExecutor(exec bridge.Executor) Option {
	return func(a *App) { a.exec = exec }
}

// WithDrainHook registers fn to observe how many bridge closures ran in
// each tick.
func WithDrainHook(fn func(n int)) Option {
	return func(a *App) { a.onDrain = fn }
}

// App is the tick-driven host.
//
// Update, Run and Shutdown must all be called from the same goroutine.
type App struct {
	world  *World
	bridge *bridge.Bridge[*World]
	exec   bridge.Executor
	clock  clock.Clock
	rate   time.Duration
	grace  time.Duration

	startup  []System
	systems  []System
	cleanups []Cleanup
	onDrain  func(int)

	started  bool
	shutdown bool
}

// NewApp creates an app with an empty world. The default executor is a
// bridge.Pool.
func NewApp(opts ...Option) *App {
	a := &App{
		world: NewWorld(),
		clock: clock.New(),
		rate:  DefaultRate,
		grace: DefaultShutdownGrace,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.bridge = bridge.New[*World](a.exec)
	return a
}

// AddPlugin calls p.Build.
func (a *App) AddPlugin(p Plugin) *App {
	p.Build(a)
	return a
}

// AddStartupSystem registers s to run once, on the first tick.
func (a *App) AddStartupSystem(s System) *App {
	a.startup = append(a.startup, s)
	return a
}

// AddSystem registers s to run on every tick.
func (a *App) AddSystem(s System) *App {
	a.systems = append(a.systems, s)
	return a
}

// OnShutdown registers c to run during Shutdown, after background tasks
// have stopped. Cleanups run in reverse registration order.
func (a *App) OnShutdown(c Cleanup) *App {
	a.cleanups = append(a.cleanups, c)
	return a
}

// World returns the app's world.
func (a *App) World() *World {
	return a.world
}

// Bridge returns the bridge into this app's world.
func (a *App) Bridge() *bridge.Bridge[*World] {
	return a.bridge
}

// Update runs one tick.
func (a *App) Update() {
	w := a.world
	w.tick++

	if !a.started {
		a.started = true
		for _, s := range a.startup {
			s(w)
		}
	}

	n := a.bridge.Drain(w)
	if a.onDrain != nil {
		a.onDrain(n)
	}

	w.bus.Update()

	for _, s := range a.systems {
		s(w)
	}
}

// Run ticks at the configured rate until ctx is done or a system calls
// World.Exit. Returns nil on Exit and ctx.Err() on cancellation. Run does
// not call Shutdown.
func (a *App) Run(ctx context.Context) error {
	ticker := a.clock.Ticker(a.rate)
	defer ticker.Stop()

	slog.Debug("tick loop started", "rate", a.rate)
	for {
		a.Update()
		if a.world.exit {
			slog.Debug("tick loop exit requested", "tick", a.world.tick)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown stops background tasks (cancel, then wait up to the grace
// period) and runs cleanups. Errors from all steps are combined.
// Calling Shutdown twice is a no-op.
func (a *App) Shutdown(ctx context.Context) error {
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	graceCtx, cancel := a.clock.WithTimeout(ctx, a.grace)
	defer cancel()

	err := a.bridge.Shutdown(graceCtx)
	if err != nil {
		slog.Warn("background tasks did not stop in time", "error", err)
	}

	for i := len(a.cleanups) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.cleanups[i](ctx, a.world))
	}
	return err
}
