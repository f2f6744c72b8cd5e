package tick

import (
	"fmt"
	"reflect"

	"github.com/roach88/duplex/internal/events"
)

// World is the state owned by the tick goroutine: typed resources, the
// event bus and the tick counter.
//
// Thread-safety: none. Only systems and bridge closures touch a World, and
// both run on the tick goroutine.
type World struct {
	bus       *events.Bus
	resources map[reflect.Type]any
	tick      uint64
	exit      bool
}

// NewWorld creates an empty world.
func NewWorld() *World {
	return &World{
		bus:       events.NewBus(),
		resources: make(map[reflect.Type]any),
	}
}

// Bus returns the world's event bus.
func (w *World) Bus() *events.Bus {
	return w.bus
}

// Tick returns the number of the tick in progress, starting at 1.
// Zero before the first Update.
func (w *World) Tick() uint64 {
	return w.tick
}

// Exit asks App.Run to return after the current tick.
func (w *World) Exit() {
	w.exit = true
}

// ExitRequested reports whether Exit has been called.
func (w *World) ExitRequested() bool {
	return w.exit
}

// Insert stores r as the world's resource of type R, replacing any
// previous value.
func Insert[R any](w *World, r R) {
	w.resources[reflect.TypeFor[R]()] = r
}

// Get returns the resource of type R.
func Get[R any](w *World) (R, bool) {
	v, ok := w.resources[reflect.TypeFor[R]()]
	if !ok {
		var zero R
		return zero, false
	}
	return v.(R), true
}

// MustGet returns the resource of type R and panics if it is missing.
// Use it only for resources a plugin inserted itself during Build.
func MustGet[R any](w *World) R {
	r, ok := Get[R](w)
	if !ok {
		panic(fmt.Sprintf("tick: resource %s not inserted", reflect.TypeFor[R]()))
	}
	return r
}
