// Package bridge connects background goroutines to the single-threaded tick
// domain.
//
// ARCHITECTURE:
//
// Two execution domains exist in a duplex process:
//
//   - The tick domain: one goroutine that owns all observable state and runs
//     once per tick. It is the only goroutine allowed to mutate that state.
//   - The background domain: goroutines started through an Executor that do
//     network I/O (identity creation, sends, the inbound receive loop).
//
// The ONLY channel from the background domain into the tick domain is
// Bridge.RunOnTick: a closure is queued in a Mailbox and executed exactly
// once, on the tick goroutine, at the start of a later tick. No state is
// shared across domains; it is handed off through this one queue.
//
// Executors:
//
//   - Pool runs every task on its own goroutine (multi-threaded host).
//   - Serial runs tasks one at a time on a single worker goroutine
//     (cooperative host). Long-lived work must yield by returning and
//     spawning a follow-up task.
//
// Both satisfy the same Executor contract, so callers never know which one
// they run on.
//
// Cancellation:
//
// Every task receives a context derived from the bridge's root context.
// Shutdown cancels that root, refuses new work, closes the mailbox and waits
// (bounded by the caller's context) for running tasks to return.
package bridge
