// Package dispatch routes requests to named workers and decides when each
// worker lives and dies.
//
// A Dispatcher is an actor. One control goroutine drains an unbounded
// mailbox of control messages and is the only code that touches the worker
// table, the start-token bookkeeping, the binding registry and the
// foreground allocator. Each live worker runs on its own goroutine (see
// package worker).
//
// Lifecycle rules:
//   - A worker is created lazily on the first accepted Submit or Bind for its key.
//   - Every accepted Submit allocates a new start token and records it as the
//     key's latest token.
//   - After each item the worker reports the item's token. The report counts
//     only when it equals the latest token, or when it is the bind sentinel
//     and no start is outstanding. A counting report clears the latest token
//     and destroys the worker unless a connection is still bound.
//   - Unbinding the last connection reports the bind sentinel.
//
// Requests addressed to the other domain are sealed into envelopes and
// handed to the deferred-delivery service; the other side's poller claims
// them and submits them to its own dispatcher.
//
// Error handling:
//   - Calls on a nil or unstarted dispatcher log a warning and return a neutral value.
//   - Unknown keys, factory errors and OnCreate failures are logged; the request is dropped.
//   - Handler errors and panics are logged by the worker; the token is still reported.
//   - A full foreground pool drops the request; callers retry.
//
// Connection callbacks and service lifecycle hooks run on the control
// goroutine. They must not call Bind, Unbind, StartForeground,
// StopForeground or Snapshot; Submit and the worker Host methods are safe.
package dispatch
