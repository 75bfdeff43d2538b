// Package bind provides deferred single-assignment binding primitives:
// memory slots that start empty and are written exactly once, after which
// every read observes the same value with happens-before visibility and
// without taking a lock.
//
// Three container shapes share one state machine and one contention
// protocol:
//
//   - CellOf: a single scalar slot.
//   - ListOf: a fixed-length indexed table of independent slots, computed
//     on demand from a shared index generator.
//   - TableOf: an open-addressed table over a fixed, pre-declared key set,
//     each key's slot independently single-assignment.
//
// When several goroutines race to bind the same slot, exactly one becomes
// the binder and runs the computation; the others park on a per-slot lock
// and wake to the published result. A computation that reads its own slot,
// directly or transitively on the same goroutine, fails with ErrCircular
// instead of deadlocking. A computation that fails is memoized: it is never
// retried, and later callers observe ErrPriorFailure carrying the original
// cause.
//
// Once a slot is terminal, reads are a single atomic load on the fast path.
// Contention on one slot never blocks operations on other slots of the same
// container.
package bind
