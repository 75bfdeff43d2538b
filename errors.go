package bind

import (
	"errors"
	"fmt"
)

var (
	// ErrUnbound is returned when a non-computing read reaches a slot that
	// has never been bound.
	ErrUnbound = errors.New("bind: slot is unbound")
	// ErrAlreadyBound is returned by an explicit bind on a slot that has
	// already reached a terminal state.
	ErrAlreadyBound = errors.New("bind: slot is already bound")
	// ErrCircular is returned when a slot's own computation, directly or
	// transitively on the same goroutine, reads the slot before its first
	// binding completed. It always indicates a programming defect and is
	// never converted to a fallback value.
	ErrCircular = errors.New("bind: circular binding")
	// ErrPriorFailure is returned when a slot's computation previously
	// failed. The original cause is wrapped and reachable via errors.Is
	// and errors.As; the computation is never re-run.
	ErrPriorFailure = errors.New("bind: prior binding computation failed")
	// ErrKeyNotAllowed is returned for keys outside a table's declared
	// key set.
	ErrKeyNotAllowed = errors.New("bind: key is not in the declared key set")
	// ErrIndexOutOfRange is returned for indices outside [0, Len).
	ErrIndexOutOfRange = errors.New("bind: index out of range")
)

// priorFailure wraps the memoized cause so callers can match both
// ErrPriorFailure and the original error.
func priorFailure(cause error) error {
	return fmt.Errorf("%w: %w", ErrPriorFailure, cause)
}

// panicError memoizes a panic raised by a binding computation. The panic
// value itself is re-raised to the binder's caller; later callers observe
// the slot in the error state with this as the cause.
type panicError struct {
	val any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("binding computation panicked: %v", e.val)
}
