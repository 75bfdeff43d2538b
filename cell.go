package bind

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// CellOf is a single-assignment slot for a value of type V.
//
// A cell starts unbound, optionally carrying a supplier given at
// construction. It is bound at most once, either explicitly through Bind
// or by the one goroutine that wins the race in ComputeIfUnbound (or Get,
// for a supplied cell). Once bound, Get is a single atomic load with no
// locking, and every goroutine observes the same value.
//
// A failed computation is memoized: the cell reaches the error state, the
// binder's caller receives the original error, and every later caller
// receives ErrPriorFailure wrapping it. The computation never runs twice.
//
// A computation that reads its own cell on the same goroutine fails with
// ErrCircular instead of deadlocking.
//
// A CellOf must not be copied after first use.
type CellOf[V any] struct {
	_      noCopy
	state  uint32
	// binder holds the goroutine id of the in-flight binder, 0 otherwise.
	// atomic.Int64 is used for its 8-byte alignment guarantee on 32-bit
	// architectures.
	binder atomic.Int64
	mu     sync.Mutex
	val    V
	err    error // memoized cause, written before state reaches stateErrored
	// fn survives terminal transitions: Reset returns the cell to
	// unbound, and the supplier must be able to run again.
	fn func() (V, error)
}

// NewCellOf creates an empty unbound cell. Get on it fails with ErrUnbound
// until a value is supplied through Bind or ComputeIfUnbound.
func NewCellOf[V any]() *CellOf[V] {
	return &CellOf[V]{}
}

// NewSuppliedCellOf creates an unbound cell carrying fn. The first Get (or
// ComputeIfUnbound) runs fn at most once; fn is never invoked before that.
func NewSuppliedCellOf[V any](fn func() (V, error)) *CellOf[V] {
	if fn == nil {
		panic("bind: nil supplier")
	}
	return &CellOf[V]{fn: fn}
}

// Get returns the bound value.
//
// On a cell constructed with a supplier it behaves like ComputeIfUnbound
// with that supplier. On an empty cell it fails with ErrUnbound if nothing
// was ever bound, waiting out an in-flight binder first. It fails with
// ErrCircular when called from inside the cell's own computation, and with
// ErrPriorFailure when a previous computation failed.
func (c *CellOf[V]) Get() (V, error) {
	if loadUint32(&c.state) == stateBound {
		return c.val, nil
	}
	return c.getSlow()
}

func (c *CellOf[V]) getSlow() (V, error) {
	var zero V
	switch loadUint32(&c.state) {
	case stateBound:
		return c.val, nil
	case stateErrored:
		return zero, priorFailure(c.err)
	case stateBinding:
		if c.binder.Load() == goid.Get() {
			return zero, ErrCircular
		}
	}
	if c.fn != nil {
		return c.compute(c.fn)
	}
	// No supplier: park behind any in-flight binder, then report what the
	// cell holds.
	c.mu.Lock()
	s := loadUint32(&c.state)
	c.mu.Unlock()
	switch s {
	case stateBound:
		return c.val, nil
	case stateErrored:
		return zero, priorFailure(c.err)
	}
	return zero, ErrUnbound
}

// OrElse returns the bound value, or fallback when the cell is unbound or
// its computation failed. It never triggers a computation and never
// retries a failed one. Like Get it waits out a binder running on another
// goroutine; called from inside the cell's own computation it panics with
// ErrCircular, which must never be converted to a fallback.
func (c *CellOf[V]) OrElse(fallback V) V {
	switch loadUint32(&c.state) {
	case stateBound:
		return c.val
	case stateBinding:
		if c.binder.Load() == goid.Get() {
			panic(ErrCircular)
		}
		c.mu.Lock()
		s := loadUint32(&c.state)
		c.mu.Unlock()
		if s == stateBound {
			return c.val
		}
	}
	return fallback
}

// Bind binds the cell to v. It fails with ErrAlreadyBound once the cell is
// terminal; racing Bind and ComputeIfUnbound calls follow the same state
// machine and exactly one proposer wins. Called from inside the cell's own
// computation it fails with ErrCircular.
func (c *CellOf[V]) Bind(v V) error {
	switch loadUint32(&c.state) {
	case stateBound, stateErrored:
		return ErrAlreadyBound
	case stateBinding:
		if c.binder.Load() == goid.Get() {
			return ErrCircular
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch loadUint32(&c.state) {
	case stateBound, stateErrored:
		return ErrAlreadyBound
	}
	c.val = v
	storeUint32(&c.state, stateBound)
	return nil
}

// ComputeIfUnbound returns the bound value, running fn to produce it if
// the cell is unbound. Under concurrent first access exactly one caller
// runs fn; the rest block on the cell's lock and wake to the published
// result. fn's failure is memoized (see Get); fn's panic is memoized and
// then re-raised unchanged.
func (c *CellOf[V]) ComputeIfUnbound(fn func() (V, error)) (V, error) {
	if fn == nil {
		panic("bind: nil supplier")
	}
	if loadUint32(&c.state) == stateBound {
		return c.val, nil
	}
	return c.compute(fn)
}

func (c *CellOf[V]) compute(fn func() (V, error)) (V, error) {
	var zero V
	switch loadUint32(&c.state) {
	case stateBound:
		return c.val, nil
	case stateErrored:
		return zero, priorFailure(c.err)
	case stateBinding:
		// Reacquiring c.mu here would deadlock; same-goroutine reentry
		// must fail fast instead.
		if c.binder.Load() == goid.Get() {
			return zero, ErrCircular
		}
	}
	c.mu.Lock()
	switch loadUint32(&c.state) {
	case stateBound:
		c.mu.Unlock()
		return c.val, nil
	case stateErrored:
		c.mu.Unlock()
		return zero, priorFailure(c.err)
	}
	c.binder.Store(goid.Get())
	storeUint32(&c.state, stateBinding)
	defer func() {
		if r := recover(); r != nil {
			c.err = &panicError{val: r}
			storeUint32(&c.state, stateErrored)
			c.binder.Store(0)
			c.mu.Unlock()
			panic(r)
		}
	}()
	v, err := fn()
	if err != nil {
		c.err = err
		storeUint32(&c.state, stateErrored)
		c.binder.Store(0)
		c.mu.Unlock()
		return zero, err
	}
	c.val = v
	storeUint32(&c.state, stateBound)
	c.binder.Store(0)
	c.mu.Unlock()
	return v, nil
}

// Reset returns the cell to the unbound state so the owner can bind it
// again. This is the only backward transition in the state machine and is
// never implicit: the caller must guarantee no goroutine reads the cell
// concurrently. Reset serializes behind a binder running on another
// goroutine; called from inside the cell's own computation it fails with
// ErrCircular.
func (c *CellOf[V]) Reset() error {
	if loadUint32(&c.state) == stateBinding && c.binder.Load() == goid.Get() {
		return ErrCircular
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	c.val = zero
	c.err = nil
	storeUint32(&c.state, stateUnbound)
	return nil
}

// IsBound reports whether the cell holds a value.
func (c *CellOf[V]) IsBound() bool {
	return loadUint32(&c.state) == stateBound
}

// IsBinding reports whether a computation is in flight.
func (c *CellOf[V]) IsBinding() bool {
	return loadUint32(&c.state) == stateBinding
}

// IsError reports whether the cell's computation failed.
func (c *CellOf[V]) IsError() bool {
	return loadUint32(&c.state) == stateErrored
}

// String implements fmt.Stringer. It never triggers a computation and
// takes no locks.
func (c *CellOf[V]) String() string {
	if s := loadUint32(&c.state); s != stateBound {
		return "CellOf[<" + stateName(s) + ">]"
	}
	return fmt.Sprintf("CellOf[%v]", c.val)
}
