package bind

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/petermattis/goid"
)

// ListOf is a fixed-length table of single-assignment slots, one per
// index. Each slot runs the same state machine as CellOf, computed on
// demand from the shared generator given at construction (index -> value),
// or bound explicitly through Bind.
//
// Slots are fully independent: each has its own lock object, lazily
// allocated and CAS-published on first contention, so a slow computation
// on one index never blocks access to any other index. A shared remaining
// counter tracks slots that have not yet reached a terminal state; when it
// hits zero the generator reference and the lock array are dropped so they
// can be collected.
//
// A ListOf must not be copied after first use.
type ListOf[V any] struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		slots     []listSlot[struct{}]
		gen       unsafe.Pointer
		locks     unsafe.Pointer
		remaining atomic.Int64
	}{})%CacheLineSize) % CacheLineSize]byte

	_         noCopy
	slots     []listSlot[V]
	gen       unsafe.Pointer // *func(int) (V, error); nil once every slot is terminal
	locks     unsafe.Pointer // *[]unsafe.Pointer of *sync.Mutex; nil once every slot is terminal
	remaining atomic.Int64
}

type listSlot[V any] struct {
	binder atomic.Int64 // goroutine id of the in-flight binder, 0 otherwise
	state  uint32
	val    V
	err    error
}

// NewListOf creates a list of n unbound slots. gen computes the value for
// an index on its first read; it runs at most once per index, regardless
// of how many goroutines race or how many other indices reference it. A
// nil gen leaves every slot to be bound explicitly through Bind.
func NewListOf[V any](n int, gen func(int) (V, error)) *ListOf[V] {
	if n < 0 {
		panic("bind: negative list length")
	}
	l := &ListOf[V]{slots: make([]listSlot[V], n)}
	l.remaining.Store(int64(n))
	if n == 0 {
		return l
	}
	locks := make([]unsafe.Pointer, n)
	storePointer(&l.locks, unsafe.Pointer(&locks))
	if gen != nil {
		storePointer(&l.gen, unsafe.Pointer(&gen))
	}
	return l
}

// Get returns the value at index i, running the generator for i if the
// slot is unbound. Error cases match CellOf.Get, plus ErrIndexOutOfRange
// for i outside [0, Len).
func (l *ListOf[V]) Get(i int) (V, error) {
	if i < 0 || i >= len(l.slots) {
		var zero V
		return zero, fmt.Errorf("%w: %d with length %d", ErrIndexOutOfRange, i, len(l.slots))
	}
	s := &l.slots[i]
	if loadUint32(&s.state) == stateBound {
		return s.val, nil
	}
	return l.getSlow(i, s)
}

func (l *ListOf[V]) getSlow(i int, s *listSlot[V]) (V, error) {
	var zero V
	switch loadUint32(&s.state) {
	case stateBound:
		return s.val, nil
	case stateErrored:
		return zero, priorFailure(s.err)
	case stateBinding:
		if s.binder.Load() == goid.Get() {
			return zero, ErrCircular
		}
	}
	if gp := (*func(int) (V, error))(loadPointer(&l.gen)); gp != nil {
		gen := *gp
		return l.compute(i, s, func() (V, error) { return gen(i) })
	}
	// No generator (or it was already released): park behind any in-flight
	// binder, then report what the slot holds.
	l.wait(i)
	switch loadUint32(&s.state) {
	case stateBound:
		return s.val, nil
	case stateErrored:
		return zero, priorFailure(s.err)
	}
	return zero, ErrUnbound
}

// OrElse returns the value at index i, or fallback when the slot is
// unbound or its computation failed. It never triggers the generator.
// An out-of-range index panics; circular reentry panics with ErrCircular.
func (l *ListOf[V]) OrElse(i int, fallback V) V {
	if i < 0 || i >= len(l.slots) {
		panic(fmt.Sprintf("bind: index out of range [%d] with length %d", i, len(l.slots)))
	}
	s := &l.slots[i]
	switch loadUint32(&s.state) {
	case stateBound:
		return s.val
	case stateBinding:
		if s.binder.Load() == goid.Get() {
			panic(ErrCircular)
		}
		l.wait(i)
		if loadUint32(&s.state) == stateBound {
			return s.val
		}
	}
	return fallback
}

// Bind binds index i to v, bypassing the generator. It fails with
// ErrAlreadyBound once the slot is terminal; racing Bind and generator
// computations follow the same state machine and exactly one wins.
func (l *ListOf[V]) Bind(i int, v V) error {
	if i < 0 || i >= len(l.slots) {
		return fmt.Errorf("%w: %d with length %d", ErrIndexOutOfRange, i, len(l.slots))
	}
	s := &l.slots[i]
	switch loadUint32(&s.state) {
	case stateBound, stateErrored:
		return ErrAlreadyBound
	case stateBinding:
		if s.binder.Load() == goid.Get() {
			return ErrCircular
		}
	}
	mu := l.mutexFor(i)
	if mu == nil {
		return ErrAlreadyBound
	}
	mu.Lock()
	switch loadUint32(&s.state) {
	case stateBound, stateErrored:
		mu.Unlock()
		return ErrAlreadyBound
	}
	s.val = v
	storeUint32(&s.state, stateBound)
	mu.Unlock()
	l.release()
	return nil
}

// ComputeIfUnbound returns the value at index i, running fn to produce it
// if the slot is unbound. fn takes the place of the generator for this
// slot; the at-most-once and memoization guarantees are unchanged.
func (l *ListOf[V]) ComputeIfUnbound(i int, fn func() (V, error)) (V, error) {
	if fn == nil {
		panic("bind: nil supplier")
	}
	if i < 0 || i >= len(l.slots) {
		var zero V
		return zero, fmt.Errorf("%w: %d with length %d", ErrIndexOutOfRange, i, len(l.slots))
	}
	s := &l.slots[i]
	if loadUint32(&s.state) == stateBound {
		return s.val, nil
	}
	return l.compute(i, s, fn)
}

func (l *ListOf[V]) compute(i int, s *listSlot[V], fn func() (V, error)) (V, error) {
	var zero V
	switch loadUint32(&s.state) {
	case stateBound:
		return s.val, nil
	case stateErrored:
		return zero, priorFailure(s.err)
	case stateBinding:
		// Taking the slot mutex here would deadlock; same-goroutine
		// reentry must fail fast instead.
		if s.binder.Load() == goid.Get() {
			return zero, ErrCircular
		}
	}
	mu := l.mutexFor(i)
	if mu == nil {
		// Lock array released: every slot is terminal.
		if loadUint32(&s.state) == stateBound {
			return s.val, nil
		}
		return zero, priorFailure(s.err)
	}
	mu.Lock()
	switch loadUint32(&s.state) {
	case stateBound:
		mu.Unlock()
		return s.val, nil
	case stateErrored:
		mu.Unlock()
		return zero, priorFailure(s.err)
	}
	s.binder.Store(goid.Get())
	storeUint32(&s.state, stateBinding)
	defer func() {
		if r := recover(); r != nil {
			s.err = &panicError{val: r}
			storeUint32(&s.state, stateErrored)
			s.binder.Store(0)
			mu.Unlock()
			l.release()
			panic(r)
		}
	}()
	v, err := fn()
	if err != nil {
		s.err = err
		storeUint32(&s.state, stateErrored)
		s.binder.Store(0)
		mu.Unlock()
		l.release()
		return zero, err
	}
	s.val = v
	storeUint32(&s.state, stateBound)
	s.binder.Store(0)
	mu.Unlock()
	l.release()
	return v, nil
}

// mutexFor returns index i's lock object, allocating and CAS-publishing it
// on first contention so only one object per index ever wins. A nil return
// means the lock array was released because every slot is terminal.
func (l *ListOf[V]) mutexFor(i int) *sync.Mutex {
	lp := (*[]unsafe.Pointer)(loadPointer(&l.locks))
	if lp == nil {
		return nil
	}
	addr := &(*lp)[i]
	for {
		if p := loadPointer(addr); p != nil {
			return (*sync.Mutex)(p)
		}
		m := new(sync.Mutex)
		if casPointer(addr, nil, unsafe.Pointer(m)) {
			return m
		}
	}
}

// wait parks behind an in-flight binder for index i, if any.
func (l *ListOf[V]) wait(i int) {
	if mu := l.mutexFor(i); mu != nil {
		mu.Lock()
		//lint:ignore SA2001 empty critical section parks behind the binder
		mu.Unlock()
	}
}

// release records one slot reaching a terminal state. When the last slot
// settles, the generator and the lock array become unreachable from the
// list so they can be collected; neither is needed again.
func (l *ListOf[V]) release() {
	if l.remaining.Add(-1) == 0 {
		storePointer(&l.gen, nil)
		storePointer(&l.locks, nil)
	}
}

// Len returns the fixed length of the list.
func (l *ListOf[V]) Len() int {
	return len(l.slots)
}

// Remaining returns the number of slots that have not yet reached a
// terminal state.
func (l *ListOf[V]) Remaining() int {
	return int(l.remaining.Load())
}

// IsBound reports whether index i holds a value. Out-of-range indices
// report false.
func (l *ListOf[V]) IsBound(i int) bool {
	return i >= 0 && i < len(l.slots) && loadUint32(&l.slots[i].state) == stateBound
}

// IsBinding reports whether a computation for index i is in flight.
func (l *ListOf[V]) IsBinding(i int) bool {
	return i >= 0 && i < len(l.slots) && loadUint32(&l.slots[i].state) == stateBinding
}

// IsError reports whether index i's computation failed.
func (l *ListOf[V]) IsError(i int) bool {
	return i >= 0 && i < len(l.slots) && loadUint32(&l.slots[i].state) == stateErrored
}

// All returns an iterator over the list in index order. Each element is
// bound as it is visited, exactly as a single-index Get would bind it, not
// when the iterator is constructed. Slots that cannot produce a value end
// the iteration: a failed computation stops it (the memoized error stays
// observable via Get), and on a generator-less list unbound slots are
// skipped.
func (l *ListOf[V]) All() iter.Seq2[int, V] {
	return func(yield func(int, V) bool) {
		for i := range l.slots {
			v, err := l.Get(i)
			if err != nil {
				if errors.Is(err, ErrUnbound) {
					continue
				}
				return
			}
			if !yield(i, v) {
				return
			}
		}
	}
}

// String implements fmt.Stringer. It renders every slot without triggering
// the generator; non-bound slots render as their state marker.
func (l *ListOf[V]) String() string {
	var sb strings.Builder
	sb.WriteString("ListOf[")
	for i := range l.slots {
		if i > 0 {
			sb.WriteByte(' ')
		}
		s := &l.slots[i]
		if st := loadUint32(&s.state); st != stateBound {
			sb.WriteString("<" + stateName(st) + ">")
		} else {
			fmt.Fprintf(&sb, "%v", s.val)
		}
	}
	sb.WriteByte(']')
	return sb.String()
}
