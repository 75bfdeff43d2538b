package bind

import (
	"fmt"
	"iter"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/petermattis/goid"
)

// TableOf associates each key of a fixed, pre-declared set with a
// single-assignment slot. Keys outside the set are rejected with
// ErrKeyNotAllowed; they can never be added later, so key lookup never
// races with anything.
//
// The table is open-addressed with linear probing and sized to four times
// the key count (rounded up to a power of two), keeping probe chains
// short. Every key is inserted before the constructor returns; after that
// the table's shape is immutable and only value binding is concurrent.
// Each slot carries its own lazily-published lock object, so binding one
// key never contends with operations on any other key.
//
// A TableOf must not be copied after first use.
type TableOf[K comparable, V any] struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		entries []tableEntry[string, struct{}]
		keyHash hashFunc
		seed    uintptr
		mask    int
		keys    int
	}{})%CacheLineSize) % CacheLineSize]byte

	_       noCopy
	entries []tableEntry[K, V]
	keyHash hashFunc
	seed    uintptr
	mask    int
	keys    int
}

type tableEntry[K comparable, V any] struct {
	binder atomic.Int64   // goroutine id of the in-flight binder, 0 otherwise
	lock   unsafe.Pointer // *sync.Mutex, CAS-published on first contention
	state  uint32
	used   bool
	key    K
	val    V
	err    error
}

// NewTableOf creates a table over the given key set with every slot
// unbound. Duplicate keys collapse to a single slot. The key set is
// immutable from here on.
func NewTableOf[K comparable, V any](keys []K) *TableOf[K, V] {
	t := &TableOf[K, V]{
		seed:    uintptr(rand.Uint64()),
		keyHash: defaultKeyHasher[K](),
	}
	n := nextPowOf2(4 * len(keys))
	t.entries = make([]tableEntry[K, V], n)
	t.mask = n - 1
	for _, k := range keys {
		i := int(t.keyHash(noescape(unsafe.Pointer(&k)), t.seed)) & t.mask
		for {
			e := &t.entries[i]
			if !e.used {
				e.used = true
				e.key = k
				t.keys++
				break
			}
			if e.key == k {
				break
			}
			i = (i + 1) & t.mask
		}
	}
	return t
}

// find probes for k's slot. Probe reads are plain: the shape was fixed
// before the table was published. A nil return means k was never declared.
func (t *TableOf[K, V]) find(k K) *tableEntry[K, V] {
	i := int(t.keyHash(noescape(unsafe.Pointer(&k)), t.seed)) & t.mask
	for {
		e := &t.entries[i]
		if !e.used {
			return nil
		}
		if e.key == k {
			return e
		}
		i = (i + 1) & t.mask
	}
}

// Get returns the value bound to k. Error cases match CellOf.Get, plus
// ErrKeyNotAllowed for keys outside the declared set (distinct from an
// unbound slot).
func (t *TableOf[K, V]) Get(k K) (V, error) {
	e := t.find(k)
	if e == nil {
		var zero V
		return zero, fmt.Errorf("%w: %v", ErrKeyNotAllowed, k)
	}
	if loadUint32(&e.state) == stateBound {
		return e.val, nil
	}
	return t.getSlow(e)
}

func (t *TableOf[K, V]) getSlow(e *tableEntry[K, V]) (V, error) {
	var zero V
	switch loadUint32(&e.state) {
	case stateBound:
		return e.val, nil
	case stateErrored:
		return zero, priorFailure(e.err)
	case stateBinding:
		if e.binder.Load() == goid.Get() {
			return zero, ErrCircular
		}
		mu := e.mutex()
		mu.Lock()
		//lint:ignore SA2001 empty critical section parks behind the binder
		mu.Unlock()
		switch loadUint32(&e.state) {
		case stateBound:
			return e.val, nil
		case stateErrored:
			return zero, priorFailure(e.err)
		}
	}
	return zero, ErrUnbound
}

// OrElse returns the value bound to k, or fallback when the slot is
// unbound or its computation failed. It never triggers a computation. An
// undeclared key panics (structural misuse); circular reentry panics with
// ErrCircular.
func (t *TableOf[K, V]) OrElse(k K, fallback V) V {
	e := t.find(k)
	if e == nil {
		panic(fmt.Sprintf("bind: key not in the declared key set: %v", k))
	}
	switch loadUint32(&e.state) {
	case stateBound:
		return e.val
	case stateBinding:
		if e.binder.Load() == goid.Get() {
			panic(ErrCircular)
		}
		mu := e.mutex()
		mu.Lock()
		//lint:ignore SA2001 empty critical section parks behind the binder
		mu.Unlock()
		if loadUint32(&e.state) == stateBound {
			return e.val
		}
	}
	return fallback
}

// Bind binds k to v. It fails with ErrKeyNotAllowed for undeclared keys
// and ErrAlreadyBound once the slot is terminal; racing Bind and
// ComputeIfUnbound calls follow the same state machine and one wins.
func (t *TableOf[K, V]) Bind(k K, v V) error {
	e := t.find(k)
	if e == nil {
		return fmt.Errorf("%w: %v", ErrKeyNotAllowed, k)
	}
	switch loadUint32(&e.state) {
	case stateBound, stateErrored:
		return ErrAlreadyBound
	case stateBinding:
		if e.binder.Load() == goid.Get() {
			return ErrCircular
		}
	}
	mu := e.mutex()
	mu.Lock()
	defer mu.Unlock()
	switch loadUint32(&e.state) {
	case stateBound, stateErrored:
		return ErrAlreadyBound
	}
	e.val = v
	storeUint32(&e.state, stateBound)
	return nil
}

// ComputeIfUnbound returns the value bound to k, running fn to produce it
// if the slot is unbound. The at-most-once guarantee is scoped per key:
// concurrent callers for the same key run fn once between them, while
// other keys proceed untouched.
func (t *TableOf[K, V]) ComputeIfUnbound(k K, fn func() (V, error)) (V, error) {
	if fn == nil {
		panic("bind: nil supplier")
	}
	e := t.find(k)
	if e == nil {
		var zero V
		return zero, fmt.Errorf("%w: %v", ErrKeyNotAllowed, k)
	}
	if loadUint32(&e.state) == stateBound {
		return e.val, nil
	}
	return t.compute(e, fn)
}

func (t *TableOf[K, V]) compute(e *tableEntry[K, V], fn func() (V, error)) (V, error) {
	var zero V
	switch loadUint32(&e.state) {
	case stateBound:
		return e.val, nil
	case stateErrored:
		return zero, priorFailure(e.err)
	case stateBinding:
		// Taking the slot mutex here would deadlock; same-goroutine
		// reentry must fail fast instead.
		if e.binder.Load() == goid.Get() {
			return zero, ErrCircular
		}
	}
	mu := e.mutex()
	mu.Lock()
	switch loadUint32(&e.state) {
	case stateBound:
		mu.Unlock()
		return e.val, nil
	case stateErrored:
		mu.Unlock()
		return zero, priorFailure(e.err)
	}
	e.binder.Store(goid.Get())
	storeUint32(&e.state, stateBinding)
	defer func() {
		if r := recover(); r != nil {
			e.err = &panicError{val: r}
			storeUint32(&e.state, stateErrored)
			e.binder.Store(0)
			mu.Unlock()
			panic(r)
		}
	}()
	v, err := fn()
	if err != nil {
		e.err = err
		storeUint32(&e.state, stateErrored)
		e.binder.Store(0)
		mu.Unlock()
		return zero, err
	}
	e.val = v
	storeUint32(&e.state, stateBound)
	e.binder.Store(0)
	mu.Unlock()
	return v, nil
}

// mutex returns the entry's lock object, allocating and CAS-publishing it
// on first contention so only one object per entry ever wins.
func (e *tableEntry[K, V]) mutex() *sync.Mutex {
	for {
		if p := loadPointer(&e.lock); p != nil {
			return (*sync.Mutex)(p)
		}
		m := new(sync.Mutex)
		if casPointer(&e.lock, nil, unsafe.Pointer(m)) {
			return m
		}
	}
}

// Has reports whether k belongs to the declared key set. It never
// triggers a computation.
func (t *TableOf[K, V]) Has(k K) bool {
	return t.find(k) != nil
}

// IsBound reports whether k is declared and holds a value.
func (t *TableOf[K, V]) IsBound(k K) bool {
	e := t.find(k)
	return e != nil && loadUint32(&e.state) == stateBound
}

// Len returns the number of declared keys.
func (t *TableOf[K, V]) Len() int {
	return t.keys
}

// Keys returns an iterator over the declared key set. Order follows the
// table's internal layout and is not otherwise specified.
func (t *TableOf[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		for i := range t.entries {
			e := &t.entries[i]
			if e.used && !yield(e.key) {
				return
			}
		}
	}
}

// All returns an iterator over the currently bound associations. It is a
// read-only snapshot: unbound, in-flight, and errored slots are skipped
// and no computation is ever triggered.
func (t *TableOf[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for i := range t.entries {
			e := &t.entries[i]
			if !e.used || loadUint32(&e.state) != stateBound {
				continue
			}
			if !yield(e.key, e.val) {
				return
			}
		}
	}
}

// String implements fmt.Stringer. It renders every association without
// triggering computation; non-bound slots render as their state marker.
func (t *TableOf[K, V]) String() string {
	var sb strings.Builder
	sb.WriteString("TableOf[")
	first := true
	for i := range t.entries {
		e := &t.entries[i]
		if !e.used {
			continue
		}
		if !first {
			sb.WriteByte(' ')
		}
		first = false
		if st := loadUint32(&e.state); st != stateBound {
			fmt.Fprintf(&sb, "%v:<%s>", e.key, stateName(st))
		} else {
			fmt.Fprintf(&sb, "%v:%v", e.key, e.val)
		}
	}
	sb.WriteByte(']')
	return sb.String()
}
