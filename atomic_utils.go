package bind

import (
	"sync/atomic"
	"unsafe"
)

// Thin wrappers over sync/atomic. They keep every state-word and
// lock-pointer access behind one call shape so the memory protocol is
// auditable in one place. All loads pair acquire with the corresponding
// release store: a terminal state observed through loadUint32 guarantees
// visibility of the value written before the matching storeUint32.

//go:nosplit
func loadUint32(addr *uint32) uint32 {
	return atomic.LoadUint32(addr)
}

//go:nosplit
func storeUint32(addr *uint32, val uint32) {
	atomic.StoreUint32(addr, val)
}

//go:nosplit
func loadPointer(addr *unsafe.Pointer) unsafe.Pointer {
	return atomic.LoadPointer(addr)
}

//go:nosplit
func storePointer(addr *unsafe.Pointer, val unsafe.Pointer) {
	atomic.StorePointer(addr, val)
}

//go:nosplit
func casPointer(addr *unsafe.Pointer, old, new unsafe.Pointer) bool {
	return atomic.CompareAndSwapPointer(addr, old, new)
}

// noCopy may be added to structs which must not be copied after first use.
// See https://golang.org/issues/8005#issuecomment-190753527 for details.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
