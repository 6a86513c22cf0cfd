package chipset

import (
	"fmt"
	"sync/atomic"
)

// firstDeviceVector is the lowest vector not reserved for CPU exceptions.
const firstDeviceVector = 0x20

// Vectors is the interrupt dispatch table. Lookups are lock-free so
// Dispatch may run concurrently with any device or driver code.
type Vectors struct {
	slots    [256]atomic.Pointer[func()]
	spurious atomic.Uint64
}

// Register installs fn as the handler for vector.
func (v *Vectors) Register(vector uint8, fn func()) error {
	if fn == nil {
		return fmt.Errorf("vectors: nil handler for vector 0x%x", vector)
	}
	if vector < firstDeviceVector {
		return fmt.Errorf("vectors: vector 0x%x is reserved for exceptions", vector)
	}
	if !v.slots[vector].CompareAndSwap(nil, &fn) {
		return fmt.Errorf("vectors: vector 0x%x already has a handler", vector)
	}
	return nil
}

// Unregister removes the handler for vector.
func (v *Vectors) Unregister(vector uint8) {
	v.slots[vector].Store(nil)
}

// Dispatch runs the handler for vector and reports whether one was installed.
func (v *Vectors) Dispatch(vector uint8) bool {
	fn := v.slots[vector].Load()
	if fn == nil {
		v.spurious.Add(1)
		return false
	}
	(*fn)()
	return true
}

// Spurious returns the number of dispatches that found no handler.
func (v *Vectors) Spurious() uint64 {
	return v.spurious.Load()
}

// Assert implements IoApicRouting by dispatching on the calling goroutine.
func (v *Vectors) Assert(vector uint8, _ uint8, _ uint8, _ uint8, _ bool) {
	v.Dispatch(vector)
}

var _ IoApicRouting = (*Vectors)(nil)
