package physmem

import (
	"sync/atomic"
	"unsafe"
)

// Ring indices are 16-bit fields shared between the driver and the device.
// Go has no 16-bit atomics, so both helpers operate on the containing
// naturally aligned 32-bit word. This assumes a little-endian host, which
// matches the byte order of the legacy virtio layout.

func word(b []byte, off int) (*uint32, uint) {
	w := off &^ 3
	_ = b[w+3]
	return (*uint32)(unsafe.Pointer(&b[w])), uint(off&3) * 8
}

// LoadUint16 atomically loads the little-endian uint16 at b[off:].
// off must be even and b must be 4-byte aligned.
func LoadUint16(b []byte, off int) uint16 {
	p, shift := word(b, off)
	return uint16(atomic.LoadUint32(p) >> shift)
}

// StoreUint16 atomically stores v at b[off:] without disturbing the other
// half of the containing word.
func StoreUint16(b []byte, off int, v uint16) {
	p, shift := word(b, off)
	mask := uint32(0xFFFF) << shift
	for {
		old := atomic.LoadUint32(p)
		next := old&^mask | uint32(v)<<shift
		if atomic.CompareAndSwapUint32(p, old, next) {
			return
		}
	}
}
