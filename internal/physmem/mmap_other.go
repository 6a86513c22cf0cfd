//go:build !(linux || darwin)

package physmem

import "unsafe"

func mapMemory(size int) ([]byte, func() error, error) {
	// Back with uint64s so the slice is word aligned for the index atomics.
	words := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return mem, func() error { return nil }, nil
}
