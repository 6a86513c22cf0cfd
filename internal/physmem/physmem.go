package physmem

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// PageSize is the granularity of page frame numbers handed to devices.
const PageSize = 4096

var (
	ErrOutOfMemory   = errors.New("physmem: out of memory")
	ErrNotMapped     = errors.New("physmem: address not mapped")
	ErrInvalidRegion = errors.New("physmem: invalid region")
)

// Translator converts a CPU-visible address into the bus address a device
// uses for DMA.
type Translator interface {
	Translate(virt uint64) (uint64, error)
}

// Allocator hands out DMA-capable memory.
type Allocator interface {
	Alloc(size, align int) (Region, error)
	Free(r Region) error
}

// Region is a contiguous allocation. Virt is the address the kernel would
// use to reach Bytes through the direct map.
type Region struct {
	Virt  uint64
	Bytes []byte
}

// Len returns the size of the region in bytes.
func (r Region) Len() int { return len(r.Bytes) }

// HHDM translates by subtracting a fixed higher-half direct map offset.
type HHDM struct {
	Offset uint64
}

// Translate implements Translator.
func (h HHDM) Translate(virt uint64) (uint64, error) {
	if virt < h.Offset {
		return 0, fmt.Errorf("%w: 0x%x is below the direct map at 0x%x", ErrNotMapped, virt, h.Offset)
	}
	return virt - h.Offset, nil
}

type extent struct {
	start int
	end   int
}

// Arena is a block of physical memory mapped at [base, base+size) with a
// direct map at hhdm+phys. It implements Allocator and Translator for the
// driver and io.ReaderAt/io.WriterAt (by physical address) for devices.
type Arena struct {
	mu sync.Mutex

	base uint64
	hhdm uint64
	mem  []byte

	free    []extent
	live    map[int]int
	release func() error
}

// NewArena maps size bytes of memory at physical address base.
func NewArena(base, size, hhdm uint64) (*Arena, error) {
	if size == 0 {
		return nil, fmt.Errorf("physmem: arena size must be non-zero")
	}
	if base%PageSize != 0 {
		return nil, fmt.Errorf("physmem: base 0x%x is not page aligned", base)
	}
	if hhdm+base < hhdm {
		return nil, fmt.Errorf("physmem: direct map offset 0x%x overflows", hhdm)
	}
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("physmem: size %d exceeds host address limit", size)
	}
	size = alignUp(size, PageSize)

	mem, release, err := mapMemory(int(size))
	if err != nil {
		return nil, fmt.Errorf("physmem: map %d bytes: %w", size, err)
	}
	return &Arena{
		base:    base,
		hhdm:    hhdm,
		mem:     mem,
		free:    []extent{{start: 0, end: len(mem)}},
		live:    make(map[int]int),
		release: release,
	}, nil
}

// Close unmaps the arena. Regions handed out become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return nil
	}
	a.mem = nil
	a.free = nil
	a.live = nil
	if a.release != nil {
		return a.release()
	}
	return nil
}

// Base returns the first physical address of the arena.
func (a *Arena) Base() uint64 { return a.base }

// Size returns the mapped size in bytes.
func (a *Arena) Size() int { return len(a.mem) }

// HHDMOffset returns the direct map offset.
func (a *Arena) HHDMOffset() uint64 { return a.hhdm }

// Translate implements Translator for addresses inside the direct map window.
func (a *Arena) Translate(virt uint64) (uint64, error) {
	phys, err := HHDM{Offset: a.hhdm}.Translate(virt)
	if err != nil {
		return 0, err
	}
	if phys < a.base || phys-a.base >= uint64(len(a.mem)) {
		return 0, fmt.Errorf("%w: 0x%x is outside the arena", ErrNotMapped, virt)
	}
	return phys, nil
}

// Alloc reserves size bytes aligned to align (a power of two) in physical
// address space. The returned bytes are zeroed.
func (a *Arena) Alloc(size, align int) (Region, error) {
	if size <= 0 {
		return Region{}, fmt.Errorf("physmem: cannot allocate %d bytes", size)
	}
	if align <= 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return Region{}, fmt.Errorf("physmem: alignment 0x%x is not a power of 2", align)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, ext := range a.free {
		// Alignment is relative to the physical address, not the offset.
		start := int(alignUp(a.base+uint64(ext.start), uint64(align)) - a.base)
		if start+size > ext.end {
			continue
		}
		a.carve(i, start, start+size)
		a.live[start] = size
		b := a.mem[start : start+size : start+size]
		clear(b)
		return Region{
			Virt:  a.hhdm + a.base + uint64(start),
			Bytes: b,
		}, nil
	}
	return Region{}, fmt.Errorf("%w: %d bytes aligned to %d", ErrOutOfMemory, size, align)
}

// carve removes [start, end) from free extent i.
func (a *Arena) carve(i, start, end int) {
	ext := a.free[i]
	var repl []extent
	if ext.start < start {
		repl = append(repl, extent{start: ext.start, end: start})
	}
	if end < ext.end {
		repl = append(repl, extent{start: end, end: ext.end})
	}
	a.free = append(a.free[:i], append(repl, a.free[i+1:]...)...)
}

// Free returns a region obtained from Alloc.
func (a *Arena) Free(r Region) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r.Virt < a.hhdm+a.base {
		return fmt.Errorf("%w: 0x%x", ErrInvalidRegion, r.Virt)
	}
	off := int(r.Virt - a.hhdm - a.base)
	size, ok := a.live[off]
	if !ok || size != len(r.Bytes) {
		return fmt.Errorf("%w: 0x%x is not a live allocation", ErrInvalidRegion, r.Virt)
	}
	delete(a.live, off)

	a.free = append(a.free, extent{start: off, end: off + size})
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].start < a.free[j].start })

	merged := a.free[:1]
	for _, ext := range a.free[1:] {
		last := &merged[len(merged)-1]
		if ext.start <= last.end {
			if ext.end > last.end {
				last.end = ext.end
			}
			continue
		}
		merged = append(merged, ext)
	}
	a.free = merged
	return nil
}

// Available returns the number of free bytes, ignoring fragmentation.
func (a *Arena) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, ext := range a.free {
		n += ext.end - ext.start
	}
	return n
}

// Allocations returns the number of live regions.
func (a *Arena) Allocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

func (a *Arena) offset(phys uint64, n int) (int, error) {
	if phys < a.base {
		return 0, fmt.Errorf("%w: physical 0x%x", ErrNotMapped, phys)
	}
	off := phys - a.base
	if off > uint64(len(a.mem)) || uint64(n) > uint64(len(a.mem))-off {
		return 0, fmt.Errorf("%w: physical 0x%x+%d", ErrNotMapped, phys, n)
	}
	return int(off), nil
}

// ReadAt reads from physical address off.
func (a *Arena) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative address", ErrNotMapped)
	}
	start, err := a.offset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, a.mem[start:]), nil
}

// WriteAt writes to physical address off.
func (a *Arena) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative address", ErrNotMapped)
	}
	start, err := a.offset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(a.mem[start:], p), nil
}

// LoadUint16 atomically loads the 16-bit value at physical address phys.
func (a *Arena) LoadUint16(phys uint64) (uint16, error) {
	off, err := a.offset(phys, 2)
	if err != nil {
		return 0, err
	}
	if off%2 != 0 {
		return 0, fmt.Errorf("physmem: unaligned 16-bit load at 0x%x", phys)
	}
	return LoadUint16(a.mem, off), nil
}

// StoreUint16 atomically stores a 16-bit value at physical address phys.
func (a *Arena) StoreUint16(phys uint64, v uint16) error {
	off, err := a.offset(phys, 2)
	if err != nil {
		return err
	}
	if off%2 != 0 {
		return fmt.Errorf("physmem: unaligned 16-bit store at 0x%x", phys)
	}
	StoreUint16(a.mem, off, v)
	return nil
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

var (
	_ Allocator  = (*Arena)(nil)
	_ Translator = (*Arena)(nil)
	_ Translator = HHDM{}
)
