package physmem

import (
	"errors"
	"sync"
	"testing"
)

func newTestArena(t *testing.T, size uint64) *Arena {
	t.Helper()
	a, err := NewArena(0x100000, size, 0xffff800000000000)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestArenaAllocAlignment(t *testing.T) {
	a := newTestArena(t, 64*1024)

	small, err := a.Alloc(529, 8)
	if err != nil {
		t.Fatalf("Alloc small: %v", err)
	}
	page, err := a.Alloc(8192, PageSize)
	if err != nil {
		t.Fatalf("Alloc page: %v", err)
	}

	phys, err := a.Translate(page.Virt)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if phys%PageSize != 0 {
		t.Fatalf("expected page aligned physical address, got 0x%x", phys)
	}
	if small.Len() != 529 || page.Len() != 8192 {
		t.Fatalf("unexpected region sizes %d/%d", small.Len(), page.Len())
	}
	if a.Allocations() != 2 {
		t.Fatalf("expected 2 live allocations, got %d", a.Allocations())
	}
}

func TestArenaFreeCoalesces(t *testing.T) {
	a := newTestArena(t, 16*1024)
	total := a.Available()

	var regions []Region
	for i := 0; i < 4; i++ {
		r, err := a.Alloc(4096, PageSize)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		regions = append(regions, r)
	}
	if _, err := a.Alloc(1, 1); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}

	for _, i := range []int{1, 3, 0, 2} {
		if err := a.Free(regions[i]); err != nil {
			t.Fatalf("Free %d: %v", i, err)
		}
	}
	if a.Available() != total {
		t.Fatalf("expected %d bytes free, got %d", total, a.Available())
	}
	if _, err := a.Alloc(16*1024, PageSize); err != nil {
		t.Fatalf("expected full-size allocation after coalescing: %v", err)
	}
}

func TestArenaDoubleFree(t *testing.T) {
	a := newTestArena(t, 8192)
	r, err := a.Alloc(64, 8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := a.Free(r); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := a.Free(r); !errors.Is(err, ErrInvalidRegion) {
		t.Fatalf("expected ErrInvalidRegion, got %v", err)
	}
}

func TestArenaPhysicalAccess(t *testing.T) {
	a := newTestArena(t, 8192)
	r, err := a.Alloc(16, 8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	phys, _ := a.Translate(r.Virt)

	if _, err := a.WriteAt([]byte{1, 2, 3, 4}, int64(phys)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if r.Bytes[0] != 1 || r.Bytes[3] != 4 {
		t.Fatalf("write through physical address not visible in region: %v", r.Bytes[:4])
	}

	if _, err := a.ReadAt(make([]byte, 2), int64(a.Base())+int64(a.Size())-1); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("expected ErrNotMapped for read past end, got %v", err)
	}
	if _, err := a.Translate(0x1000); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("expected ErrNotMapped for address below direct map, got %v", err)
	}
}

func TestUint16Atomics(t *testing.T) {
	a := newTestArena(t, 4096)
	r, err := a.Alloc(8, 4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	StoreUint16(r.Bytes, 0, 0x1234)
	StoreUint16(r.Bytes, 2, 0xABCD)
	if r.Bytes[0] != 0x34 || r.Bytes[1] != 0x12 || r.Bytes[2] != 0xCD || r.Bytes[3] != 0xAB {
		t.Fatalf("unexpected little-endian layout: % x", r.Bytes[:4])
	}
	if got := LoadUint16(r.Bytes, 2); got != 0xABCD {
		t.Fatalf("expected 0xABCD, got 0x%x", got)
	}

	phys, _ := a.Translate(r.Virt)
	if err := a.StoreUint16(phys+4, 7); err != nil {
		t.Fatalf("StoreUint16: %v", err)
	}
	if v, _ := a.LoadUint16(phys + 4); v != 7 {
		t.Fatalf("expected 7, got %d", v)
	}
	if _, err := a.LoadUint16(phys + 1); err == nil {
		t.Fatal("expected error for unaligned load")
	}
}

func TestUint16AtomicsConcurrentHalves(t *testing.T) {
	a := newTestArena(t, 4096)
	r, err := a.Alloc(4, 4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	var wg sync.WaitGroup
	for half := 0; half < 2; half++ {
		wg.Add(1)
		go func(off int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				StoreUint16(r.Bytes, off, uint16(i))
			}
		}(half * 2)
	}
	wg.Wait()

	if LoadUint16(r.Bytes, 0) != 999 || LoadUint16(r.Bytes, 2) != 999 {
		t.Fatalf("lost update: %d/%d", LoadUint16(r.Bytes, 0), LoadUint16(r.Bytes, 2))
	}
}
