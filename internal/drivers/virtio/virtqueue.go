package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vblk/internal/physmem"
)

const (
	descSize     = 16
	usedElemSize = 8
)

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// UsedElem is one entry of the used ring.
type UsedElem struct {
	ID  uint32
	Len uint32
}

// RingSize returns the bytes needed by a legacy virtqueue of size entries:
// descriptors and the available ring, padded to a page, then the used ring.
func RingSize(size uint16) int {
	n := int(size)
	availEnd := descSize*n + 6 + 2*n
	return alignUp(availEnd, PageSize) + 6 + usedElemSize*n
}

// Virtqueue is the driver side of a split virtqueue in the legacy layout.
//
// Descriptor contents and ring entries are written with plain stores; the
// 16-bit avail and used indices are accessed atomically and order them.
type Virtqueue struct {
	mem  []byte
	phys uint64
	size uint16

	availOff int
	usedOff  int

	free     []uint16
	lastUsed uint16
	availIdx uint16
}

// NewVirtqueue lays out a queue of size entries in ring, which must be at
// least RingSize(size) bytes at page-aligned physical address phys.
func NewVirtqueue(ring physmem.Region, phys uint64, size uint16) (*Virtqueue, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("virtio: queue size %d is not a power of 2", size)
	}
	need := RingSize(size)
	if ring.Len() < need {
		return nil, fmt.Errorf("virtio: ring of %d bytes too small for queue size %d (need %d)", ring.Len(), size, need)
	}
	if phys%PageSize != 0 {
		return nil, fmt.Errorf("virtio: ring physical address 0x%x is not page aligned", phys)
	}
	if phys/PageSize > 0xFFFFFFFF {
		return nil, fmt.Errorf("virtio: ring physical address 0x%x exceeds 32-bit PFN", phys)
	}

	n := int(size)
	q := &Virtqueue{
		mem:      ring.Bytes[:need],
		phys:     phys,
		size:     size,
		availOff: descSize * n,
		usedOff:  alignUp(descSize*n+6+2*n, PageSize),
		free:     make([]uint16, 0, n),
	}
	clear(q.mem)

	// Pop order is 0, 1, 2, ...
	for i := n - 1; i >= 0; i-- {
		q.free = append(q.free, uint16(i))
	}
	return q, nil
}

// Size returns the number of descriptors.
func (q *Virtqueue) Size() uint16 { return q.size }

// NumFree returns the number of descriptors on the free stack.
func (q *Virtqueue) NumFree() int { return len(q.free) }

// PFN returns the page frame number to program into QUEUE_ADDRESS.
func (q *Virtqueue) PFN() uint32 { return uint32(q.phys / PageSize) }

// PhysAddr returns the physical base of the ring.
func (q *Virtqueue) PhysAddr() uint64 { return q.phys }

// LastUsed returns the consumer index into the used ring.
func (q *Virtqueue) LastUsed() uint16 { return q.lastUsed }

// AllocDesc pops a free descriptor index.
func (q *Virtqueue) AllocDesc() (uint16, bool) {
	if len(q.free) == 0 {
		return 0, false
	}
	idx := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]
	return idx, true
}

// FreeDesc returns idx to the free stack. Each index must be freed exactly
// once per AllocDesc.
func (q *Virtqueue) FreeDesc(idx uint16) {
	q.free = append(q.free, idx)
}

// FreeDescLast returns idx to the bottom of the free stack so it is the
// last to be handed out again.
func (q *Virtqueue) FreeDescLast(idx uint16) {
	q.free = append(q.free, 0)
	copy(q.free[1:], q.free[:len(q.free)-1])
	q.free[0] = idx
}

// SetDesc fills descriptor idx.
func (q *Virtqueue) SetDesc(idx uint16, addr uint64, length uint32, flags uint16, next uint16) {
	off := int(idx) * descSize
	binary.LittleEndian.PutUint64(q.mem[off:], addr)
	binary.LittleEndian.PutUint32(q.mem[off+8:], length)
	binary.LittleEndian.PutUint16(q.mem[off+12:], flags)
	binary.LittleEndian.PutUint16(q.mem[off+14:], next)
}

// Descriptor reads back descriptor idx.
func (q *Virtqueue) Descriptor(idx uint16) Descriptor {
	off := int(idx%q.size) * descSize
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(q.mem[off:]),
		Len:   binary.LittleEndian.Uint32(q.mem[off+8:]),
		Flags: binary.LittleEndian.Uint16(q.mem[off+12:]),
		Next:  binary.LittleEndian.Uint16(q.mem[off+14:]),
	}
}

// Submit places the chain starting at head on the available ring and
// publishes it. It returns the available index the chain was placed at.
func (q *Virtqueue) Submit(head uint16) uint16 {
	slot := q.availIdx
	binary.LittleEndian.PutUint16(q.mem[q.availOff+4+2*int(slot%q.size):], head)
	q.availIdx = slot + 1
	physmem.StoreUint16(q.mem, q.availOff+2, q.availIdx)
	return slot
}

// AvailIdx returns the published available index.
func (q *Virtqueue) AvailIdx() uint16 {
	return physmem.LoadUint16(q.mem, q.availOff+2)
}

// UsedIdx returns the device's used index.
func (q *Virtqueue) UsedIdx() uint16 {
	return physmem.LoadUint16(q.mem, q.usedOff+2)
}

// HasUsed reports whether the device has published entries not yet consumed.
func (q *Virtqueue) HasUsed() bool {
	return q.UsedIdx() != q.lastUsed
}

// PopUsed consumes the next used entry.
func (q *Virtqueue) PopUsed() (UsedElem, bool) {
	if q.UsedIdx() == q.lastUsed {
		return UsedElem{}, false
	}
	off := q.usedOff + 4 + usedElemSize*int(q.lastUsed%q.size)
	elem := UsedElem{
		ID:  binary.LittleEndian.Uint32(q.mem[off:]),
		Len: binary.LittleEndian.Uint32(q.mem[off+4:]),
	}
	q.lastUsed++
	return elem, true
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}
