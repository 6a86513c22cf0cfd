package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	virtqDescFNext     = 1
	virtqDescFWrite    = 2
	virtqDescFIndirect = 4

	legacyQueueAlign = 4096
)

// GuestMemory provides access to guest physical memory. The 16-bit
// accessors are atomic and order the ring indices against ring contents.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
	LoadUint16(addr uint64) (uint16, error)
	StoreUint16(addr uint64, v uint16) error
}

// VirtQueueDescriptor represents a single descriptor in a virtio queue.
type VirtQueueDescriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// VirtQueuePayload represents a single buffer in a descriptor chain.
type VirtQueuePayload struct {
	Addr    uint64
	Length  uint32
	IsWrite bool
}

// VirtQueue is the device side of a legacy split virtqueue.
type VirtQueue struct {
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	Size          uint16
	Ready         bool

	lastAvailIdx uint16
	usedIdx      uint16

	mem GuestMemory
}

// NewVirtQueue creates a queue of the fixed legacy size.
func NewVirtQueue(mem GuestMemory, size uint16) *VirtQueue {
	return &VirtQueue{
		Size: size,
		mem:  mem,
	}
}

// Reset clears the queue state.
func (q *VirtQueue) Reset() {
	q.Ready = false
	q.DescTableAddr = 0
	q.AvailRingAddr = 0
	q.UsedRingAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

// SetPFN places the rings at page frame pfn in the legacy layout:
// descriptors, then the available ring, then the used ring on the next
// page boundary.
func (q *VirtQueue) SetPFN(pfn uint32) error {
	if q.Size == 0 || q.Size&(q.Size-1) != 0 {
		return fmt.Errorf("virtio: queue size %d is not a power of 2", q.Size)
	}
	q.Reset()
	if pfn == 0 {
		return nil
	}
	base := uint64(pfn) * legacyQueueAlign
	n := uint64(q.Size)
	q.DescTableAddr = base
	q.AvailRingAddr = base + 16*n
	q.UsedRingAddr = alignUp(q.AvailRingAddr+6+2*n, legacyQueueAlign)
	q.Ready = true
	return nil
}

// LastAvailIdx returns the index of the next available entry to consume.
func (q *VirtQueue) LastAvailIdx() uint16 { return q.lastAvailIdx }

// UsedIdx returns the device's used index.
func (q *VirtQueue) UsedIdx() uint16 { return q.usedIdx }

// ReadDescriptor reads a descriptor from the descriptor table.
func (q *VirtQueue) ReadDescriptor(idx uint16) (VirtQueueDescriptor, error) {
	if err := q.ensureReady(); err != nil {
		return VirtQueueDescriptor{}, err
	}
	if idx >= q.Size {
		return VirtQueueDescriptor{}, fmt.Errorf("descriptor index %d out of bounds (size %d)", idx, q.Size)
	}

	var buf [16]byte
	offset := q.DescTableAddr + uint64(idx)*16
	if err := q.readGuestInto(offset, buf[:]); err != nil {
		return VirtQueueDescriptor{}, err
	}

	return VirtQueueDescriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// GetAvailableBuffer reads the next available buffer from the available ring.
// Returns the descriptor head index, whether there was a buffer available, and any error.
func (q *VirtQueue) GetAvailableBuffer() (head uint16, hasBuffer bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}

	availIdx, err := q.mem.LoadUint16(q.AvailRingAddr + 2)
	if err != nil {
		return 0, false, err
	}
	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}

	ringIndex := q.lastAvailIdx % q.Size
	var buf [2]byte
	offset := q.AvailRingAddr + 4 + uint64(ringIndex)*2
	if err := q.readGuestInto(offset, buf[:]); err != nil {
		return 0, false, err
	}

	head = binary.LittleEndian.Uint16(buf[:])
	q.lastAvailIdx++
	return head, true, nil
}

// ReadDescriptorChain reads a complete descriptor chain starting from head.
// Returns a slice of payloads representing the buffers in the chain.
func (q *VirtQueue) ReadDescriptorChain(head uint16) ([]VirtQueuePayload, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}

	var payloads []VirtQueuePayload
	index := head

	// Walk the descriptor chain (limit to queue size to prevent infinite loops)
	for i := uint16(0); i < q.Size; i++ {
		desc, err := q.ReadDescriptor(index)
		if err != nil {
			return payloads, err
		}
		if desc.Flags&virtqDescFIndirect != 0 {
			return payloads, fmt.Errorf("virtio: indirect descriptor %d not negotiated", index)
		}

		payloads = append(payloads, VirtQueuePayload{
			Addr:    desc.Addr,
			Length:  desc.Length,
			IsWrite: desc.Flags&virtqDescFWrite != 0,
		})

		if desc.Flags&virtqDescFNext == 0 {
			return payloads, nil
		}
		index = desc.Next
	}

	return payloads, fmt.Errorf("virtio: descriptor chain at %d does not terminate", head)
}

// PutUsedBuffer writes a used buffer entry to the used ring and publishes it.
// head is the descriptor head index, and length is the total length written.
func (q *VirtQueue) PutUsedBuffer(head uint16, length uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}

	usedIdx := q.usedIdx % q.Size
	base := q.UsedRingAddr + 4 + uint64(usedIdx)*8

	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	if err := q.writeGuestFrom(base, elem[:]); err != nil {
		return err
	}

	q.usedIdx++
	return q.mem.StoreUint16(q.UsedRingAddr+2, q.usedIdx)
}

// ReadGuest reads data from guest memory.
func (q *VirtQueue) ReadGuest(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := q.readGuestInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteGuest writes data to guest memory.
func (q *VirtQueue) WriteGuest(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return q.writeGuestFrom(addr, data)
}

func (q *VirtQueue) ensureReady() error {
	if !q.Ready || q.Size == 0 {
		return fmt.Errorf("queue not ready")
	}
	if q.mem == nil {
		return fmt.Errorf("guest memory accessor is nil")
	}
	return nil
}

func (q *VirtQueue) readGuestInto(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := q.mem.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func (q *VirtQueue) writeGuestFrom(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := q.mem.WriteAt(data, off)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}

func guestOffset(addr uint64, length int) (int64, error) {
	const maxInt64 = 1<<63 - 1
	if addr > maxInt64 || uint64(length) > maxInt64-addr {
		return 0, fmt.Errorf("virtio: guest access 0x%x+%d out of range", addr, length)
	}
	return int64(addr), nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
