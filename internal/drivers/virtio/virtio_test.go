package virtio

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/tinyrange/vblk/internal/physmem"
)

func newTestRing(t *testing.T, size uint16) physmem.Region {
	t.Helper()
	// Word-backed so the index atomics are aligned.
	words := make([]uint64, (RingSize(size)+7)/8)
	b := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	return physmem.Region{Virt: 0xffff800000010000, Bytes: b}
}

func TestRingSize(t *testing.T) {
	tests := []struct {
		size uint16
		want int
	}{
		{8, 4096 + 6 + 64},
		{128, 4096 + 6 + 1024},
		{256, 8192 + 6 + 2048},
	}
	for _, tt := range tests {
		if got := RingSize(tt.size); got != tt.want {
			t.Errorf("RingSize(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestNewVirtqueueValidation(t *testing.T) {
	ring := newTestRing(t, 8)
	if _, err := NewVirtqueue(ring, 0x10000, 6); err == nil {
		t.Fatal("expected non-power-of-2 size to fail")
	}
	if _, err := NewVirtqueue(ring, 0x10000, 0); err == nil {
		t.Fatal("expected zero size to fail")
	}
	if _, err := NewVirtqueue(ring, 0x10010, 8); err == nil {
		t.Fatal("expected unaligned ring to fail")
	}
	if _, err := NewVirtqueue(physmem.Region{Bytes: make([]byte, 100)}, 0x10000, 8); err == nil {
		t.Fatal("expected short ring to fail")
	}
}

func TestFreeStack(t *testing.T) {
	q, err := NewVirtqueue(newTestRing(t, 8), 0x10000, 8)
	if err != nil {
		t.Fatalf("NewVirtqueue: %v", err)
	}
	if q.PFN() != 0x10 {
		t.Fatalf("PFN = 0x%x, want 0x10", q.PFN())
	}

	for want := uint16(0); want < 8; want++ {
		got, ok := q.AllocDesc()
		if !ok || got != want {
			t.Fatalf("AllocDesc = (%d, %v), want (%d, true)", got, ok, want)
		}
	}
	if _, ok := q.AllocDesc(); ok {
		t.Fatal("expected exhaustion")
	}

	q.FreeDesc(3)
	q.FreeDescLast(5)
	if q.NumFree() != 2 {
		t.Fatalf("NumFree = %d, want 2", q.NumFree())
	}
	if got, _ := q.AllocDesc(); got != 3 {
		t.Fatalf("expected most recently freed descriptor 3, got %d", got)
	}
	if got, _ := q.AllocDesc(); got != 5 {
		t.Fatalf("expected bottom-of-stack descriptor 5, got %d", got)
	}
}

func TestSubmitAndUsed(t *testing.T) {
	ring := newTestRing(t, 8)
	q, err := NewVirtqueue(ring, 0x10000, 8)
	if err != nil {
		t.Fatalf("NewVirtqueue: %v", err)
	}

	q.SetDesc(2, 0x20000, 512, DescFNext|DescFWrite, 7)
	d := q.Descriptor(2)
	if d.Addr != 0x20000 || d.Len != 512 || d.Flags != DescFNext|DescFWrite || d.Next != 7 {
		t.Fatalf("unexpected descriptor %+v", d)
	}

	for i := 0; i < 10; i++ {
		slot := q.Submit(uint16(i % 8))
		if slot != uint16(i) {
			t.Fatalf("Submit slot = %d, want %d", slot, i)
		}
	}
	if q.AvailIdx() != 10 {
		t.Fatalf("AvailIdx = %d, want 10", q.AvailIdx())
	}
	availRing := ring.Bytes[16*8:]
	if got := binary.LittleEndian.Uint16(availRing[4+2*1:]); got != 1 {
		t.Fatalf("avail ring slot 1 = %d, want 9%%8 = 1", got)
	}

	if q.HasUsed() {
		t.Fatal("unexpected used entries on a fresh queue")
	}

	// Play the device: publish one used entry.
	used := ring.Bytes[4096:]
	binary.LittleEndian.PutUint32(used[4:], 4)
	binary.LittleEndian.PutUint32(used[8:], 513)
	physmem.StoreUint16(ring.Bytes, 4096+2, 1)

	if !q.HasUsed() {
		t.Fatal("expected a used entry")
	}
	elem, ok := q.PopUsed()
	if !ok || elem.ID != 4 || elem.Len != 513 {
		t.Fatalf("PopUsed = (%+v, %v)", elem, ok)
	}
	if _, ok := q.PopUsed(); ok {
		t.Fatal("expected used ring to be drained")
	}
	if q.LastUsed() != 1 {
		t.Fatalf("LastUsed = %d, want 1", q.LastUsed())
	}
}

type portWrite struct {
	port  uint16
	size  int
	value uint32
}

// recordingPortIO is a register file that records writes.
type recordingPortIO struct {
	regs   map[uint16]uint32
	writes []portWrite
}

func newRecordingPortIO() *recordingPortIO {
	return &recordingPortIO{regs: make(map[uint16]uint32)}
}

func (r *recordingPortIO) In8(port uint16) uint8   { return uint8(r.regs[port]) }
func (r *recordingPortIO) In16(port uint16) uint16 { return uint16(r.regs[port]) }
func (r *recordingPortIO) In32(port uint16) uint32 { return r.regs[port] }

func (r *recordingPortIO) Out8(port uint16, v uint8) {
	r.regs[port] = uint32(v)
	r.writes = append(r.writes, portWrite{port, 1, uint32(v)})
}

func (r *recordingPortIO) Out16(port uint16, v uint16) {
	r.regs[port] = uint32(v)
	r.writes = append(r.writes, portWrite{port, 2, uint32(v)})
}

func (r *recordingPortIO) Out32(port uint16, v uint32) {
	r.regs[port] = v
	r.writes = append(r.writes, portWrite{port, 4, v})
}

func TestDeviceRegisters(t *testing.T) {
	io := newRecordingPortIO()
	const base = 0xC040
	dev := NewDevice(io, base)

	io.regs[base+RegDeviceFeatures] = 1 << 5
	io.regs[base+RegConfig] = 0x1000
	io.regs[base+RegConfig+4] = 0x2
	io.regs[base+RegQueueSize] = 128

	dev.Reset()
	dev.AddStatus(StatusAcknowledge)
	dev.AddStatus(StatusDriver)
	if dev.Status() != StatusAcknowledge|StatusDriver {
		t.Fatalf("status = 0x%x, want 0x3", dev.Status())
	}
	if dev.ReadDeviceFeatures() != 1<<5 {
		t.Fatalf("unexpected features 0x%x", dev.ReadDeviceFeatures())
	}
	if got := dev.ReadConfig64(0); got != 0x2_0000_1000 {
		t.Fatalf("ReadConfig64 = 0x%x", got)
	}
	dev.SelectQueue(0)
	if dev.QueueSize() != 128 {
		t.Fatalf("QueueSize = %d", dev.QueueSize())
	}
	dev.SetQueueAddress(0x42)
	dev.Notify(0)

	want := []portWrite{
		{base + RegDeviceStatus, 1, 0},
		{base + RegDeviceStatus, 1, StatusAcknowledge},
		{base + RegDeviceStatus, 1, StatusAcknowledge | StatusDriver},
		{base + RegQueueSelect, 2, 0},
		{base + RegQueueAddress, 4, 0x42},
		{base + RegQueueNotify, 2, 0},
	}
	if len(io.writes) != len(want) {
		t.Fatalf("expected %d writes, got %d: %+v", len(want), len(io.writes), io.writes)
	}
	for i := range want {
		if io.writes[i] != want[i] {
			t.Fatalf("write %d = %+v, want %+v", i, io.writes[i], want[i])
		}
	}
}
