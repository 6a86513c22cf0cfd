package virtioblk

import (
	"fmt"
	"io"
)

// SectorDevice is the sector-granular interface Disk adapts.
type SectorDevice interface {
	Capacity() uint64
	IsReadOnly() bool
	ReadSectors(start uint64, count int, buf []byte) error
	WriteSectors(start uint64, count int, buf []byte) error
}

// maxBatch bounds the sectors moved per call so one caller cannot hold the
// controller for an entire image.
const maxBatch = 64

// Disk exposes a SectorDevice as a byte-addressed io.ReaderAt and
// io.WriterAt. Unaligned writes read-modify-write the edge sectors.
type Disk struct {
	dev SectorDevice
}

func NewDisk(dev SectorDevice) *Disk {
	return &Disk{dev: dev}
}

// Size returns the device size in bytes.
func (d *Disk) Size() int64 {
	return int64(d.dev.Capacity()) * SectorSize
}

func (d *Disk) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("virtio-blk: negative offset %d", off)
	}
	size := d.Size()
	if off >= size {
		return 0, io.EOF
	}
	want := p
	if int64(len(want)) > size-off {
		want = want[:size-off]
	}

	n := 0
	var scratch [SectorSize]byte
	for n < len(want) {
		pos := off + int64(n)
		sector := uint64(pos / SectorSize)
		inner := int(pos % SectorSize)
		rest := len(want) - n

		if inner == 0 && rest >= SectorSize {
			count := min(rest/SectorSize, maxBatch)
			if err := d.dev.ReadSectors(sector, count, want[n:n+count*SectorSize]); err != nil {
				return n, err
			}
			n += count * SectorSize
			continue
		}

		if err := d.dev.ReadSectors(sector, 1, scratch[:]); err != nil {
			return n, err
		}
		n += copy(want[n:], scratch[inner:])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *Disk) WriteAt(p []byte, off int64) (int, error) {
	if d.dev.IsReadOnly() {
		return 0, ErrReadOnly
	}
	if off < 0 {
		return 0, fmt.Errorf("virtio-blk: negative offset %d", off)
	}
	if size := d.Size(); off > size || int64(len(p)) > size-off {
		return 0, fmt.Errorf("%w: %d bytes at offset %d, size %d", ErrWriteBeyondCapacity, len(p), off, size)
	}

	n := 0
	var scratch [SectorSize]byte
	for n < len(p) {
		pos := off + int64(n)
		sector := uint64(pos / SectorSize)
		inner := int(pos % SectorSize)
		rest := len(p) - n

		if inner == 0 && rest >= SectorSize {
			count := min(rest/SectorSize, maxBatch)
			if err := d.dev.WriteSectors(sector, count, p[n:n+count*SectorSize]); err != nil {
				return n, err
			}
			n += count * SectorSize
			continue
		}

		if err := d.dev.ReadSectors(sector, 1, scratch[:]); err != nil {
			return n, err
		}
		c := copy(scratch[inner:], p[n:])
		if err := d.dev.WriteSectors(sector, 1, scratch[:]); err != nil {
			return n, err
		}
		n += c
	}
	return n, nil
}

var (
	_ io.ReaderAt  = (*Disk)(nil)
	_ io.WriterAt  = (*Disk)(nil)
	_ SectorDevice = (*Controller)(nil)
)
