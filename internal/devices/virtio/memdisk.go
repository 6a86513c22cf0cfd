package virtio

import (
	"fmt"
	"io"
	"sync"
)

// MemDisk is an in-memory Backing.
type MemDisk struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemDisk returns a zeroed disk of the given number of sectors.
func NewMemDisk(sectors uint64) *MemDisk {
	return &MemDisk{data: make([]byte, sectors*blkSectorSize)}
}

// NewMemDiskFrom wraps data, which is used in place.
func NewMemDiskFrom(data []byte) *MemDisk {
	return &MemDisk{data: data}
}

func (m *MemDisk) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data))
}

func (m *MemDisk) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off < 0 {
		return 0, fmt.Errorf("memdisk: negative offset %d", off)
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemDisk) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off > int64(len(m.data)) || int64(len(p)) > int64(len(m.data))-off {
		return 0, fmt.Errorf("memdisk: write of %d bytes at %d outside %d byte disk", len(p), off, len(m.data))
	}
	return copy(m.data[off:], p), nil
}

// Sector returns a copy of one sector.
func (m *MemDisk) Sector(n uint64) []byte {
	buf := make([]byte, blkSectorSize)
	m.ReadAt(buf, int64(n)*blkSectorSize)
	return buf
}

var _ Backing = (*MemDisk)(nil)
