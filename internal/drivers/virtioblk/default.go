package virtioblk

import (
	"sync/atomic"

	"github.com/tinyrange/vblk/internal/pci"
)

var defaultController atomic.Pointer[Controller]

// SetDefault installs c as the controller behind the package-level API.
func SetDefault(c *Controller) {
	defaultController.Store(c)
}

// Default returns the controller installed by SetDefault, or nil.
func Default() *Controller {
	return defaultController.Load()
}

func Init(dev pci.Device) error {
	c := Default()
	if c == nil {
		return ErrNotInitialized
	}
	return c.Init(dev)
}

func IsInitialized() bool {
	c := Default()
	return c != nil && c.IsInitialized()
}

func Capacity() uint64 {
	if c := Default(); c != nil {
		return c.Capacity()
	}
	return 0
}

func IsReadOnly() bool {
	if c := Default(); c != nil {
		return c.IsReadOnly()
	}
	return true
}

func ReadSectors(start uint64, count int, buf []byte) error {
	c := Default()
	if c == nil {
		return ErrNotInitialized
	}
	return c.ReadSectors(start, count, buf)
}

func WriteSectors(start uint64, count int, buf []byte) error {
	c := Default()
	if c == nil {
		return ErrNotInitialized
	}
	return c.WriteSectors(start, count, buf)
}

func ReadSector(sector uint64, buf *[SectorSize]byte) error {
	c := Default()
	if c == nil {
		return ErrNotInitialized
	}
	return c.ReadSector(sector, buf)
}

func WriteSector(sector uint64, buf *[SectorSize]byte) error {
	c := Default()
	if c == nil {
		return ErrNotInitialized
	}
	return c.WriteSector(sector, buf)
}

// GetStats returns the default controller's counters, or zeros.
func GetStats() Stats {
	if c := Default(); c != nil {
		return c.Stats()
	}
	return Stats{}
}

// HandleInterrupt forwards to the default controller.
func HandleInterrupt() {
	if c := Default(); c != nil {
		c.HandleInterrupt()
	}
}
