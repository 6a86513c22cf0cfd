// Package pci describes discovered PCI functions from the driver's side.
package pci

import "fmt"

const (
	VendorVirtio          = 0x1AF4
	DeviceVirtioBlkLegacy = 0x1001
)

const (
	barIOSpace   = 0x1
	barTypeMask  = 0x6
	barType64    = 0x4
	barIOMask    = 0xFFFC
	barMemMask   = 0xFFFFFFF0
	barCountType = 6
)

// Device is the configuration snapshot of one PCI function.
type Device struct {
	Bus      uint8
	Slot     uint8
	Function uint8

	VendorID uint16
	DeviceID uint16

	BAR [barCountType]uint32

	InterruptLine uint8
	InterruptPin  uint8
}

func (d Device) String() string {
	return fmt.Sprintf("%02x:%02x.%x [%04x:%04x]", d.Bus, d.Slot, d.Function, d.VendorID, d.DeviceID)
}

// IsIO reports whether BAR i decodes I/O port space.
func (d Device) IsIO(i int) bool {
	if i < 0 || i >= barCountType {
		return false
	}
	return d.BAR[i]&barIOSpace != 0
}

// BARAddress decodes BAR i. ok is false when the BAR is unprogrammed.
func (d Device) BARAddress(i int) (addr uint64, isIO bool, ok bool) {
	if i < 0 || i >= barCountType {
		return 0, false, false
	}
	raw := d.BAR[i]
	if raw&barIOSpace != 0 {
		addr = uint64(raw & barIOMask)
		return addr, true, addr != 0
	}
	addr = uint64(raw & barMemMask)
	if raw&barTypeMask == barType64 && i+1 < barCountType {
		addr |= uint64(d.BAR[i+1]) << 32
	}
	return addr, false, addr != 0
}

// Find returns the first function matching vendor and device.
func Find(devs []Device, vendor, device uint16) (Device, bool) {
	for _, d := range devs {
		if d.VendorID == vendor && d.DeviceID == device {
			return d, true
		}
	}
	return Device{}, false
}

// IRQRouter steers a legacy interrupt line to a CPU vector.
type IRQRouter interface {
	RoutePCIIRQ(line, vector uint8) error
}
