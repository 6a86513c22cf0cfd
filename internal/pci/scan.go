package pci

const (
	configAddressPort = 0xCF8
	configDataPort    = 0xCFC

	configEnable = 1 << 31

	regVendorID     = 0x00
	regHeaderType   = 0x0C
	regBAR0         = 0x10
	regInterrupt    = 0x3C
	headerMultiFunc = 0x80

	vendorNone = 0xFFFF
)

// ConfigPorts issues the 32-bit port accesses of configuration mechanism #1.
type ConfigPorts interface {
	In32(port uint16) uint32
	Out32(port uint16, v uint32)
}

// ConfigAddress encodes the value written to 0xCF8 to select reg of a
// function.
func ConfigAddress(bus, slot, function, reg uint8) uint32 {
	return configEnable |
		uint32(bus)<<16 |
		uint32(slot&0x1F)<<11 |
		uint32(function&0x7)<<8 |
		uint32(reg&0xFC)
}

// ReadConfig32 reads the dword at reg of bus:slot.function.
func ReadConfig32(io ConfigPorts, bus, slot, function, reg uint8) uint32 {
	io.Out32(configAddressPort, ConfigAddress(bus, slot, function, reg))
	return io.In32(configDataPort)
}

// Scan enumerates every function on bus.
func Scan(io ConfigPorts, bus uint8) []Device {
	var devs []Device
	for slot := uint8(0); slot < 32; slot++ {
		d, ok := probe(io, bus, slot, 0)
		if !ok {
			continue
		}
		devs = append(devs, d)

		header := uint8(ReadConfig32(io, bus, slot, 0, regHeaderType) >> 16)
		if header&headerMultiFunc == 0 {
			continue
		}
		for fn := uint8(1); fn < 8; fn++ {
			if d, ok := probe(io, bus, slot, fn); ok {
				devs = append(devs, d)
			}
		}
	}
	return devs
}

func probe(io ConfigPorts, bus, slot, fn uint8) (Device, bool) {
	id := ReadConfig32(io, bus, slot, fn, regVendorID)
	if uint16(id) == vendorNone {
		return Device{}, false
	}
	d := Device{
		Bus:      bus,
		Slot:     slot,
		Function: fn,
		VendorID: uint16(id),
		DeviceID: uint16(id >> 16),
	}
	for i := range d.BAR {
		d.BAR[i] = ReadConfig32(io, bus, slot, fn, regBAR0+uint8(4*i))
	}
	irq := ReadConfig32(io, bus, slot, fn, regInterrupt)
	d.InterruptLine = uint8(irq)
	d.InterruptPin = uint8(irq >> 8)
	return d, true
}
