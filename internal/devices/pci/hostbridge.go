// Package pci models a legacy PCI host bridge that exposes configuration
// space through ports 0xCF8-0xCFF.
package pci

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/vblk/internal/chipset"
)

const (
	pciConfigAddressPort = 0x0cf8
	pciConfigDataPort    = 0x0cfc

	configSpaceSize = 256
	maxSlot         = 32
	maxFunction     = 8

	regBAR0          = 0x10
	regBAREnd        = 0x27
	regSubsystemVend = 0x2C
	regSubsystemID   = 0x2E
	regInterruptLine = 0x3C
	regInterruptPin  = 0x3D
)

// Function describes one PCI function to place behind the bridge. BARs are
// fixed as if assigned by firmware.
type Function struct {
	Slot     uint8
	Function uint8

	VendorID uint16
	DeviceID uint16
	Revision uint8
	Class    uint8
	Subclass uint8

	SubsystemVendorID uint16
	SubsystemID       uint16

	BAR           [6]uint32
	InterruptLine uint8
	InterruptPin  uint8
}

// HostBridge services configuration mechanism #1 accesses. Only bus 0 is
// populated; reads of absent functions float to 0xFF and writes are ignored.
type HostBridge struct {
	mu      sync.Mutex
	address uint32

	config   map[pciLocation][]byte
	readOnly map[pciLocation]map[uint32]struct{}
}

type pciLocation struct {
	bus      uint8
	device   uint8
	function uint8
}

// NewHostBridge returns a bridge with the i440FX host function at 00:00.0.
func NewHostBridge() *HostBridge {
	hb := &HostBridge{
		config:   make(map[pciLocation][]byte),
		readOnly: make(map[pciLocation]map[uint32]struct{}),
	}

	// PCI host bridge (bus 0, device 0, function 0)
	host := make([]byte, configSpaceSize)
	binary.LittleEndian.PutUint16(host[0x00:], 0x8086) // Vendor ID
	binary.LittleEndian.PutUint16(host[0x02:], 0x1237) // Device ID (82441FX)
	host[0x08] = 0x02                                  // Revision
	host[0x0B] = 0x06                                  // Class: bridge
	loc := pciLocation{}
	hb.addDevice(loc, host)
	hb.setReadOnlyRange(loc, 0x00, 0x03)
	hb.setReadOnlyRange(loc, 0x08, 0x0B)
	hb.setReadOnlyRange(loc, 0x0E, 0x0E)

	return hb
}

// AddFunction places f on bus 0.
func (hb *HostBridge) AddFunction(f Function) error {
	if f.Slot >= maxSlot || f.Function >= maxFunction {
		return fmt.Errorf("pci host bridge: invalid location %02x.%x", f.Slot, f.Function)
	}
	loc := pciLocation{device: f.Slot, function: f.Function}

	hb.mu.Lock()
	defer hb.mu.Unlock()
	if _, exists := hb.config[loc]; exists {
		return fmt.Errorf("pci host bridge: slot %02x.%x already populated", f.Slot, f.Function)
	}

	cfg := make([]byte, configSpaceSize)
	binary.LittleEndian.PutUint16(cfg[0x00:], f.VendorID)
	binary.LittleEndian.PutUint16(cfg[0x02:], f.DeviceID)
	binary.LittleEndian.PutUint16(cfg[0x04:], 0x0001) // Command: I/O space enabled
	cfg[0x08] = f.Revision
	cfg[0x0A] = f.Subclass
	cfg[0x0B] = f.Class
	for i, bar := range f.BAR {
		binary.LittleEndian.PutUint32(cfg[regBAR0+4*i:], bar)
	}
	binary.LittleEndian.PutUint16(cfg[regSubsystemVend:], f.SubsystemVendorID)
	binary.LittleEndian.PutUint16(cfg[regSubsystemID:], f.SubsystemID)
	cfg[regInterruptLine] = f.InterruptLine
	cfg[regInterruptPin] = f.InterruptPin

	hb.addDevice(loc, cfg)
	hb.setReadOnlyRange(loc, 0x00, 0x03)
	hb.setReadOnlyRange(loc, 0x08, 0x0B)
	hb.setReadOnlyRange(loc, 0x0E, 0x0E)
	hb.setReadOnlyRange(loc, regBAR0, regBAREnd)
	hb.setReadOnlyRange(loc, regSubsystemVend, regSubsystemID+1)
	hb.setReadOnlyRange(loc, regInterruptPin, regInterruptPin)
	return nil
}

// DeviceId implements chipset.ChipsetDevice.
func (hb *HostBridge) DeviceId() string { return "pci-host-bridge" }

// SupportsPortIO implements chipset.ChipsetDevice.
func (hb *HostBridge) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{
		Ports: []uint16{
			0x0cf8, 0x0cf9, 0x0cfa, 0x0cfb,
			0x0cfc, 0x0cfd, 0x0cfe, 0x0cff,
		},
		Handler: hb,
	}
}

func (hb *HostBridge) Start() error { return nil }
func (hb *HostBridge) Stop() error  { return nil }

// Reset clears the latched configuration address.
func (hb *HostBridge) Reset() error {
	hb.mu.Lock()
	hb.address = 0
	hb.mu.Unlock()
	return nil
}

// ReadIOPort implements chipset.PortIOHandler.
func (hb *HostBridge) ReadIOPort(port uint16, data []byte) error {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	for i := range data {
		cur := port + uint16(i)
		switch {
		case cur >= pciConfigAddressPort && cur <= pciConfigAddressPort+3:
			shift := (cur - pciConfigAddressPort) * 8
			data[i] = byte(hb.address >> shift)
		case cur >= pciConfigDataPort && cur <= pciConfigDataPort+3:
			data[i] = hb.readConfigByte(cur - pciConfigDataPort)
		default:
			return fmt.Errorf("pci host bridge: unhandled read from I/O port 0x%04x", cur)
		}
	}
	return nil
}

// WriteIOPort implements chipset.PortIOHandler.
func (hb *HostBridge) WriteIOPort(port uint16, data []byte) error {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	for i, b := range data {
		cur := port + uint16(i)
		switch {
		case cur >= pciConfigAddressPort && cur <= pciConfigAddressPort+3:
			shift := (cur - pciConfigAddressPort) * 8
			mask := uint32(0xFF) << shift
			hb.address = (hb.address &^ mask) | (uint32(b) << shift)
		case cur >= pciConfigDataPort && cur <= pciConfigDataPort+3:
			hb.writeConfigByte(cur-pciConfigDataPort, b)
		default:
			return fmt.Errorf("pci host bridge: unhandled write to I/O port 0x%04x", cur)
		}
	}
	return nil
}

func (hb *HostBridge) readConfigByte(offset uint16) byte {
	cfg, reg, _, ok := hb.configTarget(offset)
	if !ok || reg >= uint32(len(cfg)) {
		return 0xFF
	}
	return cfg[reg]
}

func (hb *HostBridge) writeConfigByte(offset uint16, value byte) {
	cfg, reg, loc, ok := hb.configTarget(offset)
	if !ok || reg >= uint32(len(cfg)) {
		return
	}
	if hb.isReadOnly(loc, reg) {
		return
	}
	cfg[reg] = value
}

func (hb *HostBridge) configTarget(offset uint16) ([]byte, uint32, pciLocation, bool) {
	if hb.address&(1<<31) == 0 {
		return nil, 0, pciLocation{}, false
	}

	loc := pciLocation{
		bus:      uint8((hb.address >> 16) & 0xFF),
		device:   uint8((hb.address >> 11) & 0x1F),
		function: uint8((hb.address >> 8) & 0x7),
	}
	cfg, ok := hb.config[loc]
	if !ok {
		return nil, 0, pciLocation{}, false
	}

	reg := (hb.address & 0xFC) + uint32(offset)
	return cfg, reg, loc, true
}

func (hb *HostBridge) addDevice(loc pciLocation, cfg []byte) {
	hb.config[loc] = cfg
}

func (hb *HostBridge) setReadOnlyRange(loc pciLocation, start, end uint32) {
	if hb.readOnly[loc] == nil {
		hb.readOnly[loc] = make(map[uint32]struct{})
	}
	for offset := start; offset <= end; offset++ {
		hb.readOnly[loc][offset] = struct{}{}
	}
}

func (hb *HostBridge) isReadOnly(loc pciLocation, offset uint32) bool {
	entries, ok := hb.readOnly[loc]
	if !ok {
		return false
	}
	_, ro := entries[offset]
	return ro
}

var _ chipset.ChipsetDevice = (*HostBridge)(nil)
