package pci

import "testing"

// fakeConfig is configuration space keyed by the 0xCF8 address of each dword.
type fakeConfig struct {
	latch uint32
	regs  map[uint32]uint32
}

func (f *fakeConfig) In32(port uint16) uint32 {
	if port != configDataPort {
		return 0xFFFFFFFF
	}
	v, ok := f.regs[f.latch]
	if !ok {
		return 0xFFFFFFFF
	}
	return v
}

func (f *fakeConfig) Out32(port uint16, v uint32) {
	if port == configAddressPort {
		f.latch = v
	}
}

func (f *fakeConfig) set(bus, slot, fn, reg uint8, v uint32) {
	f.regs[ConfigAddress(bus, slot, fn, reg)] = v
}

func TestConfigAddress(t *testing.T) {
	if got := ConfigAddress(0, 3, 0, 0x3D); got != 0x8000183C {
		t.Fatalf("ConfigAddress = 0x%08x", got)
	}
	if got := ConfigAddress(1, 31, 7, 0x10); got != 0x8001FF10 {
		t.Fatalf("ConfigAddress = 0x%08x", got)
	}
}

func TestScan(t *testing.T) {
	cfg := &fakeConfig{regs: make(map[uint32]uint32)}
	cfg.set(0, 0, 0, 0x00, 0x12378086)
	cfg.set(0, 3, 0, 0x00, 0x10011AF4)
	cfg.set(0, 3, 0, 0x10, 0xC041)
	cfg.set(0, 3, 0, 0x3C, 0x0000010B)
	// A multi-function device with functions 0 and 2.
	cfg.set(0, 5, 0, 0x00, 0x10001AF4)
	cfg.set(0, 5, 0, 0x0C, 0x00800000)
	cfg.set(0, 5, 2, 0x00, 0x10051AF4)

	devs := Scan(cfg, 0)
	if len(devs) != 4 {
		t.Fatalf("found %d functions: %v", len(devs), devs)
	}

	blk, ok := Find(devs, VendorVirtio, DeviceVirtioBlkLegacy)
	if !ok {
		t.Fatal("virtio-blk not found")
	}
	if blk.Slot != 3 || blk.BAR[0] != 0xC041 || blk.InterruptLine != 11 || blk.InterruptPin != 1 {
		t.Fatalf("unexpected function %+v", blk)
	}
	if devs[3].Slot != 5 || devs[3].Function != 2 || devs[3].DeviceID != 0x1005 {
		t.Fatalf("second function decoded as %+v", devs[3])
	}
}

func TestScanEmptyBus(t *testing.T) {
	cfg := &fakeConfig{regs: make(map[uint32]uint32)}
	if devs := Scan(cfg, 0); len(devs) != 0 {
		t.Fatalf("expected no functions, got %v", devs)
	}
}
