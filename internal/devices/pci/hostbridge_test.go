package pci

import (
	"testing"

	"github.com/tinyrange/vblk/internal/chipset"
	buspci "github.com/tinyrange/vblk/internal/pci"
)

func newBridgePorts(t *testing.T, hb *HostBridge) *chipset.PortIO {
	t.Helper()
	b := chipset.NewBuilder()
	if err := b.RegisterDevice(hb.DeviceId(), hb); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return chipset.NewPortIO(cs, nil)
}

func virtioBlk(slot uint8) Function {
	return Function{
		Slot:              slot,
		VendorID:          0x1AF4,
		DeviceID:          0x1001,
		Class:             0x01,
		SubsystemVendorID: 0x1AF4,
		SubsystemID:       2,
		BAR:               [6]uint32{0xC001},
		InterruptLine:     11,
		InterruptPin:      1,
	}
}

func TestHostBridgeScan(t *testing.T) {
	hb := NewHostBridge()
	if err := hb.AddFunction(virtioBlk(3)); err != nil {
		t.Fatalf("AddFunction: %v", err)
	}
	ports := newBridgePorts(t, hb)

	devs := buspci.Scan(ports, 0)
	if len(devs) != 2 {
		t.Fatalf("found %d functions, want 2: %v", len(devs), devs)
	}
	if devs[0].VendorID != 0x8086 || devs[0].DeviceID != 0x1237 {
		t.Fatalf("host bridge reported as %s", devs[0])
	}

	blk, ok := buspci.Find(devs, buspci.VendorVirtio, buspci.DeviceVirtioBlkLegacy)
	if !ok {
		t.Fatal("virtio-blk function not found")
	}
	if blk.Slot != 3 || blk.InterruptLine != 11 || blk.InterruptPin != 1 {
		t.Fatalf("unexpected function %+v", blk)
	}
	addr, isIO, ok := blk.BARAddress(0)
	if !ok || !isIO || addr != 0xC000 {
		t.Fatalf("BAR0 decoded as 0x%x io=%v ok=%v", addr, isIO, ok)
	}
}

func TestHostBridgeReadOnlyRegisters(t *testing.T) {
	hb := NewHostBridge()
	if err := hb.AddFunction(virtioBlk(3)); err != nil {
		t.Fatalf("AddFunction: %v", err)
	}
	ports := newBridgePorts(t, hb)

	// IDs and BARs are fixed; the interrupt line is scratch for software.
	ports.Out32(0xCF8, buspci.ConfigAddress(0, 3, 0, 0x00))
	ports.Out32(0xCFC, 0xDEADBEEF)
	ports.Out32(0xCF8, buspci.ConfigAddress(0, 3, 0, 0x10))
	ports.Out32(0xCFC, 0xFFFFFFFF)
	ports.Out32(0xCF8, buspci.ConfigAddress(0, 3, 0, 0x3C))
	ports.Out8(0xCFC, 10)

	if id := buspci.ReadConfig32(ports, 0, 3, 0, 0x00); id != 0x10011AF4 {
		t.Fatalf("vendor/device = 0x%08x", id)
	}
	if bar := buspci.ReadConfig32(ports, 0, 3, 0, 0x10); bar != 0xC001 {
		t.Fatalf("BAR0 = 0x%08x", bar)
	}
	if irq := buspci.ReadConfig32(ports, 0, 3, 0, 0x3C); irq&0xFFFF != 0x010A {
		t.Fatalf("interrupt register = 0x%08x", irq)
	}
	if sub := buspci.ReadConfig32(ports, 0, 3, 0, 0x2C); sub != 0x00021AF4 {
		t.Fatalf("subsystem = 0x%08x", sub)
	}
}

func TestHostBridgeAbsentFunction(t *testing.T) {
	hb := NewHostBridge()
	ports := newBridgePorts(t, hb)

	if v := buspci.ReadConfig32(ports, 0, 7, 0, 0x00); v != 0xFFFFFFFF {
		t.Fatalf("absent function read 0x%08x", v)
	}
	// Without the enable bit the data port floats too.
	ports.Out32(0xCF8, 0)
	if v := ports.In32(0xCFC); v != 0xFFFFFFFF {
		t.Fatalf("disabled config read 0x%08x", v)
	}
	if got := ports.In32(0xCF8); got != 0 {
		t.Fatalf("address latch = 0x%x", got)
	}
}

func TestAddFunctionValidation(t *testing.T) {
	hb := NewHostBridge()
	if err := hb.AddFunction(Function{Slot: 0}); err == nil {
		t.Fatal("expected error for the occupied host bridge slot")
	}
	if err := hb.AddFunction(Function{Slot: 32}); err == nil {
		t.Fatal("expected error for slot 32")
	}
	if err := hb.AddFunction(virtioBlk(5)); err != nil {
		t.Fatalf("AddFunction: %v", err)
	}
	if err := hb.AddFunction(virtioBlk(5)); err == nil {
		t.Fatal("expected duplicate slot error")
	}
}
