package chipset

import (
	"errors"
	"strings"
	"testing"
)

type testPortDevice struct {
	ports   []uint16
	regs    map[uint16]byte
	started bool
	resets  int
}

func newTestPortDevice(ports ...uint16) *testPortDevice {
	return &testPortDevice{ports: ports, regs: make(map[uint16]byte)}
}

func (d *testPortDevice) DeviceId() string { return "test" }
func (d *testPortDevice) Start() error     { d.started = true; return nil }
func (d *testPortDevice) Stop() error      { d.started = false; return nil }
func (d *testPortDevice) Reset() error     { d.resets++; return nil }

func (d *testPortDevice) SupportsPortIO() *PortIOIntercept {
	return &PortIOIntercept{Ports: d.ports, Handler: d}
}

func (d *testPortDevice) ReadIOPort(port uint16, data []byte) error {
	for i := range data {
		data[i] = d.regs[port+uint16(i)]
	}
	return nil
}

func (d *testPortDevice) WriteIOPort(port uint16, data []byte) error {
	for i, b := range data {
		d.regs[port+uint16(i)] = b
	}
	return nil
}

func TestBuilderRejectsDuplicatePorts(t *testing.T) {
	b := NewBuilder()
	if err := b.RegisterDevice("a", newTestPortDevice(0x60, 0x61)); err != nil {
		t.Fatalf("RegisterDevice a: %v", err)
	}
	err := b.RegisterDevice("b", newTestPortDevice(0x62, 0x61))
	if err == nil || !strings.Contains(err.Error(), `claimed by "a"`) {
		t.Fatalf("expected conflict with a on port 0x61, got %v", err)
	}
	// The failed registration must not leave 0x62 claimed.
	if err := b.RegisterDevice("c", newTestPortDevice(0x62)); err != nil {
		t.Fatalf("RegisterDevice c: %v", err)
	}
	if err := b.RegisterDevice("a", newTestPortDevice(0x70)); err == nil {
		t.Fatal("expected duplicate name error")
	}
	if err := b.RegisterDevice("", newTestPortDevice(0x80)); err == nil {
		t.Fatal("expected empty name error")
	}
}

func TestPioRange(t *testing.T) {
	dev := newTestPortDevice()
	b := NewBuilder()
	if err := b.WithPioRange(0x400, 4, dev); err != nil {
		t.Fatalf("WithPioRange: %v", err)
	}
	if err := b.WithPioPort(0x403, dev); err == nil {
		t.Fatal("expected conflict on port 0x403")
	}
	if err := b.WithPioRange(0xFFFE, 4, dev); err == nil {
		t.Fatal("expected out of bounds range error")
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := cs.HandlePIO(0x402, []byte{1}, true); err != nil {
		t.Fatalf("HandlePIO: %v", err)
	}
	if _, ok := cs.PortOwner(0x402); ok {
		t.Fatal("anonymous range reported an owner")
	}
}

func TestChipsetDispatch(t *testing.T) {
	dev := newTestPortDevice(0xC000, 0xC001)
	b := NewBuilder()
	if err := b.RegisterDevice("dev", dev); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if owner, ok := cs.PortOwner(0xC001); !ok || owner != "dev" {
		t.Fatalf("PortOwner = %q, %v", owner, ok)
	}
	if err := cs.Start(); err != nil || !dev.started {
		t.Fatalf("Start: err=%v started=%v", err, dev.started)
	}
	if err := cs.Reset(); err != nil || dev.resets != 1 {
		t.Fatalf("Reset: err=%v resets=%d", err, dev.resets)
	}

	if err := cs.HandlePIO(0xC000, []byte{0x5A}, true); err != nil {
		t.Fatalf("HandlePIO write: %v", err)
	}
	buf := make([]byte, 1)
	if err := cs.HandlePIO(0xC000, buf, false); err != nil || buf[0] != 0x5A {
		t.Fatalf("HandlePIO read: err=%v value=0x%x", err, buf[0])
	}
	if err := cs.HandlePIO(0xD000, buf, false); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
}

func TestPortIO(t *testing.T) {
	dev := newTestPortDevice(0x10, 0x11, 0x12, 0x13)
	b := NewBuilder()
	if err := b.RegisterDevice("dev", dev); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	io := NewPortIO(cs, nil)

	io.Out32(0x10, 0x11223344)
	if got := io.In32(0x10); got != 0x11223344 {
		t.Fatalf("In32 = 0x%x, want 0x11223344", got)
	}
	if got := io.In16(0x12); got != 0x1122 {
		t.Fatalf("In16 = 0x%x, want 0x1122", got)
	}
	io.Out8(0x13, 0x7F)
	if got := io.In8(0x13); got != 0x7F {
		t.Fatalf("In8 = 0x%x, want 0x7f", got)
	}
	if got := io.In8(0x99); got != 0xFF {
		t.Fatalf("unclaimed port read = 0x%x, want 0xff", got)
	}
}

type recordingSink struct {
	calls []bool
}

func (s *recordingSink) SetIRQ(line uint8, level bool) {
	s.calls = append(s.calls, level)
}

func TestLineSetForwardsChangesOnly(t *testing.T) {
	sink := &recordingSink{}
	ls := NewLineSet(sink)
	line := ls.AllocateLine(11)

	line.SetLevel(true)
	line.SetLevel(true)
	line.SetLevel(false)
	if len(sink.calls) != 2 || !sink.calls[0] || sink.calls[1] {
		t.Fatalf("unexpected sink calls %v", sink.calls)
	}
	if ls.Level(11) {
		t.Fatal("expected line low")
	}

	line.PulseInterrupt()
	if len(sink.calls) != 4 {
		t.Fatalf("expected pulse to forward two transitions, got %v", sink.calls)
	}
}
