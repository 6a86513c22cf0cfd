package chipset

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vblk/internal/pci"
)

const (
	deliveryModeFixed          = 0x0
	deliveryModeLowestPriority = 0x1
)

// IoApicRouting allows the IO-APIC to notify the rest of the machine when an
// interrupt should be delivered to a CPU.
type IoApicRouting interface {
	// Assert requests an interrupt injection.
	// vector: The IDT vector (0-255).
	// dest: The target CPU ID or APIC ID.
	// destMode: 0 for Physical, 1 for Logical.
	// deliveryMode: 0 for Fixed, 1 for LowestPriority, etc.
	// level: true when the redirection entry is configured for level-triggered delivery.
	Assert(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool)
}

// IoApicRoutingFunc adapts a simple function to IoApicRouting.
type IoApicRoutingFunc func(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool)

// Assert implements IoApicRouting.
func (f IoApicRoutingFunc) Assert(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool) {
	if f != nil {
		f(vector, dest, destMode, deliveryMode, level)
	}
}

type noopIoApicRouting struct{}

func (noopIoApicRouting) Assert(uint8, uint8, uint8, uint8, bool) {}

// IOAPIC routes interrupt lines to CPU vectors through a redirection table.
// Deliveries happen after the table lock is released, so a handler may
// acknowledge its device (and lower the line) synchronously.
type IOAPIC struct {
	mu sync.Mutex

	entries []irqRedirection
	routing IoApicRouting

	interrupts uint64
	perIRQ     []uint64
}

// NewIOAPIC builds an IO-APIC exposing numEntries redirection slots.
func NewIOAPIC(numEntries int) *IOAPIC {
	if numEntries <= 0 {
		numEntries = 24
	}
	entries := make([]irqRedirection, numEntries)
	for i := range entries {
		entries[i] = newIRQRedirection()
	}
	return &IOAPIC{
		entries: entries,
		routing: noopIoApicRouting{},
		perIRQ:  make([]uint64, numEntries),
	}
}

// SetRouting overrides the destination used when an interrupt fires.
func (i *IOAPIC) SetRouting(r IoApicRouting) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if r == nil {
		i.routing = noopIoApicRouting{}
	} else {
		i.routing = r
	}
}

// RoutePCIIRQ implements pci.IRQRouter. PCI lines are programmed as unmasked,
// fixed-delivery, edge-triggered entries targeting CPU 0.
func (i *IOAPIC) RoutePCIIRQ(line, vector uint8) error {
	if vector < 0x20 {
		return fmt.Errorf("ioapic: vector 0x%x is reserved for exceptions", vector)
	}
	var raw uint64
	raw |= uint64(vector)
	raw |= deliveryModeFixed << 8

	i.mu.Lock()
	if int(line) >= len(i.entries) {
		i.mu.Unlock()
		return fmt.Errorf("ioapic: line %d out of range (%d entries)", line, len(i.entries))
	}
	entry := &i.entries[line]
	entry.redirection.setRaw(raw)
	// A line that is already high when unmasked is delivered immediately.
	fire := entry.lineLevel
	routing := i.routing
	if fire {
		i.count(line)
	}
	i.mu.Unlock()

	if fire {
		entry.deliver(routing, raw)
	}
	return nil
}

// Mask masks or unmasks a line.
func (i *IOAPIC) Mask(line uint8, masked bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if int(line) >= len(i.entries) {
		return
	}
	i.entries[line].redirection.setMasked(masked)
}

// Redirection returns the raw redirection entry for line.
func (i *IOAPIC) Redirection(line uint8) (uint64, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if int(line) >= len(i.entries) {
		return 0, false
	}
	return i.entries[line].redirection.raw(), true
}

// SetIRQ implements InterruptSink.
func (i *IOAPIC) SetIRQ(line uint8, high bool) {
	i.mu.Lock()
	if int(line) >= len(i.entries) {
		i.mu.Unlock()
		return
	}
	entry := &i.entries[line]
	edge := high && !entry.lineLevel
	entry.lineLevel = high
	fire := edge && !entry.redirection.masked()
	raw := entry.redirection.raw()
	routing := i.routing
	if fire {
		i.count(line)
	}
	i.mu.Unlock()

	if fire {
		entry.deliver(routing, raw)
	}
}

// Interrupts returns the number of deliveries for line.
func (i *IOAPIC) Interrupts(line uint8) uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	if int(line) >= len(i.perIRQ) {
		return 0
	}
	return i.perIRQ[line]
}

func (i *IOAPIC) count(line uint8) {
	i.interrupts++
	if int(line) < len(i.perIRQ) {
		i.perIRQ[line]++
	}
}

type irqRedirection struct {
	redirection redirectionEntry
	lineLevel   bool
}

func newIRQRedirection() irqRedirection {
	return irqRedirection{
		redirection: newRedirectionEntry(),
	}
}

func (r *irqRedirection) deliver(router IoApicRouting, raw uint64) {
	entry := redirectionEntry{value: raw}
	destMode := uint8(0) // Physical
	if entry.destinationModeLogical() {
		destMode = 1
	}
	router.Assert(
		entry.vector(),
		entry.destination(),
		destMode,
		entry.deliveryMode(),
		entry.isLevelCapable(),
	)
}

type redirectionEntry struct {
	value uint64
}

func newRedirectionEntry() redirectionEntry {
	var value uint64
	value |= 1 << 11 // destination mode logical
	value |= 1 << 16 // masked by default
	return redirectionEntry{value: value}
}

func (r redirectionEntry) raw() uint64 {
	return r.value
}

func (r *redirectionEntry) setRaw(value uint64) {
	r.value = value
}

// destination returns bits 56-63 (Destination Field)
func (r redirectionEntry) destination() uint8 {
	return uint8((r.value >> 56) & 0xFF)
}

func (r redirectionEntry) vector() uint8 {
	return uint8(r.value & 0xff)
}

func (r redirectionEntry) deliveryMode() uint8 {
	return uint8((r.value >> 8) & 0x7)
}

func (r redirectionEntry) masked() bool {
	return (r.value>>16)&1 == 1
}

func (r *redirectionEntry) setMasked(val bool) {
	if val {
		r.value |= 1 << 16
	} else {
		r.value &^= 1 << 16
	}
}

func (r redirectionEntry) triggerModeLevel() bool {
	return (r.value>>15)&1 == 1
}

func (r redirectionEntry) destinationModeLogical() bool {
	return (r.value>>11)&1 == 1
}

func (r redirectionEntry) isLevelCapable() bool {
	if !r.triggerModeLevel() {
		return false
	}
	mode := r.deliveryMode()
	return mode == deliveryModeFixed || mode == deliveryModeLowestPriority
}

var (
	_ pci.IRQRouter = (*IOAPIC)(nil)
	_ InterruptSink = (*IOAPIC)(nil)
)
