package chipset

import "fmt"

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

type portClaim struct {
	owner   string
	handler PortIOHandler
}

// ChipsetBuilder collects devices and the ports and lines they claim. A
// ChipsetBuilder is not safe for concurrent use.
type ChipsetBuilder struct {
	devices    map[string]ChipsetDevice
	ports      map[uint16]portClaim
	interrupts map[uint8]InterruptSink
}

// NewBuilder returns an empty ChipsetBuilder.
func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{
		devices:    make(map[string]ChipsetDevice),
		ports:      make(map[uint16]portClaim),
		interrupts: make(map[uint8]InterruptSink),
	}
}

// RegisterDevice adds dev under name and claims every port it intercepts.
// Either all of the device's ports are claimed or none are.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	if intercept := dev.SupportsPortIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided port I/O ports with nil handler", name)
		}
		if err := b.claim(name, intercept.Handler, intercept.Ports); err != nil {
			return err
		}
	}

	b.devices[name] = dev
	return nil
}

// WithPioPort claims a single port for a handler that is not a device.
func (b *ChipsetBuilder) WithPioPort(port uint16, handler PortIOHandler) error {
	if handler == nil {
		return fmt.Errorf("PIO handler for port 0x%x is nil", port)
	}
	return b.claim("", handler, []uint16{port})
}

// WithPioRange claims count consecutive ports starting at base.
func (b *ChipsetBuilder) WithPioRange(base uint16, count int, handler PortIOHandler) error {
	if handler == nil {
		return fmt.Errorf("PIO handler for ports 0x%x+%d is nil", base, count)
	}
	if count <= 0 || int(base)+count > 0x10000 {
		return fmt.Errorf("PIO range 0x%x+%d is out of bounds", base, count)
	}
	ports := make([]uint16, count)
	for i := range ports {
		ports[i] = base + uint16(i)
	}
	return b.claim("", handler, ports)
}

func (b *ChipsetBuilder) claim(owner string, handler PortIOHandler, ports []uint16) error {
	seen := make(map[uint16]bool, len(ports))
	for _, port := range ports {
		if seen[port] {
			return fmt.Errorf("%sPIO port 0x%04x listed twice", ownerPrefix(owner), port)
		}
		seen[port] = true
		if prev, exists := b.ports[port]; exists {
			if prev.owner != "" {
				return fmt.Errorf("%sPIO port 0x%04x already claimed by %q", ownerPrefix(owner), port, prev.owner)
			}
			return fmt.Errorf("%sPIO port 0x%04x already registered", ownerPrefix(owner), port)
		}
	}
	for _, port := range ports {
		b.ports[port] = portClaim{owner: owner, handler: handler}
	}
	return nil
}

func ownerPrefix(owner string) string {
	if owner == "" {
		return ""
	}
	return fmt.Sprintf("device %q: ", owner)
}

// WithInterruptLine registers the sink for line.
func (b *ChipsetBuilder) WithInterruptLine(line uint8, sink InterruptSink) error {
	if sink == nil {
		return fmt.Errorf("interrupt sink for line %d is nil", line)
	}
	if _, exists := b.interrupts[line]; exists {
		return fmt.Errorf("interrupt line %d already registered", line)
	}
	b.interrupts[line] = sink
	return nil
}

// Build snapshots the builder into a Chipset. Later changes to the builder do
// not affect the result.
func (b *ChipsetBuilder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}
	c := &Chipset{
		devices:    make(map[string]ChipsetDevice, len(b.devices)),
		pio:        make(map[uint16]PortIOHandler, len(b.ports)),
		owners:     make(map[uint16]string, len(b.ports)),
		interrupts: make(map[uint8]InterruptSink, len(b.interrupts)),
	}
	for name, dev := range b.devices {
		c.devices[name] = dev
	}
	for port, claim := range b.ports {
		c.pio[port] = claim.handler
		if claim.owner != "" {
			c.owners[port] = claim.owner
		}
	}
	for line, sink := range b.interrupts {
		c.interrupts[line] = sink
	}
	return c, nil
}

// Chipset holds the dispatch tables produced by Build. The tables are
// immutable, so lookups need no locking.
type Chipset struct {
	devices    map[string]ChipsetDevice
	pio        map[uint16]PortIOHandler
	owners     map[uint16]string
	interrupts map[uint8]InterruptSink
}
