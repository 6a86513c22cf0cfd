package chipset

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNoHandler is returned for accesses to ports nothing has claimed.
var ErrNoHandler = errors.New("chipset: no handler")

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	var errs []error
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("chipset: stop device %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Device returns a registered device by name.
func (c *Chipset) Device(name string) (ChipsetDevice, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// InterruptSink returns the sink registered for line, if any.
func (c *Chipset) InterruptSink(line uint8) (InterruptSink, bool) {
	sink, ok := c.interrupts[line]
	return sink, ok
}

// PortOwner returns the name of the device that claimed port.
func (c *Chipset) PortOwner(port uint16) (string, bool) {
	name, ok := c.owners[port]
	return name, ok
}

// HandlePIO dispatches an I/O port access to the registered device.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) error {
	handler, ok := c.pio[port]
	if !ok {
		return fmt.Errorf("%w for I/O port 0x%04x", ErrNoHandler, port)
	}
	if isWrite {
		return handler.WriteIOPort(port, data)
	}
	return handler.ReadIOPort(port, data)
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
