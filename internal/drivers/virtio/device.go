// Package virtio implements the driver side of the legacy virtio PCI
// transport: the I/O-port register block and split virtqueues.
package virtio

const PageSize = 4096

// Legacy register offsets from the I/O BAR.
const (
	RegDeviceFeatures = 0x00
	RegDriverFeatures = 0x04
	RegQueueAddress   = 0x08
	RegQueueSize      = 0x0C
	RegQueueSelect    = 0x0E
	RegQueueNotify    = 0x10
	RegDeviceStatus   = 0x12
	RegISRStatus      = 0x13
	RegConfig         = 0x14
)

// Device status bits.
const (
	StatusAcknowledge = 1
	StatusDriver      = 2
	StatusDriverOK    = 4
	StatusFeaturesOK  = 8
	StatusNeedsReset  = 64
	StatusFailed      = 128
)

// Descriptor flags.
const (
	DescFNext     = 1
	DescFWrite    = 2
	DescFIndirect = 4
)

// ISR status bits.
const (
	ISRQueue  = 1
	ISRConfig = 2
)

// PortIO issues x86 port I/O.
type PortIO interface {
	In8(port uint16) uint8
	In16(port uint16) uint16
	In32(port uint16) uint32
	Out8(port uint16, v uint8)
	Out16(port uint16, v uint16)
	Out32(port uint16, v uint32)
}

// Device accesses the legacy register block at an I/O base.
type Device struct {
	io   PortIO
	base uint16
}

// NewDevice returns a Device for the register block at base.
func NewDevice(io PortIO, base uint16) *Device {
	return &Device{io: io, base: base}
}

// Base returns the I/O port base.
func (d *Device) Base() uint16 { return d.base }

// Reset writes zero to the status register.
func (d *Device) Reset() {
	d.io.Out8(d.base+RegDeviceStatus, 0)
}

// Status reads the status register.
func (d *Device) Status() uint8 {
	return d.io.In8(d.base + RegDeviceStatus)
}

// AddStatus ORs bits into the status register.
func (d *Device) AddStatus(bits uint8) {
	d.io.Out8(d.base+RegDeviceStatus, d.Status()|bits)
}

// ReadDeviceFeatures returns the feature bits the device offers.
func (d *Device) ReadDeviceFeatures() uint32 {
	return d.io.In32(d.base + RegDeviceFeatures)
}

// WriteDriverFeatures accepts features on behalf of the driver.
func (d *Device) WriteDriverFeatures(features uint32) {
	d.io.Out32(d.base+RegDriverFeatures, features)
}

// SelectQueue picks the queue the queue registers refer to.
func (d *Device) SelectQueue(index uint16) {
	d.io.Out16(d.base+RegQueueSelect, index)
}

// QueueSize returns the size of the selected queue; 0 means unavailable.
func (d *Device) QueueSize() uint16 {
	return d.io.In16(d.base + RegQueueSize)
}

// SetQueueAddress programs the selected queue's page frame number.
func (d *Device) SetQueueAddress(pfn uint32) {
	d.io.Out32(d.base+RegQueueAddress, pfn)
}

// QueueAddress reads back the selected queue's page frame number.
func (d *Device) QueueAddress() uint32 {
	return d.io.In32(d.base + RegQueueAddress)
}

// ReadConfig8 reads a byte of device-specific configuration at off.
func (d *Device) ReadConfig8(off uint16) uint8 {
	return d.io.In8(d.base + RegConfig + off)
}

// ReadConfig16 reads a 16-bit configuration field.
func (d *Device) ReadConfig16(off uint16) uint16 {
	return d.io.In16(d.base + RegConfig + off)
}

// ReadConfig32 reads a 32-bit configuration field.
func (d *Device) ReadConfig32(off uint16) uint32 {
	return d.io.In32(d.base + RegConfig + off)
}

// ReadConfig64 reads a 64-bit field as two 32-bit halves, low first.
func (d *Device) ReadConfig64(off uint16) uint64 {
	lo := d.ReadConfig32(off)
	hi := d.ReadConfig32(off + 4)
	return uint64(hi)<<32 | uint64(lo)
}

// Notify kicks queue.
func (d *Device) Notify(queue uint16) {
	d.io.Out16(d.base+RegQueueNotify, queue)
}

// ReadISR reads and acknowledges the interrupt status.
func (d *Device) ReadISR() uint8 {
	return d.io.In8(d.base + RegISRStatus)
}
