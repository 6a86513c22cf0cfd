// Package machine assembles a host-side machine around one legacy virtio-blk
// function: guest memory, the port bus, the interrupt fabric and the driver.
package machine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tinyrange/vblk/internal/chipset"
	"github.com/tinyrange/vblk/internal/config"
	pcidev "github.com/tinyrange/vblk/internal/devices/pci"
	vdev "github.com/tinyrange/vblk/internal/devices/virtio"
	"github.com/tinyrange/vblk/internal/drivers/virtioblk"
	"github.com/tinyrange/vblk/internal/pci"
	"github.com/tinyrange/vblk/internal/physmem"
)

const (
	blkDeviceName = "virtio-blk"
	ioapicEntries = 24
	// blkSlot is the PCI slot the block function is enumerated at.
	blkSlot = 3

	classMassStorage   = 0x01
	subsystemVirtioBlk = 2
)

// Machine owns every component and tears them down in reverse order.
type Machine struct {
	cfg config.Config
	log *slog.Logger

	arena   *physmem.Arena
	backing vdev.Backing
	closer  io.Closer

	ioapic  *chipset.IOAPIC
	vectors *chipset.Vectors
	lines   *chipset.LineSet
	blk     *vdev.Blk
	bridge  *pcidev.HostBridge
	cs      *chipset.Chipset
	ports   *chipset.PortIO
	bus     []pci.Device

	ctrl   *virtioblk.Controller
	booted bool
}

// Option adjusts a Machine before it is built.
type Option func(*Machine)

// WithBacking serves the disk from b instead of cfg.Image or an in-memory disk.
func WithBacking(b vdev.Backing) Option {
	return func(m *Machine) { m.backing = b }
}

// WithLogger sets the logger shared by every component.
func WithLogger(log *slog.Logger) Option {
	return func(m *Machine) { m.log = log }
}

// New builds a machine from cfg. Nothing runs until Boot.
func New(cfg config.Config, opts ...Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	m := &Machine{cfg: cfg}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.Default()
	}

	if err := m.build(); err != nil {
		m.release()
		return nil, err
	}
	return m, nil
}

func (m *Machine) build() error {
	var err error
	m.arena, err = physmem.NewArena(m.cfg.MemoryBase, m.cfg.MemorySize, m.cfg.HHDMOffset)
	if err != nil {
		return fmt.Errorf("machine: guest memory: %w", err)
	}

	if m.backing == nil {
		if err := m.openBacking(); err != nil {
			return err
		}
	}

	m.vectors = &chipset.Vectors{}
	m.ioapic = chipset.NewIOAPIC(ioapicEntries)
	m.ioapic.SetRouting(m.vectors)
	m.lines = chipset.NewLineSet(m.ioapic)

	m.blk, err = vdev.NewBlk(m.cfg.IOBase, m.arena, vdev.BlkConfig{
		Backing:   m.backing,
		Capacity:  m.capacity(),
		ReadOnly:  m.cfg.ReadOnly,
		QueueSize: m.cfg.QueueSize,
		Latency:   m.cfg.DeviceLatency.Std(),
		Logger:    m.log,
	})
	if err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	if irqRoutable(m.cfg.IRQLine) {
		m.blk.AttachInterrupt(m.lines.AllocateLine(m.cfg.IRQLine))
	}

	m.bridge = pcidev.NewHostBridge()
	if err := m.bridge.AddFunction(pcidev.Function{
		Slot:              blkSlot,
		VendorID:          pci.VendorVirtio,
		DeviceID:          pci.DeviceVirtioBlkLegacy,
		Class:             classMassStorage,
		SubsystemVendorID: pci.VendorVirtio,
		SubsystemID:       subsystemVirtioBlk,
		BAR:               [6]uint32{uint32(m.cfg.IOBase) | 1},
		InterruptLine:     m.cfg.IRQLine,
		InterruptPin:      1,
	}); err != nil {
		return fmt.Errorf("machine: %w", err)
	}

	b := chipset.NewBuilder()
	if err := b.RegisterDevice(m.bridge.DeviceId(), m.bridge); err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	if err := b.RegisterDevice(blkDeviceName, m.blk); err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	if irqRoutable(m.cfg.IRQLine) {
		if err := b.WithInterruptLine(m.cfg.IRQLine, m.ioapic); err != nil {
			return fmt.Errorf("machine: %w", err)
		}
	}
	m.cs, err = b.Build()
	if err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	m.ports = chipset.NewPortIO(m.cs, m.log)

	m.ctrl = virtioblk.NewController(virtioblk.Options{
		Ports:        m.ports,
		Memory:       m.arena,
		Translator:   m.arena,
		Router:       m.ioapic,
		Vectors:      m.vectors,
		Timeout:      m.cfg.RequestTimeout.Std(),
		PollInterval: m.cfg.PollInterval.Std(),
		Logger:       m.log,
	})
	return nil
}

func (m *Machine) openBacking() error {
	if m.cfg.Image == "" {
		m.backing = vdev.NewMemDisk(m.cfg.Sectors)
		return nil
	}
	flag := os.O_RDWR
	if m.cfg.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(m.cfg.Image, flag, 0)
	if err != nil {
		return fmt.Errorf("machine: open image: %w", err)
	}
	m.backing = f
	m.closer = f
	return nil
}

// capacity is zero when the device should size itself from the backing.
func (m *Machine) capacity() uint64 {
	if m.cfg.Image == "" {
		return m.cfg.Sectors
	}
	return 0
}

func irqRoutable(line uint8) bool {
	return line != 0 && line != 255
}

// Boot starts the devices, enumerates the bus and brings up the driver. The
// controller is also installed as the package default.
func (m *Machine) Boot() error {
	if m.booted {
		return nil
	}
	if err := m.cs.Start(); err != nil {
		return fmt.Errorf("machine: start chipset: %w", err)
	}
	m.bus = pci.Scan(m.ports, 0)
	dev, ok := pci.Find(m.bus, pci.VendorVirtio, pci.DeviceVirtioBlkLegacy)
	if !ok {
		m.cs.Stop()
		return fmt.Errorf("machine: no virtio-blk function on the bus")
	}
	if err := m.ctrl.Init(dev); err != nil {
		m.cs.Stop()
		return fmt.Errorf("machine: %w", err)
	}
	virtioblk.SetDefault(m.ctrl)
	m.booted = true
	m.log.Debug("machine: booted", "pci", dev.String(), "irq", dev.InterruptLine)
	return nil
}

// Close shuts the driver down, stops the devices and releases memory.
func (m *Machine) Close() error {
	var errs []error
	if m.booted {
		if virtioblk.Default() == m.ctrl {
			virtioblk.SetDefault(nil)
		}
		errs = append(errs, m.ctrl.Close())
		errs = append(errs, m.cs.Stop())
		m.booted = false
	}
	errs = append(errs, m.release())
	return errors.Join(errs...)
}

func (m *Machine) release() error {
	var errs []error
	if m.closer != nil {
		errs = append(errs, m.closer.Close())
		m.closer = nil
	}
	if m.arena != nil {
		errs = append(errs, m.arena.Close())
		m.arena = nil
	}
	return errors.Join(errs...)
}

func (m *Machine) Controller() *virtioblk.Controller { return m.ctrl }
func (m *Machine) Device() *vdev.Blk                 { return m.blk }
func (m *Machine) IOAPIC() *chipset.IOAPIC           { return m.ioapic }
func (m *Machine) Vectors() *chipset.Vectors         { return m.vectors }
func (m *Machine) Arena() *physmem.Arena             { return m.arena }
func (m *Machine) Chipset() *chipset.Chipset         { return m.cs }
func (m *Machine) Config() config.Config             { return m.cfg }

// Bus returns the PCI functions found at Boot.
func (m *Machine) Bus() []pci.Device {
	return append([]pci.Device(nil), m.bus...)
}

// Disk returns a byte-addressed view of the booted disk.
func (m *Machine) Disk() *virtioblk.Disk {
	return virtioblk.NewDisk(m.ctrl)
}
