package virtioblk

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/vblk/internal/drivers/virtio"
	"github.com/tinyrange/vblk/internal/pci"
	"github.com/tinyrange/vblk/internal/physmem"
)

// VectorTable installs interrupt handlers.
type VectorTable interface {
	Register(vector uint8, fn func()) error
}

// Options configures a Controller.
type Options struct {
	Ports      virtio.PortIO
	Memory     physmem.Allocator
	Translator physmem.Translator

	// Router and Vectors are optional. Without them the driver completes
	// requests by polling the used ring.
	Router  pci.IRQRouter
	Vectors VectorTable

	Timeout      time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Stats counts sectors and bytes moved by successful requests.
type Stats struct {
	Reads        uint64
	Writes       uint64
	BytesRead    uint64
	BytesWritten uint64
}

// Controller is the system-wide handle to the block device. Requests
// serialize on mu. HandleInterrupt touches only the atomics below and the
// immutable port accessor, never mu.
type Controller struct {
	mu  sync.Mutex
	drv *Driver

	opts Options
	log  *slog.Logger

	ports       virtio.PortIO
	initialized atomic.Bool
	base        atomic.Uint32
	completion  atomic.Bool
	wake        chan struct{}
	registered  atomic.Bool

	reads        atomic.Uint64
	writes       atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// NewController returns an uninitialized controller.
func NewController(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		opts:  opts,
		log:   log,
		ports: opts.Ports,
		wake:  make(chan struct{}, 1),
	}
}

// Init brings up the block device described by dev.
func (c *Controller) Init(dev pci.Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.drv != nil {
		return ErrAlreadyInitialized
	}

	drv, err := New(dev, Env{
		Ports:        c.opts.Ports,
		Memory:       c.opts.Memory,
		Translator:   c.opts.Translator,
		Completion:   &c.completion,
		Wake:         c.wake,
		Timeout:      c.opts.Timeout,
		PollInterval: c.opts.PollInterval,
		Logger:       c.log,
	})
	if err != nil {
		return err
	}
	if err := drv.SetupQueue(); err != nil {
		return err
	}

	// Publish the base before interrupts can be delivered.
	c.base.Store(uint32(drv.Device().Base()))
	c.routeInterrupt(dev.InterruptLine)

	if err := drv.Start(); err != nil {
		c.base.Store(0)
		if cerr := drv.Close(); cerr != nil {
			c.log.Warn("virtio-blk: close after failed start", "err", cerr)
		}
		return err
	}

	c.drv = drv
	c.initialized.Store(true)
	c.log.Info("virtio-blk: initialized",
		"sectors", drv.Capacity(),
		"read_only", drv.ReadOnly(),
		"queue_size", drv.Queue().Size())
	return nil
}

func (c *Controller) routeInterrupt(line uint8) {
	if line == 0 || line == 255 {
		c.log.Info("virtio-blk: no interrupt line, polling for completions", "line", line)
		return
	}
	if c.opts.Router == nil || c.opts.Vectors == nil {
		return
	}
	if !c.registered.Load() {
		if err := c.opts.Vectors.Register(VirtioVector, c.HandleInterrupt); err != nil {
			c.log.Warn("virtio-blk: register interrupt handler", "vector", VirtioVector, "err", err)
			return
		}
		c.registered.Store(true)
	}
	if err := c.opts.Router.RoutePCIIRQ(line, VirtioVector); err != nil {
		c.log.Warn("virtio-blk: route interrupt", "line", line, "vector", VirtioVector, "err", err)
		return
	}
	c.log.Debug("virtio-blk: interrupt routed", "line", line, "vector", VirtioVector)
}

// Close resets the device and returns the controller to the uninitialized
// state.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drv == nil {
		return nil
	}
	c.initialized.Store(false)
	c.base.Store(0)
	err := c.drv.Close()
	c.drv = nil
	return err
}

// IsInitialized reports whether Init has succeeded.
func (c *Controller) IsInitialized() bool {
	return c.initialized.Load()
}

// Capacity returns the device size in sectors, or 0 before Init.
func (c *Controller) Capacity() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drv == nil {
		return 0
	}
	return c.drv.Capacity()
}

// IsReadOnly reports whether writes are refused. It is true before Init.
func (c *Controller) IsReadOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drv == nil {
		return true
	}
	return c.drv.ReadOnly()
}

// QueueSize returns the negotiated queue size, or 0 before Init.
func (c *Controller) QueueSize() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drv == nil || c.drv.Queue() == nil {
		return 0
	}
	return c.drv.Queue().Size()
}

// FreeDescriptors returns the number of descriptors on the free stack.
func (c *Controller) FreeDescriptors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drv == nil || c.drv.Queue() == nil {
		return 0
	}
	return c.drv.Queue().NumFree()
}

// ReadSectors reads count sectors starting at start into buf.
func (c *Controller) ReadSectors(start uint64, count int, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drv == nil {
		return ErrNotInitialized
	}
	if err := c.drv.ReadSectors(start, count, buf); err != nil {
		return err
	}
	c.reads.Add(uint64(count))
	c.bytesRead.Add(uint64(count) * SectorSize)
	return nil
}

// WriteSectors writes count sectors from buf starting at start.
func (c *Controller) WriteSectors(start uint64, count int, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drv == nil {
		return ErrNotInitialized
	}
	if err := c.drv.WriteSectors(start, count, buf); err != nil {
		return err
	}
	c.writes.Add(uint64(count))
	c.bytesWritten.Add(uint64(count) * SectorSize)
	return nil
}

// ReadSector reads one sector.
func (c *Controller) ReadSector(sector uint64, buf *[SectorSize]byte) error {
	return c.ReadSectors(sector, 1, buf[:])
}

// WriteSector writes one sector.
func (c *Controller) WriteSector(sector uint64, buf *[SectorSize]byte) error {
	return c.WriteSectors(sector, 1, buf[:])
}

// Stats returns a snapshot of the request counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Reads:        c.reads.Load(),
		Writes:       c.writes.Load(),
		BytesRead:    c.bytesRead.Load(),
		BytesWritten: c.bytesWritten.Load(),
	}
}

// HandleInterrupt acknowledges the device and flags completion. It runs in
// interrupt context: no locks, no allocation, no logging.
func (c *Controller) HandleInterrupt() {
	base := c.base.Load()
	if base == 0 {
		return
	}
	isr := c.ports.In8(uint16(base) + virtio.RegISRStatus)
	if isr&virtio.ISRQueue == 0 {
		return
	}
	c.completion.Store(true)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) String() string {
	return fmt.Sprintf("virtio-blk(iobase=0x%04x)", c.base.Load())
}
