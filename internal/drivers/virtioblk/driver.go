// Package virtioblk drives a legacy virtio block device over the I/O-port
// transport, one single-sector request at a time.
package virtioblk

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/tinyrange/vblk/internal/drivers/virtio"
	"github.com/tinyrange/vblk/internal/pci"
	"github.com/tinyrange/vblk/internal/physmem"
)

const (
	SectorSize = 512
	HeaderSize = 16

	TypeIn    = 0
	TypeOut   = 1
	TypeFlush = 4
	TypeGetID = 8

	StatusOK          = 0
	StatusIOErr       = 1
	StatusUnsupported = 2

	// FeatureRO is the device feature bit advertising a read-only disk.
	FeatureRO = 1 << 5

	// VirtioVector is the CPU vector the device's interrupt line is routed to.
	VirtioVector = 0x2B

	DefaultTimeout      = 5 * time.Second
	DefaultPollInterval = 250 * time.Microsecond
)

const (
	requestSize   = HeaderSize + SectorSize + 1
	statusOffset  = HeaderSize + SectorSize
	statusPending = 0xFF
	requestQueue  = 0
)

// RequestHeader is the device-readable header that starts every request.
type RequestHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

// Put encodes h into b, which must be at least HeaderSize bytes.
func (h RequestHeader) Put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.Type)
	binary.LittleEndian.PutUint32(b[4:8], h.Reserved)
	binary.LittleEndian.PutUint64(b[8:16], h.Sector)
}

// Env holds the collaborators a Driver runs against.
type Env struct {
	Ports      virtio.PortIO
	Memory     physmem.Allocator
	Translator physmem.Translator

	// Completion is set by the interrupt handler when the used ring moves.
	// Wake, if non-nil, is signalled alongside it so waiting can block
	// instead of spinning.
	Completion *atomic.Bool
	Wake       <-chan struct{}

	Timeout      time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

type abandonedRequest struct {
	chain [3]uint16
	buf   physmem.Region
}

// Driver owns one virtio-blk function and its request queue. It is not safe
// for concurrent use; Controller serializes access.
type Driver struct {
	dev        *virtio.Device
	mem        physmem.Allocator
	translator physmem.Translator
	completion *atomic.Bool
	wake       <-chan struct{}
	timeout    time.Duration
	poll       time.Duration
	log        *slog.Logger

	capacity uint64
	readOnly bool
	features uint32

	ring  physmem.Region
	queue *virtio.Virtqueue

	// Buffers of timed-out requests stay allocated until the device
	// returns their chains.
	abandoned []abandonedRequest
}

// New brings dev up to the DRIVER state and reads its configuration.
func New(dev pci.Device, env Env) (*Driver, error) {
	addr, isIO, ok := dev.BARAddress(0)
	if !ok {
		return nil, ErrBARNotConfigured
	}
	if !isIO {
		return nil, ErrMMIOUnsupported
	}
	if env.Ports == nil || env.Memory == nil || env.Translator == nil {
		return nil, fmt.Errorf("virtio-blk: incomplete environment")
	}
	if env.Completion == nil {
		env.Completion = new(atomic.Bool)
	}
	if env.Timeout <= 0 {
		env.Timeout = DefaultTimeout
	}
	if env.PollInterval <= 0 {
		env.PollInterval = DefaultPollInterval
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}

	d := &Driver{
		dev:        virtio.NewDevice(env.Ports, uint16(addr)),
		mem:        env.Memory,
		translator: env.Translator,
		completion: env.Completion,
		wake:       env.Wake,
		timeout:    env.Timeout,
		poll:       env.PollInterval,
		log:        env.Logger,
	}

	d.dev.Reset()
	d.dev.AddStatus(virtio.StatusAcknowledge)
	d.dev.AddStatus(virtio.StatusDriver)

	d.features = d.dev.ReadDeviceFeatures()
	d.readOnly = d.features&FeatureRO != 0
	d.dev.WriteDriverFeatures(0)

	d.capacity = d.dev.ReadConfig64(0)

	d.log.Info("virtio-blk: device found",
		"pci", dev.String(),
		"iobase", fmt.Sprintf("0x%04x", addr),
		"sectors", d.capacity,
		"read_only", d.readOnly)
	return d, nil
}

// SetupQueue allocates the request queue and registers it with the device.
// On failure the device is marked FAILED.
func (d *Driver) SetupQueue() error {
	if d.queue != nil {
		return nil
	}
	if err := d.setupQueue(); err != nil {
		d.dev.AddStatus(virtio.StatusFailed)
		return err
	}
	return nil
}

func (d *Driver) setupQueue() error {
	d.dev.SelectQueue(requestQueue)
	size := d.dev.QueueSize()
	if size == 0 {
		return ErrQueueUnavailable
	}
	if size&(size-1) != 0 {
		return fmt.Errorf("%w: %d", ErrBadQueueSize, size)
	}

	ring, err := d.mem.Alloc(virtio.RingSize(size), virtio.PageSize)
	if err != nil {
		return fmt.Errorf("virtio-blk: allocate ring: %w", err)
	}
	phys, err := d.translator.Translate(ring.Virt)
	if err != nil {
		d.free(ring, "ring")
		return fmt.Errorf("virtio-blk: translate ring: %w", err)
	}
	q, err := virtio.NewVirtqueue(ring, phys, size)
	if err != nil {
		d.free(ring, "ring")
		return fmt.Errorf("virtio-blk: %w", err)
	}

	d.dev.SetQueueAddress(q.PFN())
	d.ring = ring
	d.queue = q
	d.log.Debug("virtio-blk: queue ready", "size", size, "pfn", q.PFN())
	return nil
}

// Start sets DRIVER_OK. The device may interrupt from here on.
func (d *Driver) Start() error {
	if d.queue == nil {
		return ErrQueueUnavailable
	}
	d.dev.AddStatus(virtio.StatusDriverOK)
	return nil
}

// Close resets the device and releases the ring and any quarantined buffers.
func (d *Driver) Close() error {
	d.dev.Reset()
	for _, a := range d.abandoned {
		d.free(a.buf, "abandoned buffer")
	}
	d.abandoned = nil
	if d.queue != nil {
		d.queue = nil
		if err := d.mem.Free(d.ring); err != nil {
			return fmt.Errorf("virtio-blk: free ring: %w", err)
		}
	}
	return nil
}

func (d *Driver) Capacity() uint64         { return d.capacity }
func (d *Driver) ReadOnly() bool           { return d.readOnly }
func (d *Driver) SectorSize() int          { return SectorSize }
func (d *Driver) Features() uint32         { return d.features }
func (d *Driver) Queue() *virtio.Virtqueue { return d.queue }
func (d *Driver) Device() *virtio.Device   { return d.dev }

// Abandoned returns the number of timed-out requests whose chains the
// device has not returned yet.
func (d *Driver) Abandoned() int { return len(d.abandoned) }

// ReadSectors reads count sectors starting at start into buf.
func (d *Driver) ReadSectors(start uint64, count int, buf []byte) error {
	if err := d.check(start, count, buf, ErrReadBeyondCapacity); err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		off := i * SectorSize
		if err := d.transfer(TypeIn, start+uint64(i), buf[off:off+SectorSize]); err != nil {
			return err
		}
	}
	return nil
}

// WriteSectors writes count sectors from buf starting at start.
func (d *Driver) WriteSectors(start uint64, count int, buf []byte) error {
	if d.readOnly {
		return ErrReadOnly
	}
	if err := d.check(start, count, buf, ErrWriteBeyondCapacity); err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		off := i * SectorSize
		if err := d.transfer(TypeOut, start+uint64(i), buf[off:off+SectorSize]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) check(start uint64, count int, buf []byte, beyond error) error {
	if count < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}
	if len(buf)/SectorSize < count {
		return fmt.Errorf("%w: %d bytes for %d sectors", ErrBufferTooSmall, len(buf), count)
	}
	if start > d.capacity || uint64(count) > d.capacity-start {
		return fmt.Errorf("%w: sectors %d+%d, capacity %d", beyond, start, count, d.capacity)
	}
	return nil
}

// transfer runs one single-sector request to completion.
func (d *Driver) transfer(reqType uint32, sector uint64, data []byte) error {
	if d.queue == nil {
		return ErrQueueUnavailable
	}

	buf, err := d.mem.Alloc(requestSize, 8)
	if err != nil {
		return fmt.Errorf("virtio-blk: allocate request buffer: %w", err)
	}
	phys, err := d.translator.Translate(buf.Virt)
	if err != nil {
		d.free(buf, "request buffer")
		return fmt.Errorf("virtio-blk: translate request buffer: %w", err)
	}

	RequestHeader{Type: reqType, Sector: sector}.Put(buf.Bytes[:HeaderSize])
	if reqType == TypeOut {
		copy(buf.Bytes[HeaderSize:statusOffset], data)
	}
	buf.Bytes[statusOffset] = statusPending

	var chain [3]uint16
	if err := d.allocChain(&chain); err != nil {
		d.free(buf, "request buffer")
		return err
	}
	head, body, status := chain[0], chain[1], chain[2]

	dataFlags := uint16(virtio.DescFNext)
	if reqType == TypeIn {
		dataFlags |= virtio.DescFWrite
	}
	d.queue.SetDesc(status, phys+statusOffset, 1, virtio.DescFWrite, 0)
	d.queue.SetDesc(body, phys+HeaderSize, SectorSize, dataFlags, status)
	d.queue.SetDesc(head, phys, HeaderSize, virtio.DescFNext, body)

	d.queue.Submit(head)

	d.completion.Store(false)
	if d.wake != nil {
		select {
		case <-d.wake:
		default:
		}
	}
	d.dev.Notify(requestQueue)

	if err := d.wait(head); err != nil {
		// The device may still own the chain. Park the descriptors at the
		// bottom of the free stack and keep the buffer alive until the
		// late completion is drained.
		for _, idx := range chain {
			d.queue.FreeDescLast(idx)
		}
		d.abandoned = append(d.abandoned, abandonedRequest{chain: chain, buf: buf})
		d.log.Warn("virtio-blk: request timed out",
			"sector", sector, "type", reqType, "head", head, "timeout", d.timeout)
		return fmt.Errorf("%w: sector %d after %s", err, sector, d.timeout)
	}

	for i := len(chain) - 1; i >= 0; i-- {
		d.queue.FreeDesc(chain[i])
	}

	st := buf.Bytes[statusOffset]
	if st != StatusOK {
		d.free(buf, "request buffer")
		return &DeviceError{Sector: sector, Status: st}
	}
	if reqType == TypeIn {
		copy(data, buf.Bytes[HeaderSize:statusOffset])
	}
	d.free(buf, "request buffer")
	return nil
}

func (d *Driver) free(r physmem.Region, what string) {
	if err := d.mem.Free(r); err != nil {
		d.log.Warn("virtio-blk: free "+what, "err", err)
	}
}

// allocChain takes three descriptors that no abandoned request still owns.
// Late completions are retired first so their chains become reusable. When
// only owned descriptors remain the request fails instead of reusing them,
// since a slow device may still follow their next links.
func (d *Driver) allocChain(chain *[3]uint16) error {
	d.drainUsed()
	for i := range chain {
		idx, ok := d.allocUnowned()
		if !ok {
			for j := i - 1; j >= 0; j-- {
				d.queue.FreeDesc(chain[j])
			}
			if len(d.abandoned) > 0 {
				return fmt.Errorf("%w: %d held by %d timed-out requests",
					ErrNoDescriptor, 3*len(d.abandoned), len(d.abandoned))
			}
			return ErrNoDescriptor
		}
		chain[i] = idx
	}
	return nil
}

func (d *Driver) allocUnowned() (uint16, bool) {
	for tries := d.queue.NumFree(); tries > 0; tries-- {
		idx, ok := d.queue.AllocDesc()
		if !ok {
			return 0, false
		}
		if !d.isOwned(idx) {
			return idx, true
		}
		d.queue.FreeDescLast(idx)
	}
	return 0, false
}

func (d *Driver) drainUsed() {
	for {
		elem, ok := d.queue.PopUsed()
		if !ok {
			return
		}
		d.retire(elem)
	}
}

// isOwned reports whether idx is part of a chain the device has not
// returned yet.
func (d *Driver) isOwned(idx uint16) bool {
	for _, a := range d.abandoned {
		for _, c := range a.chain {
			if c == idx {
				return true
			}
		}
	}
	return false
}

// wait blocks until the device returns the chain at head or the deadline
// passes. Entries for abandoned requests are retired along the way.
func (d *Driver) wait(head uint16) error {
	deadline := time.Now().Add(d.timeout)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		for {
			elem, ok := d.queue.PopUsed()
			if !ok {
				break
			}
			if elem.ID == uint32(head) {
				return nil
			}
			d.retire(elem)
		}

		// The flag only says the used ring moved; recheck before sleeping.
		if d.completion.CompareAndSwap(true, false) {
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		if d.wake == nil {
			runtime.Gosched()
			continue
		}
		sleep := min(d.poll, remaining)
		if timer == nil {
			timer = time.NewTimer(sleep)
		} else {
			timer.Reset(sleep)
		}
		select {
		case <-d.wake:
		case <-timer.C:
		}
	}
}

func (d *Driver) retire(elem virtio.UsedElem) {
	for i, a := range d.abandoned {
		if uint32(a.chain[0]) != elem.ID {
			continue
		}
		d.abandoned = append(d.abandoned[:i], d.abandoned[i+1:]...)
		d.free(a.buf, "abandoned buffer")
		d.log.Debug("virtio-blk: retired late completion", "head", a.chain[0])
		return
	}
	d.log.Warn("virtio-blk: used entry for unknown chain", "id", elem.ID, "len", elem.Len)
}
