package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/vblk/internal/chipset"
)

const (
	blkQueueNumMax  = 128
	blkInterruptBit = 0x1
	blkQueueRequest = 0
	blkSectorSize   = 512
	blkIDLength     = 20
)

// Legacy virtio PCI register offsets.
const (
	legacyDeviceFeatures = 0x00
	legacyDriverFeatures = 0x04
	legacyQueueAddress   = 0x08
	legacyQueueSize      = 0x0C
	legacyQueueSelect    = 0x0E
	legacyQueueNotify    = 0x10
	legacyDeviceStatus   = 0x12
	legacyISRStatus      = 0x13
	legacyConfig         = 0x14

	blkConfigSize = 24
	blkPortCount  = legacyConfig + blkConfigSize
)

// Virtio block request types
const (
	VIRTIO_BLK_T_IN     = 0 // Read
	VIRTIO_BLK_T_OUT    = 1 // Write
	VIRTIO_BLK_T_FLUSH  = 4 // Flush
	VIRTIO_BLK_T_GET_ID = 8 // Get device ID
)

// Virtio block status codes
const (
	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2
)

// Virtio block feature bits
const (
	VIRTIO_BLK_F_SIZE_MAX = 1 << 1 // Max size of any single segment
	VIRTIO_BLK_F_SEG_MAX  = 1 << 2 // Max number of segments
	VIRTIO_BLK_F_RO       = 1 << 5 // Read-only device
	VIRTIO_BLK_F_BLK_SIZE = 1 << 6 // Block size available
)

// Backing stores the disk contents.
type Backing interface {
	io.ReaderAt
	io.WriterAt
}

// BlkConfig describes a block device model.
type BlkConfig struct {
	Backing Backing
	// Capacity in sectors. Zero derives it from the backing's size.
	Capacity  uint64
	ReadOnly  bool
	QueueSize uint16
	// Latency delays every completion.
	Latency time.Duration
	Logger  *slog.Logger
}

// Blk is a legacy virtio-blk PCI function served over port I/O. Notifies
// kick a worker goroutine that walks the request queue in guest memory.
type Blk struct {
	base     uint16
	mem      GuestMemory
	backing  Backing
	capacity uint64
	readonly bool
	latency  time.Duration
	log      *slog.Logger

	// mu guards the register file. qmu guards the queue. They are never
	// held together.
	mu             sync.Mutex
	status         uint8
	driverFeatures uint32
	queueSel       uint16
	pfn            uint32
	isr            uint8
	irq            chipset.LineInterrupt

	qmu     sync.Mutex
	queue   *VirtQueue
	stalled []uint16

	kick    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	running bool

	stall     atomic.Bool
	failNext  atomic.Int32
	notifies  atomic.Uint64
	completed atomic.Uint64
}

// NewBlk creates a device whose registers start at port base.
func NewBlk(base uint16, mem GuestMemory, cfg BlkConfig) (*Blk, error) {
	if mem == nil {
		return nil, fmt.Errorf("virtio-blk: guest memory is nil")
	}
	if cfg.Backing == nil {
		return nil, fmt.Errorf("virtio-blk: backing store is nil")
	}
	if uint32(base)+blkPortCount > 0x10000 {
		return nil, fmt.Errorf("virtio-blk: register block at 0x%x overflows port space", base)
	}
	size := cfg.QueueSize
	if size == 0 {
		size = blkQueueNumMax
	}
	if size&(size-1) != 0 {
		return nil, fmt.Errorf("virtio-blk: queue size %d is not a power of 2", size)
	}

	capacity := cfg.Capacity
	if capacity == 0 {
		n, err := backingSize(cfg.Backing)
		if err != nil {
			return nil, err
		}
		capacity = uint64(n) / blkSectorSize
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	b := &Blk{
		base:     base,
		mem:      mem,
		backing:  cfg.Backing,
		capacity: capacity,
		readonly: cfg.ReadOnly,
		latency:  cfg.Latency,
		log:      log,
		irq:      chipset.LineInterruptDetached(),
		queue:    NewVirtQueue(mem, size),
		kick:     make(chan struct{}, 1),
	}
	b.failNext.Store(-1)
	return b, nil
}

func backingSize(backing Backing) (int64, error) {
	switch v := backing.(type) {
	case interface{ Size() int64 }:
		return v.Size(), nil
	case *os.File:
		fi, err := v.Stat()
		if err != nil {
			return 0, fmt.Errorf("virtio-blk: stat file: %w", err)
		}
		return fi.Size(), nil
	default:
		return 0, fmt.Errorf("virtio-blk: capacity required for backing of type %T", backing)
	}
}

// AttachInterrupt connects the device to an interrupt line.
func (b *Blk) AttachInterrupt(line chipset.LineInterrupt) {
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	b.mu.Lock()
	b.irq = line
	b.mu.Unlock()
}

func (b *Blk) Base() uint16     { return b.base }
func (b *Blk) Capacity() uint64 { return b.capacity }
func (b *Blk) ReadOnly() bool   { return b.readonly }

// QueueSize returns the size of the request queue.
func (b *Blk) QueueSize() uint16 { return b.queue.Size }

// Notifies returns the number of queue notifications received.
func (b *Blk) Notifies() uint64 { return b.notifies.Load() }

// Completed returns the number of requests completed.
func (b *Blk) Completed() uint64 { return b.completed.Load() }

// Status returns the device status register.
func (b *Blk) Status() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// SetStall makes the device accept requests without completing them.
// Clearing it does not release requests already taken; see ReleaseStalled.
func (b *Blk) SetStall(stall bool) {
	b.stall.Store(stall)
}

// ReleaseStalled completes every request taken while stalled.
func (b *Blk) ReleaseStalled() error {
	b.qmu.Lock()
	heads := b.stalled
	b.stalled = nil
	var (
		processed bool
		err       error
	)
	for _, head := range heads {
		var written uint32
		written, err = b.processRequest(b.queue, head)
		if err != nil {
			break
		}
		if err = b.queue.PutUsedBuffer(head, written); err != nil {
			break
		}
		processed = true
	}
	b.qmu.Unlock()

	if processed {
		b.raiseInterrupt(blkInterruptBit)
	}
	return err
}

// FailNext makes the next request complete with status without touching
// the backing store.
func (b *Blk) FailNext(status uint8) {
	b.failNext.Store(int32(status))
}

// DeviceId implements chipset.ChipsetDevice.
func (b *Blk) DeviceId() string { return "virtio-blk" }

// SupportsPortIO implements chipset.ChipsetDevice.
func (b *Blk) SupportsPortIO() *chipset.PortIOIntercept {
	ports := make([]uint16, blkPortCount)
	for i := range ports {
		ports[i] = b.base + uint16(i)
	}
	return &chipset.PortIOIntercept{Ports: ports, Handler: b}
}

// Start launches the request worker.
func (b *Blk) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	b.running = true
	b.done = make(chan struct{})
	b.wg.Add(1)
	go b.run(b.done)
	return nil
}

// Stop halts the request worker.
func (b *Blk) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// Close stops the device.
func (b *Blk) Close() error {
	return b.Stop()
}

// Reset returns the register file and queue to their power-on state.
func (b *Blk) Reset() error {
	b.mu.Lock()
	b.status = 0
	b.driverFeatures = 0
	b.queueSel = 0
	b.pfn = 0
	b.isr = 0
	irq := b.irq
	b.mu.Unlock()

	b.qmu.Lock()
	b.queue.Reset()
	b.stalled = nil
	b.qmu.Unlock()

	irq.SetLevel(false)
	return nil
}

func (b *Blk) deviceFeatures() uint32 {
	features := uint32(VIRTIO_BLK_F_SIZE_MAX | VIRTIO_BLK_F_SEG_MAX | VIRTIO_BLK_F_BLK_SIZE)
	if b.readonly {
		features |= VIRTIO_BLK_F_RO
	}
	return features
}

// ReadIOPort implements chipset.PortIOHandler. Reading the ISR clears it
// and lowers the interrupt line.
func (b *Blk) ReadIOPort(port uint16, data []byte) error {
	off, err := b.offset(port, len(data))
	if err != nil {
		return err
	}

	var image [blkPortCount]byte
	b.mu.Lock()
	binary.LittleEndian.PutUint32(image[legacyDeviceFeatures:], b.deviceFeatures())
	binary.LittleEndian.PutUint32(image[legacyDriverFeatures:], b.driverFeatures)
	if b.queueSel == blkQueueRequest {
		binary.LittleEndian.PutUint32(image[legacyQueueAddress:], b.pfn)
		binary.LittleEndian.PutUint16(image[legacyQueueSize:], b.queue.Size)
	}
	binary.LittleEndian.PutUint16(image[legacyQueueSelect:], b.queueSel)
	image[legacyDeviceStatus] = b.status
	image[legacyISRStatus] = b.isr
	b.putConfig(image[legacyConfig:])

	ack := off <= legacyISRStatus && off+len(data) > legacyISRStatus
	if ack {
		b.isr = 0
	}
	irq := b.irq
	b.mu.Unlock()

	ReadWindow(image[:], off, data)
	if ack {
		irq.SetLevel(false)
	}
	return nil
}

func (b *Blk) putConfig(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], b.capacity)
	binary.LittleEndian.PutUint32(buf[8:12], 1<<20) // size_max
	binary.LittleEndian.PutUint32(buf[12:16], 128)  // seg_max
	binary.LittleEndian.PutUint32(buf[20:24], blkSectorSize)
}

// WriteIOPort implements chipset.PortIOHandler.
func (b *Blk) WriteIOPort(port uint16, data []byte) error {
	off, err := b.offset(port, len(data))
	if err != nil {
		return err
	}
	value := decodeValue(data)

	switch off {
	case legacyDriverFeatures:
		b.mu.Lock()
		b.driverFeatures = value & b.deviceFeatures()
		b.mu.Unlock()
	case legacyQueueAddress:
		return b.setQueueAddress(value)
	case legacyQueueSelect:
		b.mu.Lock()
		b.queueSel = uint16(value)
		b.mu.Unlock()
	case legacyQueueNotify:
		b.notifies.Add(1)
		if uint16(value) != blkQueueRequest {
			return nil
		}
		select {
		case b.kick <- struct{}{}:
		default:
		}
	case legacyDeviceStatus:
		if uint8(value) == 0 {
			return b.Reset()
		}
		b.mu.Lock()
		b.status = uint8(value)
		b.mu.Unlock()
	default:
		b.log.Debug("virtio-blk: write to read-only register", "offset", off, "value", value)
	}
	return nil
}

func (b *Blk) setQueueAddress(pfn uint32) error {
	b.mu.Lock()
	if b.queueSel != blkQueueRequest {
		b.mu.Unlock()
		return nil
	}
	b.pfn = pfn
	b.mu.Unlock()

	b.qmu.Lock()
	defer b.qmu.Unlock()
	if err := b.queue.SetPFN(pfn); err != nil {
		return fmt.Errorf("virtio-blk: set queue address: %w", err)
	}
	b.stalled = nil
	return nil
}

func (b *Blk) offset(port uint16, size int) (int, error) {
	if port < b.base || int(port-b.base)+size > blkPortCount {
		return 0, fmt.Errorf("virtio-blk: port 0x%x size %d outside register block", port, size)
	}
	return int(port - b.base), nil
}

func (b *Blk) run(done <-chan struct{}) {
	defer b.wg.Done()
	for {
		select {
		case <-done:
			return
		case <-b.kick:
		}
		if b.latency > 0 {
			select {
			case <-done:
				return
			case <-time.After(b.latency):
			}
		}
		if err := b.processRequestQueue(); err != nil {
			b.log.Error("virtio-blk: process queue", "err", err)
			b.mu.Lock()
			b.status |= statusNeedsReset
			b.mu.Unlock()
		}
	}
}

const statusNeedsReset = 64

func (b *Blk) processRequestQueue() error {
	b.qmu.Lock()
	var (
		processed bool
		err       error
	)
	if b.stall.Load() {
		b.stalled, err = DrainAvailable(b.queue, b.stalled)
	} else {
		processed, err = ProcessQueueNotifications(b.queue, b.processRequest)
	}
	b.qmu.Unlock()

	if processed {
		b.raiseInterrupt(blkInterruptBit)
	}
	return err
}

func (b *Blk) raiseInterrupt(bit uint8) {
	b.mu.Lock()
	b.isr |= bit
	irq := b.irq
	b.mu.Unlock()
	irq.SetLevel(true)
}

// virtioBlkReqHdr is the request header structure
type virtioBlkReqHdr struct {
	reqType  uint32
	reserved uint32
	sector   uint64
}

func (b *Blk) processRequest(q *VirtQueue, head uint16) (uint32, error) {
	// Format: [header] [data...] [status]. The header is device-readable,
	// the status byte device-writable.
	chain, err := q.ReadDescriptorChain(head)
	if err != nil {
		return 0, err
	}
	b.completed.Add(1)

	if len(chain) < 2 {
		b.log.Warn("virtio-blk: chain too short", "head", head, "descriptors", len(chain))
		return 0, nil
	}
	hdrDesc, statusDesc := chain[0], chain[len(chain)-1]
	if hdrDesc.IsWrite || hdrDesc.Length < 16 || !statusDesc.IsWrite || statusDesc.Length < 1 {
		b.log.Warn("virtio-blk: malformed request", "head", head)
		return 0, nil
	}

	hdrData, err := q.ReadGuest(hdrDesc.Addr, 16)
	if err != nil {
		return 0, err
	}
	hdr := virtioBlkReqHdr{
		reqType:  binary.LittleEndian.Uint32(hdrData[0:4]),
		reserved: binary.LittleEndian.Uint32(hdrData[4:8]),
		sector:   binary.LittleEndian.Uint64(hdrData[8:16]),
	}

	status, written := b.executeRequest(q, hdr, chain[1:len(chain)-1])
	if err := q.WriteGuest(statusDesc.Addr, []byte{status}); err != nil {
		return 0, err
	}
	return written + 1, nil
}

func (b *Blk) executeRequest(q *VirtQueue, hdr virtioBlkReqHdr, data []VirtQueuePayload) (byte, uint32) {
	if st := b.failNext.Swap(-1); st >= 0 {
		return byte(st), 0
	}

	var total uint64
	for _, d := range data {
		total += uint64(d.Length)
	}

	switch hdr.reqType {
	case VIRTIO_BLK_T_IN:
		if !b.inRange(hdr.sector, total) {
			return VIRTIO_BLK_S_IOERR, 0
		}
		offset := int64(hdr.sector) * blkSectorSize
		var written uint32
		for _, d := range data {
			if !d.IsWrite {
				return VIRTIO_BLK_S_IOERR, written
			}
			buf := make([]byte, d.Length)
			n, err := b.backing.ReadAt(buf, offset)
			if err != nil && n < len(buf) && err != io.EOF {
				b.log.Warn("virtio-blk: backing read failed", "sector", hdr.sector, "err", err)
				return VIRTIO_BLK_S_IOERR, written
			}
			if err := q.WriteGuest(d.Addr, buf); err != nil {
				return VIRTIO_BLK_S_IOERR, written
			}
			offset += int64(d.Length)
			written += d.Length
		}
		return VIRTIO_BLK_S_OK, written

	case VIRTIO_BLK_T_OUT:
		if b.readonly || !b.inRange(hdr.sector, total) {
			return VIRTIO_BLK_S_IOERR, 0
		}
		offset := int64(hdr.sector) * blkSectorSize
		for _, d := range data {
			if d.IsWrite {
				return VIRTIO_BLK_S_IOERR, 0
			}
			buf, err := q.ReadGuest(d.Addr, d.Length)
			if err != nil {
				return VIRTIO_BLK_S_IOERR, 0
			}
			if _, err := b.backing.WriteAt(buf, offset); err != nil {
				b.log.Warn("virtio-blk: backing write failed", "sector", hdr.sector, "err", err)
				return VIRTIO_BLK_S_IOERR, 0
			}
			offset += int64(d.Length)
		}
		return VIRTIO_BLK_S_OK, 0

	case VIRTIO_BLK_T_GET_ID:
		if len(data) == 0 || !data[0].IsWrite {
			return VIRTIO_BLK_S_IOERR, 0
		}
		id := make([]byte, min(int(data[0].Length), blkIDLength))
		copy(id, "virtio-blk")
		if err := q.WriteGuest(data[0].Addr, id); err != nil {
			return VIRTIO_BLK_S_IOERR, 0
		}
		return VIRTIO_BLK_S_OK, uint32(len(id))

	default:
		// FLUSH is not offered, so it lands here with everything else.
		return VIRTIO_BLK_S_UNSUPP, 0
	}
}

func (b *Blk) inRange(sector, length uint64) bool {
	sectors := (length + blkSectorSize - 1) / blkSectorSize
	return sector <= b.capacity && sectors <= b.capacity-sector
}

var (
	_ chipset.ChipsetDevice = (*Blk)(nil)
	_ chipset.PortIOHandler = (*Blk)(nil)
)
