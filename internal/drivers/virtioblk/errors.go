package virtioblk

import (
	"errors"
	"fmt"
)

var (
	ErrBARNotConfigured    = errors.New("virtio-blk: BAR0 not configured")
	ErrMMIOUnsupported     = errors.New("virtio-blk: MMIO not supported yet, need I/O port BAR")
	ErrQueueUnavailable    = errors.New("virtio-blk: queue not available")
	ErrBadQueueSize        = errors.New("virtio-blk: queue size is not a power of 2")
	ErrBufferTooSmall      = errors.New("virtio-blk: buffer too small")
	ErrReadBeyondCapacity  = errors.New("virtio-blk: read beyond device capacity")
	ErrWriteBeyondCapacity = errors.New("virtio-blk: write beyond device capacity")
	ErrReadOnly            = errors.New("virtio-blk: device is read-only")
	ErrInvalidCount        = errors.New("virtio-blk: invalid sector count")
	ErrNoDescriptor        = errors.New("virtio-blk: no free descriptor")
	ErrTimeout             = errors.New("virtio-blk: request timeout")
	ErrDevice              = errors.New("virtio-blk: device error")
	ErrNotInitialized      = errors.New("virtio-blk: driver not initialized")
	ErrAlreadyInitialized  = errors.New("virtio-blk: driver already initialized")
)

// DeviceError reports a non-zero status byte returned by the device.
type DeviceError struct {
	Sector uint64
	Status uint8
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("virtio-blk: device error at sector %d: %s", e.Sector, statusString(e.Status))
}

// Is makes errors.Is(err, ErrDevice) hold for every DeviceError.
func (e *DeviceError) Is(target error) bool {
	return target == ErrDevice
}

func statusString(s uint8) string {
	switch s {
	case StatusIOErr:
		return "I/O error"
	case StatusUnsupported:
		return "unsupported request"
	default:
		return fmt.Sprintf("status %d", s)
	}
}
