package chipset

import (
	"encoding/binary"
	"log/slog"
)

// PortIO turns chipset dispatch into in/out instructions. Reads from
// unclaimed ports float high, as on real hardware.
type PortIO struct {
	cs  *Chipset
	log *slog.Logger
}

// NewPortIO returns a PortIO issuing accesses against cs.
func NewPortIO(cs *Chipset, log *slog.Logger) *PortIO {
	if log == nil {
		log = slog.Default()
	}
	return &PortIO{cs: cs, log: log}
}

func (p *PortIO) in(port uint16, data []byte) {
	if err := p.cs.HandlePIO(port, data, false); err != nil {
		p.log.Debug("chipset: port read failed", "port", port, "size", len(data), "err", err)
		for i := range data {
			data[i] = 0xFF
		}
	}
}

func (p *PortIO) out(port uint16, data []byte) {
	if err := p.cs.HandlePIO(port, data, true); err != nil {
		p.log.Debug("chipset: port write failed", "port", port, "size", len(data), "err", err)
	}
}

func (p *PortIO) In8(port uint16) uint8 {
	var buf [1]byte
	p.in(port, buf[:])
	return buf[0]
}

func (p *PortIO) In16(port uint16) uint16 {
	var buf [2]byte
	p.in(port, buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

func (p *PortIO) In32(port uint16) uint32 {
	var buf [4]byte
	p.in(port, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func (p *PortIO) Out8(port uint16, v uint8) {
	buf := [1]byte{v}
	p.out(port, buf[:])
}

func (p *PortIO) Out16(port uint16, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	p.out(port, buf[:])
}

func (p *PortIO) Out32(port uint16, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	p.out(port, buf[:])
}
