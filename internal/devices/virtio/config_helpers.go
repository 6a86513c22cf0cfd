package virtio

import "encoding/binary"

// ReadWindow copies len(data) bytes of a register image starting at offset.
// Bytes past the end of the image read as zero.
func ReadWindow(image []byte, offset int, data []byte) {
	clear(data)
	if offset < 0 || offset >= len(image) {
		return
	}
	copy(data, image[offset:])
}

// decodeValue interprets a port write of 1, 2 or 4 bytes.
func decodeValue(data []byte) uint32 {
	var buf [4]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint32(buf[:])
}
