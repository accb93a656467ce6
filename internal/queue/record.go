package queue

import "encoding/binary"

// headerSize is the fixed, 4-byte-aligned on-disk record header: a 4-byte
// tag word (magic, version, crc8, flags) followed by two little-endian
// uint32 fields (prev_header_offset, payload_size).
const headerSize = 12

const (
	recordMagic   byte = 0xA5
	recordVersion byte = 0x01

	flagRead byte = 1 << 0
)

// sentinelWord marks "no more records until wrap-around". It occupies the
// same four bytes as a record's tag word; its version byte (0x5A) never
// equals recordVersion, so a normal validity check already rejects it as a
// record — isSentinel below just names that check.
const sentinelWord uint32 = 0xA55AA55A

var sentinelBytes = [4]byte{0xA5, 0x5A, 0xA5, 0x5A}

// header is the decoded form of a QueueRecord's fixed-size prefix.
type header struct {
	magic            byte
	version          byte
	crc8             byte
	flags            byte
	prevHeaderOffset uint32 // word index (4-byte units) of the preceding record
	payloadSize      uint32 // bytes
}

func (h header) isRead() bool { return h.flags&flagRead != 0 }

// encode writes the header's on-disk representation into buf, which must
// be at least headerSize bytes.
func (h header) encode(buf []byte) {
	buf[0] = h.magic
	buf[1] = h.version
	buf[2] = h.crc8
	buf[3] = h.flags
	binary.LittleEndian.PutUint32(buf[4:8], h.prevHeaderOffset)
	binary.LittleEndian.PutUint32(buf[8:12], h.payloadSize)
}

// decodeHeader reads a header from buf, which must be at least headerSize
// bytes.
func decodeHeader(buf []byte) header {
	return header{
		magic:            buf[0],
		version:          buf[1],
		crc8:             buf[2],
		flags:            buf[3],
		prevHeaderOffset: binary.LittleEndian.Uint32(buf[4:8]),
		payloadSize:      binary.LittleEndian.Uint32(buf[8:12]),
	}
}

func isSentinel(buf []byte) bool {
	return buf[0] == sentinelBytes[0] && buf[1] == sentinelBytes[1] &&
		buf[2] == sentinelBytes[2] && buf[3] == sentinelBytes[3]
}

func writeSentinel(buf []byte) {
	copy(buf[0:4], sentinelBytes[:])
}

// alignUp4 rounds n up to the next multiple of 4.
func alignUp4(n uint32) uint32 {
	return (n + 3) &^ 3
}

// recordSpan returns the total on-disk size (header + 4-byte-aligned
// payload) of a record carrying payloadLen bytes.
func recordSpan(payloadLen uint32) uint32 {
	return alignUp4(headerSize + payloadLen)
}

// wellFormed reports whether a record header at the given buffer offset has a
// plausible magic/version and an extent that fits within fileSize, without
// checking the CRC (callers check the CRC themselves once they also have
// the payload bytes in hand).
func (h header) wellFormed(offset, fileSize uint32) bool {
	if h.magic != recordMagic || h.version != recordVersion {
		return false
	}
	span := recordSpan(h.payloadSize)
	return uint64(offset)+uint64(span) <= uint64(fileSize)
}
