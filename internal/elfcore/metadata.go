package elfcore

import "encoding/binary"

// MetadataNoteOwner and MetadataNoteType identify the synthesized PT_NOTE
// segment memfaultd appends to every captured core (spec §3
// CoredumpMetadataNote).
const (
	MetadataNoteOwner = "Memfault"
	MetadataNoteType  = uint32(0x4154454D) // "META"
)

// Metadata is the 7-key description memfaultd attaches to a coredump so the
// backend can associate it with a device and build without re-deriving any
// of this from the binary itself.
type Metadata struct {
	SchemaVersion     uint64 // always 1
	SDKVersion        string
	CapturedTimeEpoch int64
	DeviceSerial      string
	HardwareVersion   string
	SoftwareType      string
	SoftwareVersion   string
}

// NewMetadataNoteSegment builds the owned-buffer PT_NOTE segment (standard
// Elf64_Nhdr: namesz, descsz, type, then name and description each padded
// to a 4-byte boundary) carrying m's CBOR-encoded description.
func NewMetadataNoteSegment(m Metadata) (Phdr64, []byte) {
	m.SchemaVersion = 1
	desc := encodeMetadataCBOR(m)

	name := append([]byte(MetadataNoteOwner), 0)
	namesz := uint32(len(name))
	descsz := uint32(len(desc))

	buf := make([]byte, 0, 12+alignUp4(namesz)+alignUp4(descsz))
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], namesz)
	binary.LittleEndian.PutUint32(hdr[4:8], descsz)
	binary.LittleEndian.PutUint32(hdr[8:12], MetadataNoteType)
	buf = append(buf, hdr[:]...)
	buf = append(buf, name...)
	buf = appendZeroPad(buf, namesz)
	buf = append(buf, desc...)
	buf = appendZeroPad(buf, descsz)

	phdr := Phdr64{Type: ptNote, Align: 4}
	return phdr, buf
}

func appendZeroPad(buf []byte, n uint32) []byte {
	pad := alignUp4(n) - n
	for i := uint32(0); i < pad; i++ {
		buf = append(buf, 0)
	}
	return buf
}

// alignUp4 rounds n up to the next multiple of 4, matching Elf64_Nhdr's
// name/description padding rule.
func alignUp4(n uint32) uint32 {
	rem := n % 4
	if rem == 0 {
		return n
	}
	return n + (4 - rem)
}

// encodeMetadataCBOR produces the canonical 7-key CBOR map described in
// spec §3, keys in ascending order 1..7. A hand-rolled encoder is used
// rather than a reflection-based CBOR library: the map shape is fixed and
// small, and spec §8 scenario 5 requires byte-exact output in a specific
// key order that a generic encoder would not guarantee without additional
// struct-tag plumbing.
func encodeMetadataCBOR(m Metadata) []byte {
	var buf []byte
	buf = append(buf, 0xA0|7) // map(7)

	buf = cborAppendUint(buf, 1)
	buf = cborAppendUint(buf, m.SchemaVersion)

	buf = cborAppendUint(buf, 2)
	buf = cborAppendText(buf, m.SDKVersion)

	buf = cborAppendUint(buf, 3)
	buf = cborAppendUint(buf, uint64(m.CapturedTimeEpoch))

	buf = cborAppendUint(buf, 4)
	buf = cborAppendText(buf, m.DeviceSerial)

	buf = cborAppendUint(buf, 5)
	buf = cborAppendText(buf, m.HardwareVersion)

	buf = cborAppendUint(buf, 6)
	buf = cborAppendText(buf, m.SoftwareType)

	buf = cborAppendUint(buf, 7)
	buf = cborAppendText(buf, m.SoftwareVersion)

	return buf
}

// cborAppendUint appends a CBOR major-type-0 unsigned integer, using the
// shortest encoding RFC 8949 allows for the magnitudes this package emits
// (direct for <24, one-byte/two-byte/four-byte argument otherwise).
func cborAppendUint(buf []byte, v uint64) []byte {
	return cborAppendHead(buf, 0, v)
}

// cborAppendText appends a CBOR major-type-3 (UTF-8 text string) value.
func cborAppendText(buf []byte, s string) []byte {
	buf = cborAppendHead(buf, 3, uint64(len(s)))
	return append(buf, s...)
}

func cborAppendHead(buf []byte, major byte, v uint64) []byte {
	majorBits := major << 5
	switch {
	case v < 24:
		return append(buf, majorBits|byte(v))
	case v <= 0xFF:
		return append(buf, majorBits|24, byte(v))
	case v <= 0xFFFF:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		return append(append(buf, majorBits|25), b...)
	case v <= 0xFFFFFFFF:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(v))
		return append(append(buf, majorBits|26), b...)
	default:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, v)
		return append(append(buf, majorBits|27), b...)
	}
}
