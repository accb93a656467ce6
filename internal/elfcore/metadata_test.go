package elfcore

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMetadataCBORByteExact reproduces the worked example: a fixed
// Metadata value must encode to the exact hex sequence
// A7 01 01 02 65 30 2E 34 2E 30 03 1A 63 20 5A 48 04 67 31 32 33 34 41 42 43
// 05 63 65 76 74 06 64 6D 61 69 6E 07 65 31 2E 32 2E 33
func TestMetadataCBORByteExact(t *testing.T) {
	m := Metadata{
		SchemaVersion:     1,
		SDKVersion:        "0.4.0",
		CapturedTimeEpoch: 0x6320_5A48,
		DeviceSerial:      "1234ABC",
		HardwareVersion:   "evt",
		SoftwareType:      "main",
		SoftwareVersion:   "1.2.3",
	}

	got := encodeMetadataCBOR(m)
	want := []byte{
		0xA7,
		0x01, 0x01,
		0x02, 0x65, '0', '.', '4', '.', '0',
		0x03, 0x1A, 0x63, 0x20, 0x5A, 0x48,
		0x04, 0x67, '1', '2', '3', '4', 'A', 'B', 'C',
		0x05, 0x63, 'e', 'v', 't',
		0x06, 0x64, 'm', 'a', 'i', 'n',
		0x07, 0x65, '1', '.', '2', '.', '3',
	}
	assert.Equal(t, want, got)
}

func TestNewMetadataNoteSegmentShape(t *testing.T) {
	phdr, data := NewMetadataNoteSegment(Metadata{SDKVersion: "x", SoftwareType: "t", SoftwareVersion: "v"})

	assert.Equal(t, ptNote, phdr.Type)
	assert.Equal(t, uint64(4), phdr.Align)

	require.GreaterOrEqual(t, len(data), 12)
	namesz := binary.LittleEndian.Uint32(data[0:4])
	descsz := binary.LittleEndian.Uint32(data[4:8])
	noteType := binary.LittleEndian.Uint32(data[8:12])

	assert.Equal(t, uint32(len(MetadataNoteOwner)+1), namesz)
	assert.Equal(t, MetadataNoteType, noteType)

	nameStart := 12
	name := data[nameStart : nameStart+int(namesz)]
	assert.Equal(t, append([]byte(MetadataNoteOwner), 0), name)

	descStart := nameStart + int(alignUp4(namesz))
	desc := data[descStart : descStart+int(descsz)]
	assert.Equal(t, encodeMetadataCBOR(Metadata{SchemaVersion: 1, SDKVersion: "x", SoftwareType: "t", SoftwareVersion: "v"}), desc)

	assert.Equal(t, len(data), descStart+int(alignUp4(descsz)))
}

func TestAlignUp4(t *testing.T) {
	cases := map[uint32]uint32{0: 0, 1: 4, 2: 4, 3: 4, 4: 4, 5: 8}
	for in, want := range cases {
		assert.Equal(t, want, alignUp4(in), "alignUp4(%d)", in)
	}
}
