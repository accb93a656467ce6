package coredump

import (
	"encoding/binary"

	"github.com/memfault/memfaultd/internal/elfcore"
)

// buildCoreInput hand-encodes a minimal ET_CORE ELF64 file: header, the
// given program headers (each carrying filesz bytes of inline data, laid
// out contiguously right after the segment table), for use as transformer
// input. Mirrors elfcore's own on-disk layout without reaching into its
// unexported encoders.
func buildCoreInput(machine uint16, segs []testSegment) []byte {
	phnum := len(segs)
	ehdrSize := 64
	phdrSize := 56

	offset := uint64(ehdrSize) + uint64(phnum)*uint64(phdrSize)
	phdrs := make([]elfcore.Phdr64, phnum)
	for i, s := range segs {
		phdrs[i] = elfcore.Phdr64{
			Type:   s.typ,
			Vaddr:  s.vaddr,
			Offset: offset,
			Filesz: uint64(len(s.data)),
			Memsz:  s.memsz,
		}
		offset += uint64(len(s.data))
	}

	buf := make([]byte, ehdrSize)
	copy(buf[0:4], elfcore.EhdrMagic[:])
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(buf[16:18], 4) // ET_CORE
	binary.LittleEndian.PutUint16(buf[18:20], machine)
	binary.LittleEndian.PutUint32(buf[20:24], 1) // e_version
	binary.LittleEndian.PutUint64(buf[32:40], uint64(ehdrSize))
	binary.LittleEndian.PutUint16(buf[52:54], uint16(ehdrSize))
	binary.LittleEndian.PutUint16(buf[54:56], uint16(phdrSize))
	binary.LittleEndian.PutUint16(buf[56:58], uint16(phnum))

	for _, p := range phdrs {
		var pb [56]byte
		binary.LittleEndian.PutUint32(pb[0:4], p.Type)
		binary.LittleEndian.PutUint32(pb[4:8], p.Flags)
		binary.LittleEndian.PutUint64(pb[8:16], p.Offset)
		binary.LittleEndian.PutUint64(pb[16:24], p.Vaddr)
		binary.LittleEndian.PutUint64(pb[24:32], p.Paddr)
		binary.LittleEndian.PutUint64(pb[32:40], p.Filesz)
		binary.LittleEndian.PutUint64(pb[40:48], p.Memsz)
		binary.LittleEndian.PutUint64(pb[48:56], p.Align)
		buf = append(buf, pb[:]...)
	}
	for _, s := range segs {
		buf = append(buf, s.data...)
	}
	return buf
}

type testSegment struct {
	typ   uint32
	vaddr uint64
	memsz uint64
	data  []byte
}

const (
	elfPTLoad = 1
	elfPTNote = 4
)

// bufSink is an in-memory elfcore.Sink for tests.
type bufSink struct {
	data []byte
}

func (s *bufSink) Write(p []byte) (int, error) {
	s.data = append(s.data, p...)
	return len(p), nil
}

func (s *bufSink) Sync() error { return nil }

// fakeMemSource serves memory from an in-memory map of vaddr->bytes;
// copying beyond what's populated yields a short read, which the
// transformer must fill with 0xEF rather than fail.
type fakeMemSource struct {
	region map[uint64][]byte
	fail   map[uint64]bool
}

func (m *fakeMemSource) CopyProcMem(vaddr uint64, buf []byte) (int, error) {
	if m.fail[vaddr] {
		return 0, nil
	}
	data, ok := m.region[vaddr]
	if !ok {
		return 0, nil
	}
	n := copy(buf, data)
	return n, nil
}
