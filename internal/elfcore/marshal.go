package elfcore

import "encoding/binary"

// insufficientData mirrors the teacher's hand-rolled marshal error idiom:
// every on-disk struct in this package gets an explicit field-by-field
// encode/decode pair rather than an unsafe-pointer cast, since ELF and the
// metadata note are both externally byte-exact formats.
type insufficientData string

func (e insufficientData) Error() string { return string(e) }

const errInsufficientData insufficientData = "insufficient data for elfcore unmarshal"

func encodeEhdr64(h Ehdr64) []byte {
	buf := make([]byte, Ehdr64Size)
	copy(buf[0:16], h.Ident[:])
	binary.LittleEndian.PutUint16(buf[16:18], h.Type)
	binary.LittleEndian.PutUint16(buf[18:20], h.Machine)
	binary.LittleEndian.PutUint32(buf[20:24], h.Version)
	binary.LittleEndian.PutUint64(buf[24:32], h.Entry)
	binary.LittleEndian.PutUint64(buf[32:40], h.Phoff)
	binary.LittleEndian.PutUint64(buf[40:48], h.Shoff)
	binary.LittleEndian.PutUint32(buf[48:52], h.Flags)
	binary.LittleEndian.PutUint16(buf[52:54], h.Ehsize)
	binary.LittleEndian.PutUint16(buf[54:56], h.Phentsize)
	binary.LittleEndian.PutUint16(buf[56:58], h.Phnum)
	binary.LittleEndian.PutUint16(buf[58:60], h.Shentsize)
	binary.LittleEndian.PutUint16(buf[60:62], h.Shnum)
	binary.LittleEndian.PutUint16(buf[62:64], h.Shstrndx)
	return buf
}

func decodeEhdr64(data []byte) (Ehdr64, error) {
	var h Ehdr64
	if len(data) < Ehdr64Size {
		return h, errInsufficientData
	}
	copy(h.Ident[:], data[0:16])
	h.Type = binary.LittleEndian.Uint16(data[16:18])
	h.Machine = binary.LittleEndian.Uint16(data[18:20])
	h.Version = binary.LittleEndian.Uint32(data[20:24])
	h.Entry = binary.LittleEndian.Uint64(data[24:32])
	h.Phoff = binary.LittleEndian.Uint64(data[32:40])
	h.Shoff = binary.LittleEndian.Uint64(data[40:48])
	h.Flags = binary.LittleEndian.Uint32(data[48:52])
	h.Ehsize = binary.LittleEndian.Uint16(data[52:54])
	h.Phentsize = binary.LittleEndian.Uint16(data[54:56])
	h.Phnum = binary.LittleEndian.Uint16(data[56:58])
	h.Shentsize = binary.LittleEndian.Uint16(data[58:60])
	h.Shnum = binary.LittleEndian.Uint16(data[60:62])
	h.Shstrndx = binary.LittleEndian.Uint16(data[62:64])
	return h, nil
}

func encodePhdr64(p Phdr64) []byte {
	buf := make([]byte, Phdr64Size)
	binary.LittleEndian.PutUint32(buf[0:4], p.Type)
	binary.LittleEndian.PutUint32(buf[4:8], p.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], p.Offset)
	binary.LittleEndian.PutUint64(buf[16:24], p.Vaddr)
	binary.LittleEndian.PutUint64(buf[24:32], p.Paddr)
	binary.LittleEndian.PutUint64(buf[32:40], p.Filesz)
	binary.LittleEndian.PutUint64(buf[40:48], p.Memsz)
	binary.LittleEndian.PutUint64(buf[48:56], p.Align)
	return buf
}

func decodePhdr64(data []byte) (Phdr64, error) {
	var p Phdr64
	if len(data) < Phdr64Size {
		return p, errInsufficientData
	}
	p.Type = binary.LittleEndian.Uint32(data[0:4])
	p.Flags = binary.LittleEndian.Uint32(data[4:8])
	p.Offset = binary.LittleEndian.Uint64(data[8:16])
	p.Vaddr = binary.LittleEndian.Uint64(data[16:24])
	p.Paddr = binary.LittleEndian.Uint64(data[24:32])
	p.Filesz = binary.LittleEndian.Uint64(data[32:40])
	p.Memsz = binary.LittleEndian.Uint64(data[40:48])
	p.Align = binary.LittleEndian.Uint64(data[48:56])
	return p, nil
}
