// Package elfcore implements a streaming, single-pass ELF64 core file
// reader and writer: the reader consumes a core dump from any io.Reader and
// dispatches header/segment/warning/done events to a handler; the writer
// accumulates segment descriptors and emits a well-formed ET_CORE file,
// optionally through a gzip sink.
package elfcore

import "debug/elf"

// Ehdr64Size is sizeof(Elf64_Ehdr).
const Ehdr64Size = 64

// Phdr64Size is sizeof(Elf64_Phdr).
const Phdr64Size = 56

// EhdrMagic is the four-byte ELF magic prefix, \x7fELF.
var EhdrMagic = [4]byte{0x7f, 'E', 'L', 'F'}

// Ehdr64 mirrors Elf64_Ehdr's on-disk layout.
type Ehdr64 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// Phdr64 mirrors Elf64_Phdr's on-disk layout.
type Phdr64 struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

const (
	classNone = 0
	class32   = 1
	class64   = 2

	dataNone = 0
	data2LSB = 1
	data2MSB = 2
)

// wellFormedIdent validates the e_ident bytes relevant to this package:
// magic, 64-bit class, little-endian data encoding, current version.
func wellFormedIdent(ident [16]byte) bool {
	if ident[0] != EhdrMagic[0] || ident[1] != EhdrMagic[1] || ident[2] != EhdrMagic[2] || ident[3] != EhdrMagic[3] {
		return false
	}
	if ident[4] != class64 {
		return false
	}
	if ident[5] != data2LSB {
		return false
	}
	if ident[6] != uint8(elf.EV_CURRENT) {
		return false
	}
	return true
}

// etCore is ELF's ET_CORE object type, reused from the standard library's
// constant table rather than redeclared.
const etCore = uint16(elf.ET_CORE)

// ptLoad and ptNote are the only two segment types this package emits or
// parses; other types are passed through to handlers uninterpreted.
const (
	ptLoad = uint32(elf.PT_LOAD)
	ptNote = uint32(elf.PT_NOTE)
)
