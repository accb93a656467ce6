package elfcore

// Sink is the destination a Writer emits bytes to: a plain file, a gzip
// wrapper around one, or (in tests) an in-memory buffer.
type Sink interface {
	Write(p []byte) (int, error)
	Sync() error
}

// SegmentSource streams a segment's file-image bytes directly into the
// writer rather than handing over an owned buffer; used for large PT_LOAD
// segments copied straight out of /proc/<pid>/mem.
type SegmentSource interface {
	// WriteTo writes exactly size bytes to w, or returns an error.
	WriteTo(w Sink, size uint64) error
}

// segment is one accumulated program-header entry, carrying either owned
// bytes or a streaming source, never both.
type segment struct {
	phdr   Phdr64
	data   []byte
	source SegmentSource
}

// Writer accumulates segment descriptors and emits a single ET_CORE ELF
// file on Write: header, then segment headers with back-patched,
// alignment-padded offsets, then segment data in order.
type Writer struct {
	machine  uint16
	flags    uint32
	segments []segment
}

// NewWriter creates a writer for the given ELF e_machine value (architecture
// of the process being dumped).
func NewWriter(machine uint16) *Writer {
	return &Writer{machine: machine}
}

// SetFlags sets e_flags on the emitted header, propagated verbatim from the
// input core (spec §4.5: "propagate e_machine and e_flags").
func (w *Writer) SetFlags(flags uint32) {
	w.flags = flags
}

// AddSegment appends a segment backed by an owned byte buffer.
func (w *Writer) AddSegment(phdr Phdr64, data []byte) {
	phdr.Filesz = uint64(len(data))
	w.segments = append(w.segments, segment{phdr: phdr, data: data})
}

// AddStreamedSegment appends a segment whose Filesz bytes will be produced
// by source at write time rather than held in memory.
func (w *Writer) AddStreamedSegment(phdr Phdr64, source SegmentSource) {
	w.segments = append(w.segments, segment{phdr: phdr, source: source})
}

// Write emits the accumulated segments to sink as a complete ELF file.
func (w *Writer) Write(sink Sink) error {
	phnum := len(w.segments)

	hdr := Ehdr64{
		Ident:     identFor(),
		Type:      etCore,
		Machine:   w.machine,
		Version:   1,
		Flags:     w.flags,
		Ehsize:    Ehdr64Size,
		Phentsize: Phdr64Size,
	}
	if phnum > 0 {
		hdr.Phoff = uint64(Ehdr64Size)
		hdr.Phnum = uint16(phnum)
	}

	if _, err := sink.Write(encodeEhdr64(hdr)); err != nil {
		return err
	}
	if phnum == 0 {
		return sink.Sync()
	}

	offset := uint64(Ehdr64Size) + uint64(phnum)*uint64(Phdr64Size)
	patched := make([]Phdr64, phnum)
	for i, seg := range w.segments {
		if seg.phdr.Align > 1 {
			offset = alignUp(offset, seg.phdr.Align)
		}
		seg.phdr.Offset = offset
		patched[i] = seg.phdr
		offset += seg.phdr.Filesz
	}

	for _, phdr := range patched {
		if _, err := sink.Write(encodePhdr64(phdr)); err != nil {
			return err
		}
	}

	pos := uint64(Ehdr64Size) + uint64(phnum)*uint64(Phdr64Size)
	for i, seg := range w.segments {
		phdr := patched[i]
		if phdr.Offset > pos {
			if err := writeZeroPad(sink, phdr.Offset-pos); err != nil {
				return err
			}
			pos = phdr.Offset
		}
		switch {
		case seg.source != nil:
			if err := seg.source.WriteTo(sink, phdr.Filesz); err != nil {
				return err
			}
		default:
			if _, err := sink.Write(seg.data); err != nil {
				return err
			}
		}
		pos += phdr.Filesz
	}

	return sink.Sync()
}

func identFor() [16]byte {
	var ident [16]byte
	copy(ident[0:4], EhdrMagic[:])
	ident[4] = class64
	ident[5] = data2LSB
	ident[6] = 1 // EV_CURRENT
	return ident
}

func alignUp(n, align uint64) uint64 {
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + (align - rem)
}

func writeZeroPad(sink Sink, n uint64) error {
	const chunkSize = 4096
	chunk := make([]byte, chunkSize)
	for n > 0 {
		m := n
		if m > chunkSize {
			m = chunkSize
		}
		if _, err := sink.Write(chunk[:m]); err != nil {
			return err
		}
		n -= m
	}
	return nil
}
