// Package coredump implements the streaming coredump pipeline: the
// transformer that glues elfcore's reader to its writer over a process's
// live memory, and the memfault-core-handler binary logic invoked by the
// kernel on process crash (spec §4.5, §4.6).
package coredump

import (
	"debug/elf"

	"github.com/memfault/memfaultd/internal/elfcore"
	"github.com/memfault/memfaultd/internal/logging"
)

// maxWarnings bounds the in-memory warning list accumulated during a
// transform; beyond this, additional warnings are dropped with a log line
// rather than growing the list unbounded (spec §4.5).
const maxWarnings = 16

// chunkSize is the granularity at which PT_LOAD segment data is pulled out
// of /proc/<pid>/mem (spec §4.5: "4 KiB chunks").
const chunkSize = 4096

// fillerByte substitutes for any chunk that fails to copy from process
// memory (unmapped, swapped, or permission-denied region); the core is
// never aborted for this (spec §4.5's central design choice).
const fillerByte = 0xEF

// MemSource copies process memory for the PT_LOAD segments being
// transformed. The transformer owns the concrete implementation
// (/proc/<pid>/mem in production); unit tests substitute an in-memory
// stand-in (spec §9: "model as a trait/capability segment data source").
type MemSource interface {
	// CopyProcMem copies up to len(buf) bytes starting at vaddr, returning
	// the count actually copied. An error or short read is not fatal to the
	// transform; the handler fills the remainder with fillerByte.
	CopyProcMem(vaddr uint64, buf []byte) (int, error)
}

// Transformer implements elfcore.Handler, streaming a kernel-supplied ELF
// core through to an elfcore.Writer: PT_NOTE segments are copied verbatim,
// PT_LOAD segments are re-sourced from MemSource chunk by chunk, and a
// synthesized metadata note is appended last (spec §4.5).
type Transformer struct {
	mem      MemSource
	metadata elfcore.Metadata
	writer   *elfcore.Writer
	reader   *elfcore.Reader

	warnings []string
	log      *logging.Logger
}

// New creates a Transformer. metadata is attached to the synthesized note
// segment appended after all original segments.
func New(mem MemSource, metadata elfcore.Metadata) *Transformer {
	return &Transformer{
		mem:      mem,
		metadata: metadata,
		log:      logging.Default().WithComponent("coredump"),
	}
}

// Run streams src (the kernel's core pipe) through to sink, returning the
// first write error encountered, if any. Malformed input ELF is reported
// via HandleWarning and ends the run cleanly with no error: callers should
// check Warnings() and treat zero emitted segments as "nothing to upload."
func (t *Transformer) Run(src elfcoreReaderSource, sink elfcore.Sink) error {
	t.reader = elfcore.NewReader(src, t)
	if err := t.reader.Run(); err != nil {
		return err
	}
	if t.writer == nil {
		// No valid ELF header was ever seen; nothing to emit.
		return nil
	}
	phdr, data := elfcore.NewMetadataNoteSegment(t.metadata)
	t.writer.AddSegment(phdr, data)
	return t.writer.Write(sink)
}

// Warnings returns every warning accumulated during the transform, in
// order, capped at maxWarnings.
func (t *Transformer) Warnings() []string { return t.warnings }

// HandleELFHeader implements elfcore.Handler.
func (t *Transformer) HandleELFHeader(h elfcore.Ehdr64) {
	t.writer = elfcore.NewWriter(h.Machine)
	t.writer.SetFlags(h.Flags)
}

// HandleSegments implements elfcore.Handler: PT_NOTE segments are read in
// full and reattached verbatim; PT_LOAD segments are reattached as
// streamed sources over MemSource; any other segment type produces a
// non-fatal warning and is dropped.
func (t *Transformer) HandleSegments(phdrs []elfcore.Phdr64) {
	for _, phdr := range phdrs {
		switch elf.ProgType(phdr.Type) {
		case elf.PT_LOAD:
			t.addLoadSegment(phdr)
		case elf.PT_NOTE:
			t.addNoteSegment(phdr)
		default:
			t.addWarning("ignoring unsupported segment type")
		}
	}
}

func (t *Transformer) addNoteSegment(phdr elfcore.Phdr64) {
	buf := make([]byte, phdr.Filesz)
	n, err := t.reader.ReadSegmentData(phdr.Offset, buf)
	if err != nil {
		t.addWarning("failed reading PT_NOTE segment data")
		return
	}
	if uint64(n) < phdr.Filesz {
		t.addWarning("truncated PT_NOTE segment")
		buf = buf[:n]
		phdr.Filesz = uint64(n)
	}
	t.writer.AddSegment(phdr, buf)
}

func (t *Transformer) addLoadSegment(phdr elfcore.Phdr64) {
	t.writer.AddStreamedSegment(phdr, &procMemSegmentSource{
		mem:   t.mem,
		vaddr: phdr.Vaddr,
		t:     t,
	})
}

func (t *Transformer) addWarning(msg string) {
	if len(t.warnings) >= maxWarnings {
		t.log.Warn("dropping coredump transform warning, limit reached", "message", msg)
		return
	}
	t.warnings = append(t.warnings, msg)
}

// HandleWarning implements elfcore.Handler.
func (t *Transformer) HandleWarning(msg string) {
	t.addWarning(msg)
}

// HandleDone implements elfcore.Handler.
func (t *Transformer) HandleDone() {}

// elfcoreReaderSource is the minimal io.Reader subset elfcore.NewReader
// requires; named here so this file doesn't need to import io solely for
// the alias.
type elfcoreReaderSource interface {
	Read(p []byte) (int, error)
}

// procMemSegmentSource streams one PT_LOAD segment's bytes out of process
// memory in fixed-size chunks, substituting filler bytes on any read
// failure rather than aborting the whole core (spec §4.5).
type procMemSegmentSource struct {
	mem   MemSource
	vaddr uint64
	t     *Transformer
}

// WriteTo implements elfcore.SegmentSource.
func (s *procMemSegmentSource) WriteTo(w elfcore.Sink, size uint64) error {
	buf := make([]byte, chunkSize)
	var copied uint64
	for copied < size {
		n := uint64(chunkSize)
		if remaining := size - copied; remaining < n {
			n = remaining
		}
		chunk := buf[:n]
		got, err := s.mem.CopyProcMem(s.vaddr+copied, chunk)
		if err != nil || uint64(got) < n {
			s.t.addWarning("substituting filler for unreadable memory region")
			for i := got; uint64(i) < n; i++ {
				chunk[i] = fillerByte
			}
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		copied += n
	}
	return nil
}
