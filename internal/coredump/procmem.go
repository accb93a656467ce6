package coredump

import (
	"fmt"
	"os"

	"github.com/memfault/memfaultd/internal/merrors"
)

// ProcMem reads process memory via /proc/<pid>/mem, implementing MemSource
// for the transformer's production path. Tests substitute an in-memory
// stand-in instead (see transformer_test.go).
type ProcMem struct {
	f *os.File
}

// OpenProcMem opens /proc/<pid>/mem for reading.
func OpenProcMem(pid int) (*ProcMem, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		return nil, merrors.Wrap("coredump.open_proc_mem", err)
	}
	return &ProcMem{f: f}, nil
}

// CopyProcMem implements MemSource via pread at the given virtual address.
// An error (unmapped page, EIO, EOF) is returned only when nothing was
// read; a partial read returns its byte count with a nil error. Either way
// the caller substitutes filler bytes rather than treating this as fatal.
func (p *ProcMem) CopyProcMem(vaddr uint64, buf []byte) (int, error) {
	n, err := p.f.ReadAt(buf, int64(vaddr))
	if err != nil && n == 0 {
		return 0, merrors.Wrap("coredump.copy_proc_mem", err)
	}
	return n, nil
}

// Close releases the underlying file descriptor.
func (p *ProcMem) Close() error { return p.f.Close() }
