package queue

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/memfault/memfaultd/internal/merrors"
)

// mmapFile is a fixed-size, memory-mapped backing store for the queue.
// Adapted from the teacher's raw-mmap pattern in its queue runner (direct
// syscalls against the mapped region with no intervening copies); here the
// mapping is opened once at startup and lives for the process lifetime.
type mmapFile struct {
	f    *os.File
	data []byte
}

// openMmapFile opens (creating if necessary) path, resizes it to size
// bytes, and maps it read/write. Callers must call close when done.
func openMmapFile(path string, size uint32) (*mmapFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, merrors.Wrap("queue.mmap_open", err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, merrors.Wrap("queue.mmap_truncate", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, merrors.Wrap("queue.mmap", err)
	}

	return &mmapFile{f: f, data: data}, nil
}

// sync flushes the byte range [offset, offset+length) to durable storage.
// The write algorithm calls this after every header/payload write so a
// crash never observes a torn record.
func (m *mmapFile) sync(offset, length uint32) error {
	if length == 0 {
		return nil
	}
	if err := unix.Msync(m.data[offset:offset+length], unix.MS_SYNC); err != nil {
		return merrors.Wrap("queue.msync", err)
	}
	return nil
}

func (m *mmapFile) close() error {
	if m.data != nil {
		_ = unix.Munmap(m.data)
		m.data = nil
	}
	return m.f.Close()
}

// anonMemFile is the in-memory fallback used when a file can't be mapped
// (spec §4.1: "If the file cannot be mapped, fall back to an anonymous
// in-memory buffer and log a warning").
type anonMemFile struct {
	data []byte
}

func newAnonMemFile(size uint32) *anonMemFile {
	return &anonMemFile{data: make([]byte, size)}
}
