package elfcore

import (
	"compress/gzip"
	"os"

	"github.com/memfault/memfaultd/internal/merrors"
)

// FileSink writes to an *os.File while enforcing a byte quota; any write
// that would exceed the quota fails the sink (and, by extension, the whole
// Writer.Write call) rather than silently truncating. The standard
// library's compress/gzip is used directly for the gzip layer below rather
// than reimplementing DEFLATE — there's no third-party compression library
// anywhere in the example corpus to ground a replacement on.
type FileSink struct {
	f           *os.File
	maxSize     uint64
	writtenSize uint64
}

// NewFileSink wraps f, failing any write once maxSize bytes have been
// written. maxSize of 0 means unlimited.
func NewFileSink(f *os.File, maxSize uint64) *FileSink {
	return &FileSink{f: f, maxSize: maxSize}
}

func (s *FileSink) Write(p []byte) (int, error) {
	if s.maxSize > 0 && s.writtenSize+uint64(len(p)) > s.maxSize {
		return 0, merrors.New("elfcore.file_sink_write", merrors.ErrCodeDiskQuota, "coredump exceeds configured max size")
	}
	n, err := s.f.Write(p)
	s.writtenSize += uint64(n)
	if err != nil {
		return n, merrors.Wrap("elfcore.file_sink_write", err)
	}
	return n, nil
}

func (s *FileSink) Sync() error {
	if err := s.f.Sync(); err != nil {
		return merrors.Wrap("elfcore.file_sink_sync", err)
	}
	return nil
}

// WrittenSize reports the number of bytes written so far.
func (s *FileSink) WrittenSize() uint64 { return s.writtenSize }

// GzipSink wraps a downstream Sink, compressing every write with gzip
// (default compression level, 15+16 window bits i.e. the gzip container,
// memory level 8 — compress/gzip's defaults already match this profile).
// Sync finalizes the deflate stream before flushing the gzip footer.
type GzipSink struct {
	next Sink
	gz   *gzip.Writer
}

// NewGzipSink creates a gzip sink writing its compressed output to next.
func NewGzipSink(next Sink) *GzipSink {
	return &GzipSink{next: next, gz: gzip.NewWriter(sinkWriter{next})}
}

func (s *GzipSink) Write(p []byte) (int, error) {
	n, err := s.gz.Write(p)
	if err != nil {
		return n, merrors.Wrap("elfcore.gzip_write", err)
	}
	return n, nil
}

// Sync finalizes the deflate stream (equivalent to Z_FINISH until
// Z_STREAM_END) and syncs the underlying sink.
func (s *GzipSink) Sync() error {
	if err := s.gz.Close(); err != nil {
		return merrors.Wrap("elfcore.gzip_close", err)
	}
	return s.next.Sync()
}

// sinkWriter adapts a Sink to io.Writer for gzip.Writer's constructor.
type sinkWriter struct{ s Sink }

func (w sinkWriter) Write(p []byte) (int, error) { return w.s.Write(p) }
