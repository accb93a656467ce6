package coredump

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/memfault/memfaultd/internal/config"
	"github.com/memfault/memfaultd/internal/elfcore"
	"github.com/memfault/memfaultd/internal/logging"
	"github.com/memfault/memfaultd/internal/queue"
	"github.com/memfault/memfaultd/internal/ratelimit"
	"github.com/memfault/memfaultd/internal/records"
)

// SDKVersion is reported in every coredump's metadata note. Out-of-scope
// build tooling (spec.md §1) is responsible for stamping a real value at
// release time; this constant is the development fallback.
const SDKVersion = "0.0.0-dev"

// DeviceInfo is the subset of the (out-of-scope, shelled-out) device-info
// collaborator the handler needs to populate a coredump's metadata note.
type DeviceInfo struct {
	Serial          string
	HardwareVersion string
}

// ExitCode mirrors the coredump handler process's documented exit codes
// (spec §4.6).
type ExitCode int

const (
	ExitOK                    ExitCode = 0
	ExitInvalidArguments      ExitCode = 1
	ExitInvalidConfiguration  ExitCode = 2
	ExitOOM                   ExitCode = 3
	ExitDiskQuotaExceeded     ExitCode = 4
	ExitDeviceSettingsFailure ExitCode = 5
)

// DiskUsage reports the free space on the filesystem holding path and the
// bytes currently used under the core output directory; split out as an
// interface so tests don't need a real filesystem with quota pressure.
type DiskUsage interface {
	FreeBytes(path string) (uint64, error)
	UsedBytes(dir string) (uint64, error)
}

// StatfsDiskUsage is the production DiskUsage backed by statfs(2) and a
// directory walk.
type StatfsDiskUsage struct{}

func (StatfsDiskUsage) FreeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

func (StatfsDiskUsage) UsedBytes(dir string) (uint64, error) {
	var total uint64
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += uint64(info.Size())
	}
	return total, nil
}

// Deps bundles the handler's collaborators so Run is deterministic and
// testable without real procfs/disk access.
type Deps struct {
	Config     *config.Snapshot
	Limiter    *ratelimit.Limiter
	Queue      *queue.Queue
	Disk       DiskUsage
	OpenMem    func(pid int) (MemSource, error)
	Input      io.Reader // defaults to os.Stdin when nil
	Now        func() time.Time
	NewUUID    func() string
	DeviceInfo DeviceInfo
}

func metadataFor(cfg *config.Snapshot, now time.Time, dev DeviceInfo) elfcore.Metadata {
	return elfcore.Metadata{
		SDKVersion:        SDKVersion,
		CapturedTimeEpoch: now.Unix(),
		DeviceSerial:      dev.Serial,
		HardwareVersion:   dev.HardwareVersion,
		SoftwareType:      cfg.SoftwareType,
		SoftwareVersion:   cfg.SoftwareVersion,
	}
}

// Run executes the boot sequence described in spec §4.6 for the process
// identified by pid (the kernel's %P), reading the core image from
// deps.Input (the kernel pipe) and, on success, enqueuing a CoreUpload
// record onto deps.Queue.
func Run(deps Deps, pid int) ExitCode {
	log := logging.Default().WithComponent("coredump-handler")

	_ = unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0)

	cfg := deps.Config
	if cfg == nil {
		return ExitInvalidConfiguration
	}
	if !cfg.EnableDataCollection {
		return ExitOK
	}
	if !cfg.EnableDevMode && deps.Limiter != nil && !deps.Limiter.CheckEvent() {
		log.Info("coredump rate limited, dropping")
		return ExitOK
	}
	if cfg.SoftwareType == "" || cfg.SoftwareVersion == "" {
		return ExitInvalidConfiguration
	}

	coreDir := filepath.Join(cfg.DataDir, "core")
	if err := os.MkdirAll(coreDir, 0o755); err != nil {
		return ExitDeviceSettingsFailure
	}

	available, err := availableBytes(deps.Disk, coreDir, cfg)
	if err != nil {
		return ExitDeviceSettingsFailure
	}
	if available <= 0 {
		return ExitDiskQuotaExceeded
	}

	newUUID := deps.NewUUID
	if newUUID == nil {
		newUUID = func() string { return uuid.NewString() }
	}
	gzipped := cfg.Coredump.Compression == config.CompressionGzip
	name := newUUID()
	if gzipped {
		name += ".gz"
	}
	outPath := filepath.Join(coreDir, name)

	f, err := os.Create(outPath)
	if err != nil {
		return ExitDeviceSettingsFailure
	}

	fileSink := elfcore.NewFileSink(f, uint64(available))
	var sink elfcore.Sink = fileSink
	if gzipped {
		sink = elfcore.NewGzipSink(fileSink)
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	mem, err := deps.OpenMem(pid)
	if err != nil {
		f.Close()
		os.Remove(outPath)
		return ExitDeviceSettingsFailure
	}

	t := New(mem, metadataFor(cfg, now(), deps.DeviceInfo))

	input := deps.Input
	if input == nil {
		input = os.Stdin
	}

	if err := t.Run(input, sink); err != nil {
		f.Close()
		os.Remove(outPath)
		log.Warn("coredump transform failed, output discarded", "error", err)
		return ExitDiskQuotaExceeded
	}
	f.Close()

	for _, w := range t.Warnings() {
		log.Warn("coredump transform warning", "message", w)
	}

	if deps.Queue != nil {
		rec := records.EncodeCoreUpload(records.CoreUpload{Filepath: outPath, Gzipped: gzipped})
		if !deps.Queue.Write(rec) {
			log.Error("failed to enqueue CoreUpload record", "path", outPath)
		}
	}

	return ExitOK
}

// availableBytes computes min(free-min_headroom, max_usage-used, max_size)
// in bytes, per spec §4.6.
func availableBytes(disk DiskUsage, coreDir string, cfg *config.Snapshot) (int64, error) {
	free, err := disk.FreeBytes(coreDir)
	if err != nil {
		return 0, err
	}
	used, err := disk.UsedBytes(coreDir)
	if err != nil {
		return 0, err
	}

	fromFree := int64(free) - cfg.MinHeadroomKiB*1024
	fromUsage := cfg.MaxUsageKiB*1024 - int64(used)
	fromMax := cfg.Coredump.MaxSizeKiB * 1024

	available := fromFree
	if fromUsage < available {
		available = fromUsage
	}
	if cfg.Coredump.MaxSizeKiB > 0 && fromMax < available {
		available = fromMax
	}
	if cfg.Coredump.MaxSizeKiB == 0 {
		// spec §8 boundary: max_size_kib=0 refuses all dumps.
		available = 0
	}
	return available, nil
}
