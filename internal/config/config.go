// Package config provides a read-only, layered view over memfaultd's
// configuration: built-in defaults, an on-disk base file, and a writable
// runtime overlay the daemon itself mutates (developer-mode toggles, etc).
//
// Parsing the config file's schema is intentionally minimal: this package
// owns the layering and snapshot/reload lifecycle, not the config format.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/memfault/memfaultd/internal/merrors"
)

// CaptureStrategy selects how the coredump handler decides which memory
// regions to include (spec §6: coredump.capture_strategy).
type CaptureStrategy struct {
	Kind        string // "kernel_selection" or "threads"
	MaxSizeKiB  int64  // only meaningful for "threads"
}

// Compression selects the coredump output encoding.
type Compression string

const (
	CompressionGzip Compression = "gzip"
	CompressionNone Compression = "none"
)

// LogsStorage selects whether log lines are retained to disk.
type LogsStorage string

const (
	LogsStorageDisk LogsStorage = "disk"
	LogsStorageNone LogsStorage = "none"
)

// Coredump groups the coredump.* keys.
type Coredump struct {
	Compression              Compression
	RateLimitCount           int
	RateLimitDurationSeconds int64
	MaxSizeKiB               int64
	CaptureStrategy          CaptureStrategy
	LogLines                 int
}

// Reboot groups the reboot.* keys.
type Reboot struct {
	LastReasonFile string
}

// Logs groups the logs.* keys.
type Logs struct {
	Storage           LogsStorage
	MaxLinesPerMinute int
}

// Metrics groups the metrics.* keys.
type Metrics struct {
	EnableDailyHeartbeat bool
}

// Snapshot is an immutable view of the fully layered configuration. Every
// subsystem holds a *Snapshot, not a *Store, so a reload never mutates state
// a subsystem is mid-use with.
type Snapshot struct {
	BaseURL                  string
	ProjectKey               string
	SoftwareType             string
	SoftwareVersion           string
	DataDir                  string
	PersistDir               string
	TmpDir                   string
	QueueSizeKiB             int64
	UploadIntervalSeconds    int64
	HeartbeatIntervalSeconds int64
	EnableDataCollection     bool
	EnableDevMode            bool
	Coredump                 Coredump
	Reboot                   Reboot
	Logs                     Logs
	Metrics                  Metrics
	Sessions                 []string

	// MinHeadroomKiB, MaxUsageKiB together with Coredump.MaxSizeKiB bound
	// the coredump handler's available output space (spec §4.6).
	MinHeadroomKiB int64
	MaxUsageKiB    int64
}

func defaults() Snapshot {
	return Snapshot{
		DataDir:               "/var/lib/memfault",
		PersistDir:            "/var/lib/memfault",
		TmpDir:                "/tmp",
		QueueSizeKiB:          256,
		UploadIntervalSeconds: 60,
		HeartbeatIntervalSeconds: 3600,
		EnableDataCollection:  true,
		Coredump: Coredump{
			Compression:              CompressionGzip,
			RateLimitCount:           3,
			RateLimitDurationSeconds: 3600,
			MaxSizeKiB:               100 * 1024,
			CaptureStrategy:          CaptureStrategy{Kind: "kernel_selection"},
		},
		Logs: Logs{Storage: LogsStorageDisk, MaxLinesPerMinute: 100},
		MinHeadroomKiB: 10 * 1024,
		MaxUsageKiB:    500 * 1024,
	}
}

// fileSchema mirrors the on-disk JSON shape (spec §6's recognized key set).
// Field names map 1:1 to the documented dotted keys.
type fileSchema struct {
	BaseURL                  *string `json:"base_url"`
	ProjectKey               *string `json:"project_key"`
	SoftwareType             *string `json:"software_type"`
	SoftwareVersion          *string `json:"software_version"`
	DataDir                  *string `json:"data_dir"`
	PersistDir               *string `json:"persist_dir"`
	TmpDir                   *string `json:"tmp_dir"`
	QueueSizeKiB             *int64  `json:"queue_size_kib"`
	UploadIntervalSeconds    *int64  `json:"upload_interval_seconds"`
	HeartbeatIntervalSeconds *int64  `json:"heartbeat_interval_seconds"`
	EnableDataCollection     *bool   `json:"enable_data_collection"`
	EnableDevMode            *bool   `json:"enable_dev_mode"`
	Coredump                 *struct {
		Compression              *string `json:"compression"`
		RateLimitCount           *int    `json:"rate_limit_count"`
		RateLimitDurationSeconds *int64  `json:"rate_limit_duration_seconds"`
		MaxSizeKiB               *int64  `json:"coredump_max_size_kib"`
		CaptureStrategy          *struct {
			Kind       string `json:"kind"`
			MaxSizeKiB int64  `json:"max_size_kib"`
		} `json:"capture_strategy"`
		LogLines *int `json:"log_lines"`
	} `json:"coredump"`
	Reboot *struct {
		LastReasonFile *string `json:"last_reboot_reason_file"`
	} `json:"reboot"`
	Logs *struct {
		Storage           *string `json:"storage"`
		MaxLinesPerMinute *int    `json:"max_lines_per_minute"`
	} `json:"logs"`
	Metrics *struct {
		EnableDailyHeartbeat *bool `json:"enable_daily_heartbeat"`
	} `json:"metrics"`
	Sessions       []string `json:"sessions"`
	MinHeadroomKiB *int64   `json:"min_headroom_kib"`
	MaxUsageKiB    *int64   `json:"max_usage_kib"`
}

func applyFile(s *Snapshot, f fileSchema) {
	if f.BaseURL != nil {
		s.BaseURL = *f.BaseURL
	}
	if f.ProjectKey != nil {
		s.ProjectKey = *f.ProjectKey
	}
	if f.SoftwareType != nil {
		s.SoftwareType = *f.SoftwareType
	}
	if f.SoftwareVersion != nil {
		s.SoftwareVersion = *f.SoftwareVersion
	}
	if f.DataDir != nil {
		s.DataDir = *f.DataDir
	}
	if f.PersistDir != nil {
		s.PersistDir = *f.PersistDir
	}
	if f.TmpDir != nil {
		s.TmpDir = *f.TmpDir
	}
	if f.QueueSizeKiB != nil {
		s.QueueSizeKiB = *f.QueueSizeKiB
	}
	if f.UploadIntervalSeconds != nil {
		s.UploadIntervalSeconds = *f.UploadIntervalSeconds
	}
	if f.HeartbeatIntervalSeconds != nil {
		s.HeartbeatIntervalSeconds = *f.HeartbeatIntervalSeconds
	}
	if f.EnableDataCollection != nil {
		s.EnableDataCollection = *f.EnableDataCollection
	}
	if f.EnableDevMode != nil {
		s.EnableDevMode = *f.EnableDevMode
	}
	if f.Coredump != nil {
		if f.Coredump.Compression != nil {
			s.Coredump.Compression = Compression(*f.Coredump.Compression)
		}
		if f.Coredump.RateLimitCount != nil {
			s.Coredump.RateLimitCount = *f.Coredump.RateLimitCount
		}
		if f.Coredump.RateLimitDurationSeconds != nil {
			s.Coredump.RateLimitDurationSeconds = *f.Coredump.RateLimitDurationSeconds
		}
		if f.Coredump.MaxSizeKiB != nil {
			s.Coredump.MaxSizeKiB = *f.Coredump.MaxSizeKiB
		}
		if f.Coredump.CaptureStrategy != nil {
			s.Coredump.CaptureStrategy = CaptureStrategy{
				Kind:       f.Coredump.CaptureStrategy.Kind,
				MaxSizeKiB: f.Coredump.CaptureStrategy.MaxSizeKiB,
			}
		}
		if f.Coredump.LogLines != nil {
			s.Coredump.LogLines = *f.Coredump.LogLines
		}
	}
	if f.Reboot != nil && f.Reboot.LastReasonFile != nil {
		s.Reboot.LastReasonFile = *f.Reboot.LastReasonFile
	}
	if f.Logs != nil {
		if f.Logs.Storage != nil {
			s.Logs.Storage = LogsStorage(*f.Logs.Storage)
		}
		if f.Logs.MaxLinesPerMinute != nil {
			s.Logs.MaxLinesPerMinute = *f.Logs.MaxLinesPerMinute
		}
	}
	if f.Metrics != nil && f.Metrics.EnableDailyHeartbeat != nil {
		s.Metrics.EnableDailyHeartbeat = *f.Metrics.EnableDailyHeartbeat
	}
	if f.Sessions != nil {
		s.Sessions = f.Sessions
	}
	if f.MinHeadroomKiB != nil {
		s.MinHeadroomKiB = *f.MinHeadroomKiB
	}
	if f.MaxUsageKiB != nil {
		s.MaxUsageKiB = *f.MaxUsageKiB
	}
}

// Store owns the config file path and the current immutable snapshot. Safe
// for concurrent use; Reload() swaps the snapshot pointer under a write
// lock so in-flight readers of the previous snapshot are unaffected.
type Store struct {
	basePath    string
	runtimePath string

	mu       sync.RWMutex
	snapshot *Snapshot
}

// Load reads basePath (and, if present, a sibling "runtime.conf") and
// returns a Store holding the resulting snapshot.
func Load(basePath string) (*Store, error) {
	runtimePath := filepath.Join(filepath.Dir(basePath), "runtime.conf")
	s := &Store{basePath: basePath, runtimePath: runtimePath}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the base file and runtime overlay and atomically installs
// the new snapshot.
func (s *Store) Reload() error {
	snap := defaults()

	if err := mergeFile(&snap, s.basePath); err != nil {
		return err
	}
	// The runtime overlay is optional and is created lazily by the daemon
	// itself; a missing file is not an error.
	_ = mergeFile(&snap, s.runtimePath)

	if snap.SoftwareType == "" || snap.SoftwareVersion == "" {
		return merrors.New("config.reload", merrors.ErrCodeConfigInvalid, "software_type and software_version are required")
	}

	s.mu.Lock()
	s.snapshot = &snap
	s.mu.Unlock()
	return nil
}

func mergeFile(snap *Snapshot, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return merrors.Wrap("config.read", err)
	}
	var f fileSchema
	if err := json.Unmarshal(data, &f); err != nil {
		return merrors.New("config.parse", merrors.ErrCodeConfigInvalid, err.Error())
	}
	applyFile(snap, f)
	return nil
}

// Snapshot returns the current immutable configuration view.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// WriteRuntimeOverride persists a single runtime-overlay key as its own
// JSON object merged on top of the base file, then reloads the snapshot.
// Suited to toggles like enable_dev_mode; memfaultctl does not call it.
func (s *Store) WriteRuntimeOverride(key string, value any) error {
	existing := map[string]any{}
	if data, err := os.ReadFile(s.runtimePath); err == nil {
		_ = json.Unmarshal(data, &existing)
	}
	existing[key] = value
	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return merrors.Wrap("config.write_override", err)
	}
	if err := os.WriteFile(s.runtimePath, data, 0o644); err != nil {
		return merrors.Wrap("config.write_override", err)
	}
	return s.Reload()
}
