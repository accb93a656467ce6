// Command memfaultd is the long-lived device-observability daemon: it owns
// the durable queue, the IPC socket, the upload pump, and the reboot
// tracker (spec §4.8).
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/memfault/memfaultd/internal/attributes"
	"github.com/memfault/memfaultd/internal/config"
	"github.com/memfault/memfaultd/internal/daemon"
	"github.com/memfault/memfaultd/internal/ipc"
	"github.com/memfault/memfaultd/internal/logging"
	"github.com/memfault/memfaultd/internal/queue"
	"github.com/memfault/memfaultd/internal/reboot"
	"github.com/memfault/memfaultd/internal/transport"
)

const ipcSocketPath = "/run/memfault-ipc.sock"

func main() {
	var (
		configPath = flag.String("c", "/etc/memfaultd.conf", "path to the configuration file")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logCfg := logging.DefaultConfig()
	if *verbose {
		logCfg.Level = logging.LevelDebug
	}
	logging.SetDefault(logging.NewLogger(logCfg))
	log := logging.Default().WithComponent("main")

	store, err := config.Load(*configPath)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	snap := store.Snapshot()

	if err := os.MkdirAll(snap.DataDir, 0o755); err != nil {
		log.Error("failed to create data_dir", "error", err)
		os.Exit(1)
	}

	q, err := queue.Open(filepath.Join(snap.PersistDir, "queue.bin"), uint32(snap.QueueSizeKiB*1024))
	if err != nil {
		log.Error("failed to open durable queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	writeCorePattern()

	ipcServer, err := ipc.New(ipcSocketPath)
	if err != nil {
		log.Error("failed to bind IPC socket", "error", err)
		os.Exit(1)
	}

	attrHandler := attributes.New(q)
	ipcServer.Register(ipc.TagAttr, attrHandler.HandleATTR)
	ipcServer.Register(ipc.TagCollectd, attrHandler.HandleCOLLECTD)

	client := transport.New(transport.Config{
		BaseURL:      snap.BaseURL,
		ProjectKey:   snap.ProjectKey,
		RateLimitRPS: 5,
	})
	dispatcher := &daemon.TransportDispatcher{
		Client: client,
		Device: transport.DeviceInfo{SoftwareType: snap.SoftwareType, SoftwareVersion: snap.SoftwareVersion},
	}

	tracker := reboot.New(snap.Reboot.LastReasonFile, snap.PersistDir, reboot.DeviceInfo{
		SoftwareType:    snap.SoftwareType,
		SoftwareVersion: snap.SoftwareVersion,
	})
	if err := tracker.CheckAndEnqueue(q); err != nil {
		log.Warn("reboot tracker failed", "error", err)
	}

	collector := attributes.NewCollector()
	if snap.HeartbeatIntervalSeconds > 0 {
		go runHeartbeat(collector, q, time.Duration(snap.HeartbeatIntervalSeconds)*time.Second)
	}

	pump := daemon.New(store, q, dispatcher, ipcServer)
	ipcServer.Register(ipc.TagSync, func(body []byte) error {
		pump.Flush()
		return nil
	})

	log.Info("memfaultd starting", "pid", os.Getpid(), "upload_interval_s", snap.UploadIntervalSeconds)
	pump.Run(context.Background())
}

// runHeartbeat flushes the in-memory metric accumulator as an Attributes
// record every interval, for as long as the process lives (spec §2
// "metrics façade", SPEC_FULL §4.10).
func runHeartbeat(collector *attributes.Collector, q *queue.Queue, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for now := range ticker.C {
		collector.Flush(q, now)
	}
}

// writeCorePattern points the kernel at the coredump handler binary via
// core_pattern (spec §6).
func writeCorePattern() {
	const pattern = "|/usr/sbin/memfault-core-handler -c /etc/memfaultd.conf %P"
	if err := os.WriteFile("/proc/sys/kernel/core_pattern", []byte(pattern), 0o644); err != nil {
		logging.Default().Warn("failed to set core_pattern, coredumps will not be captured", "error", err)
	}
}
