// Command memfault-core-handler is invoked by the kernel via core_pattern
// on process crash (spec §4.6): it streams the crashing process's core
// image from stdin, applies quota and rate-limit checks, and hands the
// image to the coredump transformer.
package main

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/memfault/memfaultd/internal/config"
	"github.com/memfault/memfaultd/internal/coredump"
	"github.com/memfault/memfaultd/internal/logging"
	"github.com/memfault/memfaultd/internal/queue"
	"github.com/memfault/memfaultd/internal/ratelimit"
)

func main() {
	os.Exit(int(run()))
}

func run() coredump.ExitCode {
	configPath := flag.String("c", "/etc/memfaultd.conf", "path to the configuration file")
	flag.Parse()

	if flag.NArg() != 1 {
		return coredump.ExitInvalidArguments
	}
	pid, err := strconv.Atoi(flag.Arg(0))
	if err != nil {
		return coredump.ExitInvalidArguments
	}

	logging.SetDefault(logging.NewLogger(logging.DefaultConfig()))
	log := logging.Default().WithComponent("core-handler")

	store, err := config.Load(*configPath)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		return coredump.ExitInvalidConfiguration
	}
	snap := store.Snapshot()

	limiter := ratelimit.Open(
		filepath.Join(snap.PersistDir, "coredump_rate_limiter"),
		snap.Coredump.RateLimitCount,
		time.Duration(snap.Coredump.RateLimitDurationSeconds)*time.Second,
	)

	q, err := queue.Open(filepath.Join(snap.PersistDir, "queue.bin"), uint32(snap.QueueSizeKiB*1024))
	if err != nil {
		log.Error("failed to open durable queue", "error", err)
		return coredump.ExitDeviceSettingsFailure
	}
	defer q.Close()

	return coredump.Run(coredump.Deps{
		Config:  snap,
		Limiter: limiter,
		Queue:   q,
		Disk:    coredump.StatfsDiskUsage{},
		OpenMem: func(pid int) (coredump.MemSource, error) {
			return coredump.OpenProcMem(pid)
		},
	}, pid)
}
