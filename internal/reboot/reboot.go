// Package reboot detects the device's last reboot reason and enqueues a
// RebootEvent once per boot (spec §2 "Reboot tracker", SPEC_FULL §4.9).
package reboot

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/memfault/memfaultd/internal/logging"
	"github.com/memfault/memfaultd/internal/queue"
	"github.com/memfault/memfaultd/internal/records"
)

// reasonTable maps a board-specific early-boot reason code to a human
// string. Unknown codes fall back to "unknown (<code>)".
var reasonTable = map[int]string{
	0:  "unknown",
	1:  "software_update",
	2:  "user_reset",
	3:  "low_power",
	4:  "watchdog",
	5:  "kernel_panic",
	6:  "brown_out_reset",
	7:  "power_on_reset",
	8:  "firmware_update",
	9:  "factory_reset",
	10: "unexpected_reset",
}

// DeviceInfo identifies the device in the reboot event body.
type DeviceInfo struct {
	DeviceSerial    string `json:"device_serial"`
	HardwareVersion string `json:"hardware_version"`
	SoftwareVersion string `json:"software_version"`
	SoftwareType    string `json:"software_type"`
}

// Tracker detects and enqueues at most one RebootEvent per boot.
type Tracker struct {
	reasonFile  string
	sentinelPath string
	dev         DeviceInfo
	log         *logging.Logger
}

// New creates a Tracker. persistDir is where the sentinel file marking
// "already reported this boot" lives, surviving across daemon restarts but
// not across a real reboot (it is itself cleared by early-boot scripts,
// out of scope per spec.md §1).
func New(reasonFile, persistDir string, dev DeviceInfo) *Tracker {
	return &Tracker{
		reasonFile:   reasonFile,
		sentinelPath: filepath.Join(persistDir, "last_reboot_reported"),
		dev:          dev,
		log:          logging.Default().WithComponent("reboot"),
	}
}

// CheckAndEnqueue reads the configured last-reboot-reason file and, if this
// boot hasn't already been reported, enqueues a RebootEvent. Absence of the
// reason file (cold boot, or early-boot scripts haven't run yet) is
// non-fatal: nothing is enqueued.
func (t *Tracker) CheckAndEnqueue(q *queue.Queue) error {
	if t.reasonFile == "" {
		return nil
	}
	data, err := os.ReadFile(t.reasonFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.log.Warn("unparseable reboot reason file contents", "path", t.reasonFile, "error", err)
		return nil
	}

	reported, err := os.ReadFile(t.sentinelPath)
	if err == nil && strings.TrimSpace(string(reported)) == strings.TrimSpace(string(data)) {
		return nil // already reported this exact reason for this boot
	}

	text, ok := reasonTable[code]
	if !ok {
		text = fmt.Sprintf("unknown (%d)", code)
	}

	body := fmt.Sprintf(
		`{"reason":%d,"reason_text":%q,"device":{"device_serial":%q,"hardware_version":%q,"software_version":%q,"software_type":%q}}`,
		code, text, t.dev.DeviceSerial, t.dev.HardwareVersion, t.dev.SoftwareVersion, t.dev.SoftwareType,
	)

	if !q.Write(records.EncodeRebootEvent(records.RebootEvent{JSON: body})) {
		return fmt.Errorf("reboot: failed to enqueue reboot event")
	}

	if err := os.WriteFile(t.sentinelPath, data, 0o644); err != nil {
		t.log.Warn("failed to persist reboot-reported sentinel", "error", err)
	}
	return nil
}
