package reboot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memfault/memfaultd/internal/queue"
	"github.com/memfault/memfaultd/internal/records"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.bin"), 64*1024)
	require.NoError(t, err)
	return q
}

func TestCheckAndEnqueueMissingReasonFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	q := newTestQueue(t)
	tr := New(filepath.Join(dir, "reason"), dir, DeviceInfo{})

	require.NoError(t, tr.CheckAndEnqueue(q))
	_, ok := q.ReadHead()
	assert.False(t, ok)
}

func TestCheckAndEnqueueEncodesReasonAndDevice(t *testing.T) {
	dir := t.TempDir()
	reasonFile := filepath.Join(dir, "reason")
	require.NoError(t, os.WriteFile(reasonFile, []byte("4\n"), 0o644))

	q := newTestQueue(t)
	dev := DeviceInfo{DeviceSerial: "SN1", HardwareVersion: "evt", SoftwareVersion: "1.0", SoftwareType: "main"}
	tr := New(reasonFile, dir, dev)

	require.NoError(t, tr.CheckAndEnqueue(q))

	payload, ok := q.ReadHead()
	require.True(t, ok)
	tag, rec, err := records.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, records.TagRebootEvent, tag)

	var body struct {
		Reason     int    `json:"reason"`
		ReasonText string `json:"reason_text"`
		Device     struct {
			DeviceSerial    string `json:"device_serial"`
			HardwareVersion string `json:"hardware_version"`
			SoftwareVersion string `json:"software_version"`
			SoftwareType    string `json:"software_type"`
		} `json:"device"`
	}
	require.NoError(t, json.Unmarshal([]byte(rec.(*records.RebootEvent).JSON), &body))
	assert.Equal(t, 4, body.Reason)
	assert.Equal(t, "watchdog", body.ReasonText)
	assert.Equal(t, "SN1", body.Device.DeviceSerial)
}

func TestCheckAndEnqueueUnknownReasonCode(t *testing.T) {
	dir := t.TempDir()
	reasonFile := filepath.Join(dir, "reason")
	require.NoError(t, os.WriteFile(reasonFile, []byte("99"), 0o644))

	q := newTestQueue(t)
	tr := New(reasonFile, dir, DeviceInfo{})
	require.NoError(t, tr.CheckAndEnqueue(q))

	payload, ok := q.ReadHead()
	require.True(t, ok)
	_, rec, err := records.Decode(payload)
	require.NoError(t, err)
	assert.Contains(t, rec.(*records.RebootEvent).JSON, "unknown (99)")
}

func TestCheckAndEnqueueDedupsSameReasonAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	reasonFile := filepath.Join(dir, "reason")
	require.NoError(t, os.WriteFile(reasonFile, []byte("2"), 0o644))

	q := newTestQueue(t)
	tr1 := New(reasonFile, dir, DeviceInfo{})
	require.NoError(t, tr1.CheckAndEnqueue(q))
	_, ok := q.ReadHead()
	require.True(t, ok)
	q.CompleteRead()

	// Simulate a daemon restart: a fresh Tracker pointed at the same
	// persistDir must not re-report the identical reason.
	tr2 := New(reasonFile, dir, DeviceInfo{})
	require.NoError(t, tr2.CheckAndEnqueue(q))
	_, ok = q.ReadHead()
	assert.False(t, ok, "identical reason must not be reported twice across restarts")
}

func TestCheckAndEnqueueReportsChangedReason(t *testing.T) {
	dir := t.TempDir()
	reasonFile := filepath.Join(dir, "reason")
	require.NoError(t, os.WriteFile(reasonFile, []byte("2"), 0o644))

	q := newTestQueue(t)
	tr1 := New(reasonFile, dir, DeviceInfo{})
	require.NoError(t, tr1.CheckAndEnqueue(q))
	_, ok := q.ReadHead()
	require.True(t, ok)
	q.CompleteRead()

	require.NoError(t, os.WriteFile(reasonFile, []byte("5"), 0o644))
	tr2 := New(reasonFile, dir, DeviceInfo{})
	require.NoError(t, tr2.CheckAndEnqueue(q))
	_, ok = q.ReadHead()
	assert.True(t, ok, "a changed reason must be reported even within the same persistDir")
}
