// Package attributes implements the attribute and metrics IPC façade (spec
// §6 ATTR/COLLECTD tags, SPEC_FULL §4.10): parsing the ATTR datagram body,
// accumulating named numeric samples between heartbeat windows, and
// enqueuing Attributes UploadRecords.
package attributes

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/memfault/memfaultd/internal/logging"
	"github.com/memfault/memfaultd/internal/merrors"
	"github.com/memfault/memfaultd/internal/queue"
	"github.com/memfault/memfaultd/internal/records"
)

// Handler parses ATTR and COLLECTD IPC bodies and enqueues Attributes
// records.
type Handler struct {
	q   *queue.Queue
	log *logging.Logger
}

// New creates a Handler writing to q.
func New(q *queue.Queue) *Handler {
	return &Handler{q: q, log: logging.Default().WithComponent("attributes")}
}

// HandleATTR parses an ATTR IPC body: {timestamp int64 LE}{json utf8 NUL}.
// The single JSON object is wrapped in a one-element array to match the
// attributes endpoint's array-of-attribute-sets shape (spec §3's
// Attributes variant carries json_array).
func (h *Handler) HandleATTR(body []byte) error {
	if len(body) < 8 {
		return merrors.New("attributes.handle_attr", merrors.ErrCodeIPCMalformed, "truncated ATTR body")
	}
	ts := int64(binary.LittleEndian.Uint64(body[0:8]))
	jsonBody := body[8:]
	if i := indexNUL(jsonBody); i >= 0 {
		jsonBody = jsonBody[:i]
	}

	var obj map[string]any
	if err := json.Unmarshal(jsonBody, &obj); err != nil {
		return merrors.New("attributes.handle_attr", merrors.ErrCodeIPCMalformed, "ATTR body is not a JSON object")
	}

	arr, err := json.Marshal([]any{obj})
	if err != nil {
		return merrors.Wrap("attributes.handle_attr", err)
	}

	if !h.q.Write(records.EncodeAttributes(records.Attributes{Timestamp: ts, JSONArray: string(arr)})) {
		return fmt.Errorf("attributes: failed to enqueue ATTR record")
	}
	return nil
}

// HandleCOLLECTD treats the datagram body as a pre-formatted JSON
// attributes blob and enqueues it directly (spec.md §6 names COLLECTD
// without specifying its handling; SPEC_FULL §4.10 supplements this as a
// passthrough).
func (h *Handler) HandleCOLLECTD(body []byte) error {
	if i := indexNUL(body); i >= 0 {
		body = body[:i]
	}
	if !json.Valid(body) {
		return merrors.New("attributes.handle_collectd", merrors.ErrCodeIPCMalformed, "COLLECTD body is not valid JSON")
	}
	rec := records.Attributes{Timestamp: time.Now().Unix(), JSONArray: string(body)}
	if !h.q.Write(records.EncodeAttributes(rec)) {
		return fmt.Errorf("attributes: failed to enqueue COLLECTD record")
	}
	return nil
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// Collector accumulates named numeric samples between heartbeat windows
// and flushes them as Attributes records, matching the teacher's
// atomic-counter accumulator shape generalized to a name-keyed map guarded
// by one mutex (spec §2 "metrics façade").
type Collector struct {
	mu      sync.Mutex
	samples map[string]float64
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{samples: make(map[string]float64)}
}

// Add accumulates value into the named metric.
func (c *Collector) Add(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples[name] += value
}

// Set overwrites the named metric's current value (gauge semantics).
func (c *Collector) Set(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples[name] = value
}

// Flush drains the accumulated samples as a single Attributes record,
// resetting the collector for the next window. Returns false if there was
// nothing to report.
func (c *Collector) Flush(q *queue.Queue, now time.Time) bool {
	c.mu.Lock()
	if len(c.samples) == 0 {
		c.mu.Unlock()
		return false
	}
	snapshot := c.samples
	c.samples = make(map[string]float64)
	c.mu.Unlock()

	arr, err := json.Marshal([]map[string]float64{snapshot})
	if err != nil {
		return false
	}
	return q.Write(records.EncodeAttributes(records.Attributes{
		Timestamp: now.Unix(),
		JSONArray: string(arr),
	}))
}
