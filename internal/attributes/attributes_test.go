package attributes

import (
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

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

func attrBody(ts int64, json string) []byte {
	buf := make([]byte, 8+len(json)+1)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(ts))
	copy(buf[8:], json)
	buf[len(buf)-1] = 0
	return buf
}

func TestHandleATTRWrapsObjectInArray(t *testing.T) {
	q := newTestQueue(t)
	h := New(q)

	require.NoError(t, h.HandleATTR(attrBody(1_700_000_000, `{"battery":87}`)))

	payload, ok := q.ReadHead()
	require.True(t, ok)
	tag, rec, err := records.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, records.TagAttributes, tag)
	a := rec.(*records.Attributes)
	assert.Equal(t, int64(1_700_000_000), a.Timestamp)
	assert.JSONEq(t, `[{"battery":87}]`, a.JSONArray)
}

func TestHandleATTRRejectsTruncatedBody(t *testing.T) {
	q := newTestQueue(t)
	h := New(q)
	assert.Error(t, h.HandleATTR([]byte{1, 2, 3}))
}

func TestHandleATTRRejectsNonObjectJSON(t *testing.T) {
	q := newTestQueue(t)
	h := New(q)
	assert.Error(t, h.HandleATTR(attrBody(0, `[1,2,3]`)))
}

func TestHandleCOLLECTDPassesThroughValidJSON(t *testing.T) {
	q := newTestQueue(t)
	h := New(q)
	require.NoError(t, h.HandleCOLLECTD([]byte(`{"cpu":0.5}`)))

	payload, ok := q.ReadHead()
	require.True(t, ok)
	_, rec, err := records.Decode(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cpu":0.5}`, rec.(*records.Attributes).JSONArray)
}

func TestHandleCOLLECTDRejectsInvalidJSON(t *testing.T) {
	q := newTestQueue(t)
	h := New(q)
	assert.Error(t, h.HandleCOLLECTD([]byte("not json")))
}

func TestCollectorFlushAccumulatesAndResets(t *testing.T) {
	q := newTestQueue(t)
	c := NewCollector()

	assert.False(t, c.Flush(q, time.Unix(100, 0)), "nothing accumulated yet")

	c.Add("bytes_sent", 10)
	c.Add("bytes_sent", 5)
	c.Set("battery_pct", 87)

	assert.True(t, c.Flush(q, time.Unix(200, 0)))

	payload, ok := q.ReadHead()
	require.True(t, ok)
	_, rec, err := records.Decode(payload)
	require.NoError(t, err)
	a := rec.(*records.Attributes)
	assert.Equal(t, int64(200), a.Timestamp)
	assert.JSONEq(t, `[{"bytes_sent":15,"battery_pct":87}]`, a.JSONArray)

	// A second flush with nothing new accumulated reports nothing.
	assert.False(t, c.Flush(q, time.Unix(300, 0)))
}
