// Package ratelimit implements the sliding-window, file-persisted admission
// limiter the coredump handler consults before capturing a core: a fixed
// count of admissions per rolling duration, state surviving process
// restarts as a line of ASCII-decimal Unix timestamps.
package ratelimit

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/memfault/memfaultd/internal/logging"
)

// Limiter admits at most Count events in any rolling Duration window,
// persisting its history to a file so the window survives restarts.
type Limiter struct {
	path     string
	count    int
	duration time.Duration

	history []int64 // history[0] is most recent; len <= count

	now func() time.Time
	log *logging.Logger
}

// Open loads (or initializes) a limiter backed by path. A count or duration
// of zero disables the limiter: CheckEvent always admits and no file I/O is
// performed.
func Open(path string, count int, duration time.Duration) *Limiter {
	l := &Limiter{
		path:     path,
		count:    count,
		duration: duration,
		now:      time.Now,
		log:      logging.Default().WithComponent("ratelimit"),
	}
	if l.disabled() {
		return l
	}
	l.history = l.load()
	return l
}

func (l *Limiter) disabled() bool { return l.count <= 0 || l.duration <= 0 }

// SetClock overrides the time source; tests use it to pin "now" to a
// deterministic value.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// load parses at most count whitespace-separated decimals from path.
// Missing or malformed entries are treated as 0; a missing file yields an
// all-zero history. Any I/O error is swallowed here (treated the same as a
// missing file) since the limiter must fail open.
func (l *Limiter) load() []int64 {
	hist := make([]int64, l.count)

	data, err := os.ReadFile(l.path)
	if err != nil {
		return hist
	}
	fields := strings.Fields(string(data))
	for i := 0; i < l.count && i < len(fields); i++ {
		v, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			v = 0
		}
		hist[i] = v
	}
	return hist
}

// CheckEvent reports whether one more event may be admitted right now,
// updating and persisting the history on admission. On denial, state is
// left unchanged. File I/O failure never blocks admission: the event is
// still admitted and a warning is logged.
func (l *Limiter) CheckEvent() bool {
	if l.disabled() {
		return true
	}

	now := l.now().Unix()
	if l.history[l.count-1]+int64(l.duration/time.Second) > now {
		return false
	}

	copy(l.history[1:], l.history[:l.count-1])
	l.history[0] = now

	if err := l.persist(); err != nil {
		l.log.Warn("failed to persist rate limiter state, admitting anyway", "path", l.path, "error", err)
	}
	return true
}

func (l *Limiter) persist() error {
	var b strings.Builder
	for _, ts := range l.history {
		fmt.Fprintf(&b, "%d ", ts)
	}
	f, err := os.Create(l.path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if _, err := w.WriteString(b.String()); err != nil {
		return err
	}
	return w.Flush()
}
