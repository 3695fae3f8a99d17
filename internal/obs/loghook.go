package obs

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry is one captured log line, shaped for the admin API.
type LogEntry struct {
	Time    time.Time              `json:"time"`
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// LogBuffer is a logrus hook that keeps the most recent entries in a ring so
// the admin API can serve them without touching log files.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	count   int
}

// NewLogBuffer returns a hook holding up to capacity entries. A non-positive
// capacity falls back to 256.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &LogBuffer{entries: make([]LogEntry, capacity)}
}

// Levels subscribes the hook to every log level.
func (b *LogBuffer) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire records the entry. It never returns an error; a full ring overwrites
// the oldest entry.
func (b *LogBuffer) Fire(entry *logrus.Entry) error {
	e := LogEntry{
		Time:    entry.Time,
		Level:   entry.Level.String(),
		Message: entry.Message,
	}
	if len(entry.Data) > 0 {
		e.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			e.Fields[k] = v
		}
	}

	b.mu.Lock()
	b.entries[b.next] = e
	b.next = (b.next + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
	b.mu.Unlock()
	return nil
}

// Recent returns up to limit of the newest entries, oldest first. A
// non-positive limit returns everything in the ring.
func (b *LogBuffer) Recent(limit int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]LogEntry, 0, n)
	start := b.next - n
	if start < 0 {
		start += len(b.entries)
	}
	for i := 0; i < n; i++ {
		out = append(out, b.entries[(start+i)%len(b.entries)])
	}
	return out
}
