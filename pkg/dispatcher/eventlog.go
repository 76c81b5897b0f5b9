package dispatcher

import (
	"sync"
	"time"
)

// LogEntry is one record of the debug event log.
type LogEntry struct {
	Type string    `json:"type"`
	Time time.Time `json:"timestamp"`
	Data any       `json:"data,omitempty"`
}

// eventLog keeps the newest entries first, capped at size.
type eventLog struct {
	mu      sync.Mutex
	size    int
	entries []LogEntry
}

func newEventLog(size int) *eventLog {
	return &eventLog{size: size}
}

func (l *eventLog) add(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, LogEntry{})
	copy(l.entries[1:], l.entries)
	l.entries[0] = e
	if len(l.entries) > l.size {
		l.entries = l.entries[:l.size]
	}
}

func (l *eventLog) resize(size int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.size = size
	if len(l.entries) > size {
		l.entries = l.entries[:size]
	}
}

func (l *eventLog) snapshot() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
