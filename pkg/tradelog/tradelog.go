// Package tradelog keeps a bounded, append-only record of trading events for
// the presentation layer. It is observability only; nothing reads it back to
// make decisions.
package tradelog

import (
	"fmt"
	"sync"
	"time"
)

type Entry struct {
	Time     time.Time `json:"time"`
	Category string    `json:"category"`
	Detail   string    `json:"detail"`
}

// Log is a fixed-capacity ring; the oldest entry is evicted first. Safe for
// concurrent use by an engine tick and api reads.
type Log struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
	now      func() time.Time
}

const DefaultCapacity = 200

func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		capacity: capacity,
		entries:  make([]Entry, 0, capacity),
		now:      time.Now,
	}
}

// Append records an event under category.
func (l *Log) Append(category, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == l.capacity {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:l.capacity-1]
	}
	l.entries = append(l.entries, Entry{
		Time:     l.now(),
		Category: category,
		Detail:   fmt.Sprintf(format, args...),
	})
}

// Entries returns a copy, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the current entry count.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
