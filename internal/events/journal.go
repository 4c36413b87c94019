package events

import (
	"context"
	"sync"
)

// DefaultJournalSize bounds the journal when no size is given.
const DefaultJournalSize = 500

// Journal keeps the most recent records in a ring buffer.
type Journal struct {
	mu    sync.RWMutex
	buf   []Record
	next  int
	full  bool
	total uint64
}

// NewJournal creates a journal holding up to size records.
func NewJournal(size int) *Journal {
	if size <= 0 {
		size = DefaultJournalSize
	}
	return &Journal{buf: make([]Record, size)}
}

func (j *Journal) Publish(_ context.Context, rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.buf[j.next] = rec
	j.next = (j.next + 1) % len(j.buf)
	if j.next == 0 {
		j.full = true
	}
	j.total++
	return nil
}

func (j *Journal) Close() error { return nil }

// Recent returns up to n records, newest first. n <= 0 means all.
func (j *Journal) Recent(n int) []Record {
	j.mu.RLock()
	defer j.mu.RUnlock()
	count := j.next
	if j.full {
		count = len(j.buf)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		idx := (j.next - i + len(j.buf)) % len(j.buf)
		out = append(out, j.buf[idx])
	}
	return out
}

// Total returns how many records were ever published.
func (j *Journal) Total() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.total
}
