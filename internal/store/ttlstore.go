// Package store provides generic in-memory storage with TTL support.
package store

import (
	"sort"
	"sync"
	"time"
)

// Entry wraps a value with its insertion and expiry times
type Entry[T any] struct {
	Value     T
	StoredAt  time.Time
	ExpiresAt time.Time
}

func (e *Entry[T]) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// TTLStore keeps values for a fixed time and sweeps them in the background.
type TTLStore[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]*Entry[V]
	ttl      time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	onEvict  func(key K, value V)
	now      func() time.Time
}

// New creates a store whose entries live for ttl. Expired entries are removed
// every sweep interval; they are invisible to readers as soon as they expire.
func New[K comparable, V any](ttl, sweep time.Duration) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:  make(map[K]*Entry[V]),
		ttl:    ttl,
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
	if sweep <= 0 {
		sweep = time.Minute
	}
	go s.sweepLoop(sweep)
	return s
}

// OnEvict sets a callback run for each entry removed by the sweeper.
func (s *TTLStore[K, V]) OnEvict(fn func(key K, value V)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Put stores value under key with the store's TTL.
func (s *TTLStore[K, V]) Put(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.items[key] = &Entry[V]{Value: value, StoredAt: now, ExpiresAt: now.Add(s.ttl)}
}

// Get returns the value for key if present and not expired.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.items[key]
	if !ok || entry.expired(s.now()) {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// Has reports whether key is present and not expired.
func (s *TTLStore[K, V]) Has(key K) bool {
	_, ok := s.Get(key)
	return ok
}

// Len counts live entries.
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	n := 0
	for _, e := range s.items {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Recent returns live values, newest first.
func (s *TTLStore[K, V]) Recent() []V {
	s.mu.RLock()
	now := s.now()
	entries := make([]*Entry[V], 0, len(s.items))
	for _, e := range s.items {
		if !e.expired(now) {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StoredAt.After(entries[j].StoredAt)
	})
	out := make([]V, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}

// Close stops the sweeper. It is safe to call more than once.
func (s *TTLStore[K, V]) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *TTLStore[K, V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep drops expired entries and runs the eviction callback outside the lock.
func (s *TTLStore[K, V]) sweep() {
	type evicted struct {
		key   K
		value V
	}
	s.mu.Lock()
	now := s.now()
	var gone []evicted
	for k, e := range s.items {
		if e.expired(now) {
			gone = append(gone, evicted{k, e.Value})
			delete(s.items, k)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict != nil {
		for _, e := range gone {
			onEvict(e.key, e.value)
		}
	}
}
