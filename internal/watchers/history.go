package watchers

import (
	"sync"
	"time"
)

type timed[T any] struct {
	at time.Time
	v  T
}

// History is a bounded, age-evicted ring of recent events. Eviction by count
// keeps the newest entries; eviction by age drops anything older than the
// retention period.
type History[T any] struct {
	mu        sync.Mutex
	items     []timed[T]
	max       int
	retention time.Duration
	clock     func() time.Time
}

// NewHistory creates a ring retaining up to max items for at most retention.
// A non-positive retention disables age eviction.
func NewHistory[T any](max int, retention time.Duration) *History[T] {
	if max <= 0 {
		max = 1000
	}
	return &History[T]{max: max, retention: retention, clock: time.Now}
}

// Add appends an item, evicting by age then by count.
func (h *History[T]) Add(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.clock()
	h.items = append(h.items, timed[T]{at: now, v: v})
	h.prune(now)
}

func (h *History[T]) prune(now time.Time) {
	if h.retention > 0 {
		cutoff := now.Add(-h.retention)
		idx := 0
		for idx < len(h.items) && h.items[idx].at.Before(cutoff) {
			idx++
		}
		if idx > 0 {
			h.items = append(h.items[:0], h.items[idx:]...)
		}
	}
	if len(h.items) > h.max {
		h.items = append(h.items[:0], h.items[len(h.items)-h.max:]...)
	}
}

// Items returns the retained values, oldest first.
func (h *History[T]) Items() []T {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune(h.clock())
	out := make([]T, len(h.items))
	for i, it := range h.items {
		out[i] = it.v
	}
	return out
}

// ItemsSince returns values recorded at or after the cutoff, oldest first.
func (h *History[T]) ItemsSince(cutoff time.Time) []T {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune(h.clock())
	out := make([]T, 0)
	for _, it := range h.items {
		if !it.at.Before(cutoff) {
			out = append(out, it.v)
		}
	}
	return out
}

// Len returns the number of retained items.
func (h *History[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune(h.clock())
	return len(h.items)
}
