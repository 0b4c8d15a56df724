package storage

import (
	"context"
	"sync"

	"github.com/pulsestack/pulse-apm/internal/models"
)

// MemoryStore is a bounded in-memory Store. It backs tests and the default
// single-process deployment.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []models.Entry
	byID    map[string]int
	max     int
}

// NewMemoryStore creates a store retaining at most max entries, oldest evicted.
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 1000
	}
	return &MemoryStore{byID: make(map[string]int), max: max}
}

// Record appends an entry, evicting the oldest once the bound is reached.
func (s *MemoryStore) Record(ctx context.Context, entry models.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.append(entry)
	return nil
}

// RecordBatch appends all entries in order.
func (s *MemoryStore) RecordBatch(ctx context.Context, entries []models.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.append(e)
	}
	return nil
}

func (s *MemoryStore) append(entry models.Entry) {
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.max {
		evicted := s.entries[0]
		delete(s.byID, evicted.ID)
		s.entries = append(s.entries[:0], s.entries[1:]...)
		// Re-index after the shift.
		for i := range s.entries {
			s.byID[s.entries[i].ID] = i
		}
		s.byID[entry.ID] = len(s.entries) - 1
		return
	}
	s.byID[entry.ID] = len(s.entries) - 1
}

// Find returns entries matching the filter, newest first.
func (s *MemoryStore) Find(ctx context.Context, filter Filter) (FindResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]models.Entry, 0)
	for i := len(s.entries) - 1; i >= 0; i-- {
		if filter.matches(s.entries[i]) {
			matched = append(matched, s.entries[i])
		}
	}

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < total {
		end = start + filter.Limit
	}

	return FindResult{
		Entries: append([]models.Entry(nil), matched[start:end]...),
		Total:   total,
		HasMore: end < total,
	}, nil
}

// FindByID returns the entry with the given id or ErrNotFound.
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*models.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	entry := s.entries[idx]
	return &entry, nil
}

// Len reports the number of retained entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
