package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pulsestack/pulse-apm/internal/models"
)

func TestMemoryStoreBounded(t *testing.T) {
	s := NewMemoryStore(3)
	for i := 0; i < 7; i++ {
		err := s.Record(context.Background(), models.Entry{
			ID:        fmt.Sprintf("e%d", i),
			Type:      models.WatcherCache,
			Timestamp: time.Now(),
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if s.Len() != 3 {
		t.Fatalf("expected 3 retained entries, got %d", s.Len())
	}
	if _, err := s.FindByID(context.Background(), "e0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected oldest entry evicted")
	}
	got, err := s.FindByID(context.Background(), "e6")
	if err != nil || got.ID != "e6" {
		t.Fatalf("expected newest entry retained, got %v %v", got, err)
	}
}

func TestMemoryStoreFindFilters(t *testing.T) {
	s := NewMemoryStore(100)
	base := time.Now()
	for i := 0; i < 10; i++ {
		typ := models.WatcherCache
		if i%2 == 0 {
			typ = models.WatcherJob
		}
		s.Record(context.Background(), models.Entry{
			ID:        fmt.Sprintf("e%d", i),
			Type:      typ,
			Tags:      []string{fmt.Sprintf("bucket:%d", i%3)},
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}

	res, err := s.Find(context.Background(), Filter{Types: []models.WatcherType{models.WatcherJob}})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if res.Total != 5 {
		t.Fatalf("expected 5 job entries, got %d", res.Total)
	}
	// Newest first.
	if res.Entries[0].ID != "e8" {
		t.Fatalf("expected newest-first order, got %q", res.Entries[0].ID)
	}

	res, _ = s.Find(context.Background(), Filter{Tag: "bucket:0"})
	if res.Total != 4 {
		t.Fatalf("expected 4 tagged entries, got %d", res.Total)
	}

	res, _ = s.Find(context.Background(), Filter{Start: base.Add(7 * time.Second)})
	if res.Total != 3 {
		t.Fatalf("expected 3 entries in date range, got %d", res.Total)
	}
}

func TestMemoryStorePagination(t *testing.T) {
	s := NewMemoryStore(100)
	for i := 0; i < 10; i++ {
		s.Record(context.Background(), models.Entry{ID: fmt.Sprintf("e%d", i), Type: models.WatcherRequest})
	}
	res, _ := s.Find(context.Background(), Filter{Limit: 4})
	if len(res.Entries) != 4 || !res.HasMore || res.Total != 10 {
		t.Fatalf("unexpected page: %d entries, hasMore=%v, total=%d", len(res.Entries), res.HasMore, res.Total)
	}
	res, _ = s.Find(context.Background(), Filter{Limit: 4, Offset: 8})
	if len(res.Entries) != 2 || res.HasMore {
		t.Fatalf("unexpected last page: %d entries, hasMore=%v", len(res.Entries), res.HasMore)
	}
}

func TestMemoryStoreBatch(t *testing.T) {
	s := NewMemoryStore(10)
	batch := []models.Entry{{ID: "a"}, {ID: "b"}}
	if err := s.RecordBatch(context.Background(), batch); err != nil {
		t.Fatalf("batch: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", s.Len())
	}
}
