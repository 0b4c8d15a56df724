package watchers

import (
	"testing"
	"time"
)

func TestHistoryBoundedByCount(t *testing.T) {
	h := NewHistory[int](3, 0)
	for i := 1; i <= 5; i++ {
		h.Add(i)
	}

	got := h.Items()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0] != 3 || got[2] != 5 {
		t.Fatalf("items = %v, want newest three in order", got)
	}
}

func TestHistoryAgeEviction(t *testing.T) {
	h := NewHistory[string](10, time.Minute)
	now := time.Now()
	h.clock = func() time.Time { return now }

	h.Add("old")
	now = now.Add(2 * time.Minute)
	h.Add("fresh")

	got := h.Items()
	if len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("items = %v, want only fresh", got)
	}
}

func TestHistoryItemsSince(t *testing.T) {
	h := NewHistory[int](10, 0)
	now := time.Now()
	h.clock = func() time.Time { return now }

	h.Add(1)
	cutoff := now.Add(time.Second)
	now = now.Add(2 * time.Second)
	h.Add(2)

	got := h.ItemsSince(cutoff)
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("items since cutoff = %v, want [2]", got)
	}
}
