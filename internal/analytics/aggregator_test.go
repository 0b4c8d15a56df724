package analytics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pulsestack/pulse-apm/internal/config"
	"github.com/pulsestack/pulse-apm/internal/models"
	"github.com/pulsestack/pulse-apm/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeQuerier struct {
	entries []models.Entry
	err     error
}

func (q *fakeQuerier) Find(_ context.Context, filter storage.Filter) (storage.FindResult, error) {
	if q.err != nil {
		return storage.FindResult{}, q.err
	}
	out := make([]models.Entry, 0)
	for _, e := range q.entries {
		if len(filter.Types) > 0 && e.Type != filter.Types[0] {
			continue
		}
		out = append(out, e)
	}
	return storage.FindResult{Entries: out, Total: len(out)}, nil
}

func (q *fakeQuerier) FindByID(_ context.Context, id string) (*models.Entry, error) {
	return nil, storage.ErrNotFound
}

type fakeSource struct {
	history []models.CorrelationContext
	snap    models.PerformanceSnapshot
}

func (s *fakeSource) History(int) []models.CorrelationContext { return s.history }
func (s *fakeSource) Snapshot() models.PerformanceSnapshot    { return s.snap }

func entry(typ models.WatcherType, family string, tags ...string) models.Entry {
	return models.Entry{Type: typ, FamilyHash: family, Tags: tags, Timestamp: time.Now()}
}

func analyticsConfig() config.AnalyticsConfig {
	return config.AnalyticsConfig{
		Interval:    time.Minute,
		TrendWindow: 24 * time.Hour,
		TrendBucket: time.Hour,
	}
}

func TestComputeCountsAndFamilies(t *testing.T) {
	q := &fakeQuerier{entries: []models.Entry{
		entry(models.WatcherCache, "fam-a", "cache", "hit"),
		entry(models.WatcherCache, "fam-a", "cache", "miss"),
		entry(models.WatcherRequest, "fam-b", "request"),
	}}
	src := &fakeSource{snap: models.PerformanceSnapshot{CompletedTraces: 7}}
	a := NewAggregator(quietLogger(), analyticsConfig(), q, src, nil)

	ov := a.Compute(context.Background())
	if ov.EntryCounts[models.WatcherCache] != 2 || ov.EntryCounts[models.WatcherRequest] != 1 {
		t.Fatalf("entry counts = %v", ov.EntryCounts)
	}
	if len(ov.TopFamilies) != 2 || ov.TopFamilies[0].FamilyHash != "fam-a" {
		t.Fatalf("top families = %v", ov.TopFamilies)
	}
	if ov.Performance.CompletedTraces != 7 {
		t.Fatalf("performance snapshot not carried")
	}
	if ov.QueryDegraded {
		t.Fatalf("healthy store flagged degraded")
	}
}

func TestComputeDegradesOnStoreFailure(t *testing.T) {
	q := &fakeQuerier{err: errors.New("store down")}
	a := NewAggregator(quietLogger(), analyticsConfig(), q, &fakeSource{}, nil)

	ov := a.Compute(context.Background())
	if !ov.QueryDegraded {
		t.Fatalf("failing store not flagged degraded")
	}
	if len(ov.EntryCounts) != 0 {
		t.Fatalf("degraded overview carries counts: %v", ov.EntryCounts)
	}
}

func TestDistributionByTag(t *testing.T) {
	q := &fakeQuerier{entries: []models.Entry{
		entry(models.WatcherCache, "f", "cache", "hit"),
		entry(models.WatcherCache, "f", "cache", "hit"),
		entry(models.WatcherCache, "f", "cache", "miss"),
		entry(models.WatcherRequest, "g", "request"),
	}}
	a := NewAggregator(quietLogger(), analyticsConfig(), q, nil, nil)

	dist := a.Distribution(context.Background(), models.WatcherCache)
	if dist["hit"] != 2 || dist["miss"] != 1 {
		t.Fatalf("distribution = %v", dist)
	}
	if _, ok := dist["request"]; ok {
		t.Fatalf("other watcher types leaked into the distribution")
	}
}

func TestTrendsBucketed(t *testing.T) {
	now := time.Now().Truncate(time.Hour)
	src := &fakeSource{history: []models.CorrelationContext{
		{
			FinalizedAt: now.Add(10 * time.Minute),
			HealthScore: 100,
			Performance: models.PerformanceSummary{TotalDuration: 100 * time.Millisecond},
		},
		{
			FinalizedAt: now.Add(20 * time.Minute),
			HealthScore: 60,
			Performance: models.PerformanceSummary{TotalDuration: 300 * time.Millisecond, ExceptionsThrown: 2},
		},
		{
			FinalizedAt: now.Add(-2 * time.Hour),
			HealthScore: 90,
			Performance: models.PerformanceSummary{TotalDuration: 50 * time.Millisecond},
		},
	}}
	a := NewAggregator(quietLogger(), analyticsConfig(), nil, src, nil)
	a.clock = func() time.Time { return now.Add(30 * time.Minute) }

	points := a.Trends()
	if len(points) != 2 {
		t.Fatalf("buckets = %d, want 2", len(points))
	}
	last := points[len(points)-1]
	if last.Traces != 2 {
		t.Fatalf("current bucket traces = %d, want 2", last.Traces)
	}
	if last.AvgDuration != 200*time.Millisecond {
		t.Fatalf("avg duration = %s, want 200ms", last.AvgDuration)
	}
	if last.AvgHealthScore != 80 {
		t.Fatalf("avg health = %v, want 80", last.AvgHealthScore)
	}
	if last.Exceptions != 2 {
		t.Fatalf("exceptions = %d, want 2", last.Exceptions)
	}
}

func TestTrendsExcludeOutsideWindow(t *testing.T) {
	now := time.Now().Truncate(time.Hour)
	src := &fakeSource{history: []models.CorrelationContext{
		{FinalizedAt: now.Add(-30 * time.Hour), HealthScore: 10,
			Performance: models.PerformanceSummary{TotalDuration: time.Second}},
	}}
	a := NewAggregator(quietLogger(), analyticsConfig(), nil, src, nil)
	a.clock = func() time.Time { return now }

	if points := a.Trends(); len(points) != 0 {
		t.Fatalf("out-of-window trace bucketed: %v", points)
	}
}
