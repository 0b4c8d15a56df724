// Package analytics computes periodic rollups over recorded entries and
// finalized traces: entry distributions, top groups and bucketed trends.
package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pulsestack/pulse-apm/internal/breaker"
	"github.com/pulsestack/pulse-apm/internal/config"
	"github.com/pulsestack/pulse-apm/internal/models"
	"github.com/pulsestack/pulse-apm/internal/storage"
)

// CorrelationSource is the slice of the correlation engine the aggregator
// reads from.
type CorrelationSource interface {
	History(limit int) []models.CorrelationContext
	Snapshot() models.PerformanceSnapshot
}

// Overview is the cross-watcher rollup served by the admin surface.
type Overview struct {
	Timestamp     time.Time                  `json:"timestamp"`
	EntryCounts   map[models.WatcherType]int `json:"entryCounts"`
	TopFamilies   []FamilyCount              `json:"topFamilies,omitempty"`
	Performance   models.PerformanceSnapshot `json:"performance"`
	QueryDegraded bool                       `json:"queryDegraded,omitempty"`
}

// FamilyCount is one entry family and its occurrence count.
type FamilyCount struct {
	Type       models.WatcherType `json:"type"`
	FamilyHash string             `json:"familyHash"`
	Count      int                `json:"count"`
}

// TrendPoint is one time bucket of the trend series.
type TrendPoint struct {
	Bucket         time.Time     `json:"bucket"`
	Traces         int           `json:"traces"`
	AvgDuration    time.Duration `json:"avgDuration"`
	AvgHealthScore float64       `json:"avgHealthScore"`
	Exceptions     int           `json:"exceptions"`
}

// Aggregator periodically refreshes the overview so admin reads stay cheap.
// Store reads run through the query circuit and degrade to empty results.
type Aggregator struct {
	logger   *slog.Logger
	cfg      config.AnalyticsConfig
	store    storage.Querier
	source   CorrelationSource
	circuits *breaker.Registry

	mu     sync.Mutex
	latest Overview

	clock  func() time.Time
	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

const queryCircuit = "analytics-query"

// NewAggregator constructs an analytics aggregator.
func NewAggregator(logger *slog.Logger, cfg config.AnalyticsConfig, store storage.Querier, source CorrelationSource, circuits *breaker.Registry) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.TrendWindow <= 0 {
		cfg.TrendWindow = 24 * time.Hour
	}
	if cfg.TrendBucket <= 0 {
		cfg.TrendBucket = time.Hour
	}
	return &Aggregator{
		logger:   logger,
		cfg:      cfg,
		store:    store,
		source:   source,
		circuits: circuits,
		clock:    time.Now,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the refresh loop.
func (a *Aggregator) Start(ctx context.Context) {
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()
		a.refresh(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopCh:
				return
			case <-ticker.C:
				a.refresh(ctx)
			}
		}
	}()
}

// Close stops the refresh loop.
func (a *Aggregator) Close() {
	a.once.Do(func() {
		close(a.stopCh)
		<-a.done
	})
}

func (a *Aggregator) refresh(ctx context.Context) {
	ov := a.Compute(ctx)
	a.mu.Lock()
	a.latest = ov
	a.mu.Unlock()
}

// Overview returns the most recently computed rollup.
func (a *Aggregator) Overview() Overview {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest
}

// Compute builds a fresh rollup. Entry counts degrade to empty when the
// query circuit is open.
func (a *Aggregator) Compute(ctx context.Context) Overview {
	ov := Overview{
		Timestamp:   a.clock(),
		EntryCounts: make(map[models.WatcherType]int),
	}
	if a.source != nil {
		ov.Performance = a.source.Snapshot()
	}

	result, degraded := a.findEntries(ctx, storage.Filter{Start: ov.Timestamp.Add(-a.cfg.TrendWindow)})
	ov.QueryDegraded = degraded

	families := make(map[string]*FamilyCount)
	for _, e := range result.Entries {
		ov.EntryCounts[e.Type]++
		fc, ok := families[e.FamilyHash]
		if !ok {
			fc = &FamilyCount{Type: e.Type, FamilyHash: e.FamilyHash}
			families[e.FamilyHash] = fc
		}
		fc.Count++
	}
	for _, fc := range families {
		ov.TopFamilies = append(ov.TopFamilies, *fc)
	}
	sort.Slice(ov.TopFamilies, func(i, j int) bool { return ov.TopFamilies[i].Count > ov.TopFamilies[j].Count })
	if len(ov.TopFamilies) > 10 {
		ov.TopFamilies = ov.TopFamilies[:10]
	}
	return ov
}

// Distribution counts recent entries of one watcher type by tag.
func (a *Aggregator) Distribution(ctx context.Context, typ models.WatcherType) map[string]int {
	result, _ := a.findEntries(ctx, storage.Filter{
		Types: []models.WatcherType{typ},
		Start: a.clock().Add(-a.cfg.TrendWindow),
	})
	out := make(map[string]int)
	for _, e := range result.Entries {
		for _, tag := range e.Tags {
			out[tag]++
		}
	}
	return out
}

// findEntries reads through the query circuit; an open circuit or a failing
// store degrades to an empty page.
func (a *Aggregator) findEntries(ctx context.Context, filter storage.Filter) (storage.FindResult, bool) {
	if a.store == nil {
		return storage.FindResult{}, false
	}
	if a.circuits == nil {
		result, err := a.store.Find(ctx, filter)
		if err != nil {
			a.logger.Warn("entry query failed", slog.Any("error", err))
			return storage.FindResult{}, true
		}
		return result, false
	}

	res := a.circuits.Execute(ctx, queryCircuit, func(ctx context.Context) (any, error) {
		return a.store.Find(ctx, filter)
	}, func(err error) any {
		return storage.FindResult{}
	})
	if result, ok := res.Data.(storage.FindResult); ok {
		return result, res.FromFallback
	}
	return storage.FindResult{}, true
}

// Trends buckets the finalized traces of the trend window.
func (a *Aggregator) Trends() []TrendPoint {
	if a.source == nil {
		return nil
	}
	now := a.clock()
	cutoff := now.Add(-a.cfg.TrendWindow)

	type bucketAgg struct {
		traces     int
		total      time.Duration
		health     float64
		exceptions int
	}
	buckets := make(map[time.Time]*bucketAgg)
	for _, cc := range a.source.History(0) {
		at := cc.FinalizedAt
		if at.IsZero() || at.Before(cutoff) {
			continue
		}
		key := at.Truncate(a.cfg.TrendBucket)
		agg, ok := buckets[key]
		if !ok {
			agg = &bucketAgg{}
			buckets[key] = agg
		}
		agg.traces++
		agg.total += cc.Performance.TotalDuration
		agg.health += float64(cc.HealthScore)
		agg.exceptions += cc.Performance.ExceptionsThrown
	}

	out := make([]TrendPoint, 0, len(buckets))
	for key, agg := range buckets {
		out = append(out, TrendPoint{
			Bucket:         key,
			Traces:         agg.traces,
			AvgDuration:    agg.total / time.Duration(agg.traces),
			AvgHealthScore: agg.health / float64(agg.traces),
			Exceptions:     agg.exceptions,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })
	return out
}
