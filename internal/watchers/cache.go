package watchers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pulsestack/pulse-apm/internal/config"
	"github.com/pulsestack/pulse-apm/internal/models"
	"github.com/pulsestack/pulse-apm/internal/stats"
)

// CacheWatcher tracks cache operations: hit/miss/error accounting, slow
// operation detection and key-pattern filtering.
type CacheWatcher struct {
	logger *slog.Logger
	cfg    config.CacheWatcherConfig
	deps   Deps

	stats   *stats.Rolling
	history *History[models.CacheEvent]
}

// CacheMetrics is a snapshot of the cache watcher's rolling state.
type CacheMetrics struct {
	TotalOperations uint64  `json:"totalOperations"`
	HitCount        uint64  `json:"hitCount"`
	MissCount       uint64  `json:"missCount"`
	ErrorCount      uint64  `json:"errorCount"`
	HitRate         float64 `json:"hitRate"`
	MissRate        float64 `json:"missRate"`
	ErrorRate       float64 `json:"errorRate"`
	SlowOperations  uint64  `json:"slowOperations"`
	AvgDurationMs   float64 `json:"avgDurationMs"`
	P95DurationMs   float64 `json:"p95DurationMs"`
	HealthScore     int     `json:"healthScore"`
	HealthStatus    string  `json:"healthStatus"`
}

// NewCacheWatcher constructs a cache tracker.
func NewCacheWatcher(logger *slog.Logger, cfg config.CacheWatcherConfig, deps Deps) *CacheWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheWatcher{
		logger:  logger,
		cfg:     cfg,
		deps:    deps,
		stats:   stats.New(512),
		history: NewHistory[models.CacheEvent](cfg.MaxHistory, cfg.Retention),
	}
}

// TrackCache runs the tracking pipeline for one cache operation. It never
// propagates internal failures to the caller.
func (w *CacheWatcher) TrackCache(ctx context.Context, ev models.CacheEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("cache tracker fault", slog.Any("panic", rec))
		}
	}()

	if !w.cfg.Enabled {
		return
	}
	if !w.deps.sampled(w.cfg.SampleRate) {
		return
	}
	if containsFold(w.cfg.ExcludeOperations, ev.Operation) {
		return
	}
	if matchAny(w.cfg.ExcludePatterns, ev.Key) {
		return
	}
	if len(w.cfg.IncludePatterns) > 0 && !matchAny(w.cfg.IncludePatterns, ev.Key) {
		return
	}

	if w.deps.Sanitizer != nil {
		ev.Key = w.deps.Sanitizer.RedactKey(ev.Key)
		if ev.Value != nil {
			ev.Value = w.deps.Sanitizer.SanitizeValue("value", ev.Value)
		}
	}

	w.history.Add(ev)

	switch {
	case ev.Error != "":
		w.stats.Inc("error")
	case ev.Hit:
		w.stats.Inc("hit")
	default:
		w.stats.Inc("miss")
	}
	w.stats.Observe(ev.Duration)

	slow := w.cfg.SlowThreshold > 0 && ev.Duration > w.cfg.SlowThreshold
	if slow {
		w.stats.Inc("slow")
	}

	tags := []string{"cache", "cache:" + ev.Operation}
	switch {
	case ev.Error != "":
		tags = append(tags, "error")
	case ev.Hit:
		tags = append(tags, "hit")
	default:
		tags = append(tags, "miss")
	}
	if slow {
		tags = append(tags, "slow")
	}

	entry := w.deps.newEntry(models.WatcherCache, familyHash(ev.Operation, ev.Key), map[string]any{
		"operation":   ev.Operation,
		"key":         ev.Key,
		"hit":         ev.Hit,
		"duration_ms": durationMs(ev.Duration),
		"size":        ev.Size,
		"error":       ev.Error,
	}, tags)
	w.deps.emit(ctx, w.logger, entry)

	w.evaluateAlerts(ev, slow)
	w.deps.forward(ev)
}

func (w *CacheWatcher) evaluateAlerts(ev models.CacheEvent, slow bool) {
	if w.deps.Alerts == nil {
		return
	}

	m := w.Metrics()
	if m.TotalOperations >= 10 && m.HitRate < w.cfg.MinHitRate {
		w.deps.Alerts.Emit("cache_hit_rate", models.SeverityMedium,
			fmt.Sprintf("cache hit rate %.1f%% below threshold %.1f%%", m.HitRate, w.cfg.MinHitRate),
			map[string]any{"hitRate": m.HitRate, "threshold": w.cfg.MinHitRate})
	}
	if m.TotalOperations >= 10 && w.cfg.MaxMissRate > 0 && m.MissRate > w.cfg.MaxMissRate {
		w.deps.Alerts.Emit("cache_miss_rate", models.SeverityMedium,
			fmt.Sprintf("cache miss rate %.1f%% above threshold %.1f%%", m.MissRate, w.cfg.MaxMissRate),
			map[string]any{"missRate": m.MissRate, "threshold": w.cfg.MaxMissRate})
	}
	if slow {
		w.deps.Alerts.Emit("cache_slow_operation", models.SeverityLow,
			fmt.Sprintf("slow cache %s on %s (%s)", ev.Operation, ev.Key, ev.Duration),
			map[string]any{"key": ev.Key, "durationMs": durationMs(ev.Duration)})
	}
}

// Metrics returns a derived snapshot. Rates are recomputed from counters on
// every call.
func (w *CacheWatcher) Metrics() CacheMetrics {
	hit := w.stats.Count("hit")
	miss := w.stats.Count("miss")
	errs := w.stats.Count("error")
	total := hit + miss + errs

	m := CacheMetrics{
		TotalOperations: total,
		HitCount:        hit,
		MissCount:       miss,
		ErrorCount:      errs,
		HitRate:         w.stats.Rate("hit", "hit", "miss", "error"),
		MissRate:        w.stats.Rate("miss", "hit", "miss", "error"),
		ErrorRate:       w.stats.Rate("error", "hit", "miss", "error"),
		SlowOperations:  w.stats.Count("slow"),
		AvgDurationMs:   durationMs(w.stats.Average()),
		P95DurationMs:   durationMs(w.stats.Percentile(95)),
	}
	m.HealthScore = w.healthScore(m)
	m.HealthStatus = healthStatus(m.HealthScore)
	return m
}

func (w *CacheWatcher) healthScore(m CacheMetrics) int {
	if m.TotalOperations == 0 {
		return 100
	}
	score := 100
	switch {
	case m.HitRate < 50:
		score -= 30
	case m.HitRate < 70:
		score -= 15
	}
	switch {
	case m.ErrorRate > 10:
		score -= 30
	case m.ErrorRate > 5:
		score -= 10
	}
	slowRate := float64(m.SlowOperations) / float64(m.TotalOperations) * 100
	switch {
	case slowRate > 20:
		score -= 20
	case slowRate > 10:
		score -= 10
	}
	return clampScore(score)
}

// Recent returns the retained cache events, oldest first.
func (w *CacheWatcher) Recent() []models.CacheEvent {
	return w.history.Items()
}
