package watchers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/pulsestack/pulse-apm/internal/config"
	"github.com/pulsestack/pulse-apm/internal/models"
	"github.com/pulsestack/pulse-apm/internal/stats"
)

// RequestWatcher tracks completed HTTP requests: status-class counters,
// latency aggregates and resource ceilings.
type RequestWatcher struct {
	logger *slog.Logger
	cfg    config.RequestWatcherConfig
	deps   Deps

	stats   *stats.Rolling
	history *History[models.RequestEvent]
}

// RequestMetrics is a snapshot of the request watcher's rolling state.
type RequestMetrics struct {
	TotalRequests uint64  `json:"totalRequests"`
	Status2xx     uint64  `json:"status2xx"`
	Status3xx     uint64  `json:"status3xx"`
	Status4xx     uint64  `json:"status4xx"`
	Status5xx     uint64  `json:"status5xx"`
	ErrorRate     float64 `json:"errorRate"`
	SlowRequests  uint64  `json:"slowRequests"`
	AvgDurationMs float64 `json:"avgDurationMs"`
	P95DurationMs float64 `json:"p95DurationMs"`
	P99DurationMs float64 `json:"p99DurationMs"`
	HealthScore   int     `json:"healthScore"`
	HealthStatus  string  `json:"healthStatus"`
}

// NewRequestWatcher constructs a request tracker.
func NewRequestWatcher(logger *slog.Logger, cfg config.RequestWatcherConfig, deps Deps) *RequestWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestWatcher{
		logger:  logger,
		cfg:     cfg,
		deps:    deps,
		stats:   stats.New(512),
		history: NewHistory[models.RequestEvent](cfg.MaxHistory, cfg.Retention),
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// TrackRequest runs the tracking pipeline for one completed request. It never
// propagates internal failures to the caller.
func (w *RequestWatcher) TrackRequest(ctx context.Context, ev models.RequestEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("request tracker fault", slog.Any("panic", rec))
		}
	}()

	if !w.cfg.Enabled {
		return
	}
	if !w.deps.sampled(w.cfg.SampleRate) {
		return
	}
	if matchAny(w.cfg.ExcludePaths, ev.Path) {
		return
	}

	if w.deps.Sanitizer != nil {
		ev.Payload = w.deps.Sanitizer.SanitizeMap(ev.Payload)
	}

	w.history.Add(ev)
	class := statusClass(ev.StatusCode)
	w.stats.Inc("total")
	w.stats.Inc("class:" + class)
	w.stats.Observe(ev.Duration)

	slow := w.cfg.SlowThreshold > 0 && ev.Duration > w.cfg.SlowThreshold
	if slow {
		w.stats.Inc("slow")
	}

	tags := []string{"request", "method:" + ev.Method, "status:" + class}
	if slow {
		tags = append(tags, "slow")
	}
	entry := w.deps.newEntry(models.WatcherRequest, familyHash(ev.Method, ev.Path), map[string]any{
		"method":       ev.Method,
		"path":         ev.Path,
		"statusCode":   ev.StatusCode,
		"duration_ms":  durationMs(ev.Duration),
		"memory_bytes": ev.Resources.MemoryBytes,
		"cpu_percent":  ev.Resources.CPUPercent,
		"payload":      ev.Payload,
	}, tags)
	w.deps.emit(ctx, w.logger, entry)

	w.evaluateAlerts(ev, slow)
	w.deps.forward(ev)
}

func (w *RequestWatcher) evaluateAlerts(ev models.RequestEvent, slow bool) {
	if w.deps.Alerts == nil {
		return
	}

	m := w.Metrics()
	if m.TotalRequests >= 10 && w.cfg.MaxErrorRate > 0 && m.ErrorRate > w.cfg.MaxErrorRate {
		w.deps.Alerts.Emit("request_error_rate", models.SeverityHigh,
			fmt.Sprintf("request error rate %.1f%% above threshold %.1f%%", m.ErrorRate, w.cfg.MaxErrorRate),
			map[string]any{"errorRate": m.ErrorRate, "threshold": w.cfg.MaxErrorRate})
	}
	if slow {
		w.deps.Alerts.Emit("request_slow", models.SeverityLow,
			fmt.Sprintf("slow request %s %s (%s)", ev.Method, ev.Path, ev.Duration),
			map[string]any{"method": ev.Method, "path": ev.Path, "durationMs": durationMs(ev.Duration)})
	}
	if w.cfg.MemoryCeilingMB > 0 && ev.Resources.MemoryBytes > uint64(w.cfg.MemoryCeilingMB)*1024*1024 {
		w.deps.Alerts.Emit("request_memory", models.SeverityMedium,
			fmt.Sprintf("request %s %s used %d MB, ceiling %d MB",
				ev.Method, ev.Path, ev.Resources.MemoryBytes/(1024*1024), w.cfg.MemoryCeilingMB),
			map[string]any{"path": ev.Path, "memoryBytes": strconv.FormatUint(ev.Resources.MemoryBytes, 10)})
	}
}

// Metrics returns a derived snapshot.
func (w *RequestWatcher) Metrics() RequestMetrics {
	m := RequestMetrics{
		TotalRequests: w.stats.Count("total"),
		Status2xx:     w.stats.Count("class:2xx"),
		Status3xx:     w.stats.Count("class:3xx"),
		Status4xx:     w.stats.Count("class:4xx"),
		Status5xx:     w.stats.Count("class:5xx"),
		ErrorRate:     w.stats.Rate("class:5xx", "total"),
		SlowRequests:  w.stats.Count("slow"),
		AvgDurationMs: durationMs(w.stats.Average()),
		P95DurationMs: durationMs(w.stats.Percentile(95)),
		P99DurationMs: durationMs(w.stats.Percentile(99)),
	}
	m.HealthScore = w.healthScore(m)
	m.HealthStatus = healthStatus(m.HealthScore)
	return m
}

func (w *RequestWatcher) healthScore(m RequestMetrics) int {
	if m.TotalRequests == 0 {
		return 100
	}
	score := 100
	switch {
	case m.ErrorRate > 10:
		score -= 40
	case m.ErrorRate > 5:
		score -= 20
	case m.ErrorRate > 1:
		score -= 10
	}
	slowRate := float64(m.SlowRequests) / float64(m.TotalRequests) * 100
	switch {
	case slowRate > 20:
		score -= 25
	case slowRate > 10:
		score -= 10
	}
	return clampScore(score)
}

// Recent returns the retained request events, oldest first.
func (w *RequestWatcher) Recent() []models.RequestEvent {
	return w.history.Items()
}
