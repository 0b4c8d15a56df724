package watchers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pulsestack/pulse-apm/internal/config"
	"github.com/pulsestack/pulse-apm/internal/models"
	"github.com/pulsestack/pulse-apm/internal/stats"
)

// JobWatcher tracks queue jobs through their status state machine, keeps the
// in-flight job map and maintains top-N failed/slow rollups over a rolling
// window.
type JobWatcher struct {
	logger *slog.Logger
	cfg    config.JobWatcherConfig
	deps   Deps

	stats   *stats.Rolling
	history *History[models.JobEvent]

	mu       sync.Mutex
	active   map[string]models.JobEvent // queueName:jobId -> last active event
	failures *History[models.JobEvent]
	slowRuns *History[models.JobEvent]
}

// JobMetrics is a snapshot of the job watcher's rolling state.
type JobMetrics struct {
	TotalJobs     uint64  `json:"totalJobs"`
	CompletedJobs uint64  `json:"completedJobs"`
	FailedJobs    uint64  `json:"failedJobs"`
	StalledJobs   uint64  `json:"stalledJobs"`
	ActiveJobs    int     `json:"activeJobs"`
	FailureRate   float64 `json:"failureRate"`
	SlowJobs      uint64  `json:"slowJobs"`
	AvgDurationMs float64 `json:"avgDurationMs"`
	P95DurationMs float64 `json:"p95DurationMs"`
	HealthScore   int     `json:"healthScore"`
	HealthStatus  string  `json:"healthStatus"`
}

// JobGroupStat is one row of a top-N rollup, grouped by queue and job name.
type JobGroupStat struct {
	Queue         string    `json:"queue"`
	Name          string    `json:"name"`
	Count         int       `json:"count"`
	AvgDurationMs float64   `json:"avgDurationMs"`
	LastSeen      time.Time `json:"lastSeen"`
}

// NewJobWatcher constructs a job tracker.
func NewJobWatcher(logger *slog.Logger, cfg config.JobWatcherConfig, deps Deps) *JobWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.FailureWindow
	if window <= 0 {
		window = time.Hour
	}
	return &JobWatcher{
		logger:   logger,
		cfg:      cfg,
		deps:     deps,
		stats:    stats.New(512),
		history:  NewHistory[models.JobEvent](cfg.MaxHistory, cfg.Retention),
		active:   make(map[string]models.JobEvent),
		failures: NewHistory[models.JobEvent](cfg.MaxHistory, window),
		slowRuns: NewHistory[models.JobEvent](cfg.MaxHistory, window),
	}
}

func jobKey(queue, id string) string { return queue + ":" + id }

// TrackJob runs the tracking pipeline for one job transition. It never
// propagates internal failures to the caller.
func (w *JobWatcher) TrackJob(ctx context.Context, ev models.JobEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("job tracker fault", slog.Any("panic", rec))
		}
	}()

	if !w.cfg.Enabled {
		return
	}
	if !w.deps.sampled(w.cfg.SampleRate) {
		return
	}
	if containsFold(w.cfg.ExcludeQueues, ev.Queue) || containsFold(w.cfg.ExcludeJobs, ev.Name) {
		return
	}

	if w.deps.Sanitizer != nil {
		ev.Payload = w.deps.Sanitizer.SanitizeMap(ev.Payload)
	}

	w.history.Add(ev)
	w.stats.Inc("total")
	w.stats.Inc("status:" + string(ev.Status))

	w.updateActive(ev)

	slow := false
	switch ev.Status {
	case models.JobCompleted, models.JobFailed:
		w.stats.Observe(ev.Duration)
		slow = w.cfg.SlowThreshold > 0 && ev.Duration > w.cfg.SlowThreshold
		if slow {
			w.stats.Inc("slow")
			w.mu.Lock()
			w.slowRuns.Add(ev)
			w.mu.Unlock()
		}
	}
	if ev.Status == models.JobFailed {
		w.mu.Lock()
		w.failures.Add(ev)
		w.mu.Unlock()
	}

	tags := []string{"job", "queue:" + ev.Queue, "status:" + string(ev.Status)}
	if slow {
		tags = append(tags, "slow")
	}
	entry := w.deps.newEntry(models.WatcherJob, familyHash(ev.Queue, ev.Name), map[string]any{
		"queue":       ev.Queue,
		"jobId":       ev.JobID,
		"name":        ev.Name,
		"status":      string(ev.Status),
		"duration_ms": durationMs(ev.Duration),
		"attempt":     ev.Attempt,
		"error":       ev.Error,
		"payload":     ev.Payload,
	}, tags)
	w.deps.emit(ctx, w.logger, entry)

	w.evaluateAlerts(ev, slow)
	w.deps.forward(ev)
}

// updateActive maintains the in-flight job map: jobs enter on active and
// drain on any terminal status.
func (w *JobWatcher) updateActive(ev models.JobEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := jobKey(ev.Queue, ev.JobID)
	switch ev.Status {
	case models.JobActive:
		w.active[key] = ev
	case models.JobCompleted, models.JobFailed, models.JobCancelled, models.JobStalled:
		delete(w.active, key)
	}
}

func (w *JobWatcher) evaluateAlerts(ev models.JobEvent, slow bool) {
	if w.deps.Alerts == nil {
		return
	}

	m := w.Metrics()
	finished := m.CompletedJobs + m.FailedJobs
	if finished >= 10 && w.cfg.MaxFailureRate > 0 && m.FailureRate > w.cfg.MaxFailureRate {
		w.deps.Alerts.Emit("job_failure_rate", models.SeverityHigh,
			fmt.Sprintf("job failure rate %.1f%% above threshold %.1f%%", m.FailureRate, w.cfg.MaxFailureRate),
			map[string]any{"failureRate": m.FailureRate, "threshold": w.cfg.MaxFailureRate})
	}
	if ev.Status == models.JobStalled {
		w.deps.Alerts.Emit("job_stalled", models.SeverityMedium,
			fmt.Sprintf("job %s stalled on queue %s", ev.Name, ev.Queue),
			map[string]any{"queue": ev.Queue, "jobId": ev.JobID})
	}
	if slow {
		w.deps.Alerts.Emit("job_slow", models.SeverityLow,
			fmt.Sprintf("slow job %s on queue %s (%s)", ev.Name, ev.Queue, ev.Duration),
			map[string]any{"queue": ev.Queue, "jobId": ev.JobID, "durationMs": durationMs(ev.Duration)})
	}
}

// Metrics returns a derived snapshot.
func (w *JobWatcher) Metrics() JobMetrics {
	completed := w.stats.Count("status:" + string(models.JobCompleted))
	failed := w.stats.Count("status:" + string(models.JobFailed))

	w.mu.Lock()
	activeCount := len(w.active)
	w.mu.Unlock()

	m := JobMetrics{
		TotalJobs:     w.stats.Count("total"),
		CompletedJobs: completed,
		FailedJobs:    failed,
		StalledJobs:   w.stats.Count("status:" + string(models.JobStalled)),
		ActiveJobs:    activeCount,
		FailureRate: w.stats.Rate("status:"+string(models.JobFailed),
			"status:"+string(models.JobCompleted), "status:"+string(models.JobFailed)),
		SlowJobs:      w.stats.Count("slow"),
		AvgDurationMs: durationMs(w.stats.Average()),
		P95DurationMs: durationMs(w.stats.Percentile(95)),
	}
	m.HealthScore = w.healthScore(m)
	m.HealthStatus = healthStatus(m.HealthScore)
	return m
}

func (w *JobWatcher) healthScore(m JobMetrics) int {
	if m.TotalJobs == 0 {
		return 100
	}
	score := 100
	switch {
	case m.FailureRate > 50:
		score -= 40
	case m.FailureRate > 20:
		score -= 20
	case m.FailureRate > 10:
		score -= 10
	}
	if m.StalledJobs > 0 {
		score -= 10
	}
	slowRate := float64(m.SlowJobs) / float64(m.TotalJobs) * 100
	switch {
	case slowRate > 20:
		score -= 20
	case slowRate > 10:
		score -= 10
	}
	return clampScore(score)
}

// TopFailed returns the most-failing job groups within the rolling window.
func (w *JobWatcher) TopFailed(n int) []JobGroupStat {
	w.mu.Lock()
	events := w.failures.Items()
	w.mu.Unlock()
	return groupJobs(events, n)
}

// TopSlow returns the slowest job groups within the rolling window.
func (w *JobWatcher) TopSlow(n int) []JobGroupStat {
	w.mu.Lock()
	events := w.slowRuns.Items()
	w.mu.Unlock()
	return groupJobs(events, n)
}

func groupJobs(events []models.JobEvent, n int) []JobGroupStat {
	if n <= 0 {
		n = 10
	}
	type agg struct {
		count    int
		total    time.Duration
		lastSeen time.Time
	}
	groups := make(map[string]*agg)
	keys := make(map[string]models.JobEvent)
	for _, ev := range events {
		key := jobKey(ev.Queue, ev.Name)
		a, ok := groups[key]
		if !ok {
			a = &agg{}
			groups[key] = a
			keys[key] = ev
		}
		a.count++
		a.total += ev.Duration
		if ev.Timestamp.After(a.lastSeen) {
			a.lastSeen = ev.Timestamp
		}
	}

	out := make([]JobGroupStat, 0, len(groups))
	for key, a := range groups {
		ev := keys[key]
		out = append(out, JobGroupStat{
			Queue:         ev.Queue,
			Name:          ev.Name,
			Count:         a.count,
			AvgDurationMs: durationMs(a.total / time.Duration(a.count)),
			LastSeen:      a.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// ActiveJobs returns a copy of the in-flight job map.
func (w *JobWatcher) ActiveJobs() map[string]models.JobEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]models.JobEvent, len(w.active))
	for k, v := range w.active {
		out[k] = v
	}
	return out
}
