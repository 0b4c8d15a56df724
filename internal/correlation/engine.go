// Package correlation joins watcher events that share a trace id into
// CorrelationContexts, detects bottlenecks and derives per-trace health.
// Contexts stay active until a completion delay after the request record
// arrives, then freeze; request-less traces are discarded after the stale
// timeout.
package correlation

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/pulsestack/pulse-apm/internal/alerts"
	"github.com/pulsestack/pulse-apm/internal/config"
	"github.com/pulsestack/pulse-apm/internal/metrics"
	"github.com/pulsestack/pulse-apm/internal/models"
	"github.com/pulsestack/pulse-apm/internal/stream"
	"github.com/pulsestack/pulse-apm/internal/utils"
)

// Engine is the correlation pipeline. One goroutine sweeps active contexts;
// Ingest is safe for concurrent use.
type Engine struct {
	logger *slog.Logger
	cfg    config.CorrelationConfig
	hub    *stream.Hub
	alerts *alerts.Manager
	rules  *RuleEngine

	mu        sync.Mutex
	active    map[string]*models.CorrelationContext
	history   []models.CorrelationContext
	completed uint64
	discarded uint64
	samples   *utils.SampleWindow

	clock  func() time.Time
	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewEngine constructs a correlation engine. The rule engine may be nil when
// no rules file is configured.
func NewEngine(logger *slog.Logger, cfg config.CorrelationConfig, hub *stream.Hub, mgr *alerts.Manager, rules *RuleEngine) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CompletionDelay <= 0 {
		cfg.CompletionDelay = 5 * time.Second
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	return &Engine{
		logger:  logger,
		cfg:     cfg,
		hub:     hub,
		alerts:  mgr,
		rules:   rules,
		active:  make(map[string]*models.CorrelationContext),
		samples: utils.NewSampleWindow(cfg.HistorySize),
		clock:   time.Now,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.Sweep()
			}
		}
	}()
}

// Close stops the sweep loop and finalizes whatever can be finalized.
func (e *Engine) Close() {
	e.once.Do(func() {
		close(e.stopCh)
		<-e.done
		e.drain()
	})
}

// Ingest merges one event into its trace context. Events without a trace id
// are ignored. A context whose request record arrived at least the completion
// delay ago is finalized right here rather than waiting for the next sweep.
func (e *Engine) Ingest(ev models.Event) {
	trace := ev.Trace()
	if trace.TraceID == "" {
		return
	}
	now := e.clock()

	e.mu.Lock()
	cc, ok := e.active[trace.TraceID]
	if !ok {
		cc = &models.CorrelationContext{
			TraceID:   trace.TraceID,
			Timestamp: ev.At(),
		}
		e.active[trace.TraceID] = cc
	}
	if cc.RequestID == "" {
		cc.RequestID = trace.RequestID
	}
	if cc.UserID == "" {
		cc.UserID = trace.UserID
	}
	if cc.SessionID == "" {
		cc.SessionID = trace.SessionID
	}

	switch v := ev.(type) {
	case models.RequestEvent:
		req := v
		cc.Request = &req
		cc.Performance.TotalDuration = v.Duration
		mergeResources(&cc.Performance, v.Resources)
	case models.QueryEvent:
		cc.Queries = append(cc.Queries, v)
		cc.Performance.QueryCount++
		cc.Performance.QueryDuration += v.Duration
		mergeResources(&cc.Performance, v.Resources)
	case models.CacheEvent:
		cc.CacheOps = append(cc.CacheOps, v)
		cc.Performance.CacheOperations++
		cc.Performance.CacheDuration += v.Duration
		mergeResources(&cc.Performance, v.Resources)
	case models.JobEvent:
		cc.Jobs = append(cc.Jobs, v)
		cc.Performance.JobsTriggered++
		cc.Performance.JobDuration += v.Duration
		mergeResources(&cc.Performance, v.Resources)
	case models.ExceptionEvent:
		cc.Exceptions = append(cc.Exceptions, v)
		cc.Performance.ExceptionsThrown++
		mergeResources(&cc.Performance, v.Resources)
	default:
		e.logger.Debug("unknown event variant dropped",
			slog.String("watcher", string(ev.Watcher())))
	}

	var ready *models.CorrelationContext
	if cc.Request != nil && now.Sub(cc.Timestamp) >= e.cfg.CompletionDelay {
		delete(e.active, trace.TraceID)
		ready = cc
	}
	e.mu.Unlock()

	if ready != nil {
		e.finalize(ready, now)
	}
}

func mergeResources(p *models.PerformanceSummary, r models.ResourceUsage) {
	if r.MemoryBytes > p.MemoryPeakBytes {
		p.MemoryPeakBytes = r.MemoryBytes
	}
	if r.CPUPercent > p.CPUPeakPercent {
		p.CPUPeakPercent = r.CPUPercent
	}
}

// Sweep finalizes complete contexts and resolves stale ones. Stale traces
// that carry a request record are finalized with whatever arrived; stale
// traces without one are discarded.
func (e *Engine) Sweep() {
	now := e.clock()

	e.mu.Lock()
	ready := make([]*models.CorrelationContext, 0)
	for id, cc := range e.active {
		age := now.Sub(cc.Timestamp)
		switch {
		case cc.Request != nil && age >= e.cfg.CompletionDelay:
			ready = append(ready, cc)
			delete(e.active, id)
		case age >= e.cfg.StaleTimeout:
			delete(e.active, id)
			if cc.Request != nil {
				ready = append(ready, cc)
			} else {
				e.discarded++
				metrics.ObserveDiscard()
				e.logger.Debug("stale trace discarded", slog.String("traceId", id))
			}
		}
	}
	e.mu.Unlock()

	for _, cc := range ready {
		e.finalize(cc, now)
	}
}

// drain finalizes every active context that has a request record.
func (e *Engine) drain() {
	now := e.clock()
	e.mu.Lock()
	ready := make([]*models.CorrelationContext, 0, len(e.active))
	for id, cc := range e.active {
		delete(e.active, id)
		if cc.Request != nil {
			ready = append(ready, cc)
		} else {
			e.discarded++
			metrics.ObserveDiscard()
		}
	}
	e.mu.Unlock()

	for _, cc := range ready {
		e.finalize(cc, now)
	}
}

// finalize freezes one context: derive bottlenecks, recommendations and
// health, append to history and publish. A context is finalized exactly once;
// removal from the active map under the same lock guarantees it.
func (e *Engine) finalize(cc *models.CorrelationContext, now time.Time) {
	cc.Bottlenecks = detectBottlenecks(cc)
	cc.HealthScore = healthScore(cc)
	cc.Recommendations = e.recommend(cc)
	cc.FinalizedAt = now

	e.mu.Lock()
	e.completed++
	e.history = append(e.history, *cc)
	if len(e.history) > e.cfg.HistorySize {
		e.history = append(e.history[:0], e.history[len(e.history)-e.cfg.HistorySize:]...)
	}
	e.samples.Observe(cc.Performance.TotalDuration)
	e.mu.Unlock()

	metrics.ObserveTrace(cc.Performance.TotalDuration, cc.HealthScore)
	e.emitAlerts(cc)

	if e.hub != nil {
		e.hub.PublishCorrelation(cc)
	}
	e.logger.Debug("trace finalized",
		slog.String("traceId", cc.TraceID),
		slog.Int("healthScore", cc.HealthScore),
		slog.Int("bottlenecks", len(cc.Bottlenecks)))
}

func (e *Engine) recommend(cc *models.CorrelationContext) []string {
	recs := make([]string, 0)
	for _, b := range cc.Bottlenecks {
		if b.Recommendation != "" {
			recs = appendUnique(recs, b.Recommendation)
		}
	}
	recs = appendUnique(recs, e.rules.Recommend(cc)...)
	return recs
}

func (e *Engine) emitAlerts(cc *models.CorrelationContext) {
	if e.alerts == nil {
		return
	}
	for _, b := range cc.Bottlenecks {
		if b.Severity == models.SeverityCritical {
			e.alerts.Emit("bottleneck", models.SeverityCritical,
				b.Description,
				map[string]any{"traceId": cc.TraceID, "component": b.Component, "percentage": b.Percentage})
		}
	}
	if cc.Performance.TotalDuration > 10*time.Second {
		e.alerts.Emit("degradation", models.SeverityHigh,
			"trace exceeded ten seconds end to end",
			map[string]any{"traceId": cc.TraceID, "durationMs": cc.Performance.TotalDuration.Milliseconds()})
	}
	if cc.Performance.ExceptionsThrown > 3 {
		e.alerts.Emit("anomaly", models.SeverityMedium,
			"trace threw an unusual number of exceptions",
			map[string]any{"traceId": cc.TraceID, "exceptions": cc.Performance.ExceptionsThrown})
	}
}

// Active returns the number of traces still being correlated.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// History returns the most recent finalized contexts, oldest first, capped at
// limit. A non-positive limit returns everything retained.
func (e *Engine) History(limit int) []models.CorrelationContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.history)
	if limit > 0 && limit < n {
		return append([]models.CorrelationContext(nil), e.history[n-limit:]...)
	}
	return append([]models.CorrelationContext(nil), e.history...)
}

// Context returns the finalized context for a trace id, searching newest
// first.
func (e *Engine) Context(traceID string) (models.CorrelationContext, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].TraceID == traceID {
			return e.history[i], true
		}
	}
	return models.CorrelationContext{}, false
}

// Snapshot computes the current performance rollup from finalized traces.
func (e *Engine) Snapshot() models.PerformanceSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := models.PerformanceSnapshot{
		Timestamp:       e.clock(),
		ActiveTraces:    len(e.active),
		CompletedTraces: e.completed,
		DiscardedTraces: e.discarded,
		AvgResponseTime: e.samples.Average(),
		P95ResponseTime: e.samples.Percentile(95),
		P99ResponseTime: e.samples.Percentile(99),
	}

	if len(e.history) == 0 {
		return snap
	}

	totals := make([]float64, 0, len(e.history))
	series := map[string][]float64{
		"query": make([]float64, 0, len(e.history)),
		"cache": make([]float64, 0, len(e.history)),
		"job":   make([]float64, 0, len(e.history)),
	}
	sums := map[string]time.Duration{}
	var health float64
	for _, cc := range e.history {
		p := cc.Performance
		totals = append(totals, float64(p.TotalDuration))
		series["query"] = append(series["query"], float64(p.QueryDuration))
		series["cache"] = append(series["cache"], float64(p.CacheDuration))
		series["job"] = append(series["job"], float64(p.JobDuration))
		sums["query"] += p.QueryDuration
		sums["cache"] += p.CacheDuration
		sums["job"] += p.JobDuration
		health += float64(cc.HealthScore)
	}

	snap.ComponentAverages = make(map[string]time.Duration, len(sums))
	snap.ComponentCorrelation = make(map[string]float64, len(series))
	for name, sum := range sums {
		snap.ComponentAverages[name] = sum / time.Duration(len(e.history))
	}
	for name, xs := range series {
		snap.ComponentCorrelation[name] = pearson(xs, totals)
	}
	snap.AvgHealthScore = health / float64(len(e.history))
	return snap
}

// PublishSnapshot computes and publishes the rollup to the stream hub.
func (e *Engine) PublishSnapshot() models.PerformanceSnapshot {
	snap := e.Snapshot()
	if e.hub != nil {
		e.hub.PublishMetrics(snap)
	}
	return snap
}

// pearson returns the Pearson correlation coefficient of two equal-length
// series, or zero when either series has no variance.
func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n == 0 || n != len(ys) {
		return 0
	}

	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx, dy := xs[i]-meanX, ys[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
