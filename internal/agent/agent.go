// Package agent wires the full pipeline: watchers, correlation, alerts,
// storage and analytics behind one service instance with an explicit Close.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pulsestack/pulse-apm/internal/alerts"
	"github.com/pulsestack/pulse-apm/internal/analytics"
	"github.com/pulsestack/pulse-apm/internal/breaker"
	"github.com/pulsestack/pulse-apm/internal/config"
	"github.com/pulsestack/pulse-apm/internal/correlation"
	"github.com/pulsestack/pulse-apm/internal/models"
	"github.com/pulsestack/pulse-apm/internal/storage"
	"github.com/pulsestack/pulse-apm/internal/stream"
	"github.com/pulsestack/pulse-apm/internal/utils"
	"github.com/pulsestack/pulse-apm/internal/watchers"
)

const recordCircuit = "storage-record"

// Agent is the in-process APM toolkit instance. Construct with New, start the
// background loops with Start, release everything with Close.
type Agent struct {
	logger *slog.Logger
	cfg    *config.Config

	hub      *stream.Hub
	alerts   *alerts.Manager
	circuits *breaker.Registry
	store    storage.Store
	engine   *correlation.Engine
	rollups  *analytics.Aggregator

	cache      *watchers.CacheWatcher
	jobs       *watchers.JobWatcher
	exceptions *watchers.ExceptionWatcher
	requests   *watchers.RequestWatcher

	cancel context.CancelFunc
	once   sync.Once
}

// circuitRecorder routes entry recording through the storage circuit so a
// failing sink can never stall a tracker.
type circuitRecorder struct {
	circuits *breaker.Registry
	store    storage.Recorder
}

func (r *circuitRecorder) Record(ctx context.Context, entry models.Entry) error {
	res := r.circuits.Execute(ctx, recordCircuit, func(ctx context.Context) (any, error) {
		return nil, r.store.Record(ctx, entry)
	}, nil)
	return res.Err
}

// New wires an Agent from configuration and a storage backend. The store is
// owned by the agent and closed with it.
func New(logger *slog.Logger, cfg *config.Config, store storage.Store) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}

	hub := stream.NewHub()
	mgr := alerts.NewManager(logger, cfg.Alerts.MaxHistory, hub)
	circuits := breaker.NewRegistry(logger, breaker.CircuitConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		TimeoutThreshold: cfg.Breaker.TimeoutThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		MinimumRequests:  cfg.Breaker.MinimumRequests,
		MonitoringWindow: cfg.Breaker.MonitoringWindow,
	})

	rules, err := correlation.NewRuleEngine(cfg.Correlation.RulesPath, logger)
	if err != nil {
		return nil, utils.NewAppError("agent.New", "load recommendation rules", err)
	}
	engine := correlation.NewEngine(logger, cfg.Correlation, hub, mgr, rules)

	deps := watchers.Deps{
		Recorder:   &circuitRecorder{circuits: circuits, store: store},
		Correlator: engine,
		Alerts:     mgr,
		Hub:        hub,
		Sanitizer:  watchers.NewSanitizer(cfg.Watchers.Sanitize),
		Sequence:   &watchers.Sequence{},
	}

	a := &Agent{
		logger:     logger,
		cfg:        cfg,
		hub:        hub,
		alerts:     mgr,
		circuits:   circuits,
		store:      store,
		engine:     engine,
		rollups:    analytics.NewAggregator(logger, cfg.Analytics, store, engine, circuits),
		cache:      watchers.NewCacheWatcher(logger, cfg.Watchers.Cache, deps),
		jobs:       watchers.NewJobWatcher(logger, cfg.Watchers.Jobs, deps),
		exceptions: watchers.NewExceptionWatcher(logger, cfg.Watchers.Exceptions, deps),
		requests:   watchers.NewRequestWatcher(logger, cfg.Watchers.Requests, deps),
	}
	return a, nil
}

// Start launches the correlation sweep, the analytics refresh and the
// periodic snapshot publication.
func (a *Agent) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.engine.Start(ctx)
	a.rollups.Start(ctx)

	interval := a.cfg.Analytics.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.engine.PublishSnapshot()
			}
		}
	}()

	a.logger.Info("apm agent started",
		slog.String("storage", a.cfg.Storage.Backend),
		slog.Bool("rules", a.cfg.Correlation.RulesPath != ""))
}

// Close stops the background loops, drains the correlation engine, closes the
// stream hub and releases the storage backend. Safe to call more than once.
func (a *Agent) Close(ctx context.Context) error {
	var err error
	a.once.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.rollups.Close()
		a.engine.Close()
		a.hub.Close()
		if cerr := a.store.Close(); cerr != nil {
			err = utils.NewAppError("agent.Close", "close storage", cerr)
		}
		a.logger.Info("apm agent stopped")
	})
	return err
}

// TrackRequest feeds one completed request into the pipeline.
func (a *Agent) TrackRequest(ctx context.Context, ev models.RequestEvent) {
	a.requests.TrackRequest(ctx, ev)
}

// TrackCache feeds one cache operation into the pipeline.
func (a *Agent) TrackCache(ctx context.Context, ev models.CacheEvent) {
	a.cache.TrackCache(ctx, ev)
}

// TrackJob feeds one job transition into the pipeline.
func (a *Agent) TrackJob(ctx context.Context, ev models.JobEvent) {
	a.jobs.TrackJob(ctx, ev)
}

// TrackException feeds one thrown error into the pipeline. The error return
// surfaces recording failures; everything else is handled internally.
func (a *Agent) TrackException(ctx context.Context, ev models.ExceptionEvent) error {
	return a.exceptions.TrackException(ctx, ev)
}

// TrackQuery feeds one database query into the correlation engine.
func (a *Agent) TrackQuery(ctx context.Context, ev models.QueryEvent) {
	a.engine.Ingest(ev)
}

// Execute runs an operation under a named circuit with an optional fallback.
func (a *Agent) Execute(ctx context.Context, name string, op breaker.Operation, fallback breaker.Fallback) breaker.Result {
	return a.circuits.Execute(ctx, name, op, fallback)
}

// Hub exposes the stream hub for subscribers.
func (a *Agent) Hub() *stream.Hub { return a.hub }

// Alerts exposes the alert manager.
func (a *Agent) Alerts() *alerts.Manager { return a.alerts }

// Circuits exposes the breaker registry.
func (a *Agent) Circuits() *breaker.Registry { return a.circuits }

// Correlations exposes the correlation engine.
func (a *Agent) Correlations() *correlation.Engine { return a.engine }

// Analytics exposes the rollup aggregator.
func (a *Agent) Analytics() *analytics.Aggregator { return a.rollups }

// Store exposes the entry query surface.
func (a *Agent) Store() storage.Querier { return a.store }

// CacheWatcher exposes the cache tracker.
func (a *Agent) CacheWatcher() *watchers.CacheWatcher { return a.cache }

// JobWatcher exposes the job tracker.
func (a *Agent) JobWatcher() *watchers.JobWatcher { return a.jobs }

// ExceptionWatcher exposes the exception tracker.
func (a *Agent) ExceptionWatcher() *watchers.ExceptionWatcher { return a.exceptions }

// RequestWatcher exposes the request tracker.
func (a *Agent) RequestWatcher() *watchers.RequestWatcher { return a.requests }
