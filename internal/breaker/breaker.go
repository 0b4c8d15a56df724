package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pulsestack/pulse-apm/internal/metrics"
	"github.com/pulsestack/pulse-apm/internal/utils"
)

// State enumerates circuit states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Policy selects how a circuit decides to trip.
type Policy string

const (
	// PolicyConsecutive trips after a run of consecutive failures.
	PolicyConsecutive Policy = "consecutive"
	// PolicyWindow trips on failure volume within a sliding time window.
	PolicyWindow Policy = "window"
)

// responseSamples bounds the per-circuit response-time ring.
const responseSamples = 100

// Operation is a fallible call guarded by a circuit.
type Operation func(ctx context.Context) (any, error)

// Fallback substitutes a degraded value when the operation fails or is rejected.
type Fallback func(err error) any

// Result is the structured outcome of an Execute call. Execute never panics;
// all failure modes land here.
type Result struct {
	Success      bool
	Data         any
	Err          error
	FromFallback bool
	TimedOut     bool
	Duration     time.Duration
	State        State
}

// CircuitConfig tunes a single circuit. Zero fields fall back to registry defaults.
type CircuitConfig struct {
	Policy             Policy
	FailureThreshold   int
	TimeoutThreshold   time.Duration
	ResetTimeout       time.Duration
	HalfOpenMaxCalls   int
	SuccessThreshold   int
	MonitoringInterval time.Duration
	MinimumRequests    int
	MonitoringWindow   time.Duration
}

func (c *CircuitConfig) applyDefaults(d CircuitConfig) {
	if c.Policy == "" {
		c.Policy = PolicyConsecutive
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.TimeoutThreshold <= 0 {
		c.TimeoutThreshold = d.TimeoutThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.MonitoringInterval <= 0 {
		c.MonitoringInterval = d.MonitoringInterval
	}
	if c.MinimumRequests <= 0 {
		c.MinimumRequests = d.MinimumRequests
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = d.MonitoringWindow
	}
}

// DefaultConfig returns the registry-wide defaults used for unset fields.
func DefaultConfig() CircuitConfig {
	return CircuitConfig{
		Policy:             PolicyConsecutive,
		FailureThreshold:   5,
		TimeoutThreshold:   5 * time.Second,
		ResetTimeout:       30 * time.Second,
		HalfOpenMaxCalls:   3,
		SuccessThreshold:   2,
		MonitoringInterval: 10 * time.Second,
		MinimumRequests:    10,
		MonitoringWindow:   time.Minute,
	}
}

// CircuitStats is a point-in-time snapshot of a circuit.
type CircuitStats struct {
	Name            string        `json:"name"`
	State           State         `json:"state"`
	Policy          Policy        `json:"policy"`
	Failures        int           `json:"failures"`
	Successes       int           `json:"successes"`
	TotalRequests   uint64        `json:"totalRequests"`
	TotalFailures   uint64        `json:"totalFailures"`
	TotalSuccesses  uint64        `json:"totalSuccesses"`
	Timeouts        uint64        `json:"timeouts"`
	LastFailure     time.Time     `json:"lastFailure,omitempty"`
	LastSuccess     time.Time     `json:"lastSuccess,omitempty"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
}

type outcome struct {
	at time.Time
	ok bool
}

// Circuit guards one named operation category.
type Circuit struct {
	name string
	cfg  CircuitConfig

	mu             sync.Mutex
	state          State
	forcedOpen     bool
	failures       int // consecutive failures while closed
	successes      int // consecutive successes while half-open
	halfOpenCalls  int
	totalRequests  uint64
	totalFailures  uint64
	totalSuccesses uint64
	timeouts       uint64
	lastFailure    time.Time
	lastSuccess    time.Time
	window         []outcome // windowed policy only

	samples *utils.SampleWindow
}

func newCircuit(name string, cfg CircuitConfig) *Circuit {
	return &Circuit{
		name:    name,
		cfg:     cfg,
		state:   StateClosed,
		samples: utils.NewSampleWindow(responseSamples),
	}
}

// maybeHalfOpen applies the lazy Open->HalfOpen transition. Callers hold c.mu.
// The transition is a deliberate side effect of any state consultation so the
// first call after the reset timeout probes the dependency.
func (c *Circuit) maybeHalfOpen(now time.Time) {
	if c.state == StateOpen && !c.forcedOpen && now.Sub(c.lastFailure) >= c.cfg.ResetTimeout {
		c.state = StateHalfOpen
		c.halfOpenCalls = 0
		c.successes = 0
		metrics.SetCircuitState(c.name, 1)
	}
}

// admit decides whether a call may proceed. Callers hold c.mu.
func (c *Circuit) admit(now time.Time) bool {
	c.maybeHalfOpen(now)
	switch c.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		if c.halfOpenCalls >= c.cfg.HalfOpenMaxCalls {
			return false
		}
		c.halfOpenCalls++
	}
	c.totalRequests++
	return true
}

func (c *Circuit) recordSuccess(now time.Time, elapsed time.Duration) {
	c.totalSuccesses++
	c.lastSuccess = now
	c.samples.Observe(elapsed)

	switch c.state {
	case StateHalfOpen:
		c.successes++
		if c.successes >= c.cfg.SuccessThreshold {
			c.close()
		}
	case StateClosed:
		c.failures = 0
		if c.cfg.Policy == PolicyWindow {
			c.window = append(c.window, outcome{at: now, ok: true})
			c.pruneWindow(now)
		}
	}
}

func (c *Circuit) recordFailure(now time.Time, elapsed time.Duration, timedOut bool) {
	c.totalFailures++
	c.lastFailure = now
	if timedOut {
		c.timeouts++
	} else {
		c.samples.Observe(elapsed)
	}

	switch c.state {
	case StateHalfOpen:
		// Any failure while probing reopens immediately.
		c.open()
	case StateClosed:
		switch c.cfg.Policy {
		case PolicyWindow:
			c.window = append(c.window, outcome{at: now, ok: false})
			c.pruneWindow(now)
			total, failed := c.windowCounts()
			if total >= c.cfg.MinimumRequests && failed >= c.cfg.FailureThreshold {
				c.open()
			}
		default:
			c.failures++
			if c.failures >= c.cfg.FailureThreshold {
				c.open()
			}
		}
	}
}

func (c *Circuit) open() {
	c.state = StateOpen
	c.successes = 0
	c.halfOpenCalls = 0
	metrics.SetCircuitState(c.name, 2)
}

func (c *Circuit) close() {
	c.state = StateClosed
	c.forcedOpen = false
	c.failures = 0
	c.successes = 0
	c.halfOpenCalls = 0
	c.window = nil
	metrics.SetCircuitState(c.name, 0)
}

func (c *Circuit) pruneWindow(now time.Time) {
	cutoff := now.Add(-c.cfg.MonitoringWindow)
	idx := 0
	for idx < len(c.window) && c.window[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		c.window = append(c.window[:0], c.window[idx:]...)
	}
}

func (c *Circuit) windowCounts() (total, failed int) {
	for _, o := range c.window {
		total++
		if !o.ok {
			failed++
		}
	}
	return total, failed
}

func (c *Circuit) stats(now time.Time) CircuitStats {
	c.maybeHalfOpen(now)
	return CircuitStats{
		Name:            c.name,
		State:           c.state,
		Policy:          c.cfg.Policy,
		Failures:        c.failures,
		Successes:       c.successes,
		TotalRequests:   c.totalRequests,
		TotalFailures:   c.totalFailures,
		TotalSuccesses:  c.totalSuccesses,
		Timeouts:        c.timeouts,
		LastFailure:     c.lastFailure,
		LastSuccess:     c.lastSuccess,
		AvgResponseTime: c.samples.Average(),
	}
}

// Registry owns all named circuits. Constructed once at process start and
// shared by reference; see Agent.
type Registry struct {
	mu       sync.RWMutex
	circuits map[string]*Circuit
	defaults CircuitConfig
	logger   *slog.Logger
	clock    func() time.Time
}

// NewRegistry constructs a Registry with the supplied per-circuit defaults.
func NewRegistry(logger *slog.Logger, defaults CircuitConfig) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	defaults.applyDefaults(DefaultConfig())
	return &Registry{
		circuits: make(map[string]*Circuit),
		defaults: defaults,
		logger:   logger,
		clock:    time.Now,
	}
}

// Create registers a named circuit. Creating an existing name replaces its
// configuration but preserves accumulated state.
func (r *Registry) Create(name string, cfg CircuitConfig) {
	cfg.applyDefaults(r.defaults)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.circuits[name]; ok {
		existing.mu.Lock()
		existing.cfg = cfg
		existing.mu.Unlock()
		return
	}
	r.circuits[name] = newCircuit(name, cfg)
}

func (r *Registry) circuit(name string) *Circuit {
	r.mu.RLock()
	c, ok := r.circuits[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.circuits[name]; ok {
		return c
	}
	c = newCircuit(name, r.defaults)
	r.circuits[name] = c
	r.logger.Debug("circuit created on first use", slog.String("circuit", name))
	return c
}

// Execute runs op under the named circuit. It never panics: operation panics,
// errors, timeouts and open-circuit rejections all surface as a Result. When a
// fallback is supplied its value substitutes the failed result.
func (r *Registry) Execute(ctx context.Context, name string, op Operation, fallback Fallback) Result {
	c := r.circuit(name)
	now := r.clock()

	c.mu.Lock()
	admitted := c.admit(now)
	state := c.state
	timeout := c.cfg.TimeoutThreshold
	c.mu.Unlock()

	if !admitted {
		metrics.ObserveCircuitRejection(name)
		err := fmt.Errorf("circuit %s is %s", name, state)
		res := Result{Success: false, Err: err, State: state}
		if fallback != nil {
			res.Data = fallback(err)
			res.FromFallback = true
		}
		return res
	}

	start := r.clock()
	data, err, timedOut := runWithTimeout(ctx, timeout, op)
	elapsed := r.clock().Sub(start)
	now = r.clock()

	c.mu.Lock()
	if err == nil {
		c.recordSuccess(now, elapsed)
	} else {
		c.recordFailure(now, elapsed, timedOut)
	}
	state = c.state
	c.mu.Unlock()

	res := Result{
		Success:  err == nil,
		Data:     data,
		Err:      err,
		TimedOut: timedOut,
		Duration: elapsed,
		State:    state,
	}
	if err != nil && fallback != nil {
		res.Data = fallback(err)
		res.FromFallback = true
	}
	return res
}

// runWithTimeout races op against the timeout. A late result from a timed-out
// operation is discarded; cancelling the underlying work is the collaborator's
// concern.
func runWithTimeout(ctx context.Context, timeout time.Duration, op Operation) (data any, err error, timedOut bool) {
	type opResult struct {
		data any
		err  error
	}
	done := make(chan opResult, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- opResult{err: fmt.Errorf("operation panic: %v", rec)}
			}
		}()
		d, e := op(ctx)
		done <- opResult{data: d, err: e}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.data, res.err, false
	case <-timer.C:
		return nil, fmt.Errorf("operation timed out after %s", timeout), true
	case <-ctx.Done():
		return nil, ctx.Err(), false
	}
}

// Stats returns a snapshot of the named circuit. The lazy Open->HalfOpen
// check applies here exactly as on the execute path.
func (r *Registry) Stats(name string) (CircuitStats, bool) {
	r.mu.RLock()
	c, ok := r.circuits[name]
	r.mu.RUnlock()
	if !ok {
		return CircuitStats{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats(r.clock()), true
}

// AllStats returns snapshots for every registered circuit.
func (r *Registry) AllStats() []CircuitStats {
	r.mu.RLock()
	circuits := make([]*Circuit, 0, len(r.circuits))
	for _, c := range r.circuits {
		circuits = append(circuits, c)
	}
	r.mu.RUnlock()

	now := r.clock()
	stats := make([]CircuitStats, 0, len(circuits))
	for _, c := range circuits {
		c.mu.Lock()
		stats = append(stats, c.stats(now))
		c.mu.Unlock()
	}
	return stats
}

// ForceOpen pins the named circuit open until forced closed or reset. Idempotent.
func (r *Registry) ForceOpen(name string) bool {
	r.mu.RLock()
	c, ok := r.circuits[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open()
	c.forcedOpen = true
	c.lastFailure = r.clock()
	return true
}

// ForceClose closes the named circuit regardless of its counters. Idempotent.
func (r *Registry) ForceClose(name string) bool {
	r.mu.RLock()
	c, ok := r.circuits[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.close()
	return true
}

// Reset restores the named circuit to its initial closed state, zeroing all
// counters. Idempotent.
func (r *Registry) Reset(name string) bool {
	r.mu.RLock()
	c, ok := r.circuits[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.close()
	c.totalRequests = 0
	c.totalFailures = 0
	c.totalSuccesses = 0
	c.timeouts = 0
	c.lastFailure = time.Time{}
	c.lastSuccess = time.Time{}
	c.samples = utils.NewSampleWindow(responseSamples)
	return true
}
