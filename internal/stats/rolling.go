// Package stats provides the rolling accumulator every watcher feeds: named
// counters, derived rates, and bounded duration samples with percentiles.
package stats

import (
	"sync"
	"time"

	"github.com/pulsestack/pulse-apm/internal/utils"
)

// Rolling accumulates counts and duration samples for one metric family.
// Rates are always recomputed from the current counters so they cannot drift.
type Rolling struct {
	mu        sync.RWMutex
	counts    map[string]uint64
	durations *utils.SampleWindow
	started   time.Time
}

// New creates a Rolling accumulator retaining up to sampleSize duration samples.
func New(sampleSize int) *Rolling {
	return &Rolling{
		counts:    make(map[string]uint64),
		durations: utils.NewSampleWindow(sampleSize),
		started:   time.Now(),
	}
}

// Inc increments the named counter by one.
func (r *Rolling) Inc(key string) {
	r.Add(key, 1)
}

// Add increments the named counter by n.
func (r *Rolling) Add(key string, n uint64) {
	r.mu.Lock()
	r.counts[key] += n
	r.mu.Unlock()
}

// Observe records a duration sample.
func (r *Rolling) Observe(d time.Duration) {
	r.durations.Observe(d)
}

// Count returns the named counter value.
func (r *Rolling) Count(key string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[key]
}

// Total sums the named counters.
func (r *Rolling) Total(keys ...string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total uint64
	for _, k := range keys {
		total += r.counts[k]
	}
	return total
}

// Rate returns the percentage share of key among the sum of over. Returns zero
// when the denominator is empty.
func (r *Rolling) Rate(key string, over ...string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total uint64
	for _, k := range over {
		total += r.counts[k]
	}
	if total == 0 {
		return 0
	}
	return float64(r.counts[key]) / float64(total) * 100
}

// PerSecond returns the named counter as an events-per-second rate since the
// accumulator was created (or last reset).
func (r *Rolling) PerSecond(key string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	elapsed := time.Since(r.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(r.counts[key]) / elapsed
}

// Average returns the mean of the retained duration samples.
func (r *Rolling) Average() time.Duration {
	return r.durations.Average()
}

// Percentile returns the requested duration percentile (0-100).
func (r *Rolling) Percentile(p float64) time.Duration {
	return r.durations.Percentile(p)
}

// Samples returns the number of retained duration samples.
func (r *Rolling) Samples() int {
	return r.durations.Count()
}

// Snapshot returns a copy of all counters.
func (r *Rolling) Snapshot() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// Reset zeroes every counter and drops retained samples.
func (r *Rolling) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = make(map[string]uint64)
	r.durations = utils.NewSampleWindow(512)
	r.started = time.Now()
}
