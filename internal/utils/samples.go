package utils

import (
	"sort"
	"sync"
	"time"
)

// SampleWindow stores the most recent duration samples in a bounded ring and
// computes averages and percentiles over them.
type SampleWindow struct {
	mu      sync.RWMutex
	samples []time.Duration
	maxSize int
}

// NewSampleWindow creates a window retaining up to maxSize samples.
func NewSampleWindow(maxSize int) *SampleWindow {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &SampleWindow{maxSize: maxSize}
}

// Observe records a new duration, evicting the oldest sample once full.
func (w *SampleWindow) Observe(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples = append(w.samples, d)
	if len(w.samples) > w.maxSize {
		copy(w.samples[0:], w.samples[1:])
		w.samples = w.samples[:w.maxSize]
	}
}

// Average returns the mean of the retained samples, or zero when empty.
func (w *SampleWindow) Average() time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range w.samples {
		total += s
	}
	return total / time.Duration(len(w.samples))
}

// Percentile returns the percentile (0-100) duration. Returns zero if no samples.
func (w *SampleWindow) Percentile(p float64) time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.samples) == 0 {
		return 0
	}

	sorted := append([]time.Duration(nil), w.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}

	index := int((p / 100.0) * float64(len(sorted)-1))
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

// Count returns number of samples retained.
func (w *SampleWindow) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.samples)
}

// Snapshot returns a copy of the retained samples, oldest first.
func (w *SampleWindow) Snapshot() []time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]time.Duration(nil), w.samples...)
}
