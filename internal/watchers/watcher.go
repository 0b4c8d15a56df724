// Package watchers implements the domain trackers feeding the pipeline:
// cache, jobs, exceptions and requests. Every tracker runs the same pipeline:
// enablement, sampling, exclusion, sanitization, bookkeeping, entry emission,
// alert evaluation and correlation forwarding. Tracker-internal faults are
// contained; one bad event never disables a watcher.
package watchers

import (
	"context"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pulsestack/pulse-apm/internal/alerts"
	"github.com/pulsestack/pulse-apm/internal/models"
	"github.com/pulsestack/pulse-apm/internal/stream"
)

// Recorder is the slice of the storage boundary trackers write through. The
// agent hands in a circuit-wrapped implementation.
type Recorder interface {
	Record(ctx context.Context, entry models.Entry) error
}

// Correlator receives a copy of every trace-bearing event.
type Correlator interface {
	Ingest(ev models.Event)
}

// Deps bundles the collaborators shared by all trackers.
type Deps struct {
	Recorder   Recorder
	Correlator Correlator
	Alerts     *alerts.Manager
	Hub        *stream.Hub
	Sanitizer  *Sanitizer
	Sequence   *Sequence
	// Rand returns a uniform sample in [0,1); nil defaults to math/rand.
	Rand func() float64
}

func (d *Deps) rand() float64 {
	if d.Rand != nil {
		return d.Rand()
	}
	return rand.Float64()
}

// sampled reports whether an event passes the sampling gate for the given
// percentage rate. Rate 0 drops everything, 100 keeps everything.
func (d *Deps) sampled(rate float64) bool {
	if rate >= 100 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return d.rand()*100 < rate
}

// Sequence issues the monotonically increasing entry sequence shared across
// all trackers.
type Sequence struct {
	n uint64
}

// Next returns the next sequence number.
func (s *Sequence) Next() uint64 {
	return atomic.AddUint64(&s.n, 1)
}

// patternSet compiles `*`-wildcard patterns once and matches against them.
type patternSet struct {
	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
}

var patterns patternSet

// matchPattern reports whether s matches pattern, treating `*` as a wildcard.
// A malformed pattern matches nothing.
func matchPattern(pattern, s string) bool {
	patterns.mu.Lock()
	if patterns.compiled == nil {
		patterns.compiled = make(map[string]*regexp.Regexp)
	}
	re, ok := patterns.compiled[pattern]
	if !ok {
		expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
		re, _ = regexp.Compile(expr)
		patterns.compiled[pattern] = re
	}
	patterns.mu.Unlock()

	if re == nil {
		return false
	}
	return re.MatchString(s)
}

// matchAny reports whether s matches any of the patterns.
func matchAny(patternList []string, s string) bool {
	for _, p := range patternList {
		if matchPattern(p, s) {
			return true
		}
	}
	return false
}

// containsFold reports whether list contains s case-insensitively.
func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
