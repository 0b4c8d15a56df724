package watchers

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/pulsestack/pulse-apm/internal/alerts"
	"github.com/pulsestack/pulse-apm/internal/config"
	"github.com/pulsestack/pulse-apm/internal/models"
)

type fakeRecorder struct {
	mu      sync.Mutex
	entries []models.Entry
	err     error
}

func (r *fakeRecorder) Record(_ context.Context, e models.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *fakeRecorder) recorded() []models.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Entry(nil), r.entries...)
}

type fakeCorrelator struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *fakeCorrelator) Ingest(ev models.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *fakeCorrelator) ingested() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Event(nil), c.events...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testHarness struct {
	recorder   *fakeRecorder
	correlator *fakeCorrelator
	alerts     *alerts.Manager
}

func newTestDeps() (Deps, *testHarness) {
	h := &testHarness{
		recorder:   &fakeRecorder{},
		correlator: &fakeCorrelator{},
		alerts:     alerts.NewManager(quietLogger(), 100, nil),
	}
	deps := Deps{
		Recorder:   h.recorder,
		Correlator: h.correlator,
		Alerts:     h.alerts,
		Sanitizer: NewSanitizer(config.SanitizeConfig{
			SensitivePatterns: []string{"password", "token", "secret", "key", "auth"},
			MaxValueBytes:     64 * 1024,
		}),
		Sequence: &Sequence{},
	}
	return deps, h
}

func alertTypes(mgr *alerts.Manager) map[string]int {
	out := make(map[string]int)
	for _, a := range mgr.Recent(0) {
		out[a.Type]++
	}
	return out
}

func TestSamplingBoundaries(t *testing.T) {
	d := Deps{Rand: func() float64 { return 0 }}
	if d.sampled(0) {
		t.Fatalf("rate 0 must drop everything")
	}
	d.Rand = func() float64 { return 0.9999 }
	if !d.sampled(100) {
		t.Fatalf("rate 100 must keep everything")
	}

	d.Rand = func() float64 { return 0.49 }
	if !d.sampled(50) {
		t.Fatalf("draw 49 should pass rate 50")
	}
	d.Rand = func() float64 { return 0.50 }
	if d.sampled(50) {
		t.Fatalf("draw 50 should fail rate 50")
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"user:*", "user:42", true},
		{"user:*", "session:42", false},
		{"*", "anything", true},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}
	for _, tc := range cases {
		if got := matchPattern(tc.pattern, tc.s); got != tc.want {
			t.Fatalf("matchPattern(%q, %q) = %v, want %v", tc.pattern, tc.s, got, tc.want)
		}
	}
}

func TestSequenceMonotonic(t *testing.T) {
	var seq Sequence
	var wg sync.WaitGroup
	const workers, per = 8, 100
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < per; j++ {
				seq.Next()
			}
		}()
	}
	wg.Wait()
	if got := seq.Next(); got != workers*per+1 {
		t.Fatalf("sequence = %d, want %d", got, workers*per+1)
	}
}

func TestContainsFold(t *testing.T) {
	list := []string{"GET", "health"}
	if !containsFold(list, "get") {
		t.Fatalf("containsFold should be case-insensitive")
	}
	if containsFold(list, "post") {
		t.Fatalf("unexpected match for post")
	}
}
