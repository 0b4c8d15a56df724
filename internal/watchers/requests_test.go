package watchers

import (
	"context"
	"testing"
	"time"

	"github.com/pulsestack/pulse-apm/internal/config"
	"github.com/pulsestack/pulse-apm/internal/models"
)

func requestConfig() config.RequestWatcherConfig {
	return config.RequestWatcherConfig{
		WatcherConfig:   config.WatcherConfig{Enabled: true, SampleRate: 100, MaxHistory: 100},
		SlowThreshold:   time.Second,
		MaxErrorRate:    10,
		MemoryCeilingMB: 512,
	}
}

func requestEvent(method, path string, status int) models.RequestEvent {
	return models.RequestEvent{
		TraceMeta:  models.TraceMeta{TraceID: "trace-1"},
		Timestamp:  time.Now(),
		Method:     method,
		Path:       path,
		StatusCode: status,
		Duration:   20 * time.Millisecond,
	}
}

func TestRequestStatusClasses(t *testing.T) {
	deps, _ := newTestDeps()
	w := NewRequestWatcher(quietLogger(), requestConfig(), deps)

	ctx := context.Background()
	w.TrackRequest(ctx, requestEvent("GET", "/orders", 200))
	w.TrackRequest(ctx, requestEvent("GET", "/orders", 301))
	w.TrackRequest(ctx, requestEvent("GET", "/orders", 404))
	w.TrackRequest(ctx, requestEvent("POST", "/orders", 500))

	m := w.Metrics()
	if m.TotalRequests != 4 {
		t.Fatalf("total = %d, want 4", m.TotalRequests)
	}
	if m.Status2xx != 1 || m.Status3xx != 1 || m.Status4xx != 1 || m.Status5xx != 1 {
		t.Fatalf("class counts = %d/%d/%d/%d, want 1 each",
			m.Status2xx, m.Status3xx, m.Status4xx, m.Status5xx)
	}
	if m.ErrorRate != 25 {
		t.Fatalf("error rate = %v, want 25", m.ErrorRate)
	}
}

func TestRequestErrorRateAlert(t *testing.T) {
	deps, h := newTestDeps()
	w := NewRequestWatcher(quietLogger(), requestConfig(), deps)

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		w.TrackRequest(ctx, requestEvent("GET", "/ok", 200))
	}
	for i := 0; i < 2; i++ {
		w.TrackRequest(ctx, requestEvent("GET", "/boom", 500))
	}

	if alertTypes(h.alerts)["request_error_rate"] == 0 {
		t.Fatalf("expected request_error_rate alert at 20%% over threshold 10%%")
	}
}

func TestRequestSlowAlert(t *testing.T) {
	deps, h := newTestDeps()
	w := NewRequestWatcher(quietLogger(), requestConfig(), deps)

	ev := requestEvent("GET", "/slow", 200)
	ev.Duration = 3 * time.Second
	w.TrackRequest(context.Background(), ev)

	if got := w.Metrics().SlowRequests; got != 1 {
		t.Fatalf("slow = %d, want 1", got)
	}
	if alertTypes(h.alerts)["request_slow"] == 0 {
		t.Fatalf("expected request_slow alert")
	}
}

func TestRequestMemoryCeilingAlert(t *testing.T) {
	deps, h := newTestDeps()
	w := NewRequestWatcher(quietLogger(), requestConfig(), deps)

	ev := requestEvent("POST", "/import", 200)
	ev.Resources.MemoryBytes = 600 * 1024 * 1024
	w.TrackRequest(context.Background(), ev)

	if alertTypes(h.alerts)["request_memory"] == 0 {
		t.Fatalf("expected request_memory alert above the ceiling")
	}
}

func TestRequestPathExclusion(t *testing.T) {
	deps, h := newTestDeps()
	cfg := requestConfig()
	cfg.ExcludePaths = []string{"/health", "/metrics*"}
	w := NewRequestWatcher(quietLogger(), cfg, deps)

	ctx := context.Background()
	w.TrackRequest(ctx, requestEvent("GET", "/health", 200))
	w.TrackRequest(ctx, requestEvent("GET", "/metrics/prom", 200))
	w.TrackRequest(ctx, requestEvent("GET", "/orders", 200))

	if got := w.Metrics().TotalRequests; got != 1 {
		t.Fatalf("total = %d, want 1", got)
	}
	if got := len(h.recorder.recorded()); got != 1 {
		t.Fatalf("entries = %d, want 1", got)
	}
}

func TestRequestHealthScoreDegrades(t *testing.T) {
	deps, _ := newTestDeps()
	w := NewRequestWatcher(quietLogger(), requestConfig(), deps)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		w.TrackRequest(ctx, requestEvent("GET", "/boom", 500))
	}

	m := w.Metrics()
	if m.HealthScore >= 70 {
		t.Fatalf("score = %d, want degraded below 70 at 100%% errors", m.HealthScore)
	}
	if m.HealthStatus == "healthy" {
		t.Fatalf("status = %s, want non-healthy", m.HealthStatus)
	}
}

func TestRequestPayloadSanitized(t *testing.T) {
	deps, h := newTestDeps()
	w := NewRequestWatcher(quietLogger(), requestConfig(), deps)

	ev := requestEvent("POST", "/login", 200)
	ev.Payload = map[string]any{"password": "hunter2", "user": "alice"}
	w.TrackRequest(context.Background(), ev)

	entries := h.recorder.recorded()
	payload, _ := entries[0].Content["payload"].(map[string]any)
	if payload == nil {
		t.Fatalf("payload missing from entry")
	}
	if v, _ := payload["password"].(string); v == "hunter2" {
		t.Fatalf("sensitive payload value leaked")
	}
	if payload["user"] != "alice" {
		t.Fatalf("non-sensitive value mutated: %v", payload["user"])
	}
}
