package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pulsestack/pulse-apm/internal/agent"
	"github.com/pulsestack/pulse-apm/internal/config"
	"github.com/pulsestack/pulse-apm/internal/models"
	"github.com/pulsestack/pulse-apm/internal/storage"
)

func testServer(t *testing.T) (*Server, *agent.Agent) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{}
	cfg.Alerts.MaxHistory = 100
	cfg.Watchers.Cache = config.CacheWatcherConfig{
		WatcherConfig: config.WatcherConfig{Enabled: true, SampleRate: 100, MaxHistory: 100},
	}
	cfg.Watchers.Jobs = config.JobWatcherConfig{
		WatcherConfig: config.WatcherConfig{Enabled: true, SampleRate: 100, MaxHistory: 100},
	}
	cfg.Watchers.Exceptions = config.ExceptionWatcherConfig{
		WatcherConfig: config.WatcherConfig{Enabled: true, SampleRate: 100, MaxHistory: 100},
	}
	cfg.Watchers.Requests = config.RequestWatcherConfig{
		WatcherConfig: config.WatcherConfig{Enabled: true, SampleRate: 100, MaxHistory: 100},
	}

	a, err := agent.New(logger, cfg, storage.NewMemoryStore(1000))
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	t.Cleanup(func() { a.Close(context.Background()) })

	return NewServer(logger, config.ServerConfig{AdminAddress: ":0"}, a), a
}

func doRequest(t *testing.T, s *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := testServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestCircuitAdministration(t *testing.T) {
	s, a := testServer(t)

	// Exercise a circuit so it exists in the registry.
	a.Execute(context.Background(), "payments", func(ctx context.Context) (any, error) {
		return "ok", nil
	}, nil)

	rec := doRequest(t, s, http.MethodPost, "/circuits/payments/force-open", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("force-open status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodGet, "/circuits", "")
	if !strings.Contains(rec.Body.String(), `"open"`) {
		t.Fatalf("circuit list missing open state: %s", rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodPost, "/circuits/payments/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/circuits/nope/reset", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown circuit status = %d, want 404", rec.Code)
	}
}

func TestAlertAcknowledgeFlow(t *testing.T) {
	s, a := testServer(t)

	alert := a.Alerts().Emit("test_alert", models.SeverityLow, "something", nil)

	rec := doRequest(t, s, http.MethodGet, "/alerts?unacknowledged=true", "")
	if !strings.Contains(rec.Body.String(), alert.ID) {
		t.Fatalf("alert missing from unacknowledged list")
	}

	rec = doRequest(t, s, http.MethodPost, "/alerts/"+alert.ID+"/acknowledge", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("acknowledge status = %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/alerts/unknown-id/acknowledge", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown alert status = %d, want 404", rec.Code)
	}
}

func TestExceptionResolveFlow(t *testing.T) {
	s, a := testServer(t)

	err := a.TrackException(context.Background(), models.ExceptionEvent{
		TraceMeta: models.TraceMeta{TraceID: "t1"},
		Timestamp: time.Now(),
		ErrorType: "DBError",
		Message:   "deadlock",
		Handled:   true,
	})
	if err != nil {
		t.Fatalf("track: %v", err)
	}

	rec := doRequest(t, s, http.MethodGet, "/exceptions", "")
	var groups []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &groups); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	groupID, _ := groups[0]["groupId"].(string)

	rec = doRequest(t, s, http.MethodPost, "/exceptions/"+groupID+"/resolve",
		`{"resolvedBy":"oncall","notes":"fixed upstream"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"resolved":true`) {
		t.Fatalf("group not resolved: %s", rec.Body.String())
	}
}

func TestEntriesEndpointFilters(t *testing.T) {
	s, a := testServer(t)

	a.TrackCache(context.Background(), models.CacheEvent{
		Timestamp: time.Now(), Operation: "get", Key: "user:1", Hit: true,
	})
	a.TrackRequest(context.Background(), models.RequestEvent{
		Timestamp: time.Now(), Method: "GET", Path: "/x", StatusCode: 200,
	})

	rec := doRequest(t, s, http.MethodGet, "/entries?type=cache", "")
	var result storage.FindResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Total != 1 {
		t.Fatalf("total = %d, want only the cache entry", result.Total)
	}
	if result.Entries[0].Type != models.WatcherCache {
		t.Fatalf("type = %s", result.Entries[0].Type)
	}
}

func TestAnalyticsDistributionRejectsUnknownType(t *testing.T) {
	s, _ := testServer(t)
	rec := doRequest(t, s, http.MethodGet, "/analytics/distribution/bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWatcherMetricsEndpoint(t *testing.T) {
	s, a := testServer(t)

	a.TrackCache(context.Background(), models.CacheEvent{
		Timestamp: time.Now(), Operation: "get", Key: "user:1", Hit: true,
	})

	rec := doRequest(t, s, http.MethodGet, "/watchers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"requests", "cache", "jobs", "exceptions"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("missing %s section", key)
		}
	}
}
