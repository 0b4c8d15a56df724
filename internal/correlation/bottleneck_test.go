package correlation

import (
	"testing"
	"time"

	"github.com/pulsestack/pulse-apm/internal/models"
)

func traceWith(p models.PerformanceSummary) *models.CorrelationContext {
	return &models.CorrelationContext{TraceID: "t", Performance: p}
}

func severityOf(t *testing.T, cc *models.CorrelationContext, typ models.BottleneckType) models.Severity {
	t.Helper()
	for _, b := range detectBottlenecks(cc) {
		if b.Type == typ {
			return b.Severity
		}
	}
	t.Fatalf("no %s bottleneck detected", typ)
	return ""
}

func TestQuerySeverityBands(t *testing.T) {
	cases := []struct {
		query time.Duration
		want  models.Severity
	}{
		{350 * time.Millisecond, models.SeverityMedium},
		{600 * time.Millisecond, models.SeverityHigh},
		{720 * time.Millisecond, models.SeverityCritical},
	}
	for _, tc := range cases {
		cc := traceWith(models.PerformanceSummary{
			TotalDuration: time.Second,
			QueryDuration: tc.query,
			QueryCount:    1,
		})
		if got := severityOf(t, cc, models.BottleneckQuery); got != tc.want {
			t.Fatalf("query at %s: severity = %s, want %s", tc.query, got, tc.want)
		}
	}
}

func TestCacheSeverityBands(t *testing.T) {
	for _, tc := range []struct {
		cache time.Duration
		want  models.Severity
	}{
		{250 * time.Millisecond, models.SeverityMedium},
		{450 * time.Millisecond, models.SeverityHigh},
	} {
		cc := traceWith(models.PerformanceSummary{
			TotalDuration:   time.Second,
			CacheDuration:   tc.cache,
			CacheOperations: 1,
		})
		if got := severityOf(t, cc, models.BottleneckCache); got != tc.want {
			t.Fatalf("cache at %s: severity = %s, want %s", tc.cache, got, tc.want)
		}
	}
}

func TestJobSeverityBands(t *testing.T) {
	for _, tc := range []struct {
		job  time.Duration
		want models.Severity
	}{
		{150 * time.Millisecond, models.SeverityMedium},
		{350 * time.Millisecond, models.SeverityHigh},
	} {
		cc := traceWith(models.PerformanceSummary{
			TotalDuration: time.Second,
			JobDuration:   tc.job,
			JobsTriggered: 1,
		})
		if got := severityOf(t, cc, models.BottleneckJob); got != tc.want {
			t.Fatalf("job at %s: severity = %s, want %s", tc.job, got, tc.want)
		}
	}
}

func TestExceptionSeverityBands(t *testing.T) {
	one := traceWith(models.PerformanceSummary{
		TotalDuration:    time.Second,
		ExceptionsThrown: 1,
	})
	if got := severityOf(t, one, models.BottleneckException); got != models.SeverityHigh {
		t.Fatalf("1 exception: severity = %s, want high", got)
	}
	storm := traceWith(models.PerformanceSummary{
		TotalDuration:    time.Second,
		ExceptionsThrown: 6,
	})
	if got := severityOf(t, storm, models.BottleneckException); got != models.SeverityCritical {
		t.Fatalf("6 exceptions: severity = %s, want critical", got)
	}
}

func TestMemorySeverityBands(t *testing.T) {
	moderate := traceWith(models.PerformanceSummary{
		TotalDuration:   time.Second,
		MemoryPeakBytes: 200 * 1024 * 1024,
	})
	if got := severityOf(t, moderate, models.BottleneckMemory); got != models.SeverityMedium {
		t.Fatalf("200MB peak: severity = %s, want medium", got)
	}
	heavy := traceWith(models.PerformanceSummary{
		TotalDuration:   time.Second,
		MemoryPeakBytes: 600 * 1024 * 1024,
	})
	if got := severityOf(t, heavy, models.BottleneckMemory); got != models.SeverityHigh {
		t.Fatalf("600MB peak: severity = %s, want high", got)
	}
}

func TestHealthScoreDurationBands(t *testing.T) {
	for _, tc := range []struct {
		total time.Duration
		want  int
	}{
		{1500 * time.Millisecond, 100},
		{2500 * time.Millisecond, 90},
		{6 * time.Second, 85},
		{11 * time.Second, 75},
	} {
		cc := traceWith(models.PerformanceSummary{TotalDuration: tc.total})
		if got := healthScore(cc); got != tc.want {
			t.Fatalf("clean %s trace: score = %d, want %d", tc.total, got, tc.want)
		}
	}
}
