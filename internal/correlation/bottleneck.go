package correlation

import (
	"fmt"
	"sort"
	"time"

	"github.com/pulsestack/pulse-apm/internal/models"
)

const (
	memoryBottleneckBytes = 100 * 1024 * 1024
	memorySevereBytes     = 500 * 1024 * 1024
)

// detectBottlenecks attributes shares of the trace duration to components and
// flags the ones over their thresholds: queries over 30%, cache over 20%,
// jobs over 10%, any exception, memory peaks over 100 MB.
func detectBottlenecks(cc *models.CorrelationContext) []models.Bottleneck {
	p := cc.Performance
	total := p.TotalDuration
	if total <= 0 {
		return nil
	}

	found := make([]models.Bottleneck, 0, 4)

	if pct := share(p.QueryDuration, total); pct > 30 {
		found = append(found, models.Bottleneck{
			Type:       models.BottleneckQuery,
			Severity:   querySeverity(pct),
			Component:  "database",
			Duration:   p.QueryDuration,
			Percentage: pct,
			Description: fmt.Sprintf("%d queries consumed %.1f%% of the trace (%s)",
				p.QueryCount, pct, p.QueryDuration),
			Recommendation: "review query plans and add missing indexes; batch N+1 query patterns",
		})
	}
	if pct := share(p.CacheDuration, total); pct > 20 {
		found = append(found, models.Bottleneck{
			Type:       models.BottleneckCache,
			Severity:   cacheSeverity(pct),
			Component:  "cache",
			Duration:   p.CacheDuration,
			Percentage: pct,
			Description: fmt.Sprintf("%d cache operations consumed %.1f%% of the trace (%s)",
				p.CacheOperations, pct, p.CacheDuration),
			Recommendation: "pipeline cache round trips or move hot keys to a local tier",
		})
	}
	if pct := share(p.JobDuration, total); pct > 10 {
		found = append(found, models.Bottleneck{
			Type:       models.BottleneckJob,
			Severity:   jobSeverity(pct),
			Component:  "jobs",
			Duration:   p.JobDuration,
			Percentage: pct,
			Description: fmt.Sprintf("%d synchronous jobs consumed %.1f%% of the trace (%s)",
				p.JobsTriggered, pct, p.JobDuration),
			Recommendation: "dispatch jobs asynchronously instead of waiting in the request path",
		})
	}
	if p.ExceptionsThrown > 0 {
		sev := models.SeverityHigh
		if p.ExceptionsThrown > 5 {
			sev = models.SeverityCritical
		}
		found = append(found, models.Bottleneck{
			Type:           models.BottleneckException,
			Severity:       sev,
			Component:      "exceptions",
			Percentage:     0,
			Description:    fmt.Sprintf("%d exceptions thrown during the trace", p.ExceptionsThrown),
			Recommendation: "handle or eliminate the recurring exceptions on this path",
		})
	}
	if p.MemoryPeakBytes > memoryBottleneckBytes {
		sev := models.SeverityMedium
		if p.MemoryPeakBytes > memorySevereBytes {
			sev = models.SeverityHigh
		}
		found = append(found, models.Bottleneck{
			Type:      models.BottleneckMemory,
			Severity:  sev,
			Component: "memory",
			Description: fmt.Sprintf("memory peaked at %d MB during the trace",
				p.MemoryPeakBytes/(1024*1024)),
			Recommendation: "stream large payloads instead of buffering them in memory",
		})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Percentage > found[j].Percentage })
	return found
}

func share(part, total time.Duration) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func querySeverity(pct float64) models.Severity {
	switch {
	case pct > 70:
		return models.SeverityCritical
	case pct > 50:
		return models.SeverityHigh
	default:
		return models.SeverityMedium
	}
}

func cacheSeverity(pct float64) models.Severity {
	if pct > 40 {
		return models.SeverityHigh
	}
	return models.SeverityMedium
}

func jobSeverity(pct float64) models.Severity {
	if pct > 30 {
		return models.SeverityHigh
	}
	return models.SeverityMedium
}

// healthScore derives the 0-100 trace health from bottleneck severities,
// exceptions and overall duration.
func healthScore(cc *models.CorrelationContext) int {
	score := 100
	for _, b := range cc.Bottlenecks {
		switch b.Severity {
		case models.SeverityCritical:
			score -= 30
		case models.SeverityHigh:
			score -= 20
		case models.SeverityMedium:
			score -= 10
		case models.SeverityLow:
			score -= 5
		}
	}
	score -= cc.Performance.ExceptionsThrown * 5

	switch d := cc.Performance.TotalDuration; {
	case d > 10*time.Second:
		score -= 25
	case d > 5*time.Second:
		score -= 15
	case d > 2*time.Second:
		score -= 10
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
