package models

import "time"

// PerformanceSnapshot is the periodically published rollup of correlation
// metrics. The stream hub caches the most recent snapshot for late subscribers.
type PerformanceSnapshot struct {
	Timestamp         time.Time                `json:"timestamp"`
	ActiveTraces      int                      `json:"activeTraces"`
	CompletedTraces   uint64                   `json:"completedTraces"`
	DiscardedTraces   uint64                   `json:"discardedTraces"`
	AvgResponseTime   time.Duration            `json:"avgResponseTime"`
	P95ResponseTime   time.Duration            `json:"p95ResponseTime"`
	P99ResponseTime   time.Duration            `json:"p99ResponseTime"`
	ComponentAverages map[string]time.Duration `json:"componentAverages,omitempty"`
	// ComponentCorrelation holds the Pearson coefficient between each
	// component's duration series and the total-duration series.
	ComponentCorrelation map[string]float64 `json:"componentCorrelation,omitempty"`
	AvgHealthScore       float64            `json:"avgHealthScore"`
}
