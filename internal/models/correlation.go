package models

import "time"

// CorrelationContext stitches together the watcher events that share one
// trace id. It is mutated in place while the trace is active and frozen at
// finalization.
type CorrelationContext struct {
	TraceID   string    `json:"traceId"`
	RequestID string    `json:"requestId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Request    *RequestEvent    `json:"request,omitempty"`
	Queries    []QueryEvent     `json:"queries,omitempty"`
	CacheOps   []CacheEvent     `json:"cacheOps,omitempty"`
	Jobs       []JobEvent       `json:"jobs,omitempty"`
	Exceptions []ExceptionEvent `json:"exceptions,omitempty"`

	Performance PerformanceSummary `json:"performance"`

	// Derived at finalization.
	Bottlenecks     []Bottleneck `json:"bottlenecks,omitempty"`
	Recommendations []string     `json:"recommendations,omitempty"`
	HealthScore     int          `json:"healthScore"`
	FinalizedAt     time.Time    `json:"finalizedAt,omitempty"`
}

// PerformanceSummary aggregates durations, counts and peak resource usage
// across all events contributing to a trace.
type PerformanceSummary struct {
	TotalDuration    time.Duration `json:"totalDuration"`
	QueryDuration    time.Duration `json:"queryDuration"`
	CacheDuration    time.Duration `json:"cacheDuration"`
	JobDuration      time.Duration `json:"jobDuration"`
	QueryCount       int           `json:"queryCount"`
	CacheOperations  int           `json:"cacheOperations"`
	JobsTriggered    int           `json:"jobsTriggered"`
	ExceptionsThrown int           `json:"exceptionsThrown"`
	MemoryPeakBytes  uint64        `json:"memoryPeakBytes"`
	CPUPeakPercent   float64       `json:"cpuPeakPercent"`
}

// BottleneckType enumerates the components a bottleneck can be attributed to.
type BottleneckType string

const (
	BottleneckQuery     BottleneckType = "query"
	BottleneckCache     BottleneckType = "cache"
	BottleneckJob       BottleneckType = "job"
	BottleneckException BottleneckType = "exception"
	BottleneckNetwork   BottleneckType = "network"
	BottleneckCPU       BottleneckType = "cpu"
	BottleneckMemory    BottleneckType = "memory"
)

// Bottleneck attributes a share of a trace's total duration to one component.
// Owned by exactly one CorrelationContext and never mutated after finalization.
type Bottleneck struct {
	Type           BottleneckType `json:"type"`
	Severity       Severity       `json:"severity"`
	Component      string         `json:"component"`
	Duration       time.Duration  `json:"duration"`
	Percentage     float64        `json:"percentage"`
	Description    string         `json:"description"`
	Recommendation string         `json:"recommendation,omitempty"`
}
