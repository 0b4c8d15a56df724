package models

import "time"

// WatcherType enumerates the telemetry domains feeding the pipeline.
type WatcherType string

const (
	WatcherRequest   WatcherType = "request"
	WatcherQuery     WatcherType = "query"
	WatcherCache     WatcherType = "cache"
	WatcherJob       WatcherType = "job"
	WatcherException WatcherType = "exception"
)

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// TraceMeta carries the identifiers that tie an event to a request-scoped trace.
type TraceMeta struct {
	TraceID   string `json:"traceId"`
	RequestID string `json:"requestId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// ResourceUsage is a point-in-time resource sample attached to an event.
type ResourceUsage struct {
	MemoryBytes uint64  `json:"memoryBytes,omitempty"`
	CPUPercent  float64 `json:"cpuPercent,omitempty"`
}

// Event is implemented by every watcher event variant. The correlation engine
// dispatches on the concrete type, so each variant owns its merge semantics.
type Event interface {
	Watcher() WatcherType
	Trace() TraceMeta
	At() time.Time
}

// RequestEvent describes a completed HTTP request observed by the request watcher.
type RequestEvent struct {
	TraceMeta
	Timestamp  time.Time      `json:"timestamp"`
	Method     string         `json:"method"`
	Path       string         `json:"path"`
	StatusCode int            `json:"statusCode"`
	Duration   time.Duration  `json:"duration"`
	Resources  ResourceUsage  `json:"resources,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func (e RequestEvent) Watcher() WatcherType { return WatcherRequest }
func (e RequestEvent) Trace() TraceMeta     { return e.TraceMeta }
func (e RequestEvent) At() time.Time        { return e.Timestamp }

// QueryEvent describes a database query issued during a trace.
type QueryEvent struct {
	TraceMeta
	Timestamp  time.Time     `json:"timestamp"`
	Statement  string        `json:"statement"`
	Connection string        `json:"connection,omitempty"`
	Duration   time.Duration `json:"duration"`
	Rows       int           `json:"rows,omitempty"`
	Error      string        `json:"error,omitempty"`
	Resources  ResourceUsage `json:"resources,omitempty"`
}

func (e QueryEvent) Watcher() WatcherType { return WatcherQuery }
func (e QueryEvent) Trace() TraceMeta     { return e.TraceMeta }
func (e QueryEvent) At() time.Time        { return e.Timestamp }

// CacheEvent describes a single cache operation.
type CacheEvent struct {
	TraceMeta
	Timestamp time.Time     `json:"timestamp"`
	Operation string        `json:"operation"`
	Key       string        `json:"key"`
	Hit       bool          `json:"hit"`
	Duration  time.Duration `json:"duration"`
	Size      int           `json:"size,omitempty"`
	Error     string        `json:"error,omitempty"`
	Value     any           `json:"value,omitempty"`
	Resources ResourceUsage `json:"resources,omitempty"`
}

func (e CacheEvent) Watcher() WatcherType { return WatcherCache }
func (e CacheEvent) Trace() TraceMeta     { return e.TraceMeta }
func (e CacheEvent) At() time.Time        { return e.Timestamp }

// JobStatus enumerates queue job lifecycle states.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDelayed   JobStatus = "delayed"
	JobPaused    JobStatus = "paused"
	JobStalled   JobStatus = "stalled"
	JobCancelled JobStatus = "cancelled"
)

// JobEvent describes a background job transition.
type JobEvent struct {
	TraceMeta
	Timestamp time.Time      `json:"timestamp"`
	Queue     string         `json:"queue"`
	JobID     string         `json:"jobId"`
	Name      string         `json:"name"`
	Status    JobStatus      `json:"status"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Error     string         `json:"error,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Resources ResourceUsage  `json:"resources,omitempty"`
}

func (e JobEvent) Watcher() WatcherType { return WatcherJob }
func (e JobEvent) Trace() TraceMeta     { return e.TraceMeta }
func (e JobEvent) At() time.Time        { return e.Timestamp }

// StackFrame is one frame of a captured stack trace.
type StackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// ExceptionEvent describes a thrown error observed by the exception watcher.
type ExceptionEvent struct {
	TraceMeta
	Timestamp  time.Time      `json:"timestamp"`
	ErrorType  string         `json:"errorType"`
	Message    string         `json:"message"`
	StatusCode int            `json:"statusCode,omitempty"`
	Stack      []StackFrame   `json:"stack,omitempty"`
	Handled    bool           `json:"handled"`
	Payload    map[string]any `json:"payload,omitempty"`
	Resources  ResourceUsage  `json:"resources,omitempty"`
}

func (e ExceptionEvent) Watcher() WatcherType { return WatcherException }
func (e ExceptionEvent) Trace() TraceMeta     { return e.TraceMeta }
func (e ExceptionEvent) At() time.Time        { return e.Timestamp }
