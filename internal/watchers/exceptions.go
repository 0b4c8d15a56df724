package watchers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pulsestack/pulse-apm/internal/config"
	"github.com/pulsestack/pulse-apm/internal/models"
	"github.com/pulsestack/pulse-apm/internal/stats"
)

// ExceptionWatcher tracks thrown errors, groups occurrences by deterministic
// fingerprint and maintains per-group resolution state.
type ExceptionWatcher struct {
	logger *slog.Logger
	cfg    config.ExceptionWatcherConfig
	deps   Deps

	stats   *stats.Rolling
	history *History[models.ExceptionEvent]

	mu     sync.Mutex
	groups map[string]*ExceptionGroup
}

// ExceptionGroup aggregates every occurrence sharing one fingerprint.
type ExceptionGroup struct {
	GroupID          string              `json:"groupId"`
	Fingerprint      string              `json:"fingerprint"`
	ErrorType        string              `json:"errorType"`
	Category         string              `json:"category"`
	Severity         models.Severity     `json:"severity"`
	Message          string              `json:"message"`
	Count            int                 `json:"count"`
	FirstSeen        time.Time           `json:"firstSeen"`
	LastSeen         time.Time           `json:"lastSeen"`
	AffectedUsers    map[string]struct{} `json:"-"`
	AffectedRequests map[string]struct{} `json:"-"`
	UserCount        int                 `json:"userCount"`
	RequestCount     int                 `json:"requestCount"`
	Resolved         bool                `json:"resolved"`
	ResolvedAt       *time.Time          `json:"resolvedAt,omitempty"`
	ResolvedBy       string              `json:"resolvedBy,omitempty"`
	ResolutionNotes  string              `json:"resolutionNotes,omitempty"`
	LastStack        []models.StackFrame `json:"lastStack,omitempty"`
}

// ExceptionMetrics is a snapshot of the exception watcher's rolling state.
type ExceptionMetrics struct {
	TotalExceptions  uint64 `json:"totalExceptions"`
	UnhandledCount   uint64 `json:"unhandledCount"`
	GroupCount       int    `json:"groupCount"`
	UnresolvedGroups int    `json:"unresolvedGroups"`
	CriticalGroups   int    `json:"criticalGroups"`
	HealthScore      int    `json:"healthScore"`
	HealthStatus     string `json:"healthStatus"`
}

// classification is the derived shape of one occurrence.
type classification struct {
	Category    string
	Severity    models.Severity
	Fingerprint string
}

// NewExceptionWatcher constructs an exception tracker.
func NewExceptionWatcher(logger *slog.Logger, cfg config.ExceptionWatcherConfig, deps Deps) *ExceptionWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExceptionWatcher{
		logger:  logger,
		cfg:     cfg,
		deps:    deps,
		stats:   stats.New(512),
		history: NewHistory[models.ExceptionEvent](cfg.MaxHistory, cfg.Retention),
		groups:  make(map[string]*ExceptionGroup),
	}
}

var digitRun = regexp.MustCompile(`\b(?:0x[0-9a-fA-F]+|[0-9a-fA-F]{8}(?:-[0-9a-fA-F]{4}){3}-[0-9a-fA-F]{12}|\d+)\b`)

// normalizeMessage strips the volatile parts of a message, such as ids and
// addresses, so repeated occurrences fingerprint identically.
func normalizeMessage(msg string) string {
	return digitRun.ReplaceAllString(msg, "#")
}

// classify derives category, severity and fingerprint for one occurrence.
// Fingerprints cover the error type, the normalized message and the first
// stack frame.
func classify(ev models.ExceptionEvent) classification {
	c := classification{Category: "runtime", Severity: models.SeverityMedium}

	lowType := strings.ToLower(ev.ErrorType)
	lowMsg := strings.ToLower(ev.Message)
	switch {
	case strings.Contains(lowType, "validation") || strings.Contains(lowMsg, "validation"):
		c.Category = "validation"
		c.Severity = models.SeverityLow
	case strings.Contains(lowType, "auth") || ev.StatusCode == 401 || ev.StatusCode == 403:
		c.Category = "auth"
		c.Severity = models.SeverityMedium
	case strings.Contains(lowType, "sql") || strings.Contains(lowType, "query") ||
		strings.Contains(lowMsg, "database") || strings.Contains(lowMsg, "deadlock"):
		c.Category = "database"
		c.Severity = models.SeverityHigh
	case strings.Contains(lowType, "timeout") || strings.Contains(lowMsg, "timeout") ||
		strings.Contains(lowMsg, "connection refused") || strings.Contains(lowType, "network"):
		c.Category = "network"
		c.Severity = models.SeverityHigh
	case ev.StatusCode >= 500:
		c.Category = "http"
		c.Severity = models.SeverityHigh
	case ev.StatusCode >= 400:
		c.Category = "http"
		c.Severity = models.SeverityLow
	}
	if !ev.Handled {
		c.Severity = models.SeverityCritical
	}

	parts := []string{ev.ErrorType, normalizeMessage(ev.Message)}
	if len(ev.Stack) > 0 {
		f := ev.Stack[0]
		parts = append(parts, f.File, strconv.Itoa(f.Line), f.Function)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	c.Fingerprint = hex.EncodeToString(sum[:16])
	return c
}

// TrackException runs the tracking pipeline for one occurrence. The returned
// error surfaces recording failures; exception entries carry incident data, so
// lost recordings must be visible to the caller.
func (w *ExceptionWatcher) TrackException(ctx context.Context, ev models.ExceptionEvent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("exception tracker fault", slog.Any("panic", rec))
			err = fmt.Errorf("exception tracker fault: %v", rec)
		}
	}()

	if !w.cfg.Enabled {
		return nil
	}
	if !w.deps.sampled(w.cfg.SampleRate) {
		return nil
	}
	if containsFold(w.cfg.ExcludeTypes, ev.ErrorType) {
		return nil
	}

	if w.deps.Sanitizer != nil {
		ev.Payload = w.deps.Sanitizer.SanitizeMap(ev.Payload)
	}

	cls := classify(ev)
	group, reopened := w.upsertGroup(ev, cls)

	w.history.Add(ev)
	w.stats.Inc("total")
	w.stats.Inc("category:" + cls.Category)
	w.stats.Inc("severity:" + string(cls.Severity))
	if !ev.Handled {
		w.stats.Inc("unhandled")
	}

	tags := []string{"exception", "category:" + cls.Category, "severity:" + string(cls.Severity)}
	if !ev.Handled {
		tags = append(tags, "unhandled")
	}
	entry := w.deps.newEntry(models.WatcherException, cls.Fingerprint, map[string]any{
		"errorType":   ev.ErrorType,
		"message":     ev.Message,
		"category":    cls.Category,
		"severity":    string(cls.Severity),
		"fingerprint": cls.Fingerprint,
		"groupId":     group.GroupID,
		"statusCode":  ev.StatusCode,
		"handled":     ev.Handled,
		"stack":       ev.Stack,
		"payload":     ev.Payload,
	}, tags)
	err = w.deps.emit(ctx, w.logger, entry)

	w.evaluateAlerts(ev, cls, group, reopened)
	w.deps.forward(ev)
	return err
}

// upsertGroup folds the occurrence into its fingerprint group, creating or
// reopening as needed.
func (w *ExceptionWatcher) upsertGroup(ev models.ExceptionEvent, cls classification) (ExceptionGroup, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	g, ok := w.groups[cls.Fingerprint]
	if !ok {
		g = &ExceptionGroup{
			GroupID:          familyHash("exc", cls.Fingerprint),
			Fingerprint:      cls.Fingerprint,
			ErrorType:        ev.ErrorType,
			Category:         cls.Category,
			Severity:         cls.Severity,
			Message:          ev.Message,
			FirstSeen:        ev.Timestamp,
			AffectedUsers:    make(map[string]struct{}),
			AffectedRequests: make(map[string]struct{}),
		}
		w.groups[cls.Fingerprint] = g
	}

	reopened := false
	if g.Resolved {
		g.Resolved = false
		g.ResolvedAt = nil
		g.ResolvedBy = ""
		g.ResolutionNotes = ""
		reopened = true
	}

	g.Count++
	g.LastSeen = ev.Timestamp
	g.Message = ev.Message
	if len(ev.Stack) > 0 {
		g.LastStack = ev.Stack
	}
	if severityRank(cls.Severity) > severityRank(g.Severity) {
		g.Severity = cls.Severity
	}
	if ev.UserID != "" {
		g.AffectedUsers[ev.UserID] = struct{}{}
	}
	if ev.RequestID != "" {
		g.AffectedRequests[ev.RequestID] = struct{}{}
	}
	g.UserCount = len(g.AffectedUsers)
	g.RequestCount = len(g.AffectedRequests)

	return *g, reopened
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 4
	case models.SeverityHigh:
		return 3
	case models.SeverityMedium:
		return 2
	default:
		return 1
	}
}

func (w *ExceptionWatcher) evaluateAlerts(ev models.ExceptionEvent, cls classification, group ExceptionGroup, reopened bool) {
	if w.deps.Alerts == nil {
		return
	}

	if cls.Severity == models.SeverityCritical {
		w.deps.Alerts.Emit("exception_critical", models.SeverityCritical,
			fmt.Sprintf("unhandled %s: %s", ev.ErrorType, ev.Message),
			map[string]any{"groupId": group.GroupID, "fingerprint": cls.Fingerprint})
	}
	if reopened {
		w.deps.Alerts.Emit("exception_reopened", models.SeverityHigh,
			fmt.Sprintf("resolved exception group %s recurred: %s", group.GroupID, ev.ErrorType),
			map[string]any{"groupId": group.GroupID, "count": group.Count})
	}
}

// ResolveGroup marks a group resolved. It returns false for unknown groups;
// resolving an already-resolved group is a no-op that still returns true.
func (w *ExceptionWatcher) ResolveGroup(groupID, resolvedBy, notes string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, g := range w.groups {
		if g.GroupID != groupID {
			continue
		}
		if !g.Resolved {
			now := time.Now()
			g.Resolved = true
			g.ResolvedAt = &now
			g.ResolvedBy = resolvedBy
			g.ResolutionNotes = notes
		}
		return true
	}
	return false
}

// Groups returns a snapshot of all exception groups, newest activity first.
func (w *ExceptionWatcher) Groups() []ExceptionGroup {
	w.mu.Lock()
	out := make([]ExceptionGroup, 0, len(w.groups))
	for _, g := range w.groups {
		out = append(out, *g)
	}
	w.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// Group returns the group with the given id.
func (w *ExceptionWatcher) Group(groupID string) (ExceptionGroup, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, g := range w.groups {
		if g.GroupID == groupID {
			return *g, true
		}
	}
	return ExceptionGroup{}, false
}

// Metrics returns a derived snapshot.
func (w *ExceptionWatcher) Metrics() ExceptionMetrics {
	w.mu.Lock()
	groupCount := len(w.groups)
	unresolved := 0
	critical := 0
	for _, g := range w.groups {
		if !g.Resolved {
			unresolved++
			if g.Severity == models.SeverityCritical {
				critical++
			}
		}
	}
	w.mu.Unlock()

	m := ExceptionMetrics{
		TotalExceptions:  w.stats.Count("total"),
		UnhandledCount:   w.stats.Count("unhandled"),
		GroupCount:       groupCount,
		UnresolvedGroups: unresolved,
		CriticalGroups:   critical,
	}
	m.HealthScore = w.healthScore(m)
	m.HealthStatus = healthStatus(m.HealthScore)
	return m
}

func (w *ExceptionWatcher) healthScore(m ExceptionMetrics) int {
	score := 100
	score -= m.CriticalGroups * 30
	if m.UnresolvedGroups > m.CriticalGroups {
		score -= (m.UnresolvedGroups - m.CriticalGroups) * 5
	}
	if m.TotalExceptions > 0 && m.UnhandledCount > 0 {
		score -= 10
	}
	return clampScore(score)
}

// Recent returns the retained exception events, oldest first.
func (w *ExceptionWatcher) Recent() []models.ExceptionEvent {
	return w.history.Items()
}
