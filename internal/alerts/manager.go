// Package alerts owns the bounded alert store and its acknowledgement flow.
package alerts

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsestack/pulse-apm/internal/metrics"
	"github.com/pulsestack/pulse-apm/internal/models"
	"github.com/pulsestack/pulse-apm/internal/stream"
)

// Manager creates, stores and acknowledges alerts. Every threshold breach
// emits a new alert; de-duplication is left to consumers.
type Manager struct {
	logger *slog.Logger
	hub    *stream.Hub

	mu     sync.Mutex
	alerts []models.Alert
	max    int
}

// NewManager constructs a Manager retaining at most max alerts.
func NewManager(logger *slog.Logger, max int, hub *stream.Hub) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if max <= 0 {
		max = 500
	}
	return &Manager{logger: logger, hub: hub, max: max}
}

// Emit creates an alert, stores it and publishes it to the stream hub.
func (m *Manager) Emit(alertType string, severity models.Severity, message string, data map[string]any) models.Alert {
	alert := models.Alert{
		ID:        uuid.NewString(),
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now(),
		Data:      data,
	}

	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > m.max {
		m.alerts = append(m.alerts[:0], m.alerts[len(m.alerts)-m.max:]...)
	}
	m.mu.Unlock()

	metrics.ObserveAlert(string(severity))
	m.logger.Warn("alert emitted",
		slog.String("type", alertType),
		slog.String("severity", string(severity)),
		slog.String("message", message))

	if m.hub != nil {
		m.hub.PublishAlert(alert)
	}
	return alert
}

// Acknowledge marks the alert acknowledged. Returns false for unknown ids;
// acknowledging twice is a no-op that still reports true.
func (m *Manager) Acknowledge(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].Acknowledged = true
			return true
		}
	}
	return false
}

// Recent returns up to limit alerts, newest last. A non-positive limit returns
// everything retained.
func (m *Manager) Recent(limit int) []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.alerts)
	if limit > 0 && limit < n {
		return append([]models.Alert(nil), m.alerts[n-limit:]...)
	}
	return append([]models.Alert(nil), m.alerts...)
}

// Unacknowledged returns all alerts not yet acknowledged.
func (m *Manager) Unacknowledged() []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Alert, 0)
	for _, a := range m.alerts {
		if !a.Acknowledged {
			out = append(out, a)
		}
	}
	return out
}
