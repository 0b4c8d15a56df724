// Package stream implements the push-style fan-out consumed by dashboards and
// exporters. Delivery is best-effort: a subscriber that cannot keep up loses
// messages rather than blocking the pipeline.
package stream

import (
	"sync"

	"github.com/pulsestack/pulse-apm/internal/models"
)

const subscriberBuffer = 64

// Hub owns all subscriber registrations. Late metrics subscribers receive the
// most recent snapshot on subscribe; alert/correlation/entry feeds are not
// replayed.
type Hub struct {
	mu           sync.Mutex
	nextID       int
	alertSubs    map[int]chan models.Alert
	corrSubs     map[int]chan *models.CorrelationContext
	entrySubs    map[int]chan models.Entry
	metricSubs   map[int]chan models.PerformanceSnapshot
	lastSnapshot *models.PerformanceSnapshot
	closed       bool
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		alertSubs:  make(map[int]chan models.Alert),
		corrSubs:   make(map[int]chan *models.CorrelationContext),
		entrySubs:  make(map[int]chan models.Entry),
		metricSubs: make(map[int]chan models.PerformanceSnapshot),
	}
}

// SubscribeAlerts registers an alert listener. The cancel func unregisters it.
func (h *Hub) SubscribeAlerts() (<-chan models.Alert, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan models.Alert, subscriberBuffer)
	h.alertSubs[id] = ch
	return ch, func() { h.unsubscribeAlert(id) }
}

// SubscribeCorrelations registers a finalized-correlation listener.
func (h *Hub) SubscribeCorrelations() (<-chan *models.CorrelationContext, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan *models.CorrelationContext, subscriberBuffer)
	h.corrSubs[id] = ch
	return ch, func() { h.unsubscribeCorrelation(id) }
}

// SubscribeEntries registers a raw-entry listener.
func (h *Hub) SubscribeEntries() (<-chan models.Entry, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan models.Entry, subscriberBuffer)
	h.entrySubs[id] = ch
	return ch, func() { h.unsubscribeEntry(id) }
}

// SubscribeMetrics registers a metrics-snapshot listener. The latest snapshot,
// if any, is delivered immediately.
func (h *Hub) SubscribeMetrics() (<-chan models.PerformanceSnapshot, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan models.PerformanceSnapshot, subscriberBuffer)
	h.metricSubs[id] = ch
	if h.lastSnapshot != nil {
		ch <- *h.lastSnapshot
	}
	return ch, func() { h.unsubscribeMetrics(id) }
}

// PublishAlert fans an alert out to all alert subscribers.
func (h *Hub) PublishAlert(alert models.Alert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.alertSubs {
		select {
		case ch <- alert:
		default:
		}
	}
}

// PublishCorrelation fans a finalized correlation out to subscribers.
func (h *Hub) PublishCorrelation(ctx *models.CorrelationContext) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.corrSubs {
		select {
		case ch <- ctx:
		default:
		}
	}
}

// PublishEntry fans a normalized entry out to subscribers.
func (h *Hub) PublishEntry(entry models.Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.entrySubs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// PublishMetrics fans a snapshot out and caches it for late subscribers.
func (h *Hub) PublishMetrics(snap models.PerformanceSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSnapshot = &snap
	for _, ch := range h.metricSubs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// LastSnapshot returns the most recently published metrics snapshot.
func (h *Hub) LastSnapshot() (models.PerformanceSnapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastSnapshot == nil {
		return models.PerformanceSnapshot{}, false
	}
	return *h.lastSnapshot, true
}

// Close unregisters and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.alertSubs {
		close(ch)
		delete(h.alertSubs, id)
	}
	for id, ch := range h.corrSubs {
		close(ch)
		delete(h.corrSubs, id)
	}
	for id, ch := range h.entrySubs {
		close(ch)
		delete(h.entrySubs, id)
	}
	for id, ch := range h.metricSubs {
		close(ch)
		delete(h.metricSubs, id)
	}
}

func (h *Hub) unsubscribeAlert(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.alertSubs[id]; ok {
		close(ch)
		delete(h.alertSubs, id)
	}
}

func (h *Hub) unsubscribeCorrelation(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.corrSubs[id]; ok {
		close(ch)
		delete(h.corrSubs, id)
	}
}

func (h *Hub) unsubscribeEntry(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.entrySubs[id]; ok {
		close(ch)
		delete(h.entrySubs, id)
	}
}

func (h *Hub) unsubscribeMetrics(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.metricSubs[id]; ok {
		close(ch)
		delete(h.metricSubs, id)
	}
}
