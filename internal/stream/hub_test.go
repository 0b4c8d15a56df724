package stream

import (
	"testing"
	"time"

	"github.com/pulsestack/pulse-apm/internal/models"
)

func TestAlertFanOut(t *testing.T) {
	h := NewHub()
	a, cancelA := h.SubscribeAlerts()
	b, cancelB := h.SubscribeAlerts()
	defer cancelA()
	defer cancelB()

	h.PublishAlert(models.Alert{ID: "a1", Type: "degradation"})

	for _, ch := range []<-chan models.Alert{a, b} {
		select {
		case alert := <-ch:
			if alert.ID != "a1" {
				t.Fatalf("unexpected alert %q", alert.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("alert not delivered")
		}
	}
}

func TestLateAlertSubscriberGetsNothing(t *testing.T) {
	h := NewHub()
	h.PublishAlert(models.Alert{ID: "a1"})

	ch, cancel := h.SubscribeAlerts()
	defer cancel()
	select {
	case alert := <-ch:
		t.Fatalf("late subscriber should not replay alerts, got %q", alert.ID)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLateMetricsSubscriberGetsLastSnapshot(t *testing.T) {
	h := NewHub()
	h.PublishMetrics(models.PerformanceSnapshot{CompletedTraces: 7})

	ch, cancel := h.SubscribeMetrics()
	defer cancel()
	select {
	case snap := <-ch:
		if snap.CompletedTraces != 7 {
			t.Fatalf("expected cached snapshot, got %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatalf("cached snapshot not replayed")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	_, cancel := h.SubscribeEntries()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			h.PublishEntry(models.Entry{ID: "e"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel := h.SubscribeCorrelations()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after cancel")
	}
	// Publishing after unsubscribe is a no-op.
	h.PublishCorrelation(&models.CorrelationContext{TraceID: "t"})
}
