package watchers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pulsestack/pulse-apm/internal/metrics"
	"github.com/pulsestack/pulse-apm/internal/models"
)

// familyHash derives a stable grouping hash from the identifying parts of an
// operation, so repeated occurrences share an entry family.
func familyHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:8])
}

// newEntry assembles a normalized telemetry entry.
func (d *Deps) newEntry(typ models.WatcherType, family string, content map[string]any, tags []string) models.Entry {
	return models.Entry{
		ID:         uuid.NewString(),
		Type:       typ,
		FamilyHash: family,
		Content:    content,
		Tags:       tags,
		Timestamp:  time.Now(),
		Sequence:   d.Sequence.Next(),
	}
}

// emit records the entry through the circuit-wrapped recorder and fans it out
// to stream subscribers. Recording failures are returned for the caller to
// decide on escalation; most trackers just log them.
func (d *Deps) emit(ctx context.Context, logger *slog.Logger, entry models.Entry) error {
	var err error
	if d.Recorder != nil {
		err = d.Recorder.Record(ctx, entry)
		if err != nil {
			logger.Warn("entry recording failed",
				slog.String("type", string(entry.Type)),
				slog.Any("error", err))
		}
	}
	if d.Hub != nil {
		d.Hub.PublishEntry(entry)
	}
	metrics.ObserveEntry(string(entry.Type))
	return err
}

// forward hands a trace-bearing event to the correlation engine.
func (d *Deps) forward(ev models.Event) {
	if d.Correlator == nil || ev.Trace().TraceID == "" {
		return
	}
	d.Correlator.Ingest(ev)
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// healthStatus maps a 0-100 score onto the reporting bands.
func healthStatus(score int) string {
	switch {
	case score >= 90:
		return "healthy"
	case score >= 70:
		return "degraded"
	case score >= 50:
		return "unhealthy"
	default:
		return "critical"
	}
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
