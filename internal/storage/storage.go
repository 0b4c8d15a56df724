// Package storage defines the recording and query boundary the pipeline
// writes through. Concrete transports live behind these interfaces; callers
// wrap them in circuits.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/pulsestack/pulse-apm/internal/models"
)

// ErrNotFound signals a missing entry on the read path.
var ErrNotFound = errors.New("entry not found")

// Filter narrows a Find call.
type Filter struct {
	Types  []models.WatcherType
	Tag    string
	Start  time.Time
	End    time.Time
	Limit  int
	Offset int
}

// FindResult is a page of entries.
type FindResult struct {
	Entries []models.Entry `json:"entries"`
	Total   int            `json:"total"`
	HasMore bool           `json:"hasMore"`
}

// Recorder accepts normalized telemetry entries.
type Recorder interface {
	Record(ctx context.Context, entry models.Entry) error
	RecordBatch(ctx context.Context, entries []models.Entry) error
}

// Querier reads entries back for analytics rollups.
type Querier interface {
	Find(ctx context.Context, filter Filter) (FindResult, error)
	FindByID(ctx context.Context, id string) (*models.Entry, error)
}

// Store combines both sides of the boundary with an explicit close.
type Store interface {
	Recorder
	Querier
	Close() error
}

func (f Filter) matches(e models.Entry) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Tag != "" {
		found := false
		for _, tag := range e.Tags {
			if tag == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	return true
}
