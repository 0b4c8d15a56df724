package models

import "time"

// EntryType mirrors WatcherType values on the recording path.
type EntryType = WatcherType

// Entry is the normalized telemetry record handed to the recording sink.
type Entry struct {
	ID         string         `json:"id"`
	Type       EntryType      `json:"type"`
	FamilyHash string         `json:"familyHash,omitempty"`
	Content    map[string]any `json:"content"`
	Tags       []string       `json:"tags,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Sequence   uint64         `json:"sequence"`
}

// Alert reports a breached threshold. Immutable after creation except for
// acknowledgement.
type Alert struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Severity     Severity       `json:"severity"`
	Message      string         `json:"message"`
	Timestamp    time.Time      `json:"timestamp"`
	Data         map[string]any `json:"data,omitempty"`
	Acknowledged bool           `json:"acknowledged"`
	ResolvedAt   *time.Time     `json:"resolvedAt,omitempty"`
}
