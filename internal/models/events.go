package models

import (
	"fmt"
	"strings"
	"time"
)

// Level is the canonical severity of a log event.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarn     Level = "WARN"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Weight orders levels for ranking; unknown levels rank with INFO.
func (l Level) Weight() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	case LevelCritical:
		return 4
	default:
		return 1
	}
}

// RawLogEvent is a log event as received at ingress, before normalisation.
type RawLogEvent struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Level     string `json:"level"`
	Service   string `json:"service"`
	TraceID   string `json:"trace_id"`
}

// LogEvent is an immutable, normalised log event.
type LogEvent struct {
	Timestamp time.Time `json:"timestamp"`
	// RawTimestamp keeps the caller's spelling so prompts and snippets echo it verbatim.
	RawTimestamp string `json:"raw_timestamp,omitempty"`
	Message      string `json:"message"`
	Level        Level  `json:"level"`
	Service      string `json:"service"`
	TraceID      string `json:"trace_id"`
}

// Line renders the event the way it appears in prompts and timeline snippets.
func (e LogEvent) Line() string {
	ts := e.RawTimestamp
	if ts == "" {
		ts = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%s: %s - %s - %s - %s", e.Service, e.TraceID, ts, e.Level, e.Message)
}

// LogBatch is an ordered, non-empty sequence of events belonging to one triage request.
type LogBatch struct {
	Events []LogEvent `json:"events"`
}

// Len returns the number of events in the batch.
func (b LogBatch) Len() int { return len(b.Events) }

// Snippet joins every event line in caller order.
func (b LogBatch) Snippet() string {
	lines := make([]string, 0, len(b.Events))
	for _, e := range b.Events {
		lines = append(lines, e.Line())
	}
	return strings.Join(lines, "\n")
}

// Services returns the distinct services in first-seen order.
func (b LogBatch) Services() []string {
	return distinct(b.Events, func(e LogEvent) string { return e.Service })
}

// TraceIDs returns the distinct trace ids in first-seen order.
func (b LogBatch) TraceIDs() []string {
	return distinct(b.Events, func(e LogEvent) string { return e.TraceID })
}

// Window returns the earliest and latest event timestamps.
func (b LogBatch) Window() (time.Time, time.Time) {
	var start, end time.Time
	for i, e := range b.Events {
		if i == 0 || e.Timestamp.Before(start) {
			start = e.Timestamp
		}
		if i == 0 || e.Timestamp.After(end) {
			end = e.Timestamp
		}
	}
	return start, end
}

func distinct(events []LogEvent, key func(LogEvent) string) []string {
	seen := make(map[string]struct{}, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		k := key(e)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
