// Package normalizer validates raw log events and canonicalises them into a LogBatch.
package normalizer

import (
	"fmt"
	"strings"

	"github.com/miradorstack/triage-agent/internal/models"
	"github.com/miradorstack/triage-agent/internal/utils"
)

// UnknownService is used when an event does not name its source service.
const UnknownService = "unknown"

const op = "normalizer.Normalize"

// Normalize validates raw events and returns them as a batch in caller order.
// It fails with a validation error if the input is empty or any event lacks a
// timestamp or message.
func Normalize(raw []models.RawLogEvent) (models.LogBatch, error) {
	if len(raw) == 0 {
		return models.LogBatch{}, utils.NewValidationError(op, "no log events provided")
	}

	events := make([]models.LogEvent, 0, len(raw))
	for i, r := range raw {
		event, err := normalizeEvent(r)
		if err != nil {
			return models.LogBatch{}, utils.NewAppError(utils.KindValidation, op, fmt.Sprintf("event %d", i), err)
		}
		events = append(events, event)
	}
	return models.LogBatch{Events: events}, nil
}

// Validate re-checks an already built batch, used when a batch arrives from a
// caller that bypassed Normalize.
func Validate(batch models.LogBatch) error {
	if batch.Len() == 0 {
		return utils.NewValidationError(op, "no log events provided")
	}
	for i, e := range batch.Events {
		if e.Timestamp.IsZero() {
			return utils.NewValidationError(op, fmt.Sprintf("event %d: missing timestamp", i))
		}
		if strings.TrimSpace(e.Message) == "" {
			return utils.NewValidationError(op, fmt.Sprintf("event %d: missing message", i))
		}
	}
	return nil
}

func normalizeEvent(r models.RawLogEvent) (models.LogEvent, error) {
	rawTS := strings.TrimSpace(r.Timestamp)
	if rawTS == "" {
		return models.LogEvent{}, fmt.Errorf("missing timestamp")
	}
	message := strings.TrimSpace(r.Message)
	if message == "" {
		return models.LogEvent{}, fmt.Errorf("missing message")
	}
	ts, err := utils.ParseEventTime(rawTS)
	if err != nil {
		return models.LogEvent{}, err
	}

	service := strings.TrimSpace(r.Service)
	if service == "" {
		service = UnknownService
	}

	return models.LogEvent{
		Timestamp:    ts,
		RawTimestamp: rawTS,
		Message:      message,
		Level:        CanonicalLevel(r.Level),
		Service:      service,
		TraceID:      strings.TrimSpace(r.TraceID),
	}, nil
}

// CanonicalLevel maps common severity spellings onto models.Level.
func CanonicalLevel(level string) models.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE", "DEBUG":
		return models.LevelDebug
	case "WARN", "WARNING":
		return models.LevelWarn
	case "ERR", "ERROR":
		return models.LevelError
	case "FATAL", "CRITICAL", "CRIT", "EMERG", "ALERT", "PANIC":
		return models.LevelCritical
	default:
		return models.LevelInfo
	}
}
