package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func sampleBatch() LogBatch {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return LogBatch{Events: []LogEvent{
		{Timestamp: base.Add(2 * time.Second), RawTimestamp: "2024-05-01T10:00:02Z", Message: "connection failed", Level: LevelError, Service: "user-service", TraceID: "t-1"},
		{Timestamp: base, Message: "retrying", Level: LevelWarn, Service: "gateway", TraceID: "t-2"},
		{Timestamp: base.Add(time.Second), Message: "connection failed", Level: LevelError, Service: "user-service", TraceID: "t-1"},
	}}
}

func TestLogBatchDistinctPreservesOrder(t *testing.T) {
	b := sampleBatch()
	assert.Equal(t, []string{"user-service", "gateway"}, b.Services())
	assert.Equal(t, []string{"t-1", "t-2"}, b.TraceIDs())
}

func TestLogBatchSnippet(t *testing.T) {
	b := sampleBatch()
	want := "user-service: t-1 - 2024-05-01T10:00:02Z - ERROR - connection failed\n" +
		"gateway: t-2 - 2024-05-01T10:00:00Z - WARN - retrying\n" +
		"user-service: t-1 - 2024-05-01T10:00:01Z - ERROR - connection failed"
	assert.Equal(t, want, b.Snippet())
}

func TestLogBatchWindow(t *testing.T) {
	start, end := sampleBatch().Window()
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 2, 0, time.UTC), end)
}

func TestLevelWeight(t *testing.T) {
	assert.Greater(t, LevelCritical.Weight(), LevelError.Weight())
	assert.Greater(t, LevelError.Weight(), LevelWarn.Weight())
	assert.Equal(t, LevelInfo.Weight(), Level("NOTICE").Weight())
}
