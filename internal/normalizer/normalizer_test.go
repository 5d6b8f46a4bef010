package normalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/triage-agent/internal/models"
	"github.com/miradorstack/triage-agent/internal/utils"
)

func TestNormalizePreservesOrderAndCanonicalises(t *testing.T) {
	raw := []models.RawLogEvent{
		{Timestamp: "2024-05-01T10:00:05Z", Message: " connection failed ", Level: "error", Service: "user-service", TraceID: "abc"},
		{Timestamp: "2024-05-01 10:00:01.500000", Message: "pool exhausted", Level: "Warning", Service: "", TraceID: " def "},
		{Timestamp: "2024-05-01T10:00:03Z", Message: "panic", Level: "fatal", Service: "db"},
	}

	batch, err := Normalize(raw)
	require.NoError(t, err)
	require.Equal(t, 3, batch.Len())

	first := batch.Events[0]
	assert.Equal(t, "connection failed", first.Message)
	assert.Equal(t, models.LevelError, first.Level)
	assert.Equal(t, "2024-05-01T10:00:05Z", first.RawTimestamp)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC), first.Timestamp)

	second := batch.Events[1]
	assert.Equal(t, UnknownService, second.Service)
	assert.Equal(t, "def", second.TraceID)
	assert.Equal(t, models.LevelWarn, second.Level)

	assert.Equal(t, models.LevelCritical, batch.Events[2].Level)
}

func TestNormalizeAcceptsShipperTimestamps(t *testing.T) {
	raw := []models.RawLogEvent{
		{Timestamp: "2024-01-15 10:30:00,123", Message: "connection failed"},
		{Timestamp: "1705314601", Message: "connection failed"},
		{Timestamp: "1705314602000", Message: "connection failed"},
	}

	batch, err := Normalize(raw)
	require.NoError(t, err)
	require.Equal(t, 3, batch.Len())
	base := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, base.Add(123*time.Millisecond), batch.Events[0].Timestamp)
	assert.Equal(t, base.Add(time.Second), batch.Events[1].Timestamp)
	assert.Equal(t, base.Add(2*time.Second), batch.Events[2].Timestamp)
	assert.Equal(t, "2024-01-15 10:30:00,123", batch.Events[0].RawTimestamp)
}

func TestNormalizeRejectsEmptyBatch(t *testing.T) {
	_, err := Normalize(nil)
	require.Error(t, err)
	assert.True(t, utils.IsKind(err, utils.KindValidation))
}

func TestNormalizeRejectsIncompleteEvents(t *testing.T) {
	tests := map[string]models.RawLogEvent{
		"missing timestamp": {Message: "boom"},
		"missing message":   {Timestamp: "2024-05-01T10:00:00Z", Message: "   "},
		"bad timestamp":     {Timestamp: "not-a-time", Message: "boom"},
	}
	for name, ev := range tests {
		t.Run(name, func(t *testing.T) {
			valid := models.RawLogEvent{Timestamp: "2024-05-01T10:00:00Z", Message: "ok"}
			_, err := Normalize([]models.RawLogEvent{valid, ev})
			require.Error(t, err)
			assert.True(t, utils.IsKind(err, utils.KindValidation))
			assert.Contains(t, err.Error(), "event 1")
		})
	}
}

func TestValidateBatch(t *testing.T) {
	require.Error(t, Validate(models.LogBatch{}))
	require.Error(t, Validate(models.LogBatch{Events: []models.LogEvent{{Message: "x"}}}))
	require.NoError(t, Validate(models.LogBatch{Events: []models.LogEvent{{Timestamp: time.Now(), Message: "x"}}}))
}

func TestCanonicalLevel(t *testing.T) {
	assert.Equal(t, models.LevelInfo, CanonicalLevel(""))
	assert.Equal(t, models.LevelInfo, CanonicalLevel("notice"))
	assert.Equal(t, models.LevelDebug, CanonicalLevel("trace"))
	assert.Equal(t, models.LevelError, CanonicalLevel("ERR"))
}
