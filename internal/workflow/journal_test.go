package workflow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseJournal(t *testing.T, j Journal) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	_, err := j.Get(ctx, "inc-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, j.Finish(ctx, "inc-1", "x", false), ErrNotFound)

	require.NoError(t, j.Record(ctx, Transition{IncidentID: "inc-1", To: StateScheduled, At: base}))
	require.NoError(t, j.Record(ctx, Transition{IncidentID: "inc-1", From: StateScheduled, To: StateQueryingKB, At: base.Add(10 * time.Second)}))
	require.NoError(t, j.Record(ctx, Transition{IncidentID: "inc-1", From: StateQueryingKB, To: StateAnalyzingRCA, At: base.Add(11 * time.Second), Detail: "0 knowledge documents"}))
	require.NoError(t, j.Record(ctx, Transition{IncidentID: "inc-1", From: StateAnalyzingRCA, To: StatePersistingRCA, At: base.Add(12 * time.Second)}))
	require.NoError(t, j.Record(ctx, Transition{IncidentID: "inc-1", From: StatePersistingRCA, To: StateFailed, At: base.Add(13 * time.Second)}))
	require.NoError(t, j.Finish(ctx, "inc-1", "aprs down", true))

	require.NoError(t, j.Record(ctx, Transition{IncidentID: "inc-2", To: StateScheduled, At: base.Add(20 * time.Second)}))

	rec, err := j.Get(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)
	assert.Equal(t, "aprs down", rec.Error)
	assert.True(t, rec.RCAUnpersisted)
	assert.True(t, rec.UpdatedAt.Equal(base.Add(13*time.Second)))
	require.Len(t, rec.Transitions, 5)
	assert.Equal(t, "0 knowledge documents", rec.Transitions[2].Detail)
	assert.Equal(t, StateQueryingKB, rec.Transitions[2].From)

	list, err := j.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "inc-2", list[0].IncidentID)
	assert.Equal(t, "inc-1", list[1].IncidentID)

	list, err = j.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryJournal(t *testing.T) {
	exerciseJournal(t, NewMemoryJournal())
}

func TestSQLiteJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.db")
	j, err := OpenSQLiteJournal("file:" + path)
	require.NoError(t, err)
	exerciseJournal(t, j)
	require.NoError(t, j.Close())

	reopened, err := OpenSQLiteJournal("file:" + path)
	require.NoError(t, err)
	defer reopened.Close()
	rec, err := reopened.Get(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)
}
