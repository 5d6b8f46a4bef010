package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned for incidents the journal has never seen.
var ErrNotFound = errors.New("workflow not found")

// Transition is one journaled state change.
type Transition struct {
	IncidentID string    `json:"incident_id"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	At         time.Time `json:"at"`
	Detail     string    `json:"detail,omitempty"`
}

// Record is the journaled view of one incident's workflow.
type Record struct {
	IncidentID     string       `json:"incident_id"`
	State          State        `json:"state"`
	UpdatedAt      time.Time    `json:"updated_at"`
	Error          string       `json:"error,omitempty"`
	RCAUnpersisted bool         `json:"rca_unpersisted,omitempty"`
	Transitions    []Transition `json:"transitions"`
}

// Journal records every transition so operators can inspect workflows that
// no caller is waiting on.
type Journal interface {
	Record(ctx context.Context, t Transition) error
	// Finish stores the terminal error text and the lost-work flag.
	Finish(ctx context.Context, incidentID string, errText string, rcaUnpersisted bool) error
	Get(ctx context.Context, incidentID string) (Record, error)
	// List returns the most recently updated records first.
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// MemoryJournal keeps records in process memory.
type MemoryJournal struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryJournal returns an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{records: make(map[string]*Record)}
}

// Record implements Journal.
func (j *MemoryJournal) Record(_ context.Context, t Transition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.records[t.IncidentID]
	if !ok {
		rec = &Record{IncidentID: t.IncidentID}
		j.records[t.IncidentID] = rec
	}
	rec.State = t.To
	rec.UpdatedAt = t.At
	rec.Transitions = append(rec.Transitions, t)
	return nil
}

// Finish implements Journal.
func (j *MemoryJournal) Finish(_ context.Context, incidentID, errText string, rcaUnpersisted bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.records[incidentID]
	if !ok {
		return ErrNotFound
	}
	rec.Error = errText
	rec.RCAUnpersisted = rcaUnpersisted
	return nil
}

// Get implements Journal.
func (j *MemoryJournal) Get(_ context.Context, incidentID string) (Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	rec, ok := j.records[incidentID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

// List implements Journal.
func (j *MemoryJournal) List(_ context.Context, limit int) ([]Record, error) {
	j.mu.RLock()
	out := make([]Record, 0, len(j.records))
	for _, rec := range j.records {
		out = append(out, copyRecord(rec))
	}
	j.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].UpdatedAt.Equal(out[b].UpdatedAt) {
			return out[a].IncidentID < out[b].IncidentID
		}
		return out[a].UpdatedAt.After(out[b].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements Journal.
func (j *MemoryJournal) Close() error { return nil }

func copyRecord(rec *Record) Record {
	cp := *rec
	cp.Transitions = append([]Transition(nil), rec.Transitions...)
	return cp
}
