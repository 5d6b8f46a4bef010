package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// journalTime is fixed width so stored timestamps sort as text.
const journalTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteJournal persists workflow records in a local SQLite file so failed
// and lost-work runs stay inspectable after a restart.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLiteJournal opens (and migrates) the journal at dsn, e.g.
// "file:/var/lib/triage-agent/workflows.db" or ":memory:".
func OpenSQLiteJournal(dsn string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite journal: %w", err)
	}
	// SQLite serialises writers; one connection also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)
	j := &SQLiteJournal{db: db}
	if err := j.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJournal) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			incident_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			rca_unpersisted INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS workflow_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			incident_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			at TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_incident ON workflow_transitions(incident_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
	}
	return nil
}

// Record implements Journal.
func (j *SQLiteJournal) Record(ctx context.Context, t Transition) error {
	at := t.At.UTC().Format(journalTime)
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_transitions (incident_id, from_state, to_state, at, detail) VALUES (?, ?, ?, ?, ?)`,
		t.IncidentID, string(t.From), string(t.To), at, t.Detail,
	); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_runs (incident_id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(incident_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		t.IncidentID, string(t.To), at,
	); err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return tx.Commit()
}

// Finish implements Journal.
func (j *SQLiteJournal) Finish(ctx context.Context, incidentID, errText string, rcaUnpersisted bool) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE workflow_runs SET error = ?, rca_unpersisted = ? WHERE incident_id = ?`,
		errText, boolToInt(rcaUnpersisted), incidentID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get implements Journal.
func (j *SQLiteJournal) Get(ctx context.Context, incidentID string) (Record, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT incident_id, state, error, rca_unpersisted, updated_at FROM workflow_runs WHERE incident_id = ?`,
		incidentID,
	)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.Transitions, err = j.transitions(ctx, incidentID)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List implements Journal.
func (j *SQLiteJournal) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT incident_id, state, error, rca_unpersisted, updated_at FROM workflow_runs
		 ORDER BY updated_at DESC, incident_id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Transitions, err = j.transitions(ctx, records[i].IncidentID); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// Close implements Journal.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func (j *SQLiteJournal) transitions(ctx context.Context, incidentID string) ([]Transition, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT from_state, to_state, at, detail FROM workflow_transitions WHERE incident_id = ? ORDER BY id ASC`,
		incidentID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Transition
	for rows.Next() {
		var from, to, at, detail string
		if err := rows.Scan(&from, &to, &at, &detail); err != nil {
			return nil, err
		}
		ts, err := time.Parse(journalTime, at)
		if err != nil {
			return nil, fmt.Errorf("parse transition time: %w", err)
		}
		out = append(out, Transition{IncidentID: incidentID, From: State(from), To: State(to), At: ts, Detail: detail})
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Record, error) {
	var rec Record
	var state, updated string
	var unpersisted int
	if err := row.Scan(&rec.IncidentID, &state, &rec.Error, &unpersisted, &updated); err != nil {
		return Record{}, err
	}
	ts, err := time.Parse(journalTime, updated)
	if err != nil {
		return Record{}, fmt.Errorf("parse updated_at: %w", err)
	}
	rec.State = State(state)
	rec.UpdatedAt = ts
	rec.RCAUnpersisted = unpersisted != 0
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
