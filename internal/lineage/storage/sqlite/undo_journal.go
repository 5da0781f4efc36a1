package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/lineage/internal/lineage"
)

// JournalEntry is one persisted undo point.
type JournalEntry struct {
	ID uuid.UUID
	lineage.UndoPoint
}

// UndoJournal records undo points in the undo_points table. It implements
// lineage.UndoRecorder.
type UndoJournal struct {
	db *sql.DB
}

// NewUndoJournal creates a journal over a migrated database.
func NewUndoJournal(db *sql.DB) *UndoJournal {
	return &UndoJournal{db: db}
}

// RecordUndoPoint inserts p under a fresh ID.
func (j *UndoJournal) RecordUndoPoint(p lineage.UndoPoint) error {
	tps, err := json.Marshal(p.Timepoints)
	if err != nil {
		return err
	}
	if p.Timepoints == nil {
		tps = []byte("[]")
	}
	_, err = j.db.Exec(`
		INSERT INTO undo_points (undo_id, run_id, label, created_unix_nanos, timepoints,
		                         spots_added, spots_removed, links_added, links_removed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), p.RunID.String(), p.Label, p.At.UnixNano(), string(tps),
		p.SpotsAdded, p.SpotsRemoved, p.LinksAdded, p.LinksRemoved,
	)
	if err != nil {
		return fmt.Errorf("insert undo point: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. A limit of zero or
// less returns everything.
func (j *UndoJournal) Recent(ctx context.Context, limit int) ([]JournalEntry, error) {
	q := `SELECT undo_id, run_id, label, created_unix_nanos, timepoints,
	             spots_added, spots_removed, links_added, links_removed
	      FROM undo_points ORDER BY created_unix_nanos DESC, rowid DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return j.query(ctx, q, args...)
}

// ForRun returns the entries recorded by one engine run, oldest first.
func (j *UndoJournal) ForRun(ctx context.Context, runID uuid.UUID) ([]JournalEntry, error) {
	return j.query(ctx, `
		SELECT undo_id, run_id, label, created_unix_nanos, timepoints,
		       spots_added, spots_removed, links_added, links_removed
		FROM undo_points WHERE run_id = ? ORDER BY created_unix_nanos, rowid`,
		runID.String())
}

func (j *UndoJournal) query(ctx context.Context, q string, args ...any) ([]JournalEntry, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query undo points: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			e         JournalEntry
			id, runID string
			nanos     int64
			tps       string
		)
		if err := rows.Scan(&id, &runID, &e.Label, &nanos, &tps,
			&e.SpotsAdded, &e.SpotsRemoved, &e.LinksAdded, &e.LinksRemoved); err != nil {
			return nil, fmt.Errorf("scan undo point: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("undo point id %q: %w", id, err)
		}
		if e.RunID, err = uuid.Parse(runID); err != nil {
			return nil, fmt.Errorf("undo point %s run id %q: %w", id, runID, err)
		}
		if err := json.Unmarshal([]byte(tps), &e.Timepoints); err != nil {
			return nil, fmt.Errorf("undo point %s timepoints: %w", id, err)
		}
		e.At = time.Unix(0, nanos)
		out = append(out, e)
	}
	return out, rows.Err()
}
