package orchestrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"backsync/internal/proposal"
)

// Checkpoints persists per-run progress so an interrupted scan can resume
// without redoing finished pairs.
type Checkpoints struct {
	db *sql.DB
}

func OpenCheckpoints(path string) (*Checkpoints, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	c := &Checkpoints{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Checkpoints) Close() error { return c.db.Close() }

func (c *Checkpoints) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			root TEXT,
			status TEXT,
			last_index INTEGER,
			total INTEGER,
			started_at TIMESTAMP,
			updated_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS run_items (
			run_id TEXT,
			original_path TEXT,
			idx INTEGER,
			entry_json TEXT,
			updated_at TIMESTAMP,
			PRIMARY KEY (run_id, original_path)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const (
	runActive = "active"
	runDone   = "done"
)

// BeginRun records a new scan run.
func (c *Checkpoints) BeginRun(ctx context.Context, runID, root string, total int, ts time.Time) error {
	_, err := c.db.ExecContext(ctx, `INSERT INTO runs(run_id, root, status, last_index, total, started_at, updated_at)
		VALUES(?,?,?,?,?,?,?)`, runID, root, runActive, -1, total, ts, ts)
	return err
}

// SaveBatch persists one batch of finished entries and advances the run's
// last finalized index. The write is transactional so a crash mid-batch
// leaves the previous checkpoint intact.
func (c *Checkpoints) SaveBatch(ctx context.Context, runID string, lastIndex int, items map[int]proposal.Entry, ts time.Time) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for idx, entry := range items {
		payload, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", entry.OriginalPath, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO run_items(run_id, original_path, idx, entry_json, updated_at)
			VALUES(?,?,?,?,?)
			ON CONFLICT(run_id, original_path) DO UPDATE SET idx=excluded.idx, entry_json=excluded.entry_json, updated_at=excluded.updated_at`,
			runID, entry.OriginalPath, idx, string(payload), ts); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET last_index=?, updated_at=? WHERE run_id=?`, lastIndex, ts, runID); err != nil {
		return err
	}
	return tx.Commit()
}

// FinishRun marks a run complete.
func (c *Checkpoints) FinishRun(ctx context.Context, runID string, ts time.Time) error {
	_, err := c.db.ExecContext(ctx, `UPDATE runs SET status=?, updated_at=? WHERE run_id=?`, runDone, ts, runID)
	return err
}

// RunState is a resumable run's identity plus its stored results.
type RunState struct {
	RunID   string
	Entries map[string]proposal.Entry
}

// FindResumable returns the most recent unfinished run for a root, or nil.
func (c *Checkpoints) FindResumable(ctx context.Context, root string) (*RunState, error) {
	row := c.db.QueryRowContext(ctx, `SELECT run_id FROM runs WHERE root=? AND status=? ORDER BY started_at DESC LIMIT 1`, root, runActive)
	var runID string
	switch err := row.Scan(&runID); err {
	case nil:
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, `SELECT entry_json FROM run_items WHERE run_id=?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	state := &RunState{RunID: runID, Entries: make(map[string]proposal.Entry)}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var entry proposal.Entry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, fmt.Errorf("decode checkpoint entry: %w", err)
		}
		state.Entries[entry.OriginalPath] = entry
	}
	return state, rows.Err()
}
