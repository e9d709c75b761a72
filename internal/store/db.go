// Package store keeps the history of terminal bulk jobs in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

// ErrNotFound is returned when no result is stored under the job ID.
var ErrNotFound = errors.New("job result not found")

const schema = `
CREATE TABLE IF NOT EXISTS job_results (
	id TEXT PRIMARY KEY,
	session_id TEXT,
	mode TEXT,
	status TEXT,
	total INTEGER,
	succeeded INTEGER,
	failed INTEGER,
	error TEXT,
	result TEXT,
	started_at DATETIME,
	finished_at DATETIME
);
CREATE TABLE IF NOT EXISTS unit_errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT,
	unit_id TEXT,
	error_message TEXT,
	created_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_job_results_finished ON job_results (finished_at);
`

// Summary is one history row without the per-unit outcomes.
type Summary struct {
	JobID      types.JobID `json:"job_id"`
	SessionID  string      `json:"session_id,omitempty"`
	Mode       types.Mode  `json:"mode"`
	Status     types.State `json:"status"`
	Total      int         `json:"total"`
	Succeeded  int         `json:"succeeded"`
	Failed     int         `json:"failed"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Store is a SQLite-backed job history.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// SQLite allows one writer; serialise through a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveResult stores a terminal JobResult, replacing an earlier row with the
// same job ID. Failed unit outcomes are also written to unit_errors.
func (s *Store) SaveResult(ctx context.Context, r types.JobResult) error {
	resultJSON, err := json.Marshal(r)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO job_results
		(id, session_id, mode, status, total, succeeded, failed, error, result, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.JobID), r.SessionID, string(r.Mode), string(r.Status),
		r.Total, r.Succeeded, r.Failed, r.Error, string(resultJSON),
		r.StartedAt.UTC(), r.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("save result %s: %w", r.JobID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM unit_errors WHERE job_id = ?`, string(r.JobID)); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, o := range r.Outcomes {
		if o.Success {
			continue
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO unit_errors (job_id, unit_id, error_message, created_at) VALUES (?, ?, ?, ?)`,
			string(r.JobID), o.UnitID, o.Error, now)
		if err != nil {
			return fmt.Errorf("save unit error %s: %w", o.UnitID, err)
		}
	}
	return tx.Commit()
}

// ListResults returns the most recent results first. limit <= 0 means all.
func (s *Store) ListResults(ctx context.Context, limit int) ([]Summary, error) {
	query := `SELECT id, session_id, mode, status, total, succeeded, failed, error, started_at, finished_at
		FROM job_results ORDER BY finished_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var id, mode, status string
		if err := rows.Scan(&id, &sum.SessionID, &mode, &status, &sum.Total, &sum.Succeeded,
			&sum.Failed, &sum.Error, &sum.StartedAt, &sum.FinishedAt); err != nil {
			return nil, err
		}
		sum.JobID = types.JobID(id)
		sum.Mode = types.Mode(mode)
		sum.Status = types.State(status)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetResult fetches the full JobResult of a job.
func (s *Store) GetResult(ctx context.Context, id types.JobID) (types.JobResult, error) {
	var resultJSON string
	err := s.db.QueryRowContext(ctx, `SELECT result FROM job_results WHERE id = ?`, string(id)).Scan(&resultJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return types.JobResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return types.JobResult{}, err
	}

	var r types.JobResult
	if err := json.Unmarshal([]byte(resultJSON), &r); err != nil {
		return types.JobResult{}, fmt.Errorf("decode result %s: %w", id, err)
	}
	return r, nil
}

// UnitErrors returns the failed unit IDs and messages of a job.
func (s *Store) UnitErrors(ctx context.Context, id types.JobID) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT unit_id, error_message FROM unit_errors WHERE job_id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var unitID, msg string
		if err := rows.Scan(&unitID, &msg); err != nil {
			return nil, err
		}
		out[unitID] = msg
	}
	return out, rows.Err()
}

// CountByStatus returns how many stored jobs ended in each state.
func (s *Store) CountByStatus(ctx context.Context) (map[types.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_results GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[types.State]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[types.State(status)] = n
	}
	return out, rows.Err()
}
