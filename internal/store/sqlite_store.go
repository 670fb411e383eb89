// Package store persists batch run state and expression results using SQLite.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/soma-tiles/rma/internal/expr"
)

// RunStatus represents the current state of a batch run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Finished reports whether the status is terminal.
func (s RunStatus) Finished() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// RunParams are the inputs that determine a run's result.
type RunParams struct {
	Batch          string   `json:"batch"`
	Design         string   `json:"design"`
	Arrays         []string `json:"arrays"`
	AllowList      string   `json:"allow_list,omitempty"`
	MetaProbesets  string   `json:"meta_probesets,omitempty"`
	Normalize      bool     `json:"normalize"`
	Background     bool     `json:"background"`
	Summarizer     string   `json:"summarizer"`
	VarianceMethod string   `json:"variance_method,omitempty"`
	HuberK         float64  `json:"huber_k"`
	MaxIterations  int      `json:"max_iterations"`
	DensityPoints  int      `json:"density_points"`
	// Inputs fingerprints the layout and array files, so a changed file
	// changes the hash.
	Inputs string `json:"inputs,omitempty"`
}

// Hash identifies runs whose results are interchangeable.
func (p RunParams) Hash() string {
	data, _ := json.Marshal(p)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RunProgress represents the progress of a run.
type RunProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Run represents one batch run.
type Run struct {
	ID         string      `json:"run_id"`
	Batch      string      `json:"batch"`
	Status     RunStatus   `json:"status"`
	Params     RunParams   `json:"params"`
	ParamsHash string      `json:"params_hash"`
	Progress   RunProgress `json:"progress"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Probesets  int         `json:"probesets"`
	Error      string      `json:"error,omitempty"`
}

// Store provides persistent storage for batch runs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens or creates the run database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rma_runs (
		run_id TEXT PRIMARY KEY,
		batch TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		params_hash TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		probesets INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_rma_runs_batch ON rma_runs(batch, params_hash);
	CREATE INDEX IF NOT EXISTS idx_rma_runs_status ON rma_runs(status);
	CREATE INDEX IF NOT EXISTS idx_rma_runs_finished ON rma_runs(finished_at);

	CREATE TABLE IF NOT EXISTS rma_expressions (
		run_id TEXT NOT NULL,
		probeset_idx INTEGER NOT NULL,
		probeset TEXT NOT NULL,
		array_idx INTEGER NOT NULL,
		array_name TEXT NOT NULL,
		value REAL,
		se REAL,
		PRIMARY KEY (run_id, probeset_idx, array_idx),
		FOREIGN KEY (run_id) REFERENCES rma_runs(run_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const runColumns = `run_id, batch, status, params_json, params_hash, phase, done, total, probesets, error, created_at, started_at, finished_at`

// CreateRun inserts a run record. Its params hash is computed from Params.
func (s *Store) CreateRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	run.ParamsHash = run.Params.Hash()
	if run.Status == "" {
		run.Status = RunStatusQueued
	}

	_, err = s.db.Exec(`INSERT INTO rma_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Batch,
		string(run.Status),
		string(paramsJSON),
		run.ParamsHash,
		run.Progress.Phase,
		run.Progress.Done,
		run.Progress.Total,
		run.Probesets,
		run.Error,
		formatTime(run.CreatedAt),
		nil,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun retrieves a run by ID. It returns nil when no such run exists.
func (s *Store) GetRun(runID string) (*Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM rma_runs WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// UpdateRunStatus sets the status and error message. Terminal statuses also
// set the finish time.
func (s *Store) UpdateRunStatus(runID string, status RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Finished() {
		t := formatTime(time.Now())
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE rma_runs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE run_id = ?
	`, string(status), errMsg, finishedAt, runID)
	return err
}

// UpdateRunStarted marks a queued run as running with start time. It reports
// false when the run is no longer queued.
func (s *Store) UpdateRunStarted(runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now())
	res, err := s.db.Exec(`UPDATE rma_runs SET status = ?, started_at = ? WHERE run_id = ? AND status = ?`,
		string(RunStatusRunning), now, runID, string(RunStatusQueued))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CancelQueuedRun marks a queued run as cancelled. It reports false when the
// run is no longer queued.
func (s *Store) CancelQueuedRun(runID, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now())
	res, err := s.db.Exec(`
		UPDATE rma_runs SET status = ?, error = ?, finished_at = ?
		WHERE run_id = ? AND status = ?
	`, string(RunStatusCancelled), errMsg, now, runID, string(RunStatusQueued))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateRunProgress updates the progress fields.
func (s *Store) UpdateRunProgress(runID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE rma_runs SET phase = ?, done = ?, total = ? WHERE run_id = ?`,
		phase, done, total, runID)
	return err
}

// InsertExpressions stores a run's expression table in one transaction.
// Undefined values are stored as NULL.
func (s *Store) InsertExpressions(runID string, table *expr.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM rma_expressions WHERE run_id = ?", runID); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO rma_expressions (run_id, probeset_idx, probeset, array_idx, array_name, value, se)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, ps := range table.Probesets {
		for j, array := range table.Arrays {
			var se sql.NullFloat64
			if table.SE != nil {
				se = nullable(table.SE[i][j])
			}
			if _, err := stmt.Exec(runID, i, ps, j, array, nullable(table.Values[i][j]), se); err != nil {
				return fmt.Errorf("failed to insert %s/%s: %w", ps, array, err)
			}
		}
	}
	if _, err := tx.Exec("UPDATE rma_runs SET probesets = ? WHERE run_id = ?", len(table.Probesets), runID); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

// LoadTable rebuilds a run's expression table. withSE requests the SE table.
func (s *Store) LoadTable(runID string, withSE bool) (*expr.Table, error) {
	rows, err := s.db.Query(`
		SELECT probeset_idx, probeset, array_idx, array_name, value, se
		FROM rma_expressions WHERE run_id = ?
		ORDER BY probeset_idx, array_idx
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type cell struct {
		i, j      int
		value, se sql.NullFloat64
	}
	var cells []cell
	var probesets, arrays []string
	for rows.Next() {
		var c cell
		var ps, array string
		if err := rows.Scan(&c.i, &ps, &c.j, &array, &c.value, &c.se); err != nil {
			return nil, err
		}
		if c.i == len(probesets) {
			probesets = append(probesets, ps)
		}
		if c.i == 0 && c.j == len(arrays) {
			arrays = append(arrays, array)
		}
		cells = append(cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cells) != len(probesets)*len(arrays) {
		return nil, fmt.Errorf("run %s: incomplete expression table (%d cells for %dx%d)",
			runID, len(cells), len(probesets), len(arrays))
	}

	table := expr.NewTable(probesets, arrays, withSE)
	for _, c := range cells {
		table.Values[c.i][c.j] = undefinedIfNull(c.value)
		if withSE {
			table.SE[c.i][c.j] = undefinedIfNull(c.se)
		}
	}
	return table, nil
}

func undefinedIfNull(v sql.NullFloat64) float64 {
	if !v.Valid {
		return expr.Undefined
	}
	return v.Float64
}

// LatestCompletedRun returns the newest completed run of batch with the given
// params hash, or nil.
func (s *Store) LatestCompletedRun(batch, paramsHash string) (*Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM rma_runs
		WHERE batch = ? AND params_hash = ? AND status = ?
		ORDER BY finished_at DESC LIMIT 1`,
		batch, paramsHash, string(RunStatusCompleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// ListRuns returns the most recent runs, newest first. limit <= 0 returns all.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM rma_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListQueuedRuns returns all queued runs, oldest first (for restart recovery).
func (s *Store) ListQueuedRuns() ([]*Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM rma_runs WHERE status = ? ORDER BY created_at ASC`,
		string(RunStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// MarkRunningAsFailed marks all running runs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now())
	res, err := s.db.Exec(`UPDATE rma_runs SET status = ?, error = ?, finished_at = ? WHERE status = ?`,
		string(RunStatusFailed), errMsg, now, string(RunStatusRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpiredRuns deletes runs finished more than retentionDays ago.
func (s *Store) DeleteExpiredRuns(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := formatTime(time.Now().AddDate(0, 0, -retentionDays))

	_, err := s.db.Exec(`
		DELETE FROM rma_expressions WHERE run_id IN (
			SELECT run_id FROM rma_runs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	res, err := s.db.Exec(`DELETE FROM rma_runs WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteRun deletes a run and its expression values.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM rma_expressions WHERE run_id = ?", runID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM rma_runs WHERE run_id = ?", runID)
	return err
}

// timeLayout has fixed width so stored timestamps order as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		var run Run
		var paramsJSON, createdAtStr string
		var startedAtStr, finishedAtStr sql.NullString

		err := rows.Scan(
			&run.ID,
			&run.Batch,
			&run.Status,
			&paramsJSON,
			&run.ParamsHash,
			&run.Progress.Phase,
			&run.Progress.Done,
			&run.Progress.Total,
			&run.Probesets,
			&run.Error,
			&createdAtStr,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}

		run.CreatedAt, _ = parseTime(createdAtStr)
		if startedAtStr.Valid {
			t, _ := parseTime(startedAtStr.String)
			run.StartedAt = &t
		}
		if finishedAtStr.Valid {
			t, _ := parseTime(finishedAtStr.String)
			run.FinishedAt = &t
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
