// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/flowbench/pkg/flow"
)

// RunRecord is one evaluation run's summary row.
type RunRecord struct {
	// RunID uniquely identifies the run
	RunID string

	// BenchmarkID is the benchmark the run evaluated
	BenchmarkID string

	// Agent names the agent under evaluation
	Agent string

	// Status is the run's terminal status
	Status string

	// Score is the final aggregate score in [0,1]
	Score float64

	// Result is the full flow result, persisted as JSON
	Result *flow.FlowResult

	// SessionPath points at the run's JSONL session log
	SessionPath string

	// StartedAt and FinishedAt bound the run
	StartedAt  time.Time
	FinishedAt time.Time
}

// StoreConfig contains run store configuration.
type StoreConfig struct {
	// Path is the filesystem path to the SQLite database file.
	// Special value ":memory:" creates an in-memory database.
	Path string

	// MaxOpenConns sets the maximum number of open connections.
	MaxOpenConns int
}

// Store is the SQLite-backed run history.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the run database.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// WAL mode lets history queries run alongside an active run's writes.
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5
	}
	if cfg.Path == ":memory:" {
		// Every pooled connection to :memory: opens its own database.
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			benchmark_id TEXT NOT NULL,
			agent TEXT NOT NULL,
			status TEXT NOT NULL,
			score REAL NOT NULL,
			result TEXT,
			session_path TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			duration_ms INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_benchmark ON runs(benchmark_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(agent)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// RecordRun inserts or replaces a run's summary row.
func (s *Store) RecordRun(ctx context.Context, rec *RunRecord) error {
	if rec == nil {
		return fmt.Errorf("run record is nil")
	}
	if rec.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if rec.BenchmarkID == "" {
		return fmt.Errorf("benchmark id is required")
	}

	var resultJSON []byte
	if rec.Result != nil {
		var err error
		resultJSON, err = json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal flow result: %w", err)
		}
	}

	var finishedAt *int64
	var durationMS *int64
	if !rec.FinishedAt.IsZero() {
		ft := rec.FinishedAt.UnixNano()
		finishedAt = &ft
		d := rec.FinishedAt.Sub(rec.StartedAt).Milliseconds()
		durationMS = &d
	}

	query := `
		INSERT INTO runs (run_id, benchmark_id, agent, status, score, result,
			session_path, started_at, finished_at, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			score = excluded.score,
			result = excluded.result,
			session_path = excluded.session_path,
			finished_at = excluded.finished_at,
			duration_ms = excluded.duration_ms
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.RunID, rec.BenchmarkID, rec.Agent, rec.Status, rec.Score,
		resultJSON, rec.SessionPath, rec.StartedAt.UnixNano(), finishedAt,
		durationMS, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	return nil
}

// GetRun retrieves one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	query := `
		SELECT run_id, benchmark_id, agent, status, score, result,
			session_path, started_at, finished_at
		FROM runs WHERE run_id = ?
	`

	rec, err := scanRun(s.db.QueryRowContext(ctx, query, runID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return rec, nil
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	// BenchmarkID filters by benchmark
	BenchmarkID string

	// Agent filters by agent name
	Agent string

	// Since filters runs that started after this time
	Since *time.Time

	// Limit caps the number of results; 0 means 100
	Limit int

	// Offset skips the first N results
	Offset int
}

// ListRuns lists runs matching the filter, most recent first.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	query := `
		SELECT run_id, benchmark_id, agent, status, score, result,
			session_path, started_at, finished_at
		FROM runs WHERE 1=1
	`
	args := []any{}

	if filter.BenchmarkID != "" {
		query += " AND benchmark_id = ?"
		args = append(args, filter.BenchmarkID)
	}
	if filter.Agent != "" {
		query += " AND agent = ?"
		args = append(args, filter.Agent)
	}
	if filter.Since != nil {
		query += " AND started_at >= ?"
		args = append(args, filter.Since.UnixNano())
	}

	query += " ORDER BY started_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return records, nil
}

// PruneRuns deletes runs that started before the cutoff and returns how
// many were removed. Session log files are not touched; callers that want
// them gone remove the files the pruned records pointed at.
func (s *Store) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM runs WHERE started_at < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned runs: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var rec RunRecord
	var resultJSON []byte
	var sessionPath sql.NullString
	var startedAt int64
	var finishedAt sql.NullInt64

	err := row.Scan(
		&rec.RunID, &rec.BenchmarkID, &rec.Agent, &rec.Status, &rec.Score,
		&resultJSON, &sessionPath, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(resultJSON) > 0 {
		var result flow.FlowResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow result: %w", err)
		}
		rec.Result = &result
	}
	rec.SessionPath = sessionPath.String
	rec.StartedAt = time.Unix(0, startedAt)
	if finishedAt.Valid {
		rec.FinishedAt = time.Unix(0, finishedAt.Int64)
	}

	return &rec, nil
}
