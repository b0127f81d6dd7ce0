package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prompthouse/flowkit/engine"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS run_transitions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	scope TEXT NOT NULL,
	node_id TEXT NOT NULL DEFAULT '',
	attempt INTEGER NOT NULL DEFAULT 0,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	error TEXT,
	at TEXT NOT NULL,
	run_seq INTEGER NOT NULL,
	UNIQUE(run_id, scope, node_id, attempt, to_status)
);

CREATE INDEX IF NOT EXISTS idx_run_transitions_run
ON run_transitions(run_id, seq);

CREATE TABLE IF NOT EXISTS executions (
	run_id TEXT PRIMARY KEY,
	flow_id TEXT NOT NULL,
	flow_version TEXT NOT NULL,
	status TEXT NOT NULL,
	record BLOB NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_executions_flow
ON executions(flow_id, started_at);`

// SQLiteConfig configures the SQLite sink.
type SQLiteConfig struct {
	// DSN is the database connection string.
	DSN string
}

// SQLite persists run histories in a SQLite database. WAL mode is enabled
// for concurrent read access.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite-backed sink.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sink sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sink sqlite open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sink sqlite set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sink sqlite create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// RecordTransition appends a transition. Re-recording the same transition
// is a no-op thanks to the unique index.
func (s *SQLite) RecordTransition(ctx context.Context, t engine.Transition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO run_transitions
		 (run_id, scope, node_id, attempt, from_status, to_status, error, at, run_seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RunID,
		string(t.Scope),
		t.NodeID,
		t.Attempt,
		string(t.From),
		string(t.To),
		t.Error,
		t.At.UTC().Format(time.RFC3339Nano),
		int64(t.Seq),
	)
	if err != nil {
		return fmt.Errorf("sink sqlite record transition: %w", err)
	}
	return nil
}

// RecordSnapshot upserts the execution record, keyed by run id.
func (s *SQLite) RecordSnapshot(ctx context.Context, exec *engine.Execution) error {
	record, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("sink sqlite marshal execution: %w", err)
	}

	var completedAt any
	if exec.CompletedAt != nil {
		completedAt = exec.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (run_id, flow_id, flow_version, status, record, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			record = excluded.record,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`,
		exec.ID,
		exec.FlowID,
		exec.FlowVersion,
		string(exec.Status),
		record,
		exec.StartedAt.UTC().Format(time.RFC3339Nano),
		completedAt,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sink sqlite record snapshot: %w", err)
	}
	return nil
}

// Transitions returns a run's transitions in recording order.
func (s *SQLite) Transitions(ctx context.Context, runID string) ([]engine.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, scope, node_id, attempt, from_status, to_status, error, at, run_seq
		 FROM run_transitions WHERE run_id = ? ORDER BY seq`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("sink sqlite list transitions: %w", err)
	}
	defer rows.Close()

	var transitions []engine.Transition
	for rows.Next() {
		var t engine.Transition
		var scope, from, to, at string
		var errMsg sql.NullString
		var runSeq int64
		if err := rows.Scan(&t.RunID, &scope, &t.NodeID, &t.Attempt, &from, &to, &errMsg, &at, &runSeq); err != nil {
			return nil, fmt.Errorf("sink sqlite scan transition: %w", err)
		}
		t.Scope = engine.TransitionScope(scope)
		t.From = engine.Status(from)
		t.To = engine.Status(to)
		t.Error = errMsg.String
		t.Seq = uint64(runSeq)
		if parsed, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
			t.At = parsed
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// Execution returns the latest snapshot for a run.
func (s *SQLite) Execution(ctx context.Context, runID string) (*engine.Execution, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM executions WHERE run_id = ?`, runID,
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sink sqlite get execution: %w", err)
	}

	var exec engine.Execution
	if err := json.Unmarshal(record, &exec); err != nil {
		return nil, fmt.Errorf("sink sqlite unmarshal execution: %w", err)
	}
	return &exec, nil
}

// ListExecutions returns snapshots newest first, optionally filtered by
// flow id.
func (s *SQLite) ListExecutions(ctx context.Context, flowID string, limit int) ([]*engine.Execution, error) {
	query := `SELECT record FROM executions`
	args := []any{}
	if flowID != "" {
		query += ` WHERE flow_id = ?`
		args = append(args, flowID)
	}
	query += ` ORDER BY started_at DESC, run_id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sink sqlite list executions: %w", err)
	}
	defer rows.Close()

	var execs []*engine.Execution
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("sink sqlite scan execution: %w", err)
		}
		var exec engine.Execution
		if err := json.Unmarshal(record, &exec); err != nil {
			return nil, fmt.Errorf("sink sqlite unmarshal execution: %w", err)
		}
		execs = append(execs, &exec)
	}
	return execs, rows.Err()
}

var (
	_ engine.RecordSink = (*SQLite)(nil)
	_ History           = (*SQLite)(nil)
)
