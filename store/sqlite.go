package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prompthouse/flowkit/flow"

	_ "modernc.org/sqlite"
)

const flowSQLiteSchema = `
CREATE TABLE IF NOT EXISTS flows (
	id TEXT PRIMARY KEY,
	latest_version INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS flow_versions (
	flow_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	name TEXT,
	status TEXT NOT NULL,
	definition BLOB NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (flow_id, version),
	FOREIGN KEY (flow_id) REFERENCES flows(id) ON DELETE CASCADE
);`

// SQLiteConfig configures the SQLite flow store.
type SQLiteConfig struct {
	DSN string
}

// SQLiteStore persists versioned flow definitions in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite-backed flow store.
func NewSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("flow store sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("flow sqlite store open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("flow sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("flow sqlite store enable foreign keys: %w", err)
	}
	if _, err := db.Exec(flowSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("flow sqlite store create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for sharing with other stores.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Create stores a new flow as version "1".
func (s *SQLiteStore) Create(ctx context.Context, def *flow.FlowDefinition) (*flow.FlowDefinition, error) {
	cp := cloneDef(def)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.Version = "1"
	if cp.Status == "" {
		cp.Status = flow.FlowStatusDraft
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("flow sqlite store begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowStamp()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO flows (id, latest_version, created_at, updated_at) VALUES (?, 1, ?, ?)`,
		cp.ID, now, now,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("%w: %s", ErrFlowExists, cp.ID)
		}
		return nil, fmt.Errorf("flow sqlite store create: %w", err)
	}
	if err := insertVersion(ctx, tx, cp, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("flow sqlite store commit: %w", err)
	}
	return cp, nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, def *flow.FlowDefinition, now string) error {
	version, err := strconv.Atoi(def.Version)
	if err != nil {
		return fmt.Errorf("flow sqlite store: non-numeric version %q", def.Version)
	}
	definition, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("flow sqlite store marshal: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO flow_versions (flow_id, version, name, status, definition, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		def.ID, version, def.Name, string(def.Status), definition, now,
	); err != nil {
		return fmt.Errorf("flow sqlite store insert version: %w", err)
	}
	return nil
}

func scanDefinition(row interface{ Scan(...any) error }) (*flow.FlowDefinition, error) {
	var definition []byte
	if err := row.Scan(&definition); err != nil {
		return nil, err
	}
	var def flow.FlowDefinition
	if err := json.Unmarshal(definition, &def); err != nil {
		return nil, fmt.Errorf("flow sqlite store unmarshal: %w", err)
	}
	return &def, nil
}

// Get returns the latest version of a flow.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*flow.FlowDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fv.definition FROM flow_versions fv
		 JOIN flows f ON f.id = fv.flow_id AND f.latest_version = fv.version
		 WHERE f.id = ?`, id)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("flow sqlite store get: %w", err)
	}
	return def, nil
}

// GetVersion returns one specific version of a flow.
func (s *SQLiteStore) GetVersion(ctx context.Context, id, version string) (*flow.FlowDefinition, error) {
	v, err := strconv.Atoi(version)
	if err != nil {
		return nil, fmt.Errorf("%w: %s@%s", ErrVersionNotFound, id, version)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT definition FROM flow_versions WHERE flow_id = ? AND version = ?`, id, v)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: %s@%s", ErrVersionNotFound, id, version)
	}
	if err != nil {
		return nil, fmt.Errorf("flow sqlite store get version: %w", err)
	}
	return def, nil
}

// Update stores def as the next version of an existing flow.
func (s *SQLiteStore) Update(ctx context.Context, def *flow.FlowDefinition) (*flow.FlowDefinition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("flow sqlite store begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest int
	err = tx.QueryRowContext(ctx, `SELECT latest_version FROM flows WHERE id = ?`, def.ID).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, def.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("flow sqlite store update: %w", err)
	}

	cp := cloneDef(def)
	cp.Version = strconv.Itoa(latest + 1)
	if cp.Status == "" {
		cp.Status = flow.FlowStatusDraft
	}

	now := nowStamp()
	if err := insertVersion(ctx, tx, cp, now); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE flows SET latest_version = ?, updated_at = ? WHERE id = ?`,
		latest+1, now, cp.ID,
	); err != nil {
		return nil, fmt.Errorf("flow sqlite store bump version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("flow sqlite store commit: %w", err)
	}
	return cp, nil
}

// Delete removes a flow and all its versions.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("flow sqlite store delete: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("flow sqlite store delete: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrFlowNotFound, id)
	}
	return nil
}

// List returns the latest version of every flow, ordered by id.
func (s *SQLiteStore) List(ctx context.Context) ([]*flow.FlowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fv.definition FROM flow_versions fv
		 JOIN flows f ON f.id = fv.flow_id AND f.latest_version = fv.version
		 ORDER BY f.id`)
	if err != nil {
		return nil, fmt.Errorf("flow sqlite store list: %w", err)
	}
	defer rows.Close()
	return collectDefinitions(rows)
}

// ListVersions returns all versions of a flow, oldest first.
func (s *SQLiteStore) ListVersions(ctx context.Context, id string) ([]*flow.FlowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM flow_versions WHERE flow_id = ? ORDER BY version`, id)
	if err != nil {
		return nil, fmt.Errorf("flow sqlite store list versions: %w", err)
	}
	defer rows.Close()

	defs, err := collectDefinitions(rows)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, id)
	}
	return defs, nil
}

func collectDefinitions(rows *sql.Rows) ([]*flow.FlowDefinition, error) {
	var defs []*flow.FlowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("flow sqlite store scan: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

var _ FlowStore = (*SQLiteStore)(nil)
