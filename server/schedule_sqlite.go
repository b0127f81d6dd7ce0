package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const scheduleSchema = `
CREATE TABLE IF NOT EXISTS flow_schedules (
	id          TEXT PRIMARY KEY,
	flow_id     TEXT NOT NULL,
	cron_expr   TEXT NOT NULL,
	enabled     INTEGER NOT NULL,
	inputs_json BLOB NOT NULL,
	next_run_at TEXT NOT NULL,
	last_run_at TEXT,
	last_run_id TEXT,
	last_status TEXT,
	last_error  TEXT,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_flow_schedules_flow ON flow_schedules(flow_id);
CREATE INDEX IF NOT EXISTS idx_flow_schedules_due ON flow_schedules(enabled, next_run_at);
`

// SQLiteScheduleStore persists schedules in SQLite. It can share a
// database handle with the flow store and history sink.
type SQLiteScheduleStore struct {
	db *sql.DB
}

var _ ScheduleStore = (*SQLiteScheduleStore)(nil)

// NewSQLiteScheduleStore prepares the schedule table on an open handle.
func NewSQLiteScheduleStore(db *sql.DB) (*SQLiteScheduleStore, error) {
	if _, err := db.Exec(scheduleSchema); err != nil {
		return nil, fmt.Errorf("schedule sqlite store init schema: %w", err)
	}
	return &SQLiteScheduleStore{db: db}, nil
}

const scheduleColumns = `id, flow_id, cron_expr, enabled, inputs_json, next_run_at, last_run_at, last_run_id, last_status, last_error, created_at, updated_at`

func (s *SQLiteScheduleStore) ListSchedules(ctx context.Context, flowID string) ([]FlowSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+scheduleColumns+`
FROM flow_schedules
WHERE flow_id = ?
ORDER BY created_at ASC`, flowID)
	if err != nil {
		return nil, fmt.Errorf("schedule sqlite store list: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (s *SQLiteScheduleStore) GetSchedule(ctx context.Context, flowID, scheduleID string) (FlowSchedule, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+scheduleColumns+`
FROM flow_schedules
WHERE flow_id = ? AND id = ?`, flowID, scheduleID)

	schedule, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FlowSchedule{}, false, nil
		}
		return FlowSchedule{}, false, err
	}
	return schedule, true, nil
}

func (s *SQLiteScheduleStore) CreateSchedule(ctx context.Context, schedule FlowSchedule) error {
	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = schedule.CreatedAt
	}

	inputsJSON, err := marshalScheduleInputs(schedule.Inputs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO flow_schedules
	(`+scheduleColumns+`)
VALUES
	(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.ID,
		schedule.FlowID,
		schedule.Cron,
		boolToInt(schedule.Enabled),
		inputsJSON,
		schedule.NextRunAt.UTC().Format(time.RFC3339Nano),
		formatNullableTime(schedule.LastRunAt),
		nullIfEmpty(schedule.LastRunID),
		nullIfEmpty(schedule.LastStatus),
		nullIfEmpty(schedule.LastError),
		schedule.CreatedAt.UTC().Format(time.RFC3339Nano),
		schedule.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: flow_schedules.id") {
			return ErrScheduleExists
		}
		return fmt.Errorf("schedule sqlite store create: %w", err)
	}
	return nil
}

func (s *SQLiteScheduleStore) UpdateSchedule(ctx context.Context, schedule FlowSchedule) error {
	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = time.Now().UTC()
	}

	inputsJSON, err := marshalScheduleInputs(schedule.Inputs)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE flow_schedules
SET
	cron_expr = ?,
	enabled = ?,
	inputs_json = ?,
	next_run_at = ?,
	last_run_at = ?,
	last_run_id = ?,
	last_status = ?,
	last_error = ?,
	updated_at = ?
WHERE flow_id = ? AND id = ?`,
		schedule.Cron,
		boolToInt(schedule.Enabled),
		inputsJSON,
		schedule.NextRunAt.UTC().Format(time.RFC3339Nano),
		formatNullableTime(schedule.LastRunAt),
		nullIfEmpty(schedule.LastRunID),
		nullIfEmpty(schedule.LastStatus),
		nullIfEmpty(schedule.LastError),
		schedule.UpdatedAt.UTC().Format(time.RFC3339Nano),
		schedule.FlowID,
		schedule.ID,
	)
	if err != nil {
		return fmt.Errorf("schedule sqlite store update: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("schedule sqlite store update affected rows: %w", err)
	}
	if affected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *SQLiteScheduleStore) DeleteSchedule(ctx context.Context, flowID, scheduleID string) error {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM flow_schedules
WHERE flow_id = ? AND id = ?`, flowID, scheduleID)
	if err != nil {
		return fmt.Errorf("schedule sqlite store delete: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("schedule sqlite store delete affected rows: %w", err)
	}
	if affected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *SQLiteScheduleStore) DeleteByFlow(ctx context.Context, flowID string) error {
	if _, err := s.db.ExecContext(ctx, `
DELETE FROM flow_schedules
WHERE flow_id = ?`, flowID); err != nil {
		return fmt.Errorf("schedule sqlite store delete by flow: %w", err)
	}
	return nil
}

func (s *SQLiteScheduleStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]FlowSchedule, error) {
	query := `
SELECT ` + scheduleColumns + `
FROM flow_schedules
WHERE enabled = 1 AND next_run_at <= ?
ORDER BY next_run_at ASC`
	args := []any{now.UTC().Format(time.RFC3339Nano)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("schedule sqlite store list due: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

type scheduleScanner interface {
	Scan(dest ...any) error
}

func collectSchedules(rows *sql.Rows) ([]FlowSchedule, error) {
	var schedules []FlowSchedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule sqlite store rows: %w", err)
	}
	return schedules, nil
}

func scanSchedule(scanner scheduleScanner) (FlowSchedule, error) {
	var (
		id         string
		flowID     string
		cronExpr   string
		enabledRaw int
		inputsRaw  []byte
		nextRunAt  string
		lastRunAt  sql.NullString
		lastRunID  sql.NullString
		lastStatus sql.NullString
		lastError  sql.NullString
		createdAt  string
		updatedAt  string
	)
	if err := scanner.Scan(
		&id,
		&flowID,
		&cronExpr,
		&enabledRaw,
		&inputsRaw,
		&nextRunAt,
		&lastRunAt,
		&lastRunID,
		&lastStatus,
		&lastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return FlowSchedule{}, err
	}

	next, err := time.Parse(time.RFC3339Nano, nextRunAt)
	if err != nil {
		return FlowSchedule{}, fmt.Errorf("schedule sqlite store parse next_run_at: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return FlowSchedule{}, fmt.Errorf("schedule sqlite store parse created_at: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return FlowSchedule{}, fmt.Errorf("schedule sqlite store parse updated_at: %w", err)
	}
	inputs, err := unmarshalScheduleInputs(inputsRaw)
	if err != nil {
		return FlowSchedule{}, err
	}

	schedule := FlowSchedule{
		ID:         id,
		FlowID:     flowID,
		Cron:       cronExpr,
		Enabled:    enabledRaw != 0,
		Inputs:     inputs,
		NextRunAt:  next,
		LastRunID:  lastRunID.String,
		LastStatus: lastStatus.String,
		LastError:  lastError.String,
		CreatedAt:  created,
		UpdatedAt:  updated,
	}
	if lastRunAt.Valid && lastRunAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, lastRunAt.String)
		if err != nil {
			return FlowSchedule{}, fmt.Errorf("schedule sqlite store parse last_run_at: %w", err)
		}
		schedule.LastRunAt = &t
	}
	return schedule, nil
}

func marshalScheduleInputs(inputs map[string]any) ([]byte, error) {
	if inputs == nil {
		return []byte(`{}`), nil
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("schedule sqlite store marshal inputs: %w", err)
	}
	return data, nil
}

func unmarshalScheduleInputs(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var inputs map[string]any
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return nil, fmt.Errorf("schedule sqlite store unmarshal inputs: %w", err)
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	return inputs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatNullableTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
