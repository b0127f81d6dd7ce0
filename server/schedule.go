package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrScheduleExists   = errors.New("flow schedule already exists")
	ErrScheduleNotFound = errors.New("flow schedule not found")
	ErrInvalidCron      = errors.New("invalid cron expression")
)

const (
	ScheduleRunStatusRunning        = "running"
	ScheduleRunStatusCompleted      = "completed"
	ScheduleRunStatusFailed         = "failed"
	ScheduleRunStatusSkippedOverlap = "skipped_overlap"
)

// FlowSchedule is a persisted cron schedule for a flow.
type FlowSchedule struct {
	ID      string         `json:"id"`
	FlowID  string         `json:"flow_id"`
	Cron    string         `json:"cron"`
	Enabled bool           `json:"enabled"`
	Inputs  map[string]any `json:"inputs,omitempty"`

	NextRunAt  time.Time  `json:"next_run_at"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastRunID  string     `json:"last_run_id,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Schedules use the plain five-field cron form (minute through day-of-week)
// and always evaluate in UTC. Descriptors and seconds fields are not
// accepted.
var scheduleCronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// parseScheduleCron validates a schedule's cron expression. Timezone
// prefixes are rejected: every schedule fires on UTC wall time.
func parseScheduleCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: expression is empty", ErrInvalidCron)
	}
	upper := strings.ToUpper(expr)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("%w: timezone prefixes are not allowed, schedules are UTC-only", ErrInvalidCron)
	}
	parsed, err := scheduleCronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return parsed, nil
}

// NextRun returns the first UTC instant strictly after now at which the
// schedule's expression fires.
func (s *FlowSchedule) NextRun(now time.Time) (time.Time, error) {
	parsed, err := parseScheduleCron(s.Cron)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.Next(now.UTC()), nil
}

// ScheduleStore provides CRUD + due scheduling operations.
type ScheduleStore interface {
	ListSchedules(ctx context.Context, flowID string) ([]FlowSchedule, error)
	GetSchedule(ctx context.Context, flowID, scheduleID string) (FlowSchedule, bool, error)
	CreateSchedule(ctx context.Context, schedule FlowSchedule) error
	UpdateSchedule(ctx context.Context, schedule FlowSchedule) error
	DeleteSchedule(ctx context.Context, flowID, scheduleID string) error
	DeleteByFlow(ctx context.Context, flowID string) error
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]FlowSchedule, error)
}

// MemoryScheduleStore keeps schedules in process memory.
type MemoryScheduleStore struct {
	mu        sync.RWMutex
	schedules map[string]FlowSchedule
}

var _ ScheduleStore = (*MemoryScheduleStore)(nil)

func NewMemoryScheduleStore() *MemoryScheduleStore {
	return &MemoryScheduleStore{schedules: make(map[string]FlowSchedule)}
}

func (m *MemoryScheduleStore) ListSchedules(_ context.Context, flowID string) ([]FlowSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []FlowSchedule
	for _, s := range m.schedules {
		if s.FlowID == flowID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryScheduleStore) GetSchedule(_ context.Context, flowID, scheduleID string) (FlowSchedule, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[scheduleID]
	if !ok || s.FlowID != flowID {
		return FlowSchedule{}, false, nil
	}
	return s, true, nil
}

func (m *MemoryScheduleStore) CreateSchedule(_ context.Context, schedule FlowSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.schedules[schedule.ID]; exists {
		return ErrScheduleExists
	}
	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = schedule.CreatedAt
	}
	m.schedules[schedule.ID] = schedule
	return nil
}

func (m *MemoryScheduleStore) UpdateSchedule(_ context.Context, schedule FlowSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.schedules[schedule.ID]
	if !ok || existing.FlowID != schedule.FlowID {
		return ErrScheduleNotFound
	}
	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = time.Now().UTC()
	}
	schedule.CreatedAt = existing.CreatedAt
	m.schedules[schedule.ID] = schedule
	return nil
}

func (m *MemoryScheduleStore) DeleteSchedule(_ context.Context, flowID, scheduleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[scheduleID]
	if !ok || s.FlowID != flowID {
		return ErrScheduleNotFound
	}
	delete(m.schedules, scheduleID)
	return nil
}

func (m *MemoryScheduleStore) DeleteByFlow(_ context.Context, flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.schedules {
		if s.FlowID == flowID {
			delete(m.schedules, id)
		}
	}
	return nil
}

func (m *MemoryScheduleStore) ListDueSchedules(_ context.Context, now time.Time, limit int) ([]FlowSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []FlowSchedule
	for _, s := range m.schedules {
		if s.Enabled && !s.NextRunAt.After(now) {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
