package sink

import (
	"context"
	"sort"
	"sync"

	"github.com/prompthouse/flowkit/engine"
)

// Memory is an in-memory sink for tests and single-process setups.
type Memory struct {
	mu          sync.Mutex
	transitions map[string][]engine.Transition
	seen        map[transitionKey]bool
	snapshots   map[string]*engine.Execution
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{
		transitions: make(map[string][]engine.Transition),
		seen:        make(map[transitionKey]bool),
		snapshots:   make(map[string]*engine.Execution),
	}
}

// RecordTransition appends a transition, ignoring duplicates.
func (m *Memory) RecordTransition(_ context.Context, t engine.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := keyOf(t)
	if m.seen[key] {
		return nil
	}
	m.seen[key] = true
	m.transitions[t.RunID] = append(m.transitions[t.RunID], t)
	return nil
}

// RecordSnapshot stores the latest execution state for the run.
func (m *Memory) RecordSnapshot(_ context.Context, exec *engine.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[exec.ID] = exec.Clone()
	return nil
}

// Transitions returns a run's transitions in recording order.
func (m *Memory) Transitions(_ context.Context, runID string) ([]engine.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.transitions[runID]
	out := make([]engine.Transition, len(ts))
	copy(out, ts)
	return out, nil
}

// Execution returns the latest snapshot for a run.
func (m *Memory) Execution(_ context.Context, runID string) (*engine.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.snapshots[runID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return exec.Clone(), nil
}

// ListExecutions returns snapshots newest first.
func (m *Memory) ListExecutions(_ context.Context, flowID string, limit int) ([]*engine.Execution, error) {
	m.mu.Lock()
	var execs []*engine.Execution
	for _, exec := range m.snapshots {
		if flowID != "" && exec.FlowID != flowID {
			continue
		}
		execs = append(execs, exec.Clone())
	}
	m.mu.Unlock()

	sort.Slice(execs, func(i, j int) bool {
		if !execs[i].StartedAt.Equal(execs[j].StartedAt) {
			return execs[i].StartedAt.After(execs[j].StartedAt)
		}
		return execs[i].ID < execs[j].ID
	})
	if limit > 0 && len(execs) > limit {
		execs = execs[:limit]
	}
	return execs, nil
}

var (
	_ engine.RecordSink = (*Memory)(nil)
	_ History           = (*Memory)(nil)
)
