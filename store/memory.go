package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/prompthouse/flowkit/flow"
)

// Memory is an in-memory flow store for tests and ephemeral setups.
type Memory struct {
	mu    sync.RWMutex
	flows map[string][]*flow.FlowDefinition // id -> versions, oldest first
}

// NewMemory creates an empty in-memory flow store.
func NewMemory() *Memory {
	return &Memory{flows: make(map[string][]*flow.FlowDefinition)}
}

func cloneDef(def *flow.FlowDefinition) *flow.FlowDefinition {
	// Definitions are treated as immutable once stored; a JSON round-trip
	// detaches the copy from caller-held maps and slices.
	data, err := json.Marshal(def)
	if err != nil {
		cp := *def
		return &cp
	}
	var cp flow.FlowDefinition
	if err := json.Unmarshal(data, &cp); err != nil {
		c := *def
		return &c
	}
	return &cp
}

// Create stores a new flow as version "1".
func (m *Memory) Create(_ context.Context, def *flow.FlowDefinition) (*flow.FlowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneDef(def)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	} else if _, exists := m.flows[cp.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrFlowExists, cp.ID)
	}
	cp.Version = "1"
	if cp.Status == "" {
		cp.Status = flow.FlowStatusDraft
	}
	m.flows[cp.ID] = []*flow.FlowDefinition{cp}
	return cloneDef(cp), nil
}

// Get returns the latest version of a flow.
func (m *Memory) Get(_ context.Context, id string) (*flow.FlowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions, ok := m.flows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, id)
	}
	return cloneDef(versions[len(versions)-1]), nil
}

// GetVersion returns one specific version of a flow.
func (m *Memory) GetVersion(_ context.Context, id, version string) (*flow.FlowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions, ok := m.flows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, id)
	}
	for _, def := range versions {
		if def.Version == version {
			return cloneDef(def), nil
		}
	}
	return nil, fmt.Errorf("%w: %s@%s", ErrVersionNotFound, id, version)
}

// Update stores def as the next version of an existing flow.
func (m *Memory) Update(_ context.Context, def *flow.FlowDefinition) (*flow.FlowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions, ok := m.flows[def.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, def.ID)
	}

	latest := versions[len(versions)-1]
	next, err := strconv.Atoi(latest.Version)
	if err != nil {
		next = len(versions)
	}
	cp := cloneDef(def)
	cp.Version = strconv.Itoa(next + 1)
	if cp.Status == "" {
		cp.Status = latest.Status
	}
	m.flows[def.ID] = append(versions, cp)
	return cloneDef(cp), nil
}

// Delete removes a flow and all its versions.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flows[id]; !ok {
		return fmt.Errorf("%w: %s", ErrFlowNotFound, id)
	}
	delete(m.flows, id)
	return nil
}

// List returns the latest version of every flow, ordered by id.
func (m *Memory) List(_ context.Context) ([]*flow.FlowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*flow.FlowDefinition, 0, len(m.flows))
	for _, versions := range m.flows {
		out = append(out, cloneDef(versions[len(versions)-1]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListVersions returns all versions of a flow, oldest first.
func (m *Memory) ListVersions(_ context.Context, id string) ([]*flow.FlowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions, ok := m.flows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, id)
	}
	out := make([]*flow.FlowDefinition, len(versions))
	for i, def := range versions {
		out[i] = cloneDef(def)
	}
	return out, nil
}

var _ FlowStore = (*Memory)(nil)
