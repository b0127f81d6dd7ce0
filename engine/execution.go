package engine

import (
	"context"
	"time"

	"github.com/prompthouse/flowkit/flow"
)

// Status is the lifecycle state of a run or of a single node within a run.
// The only legal moves are pending -> running and running -> one of the
// terminal states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ModelUsage aggregates token consumption for one model across a run.
type ModelUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// TotalTokens returns the combined token count.
func (u ModelUsage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// NodeRecord captures one node's progress within a run.
type NodeRecord struct {
	NodeID         string         `json:"node_id"`
	Kind           flow.NodeKind  `json:"kind"`
	Status         Status         `json:"status"`
	Attempts       int            `json:"attempts"`
	ResolvedInputs map[string]any `json:"resolved_inputs,omitempty"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	Error          string         `json:"error,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

// Execution is the record of one run of a flow version: external inputs,
// named outputs, per-node progress, aggregated token usage, and timing.
type Execution struct {
	ID              string                 `json:"id"`
	FlowID          string                 `json:"flow_id"`
	FlowVersion     string                 `json:"flow_version"`
	Status          Status                 `json:"status"`
	Inputs          map[string]any         `json:"inputs,omitempty"`
	Outputs         map[string]any         `json:"outputs,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	TokenUsage      map[string]ModelUsage  `json:"token_usage,omitempty"`
	Nodes           map[string]*NodeRecord `json:"nodes,omitempty"`
	ExecutionTimeMs int64                  `json:"execution_time_ms"`
	StartedAt       time.Time              `json:"started_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to callers while the run is
// still being mutated by the engine.
func (x *Execution) Clone() *Execution {
	cp := *x
	cp.Inputs = copyMap(x.Inputs)
	cp.Outputs = copyMap(x.Outputs)
	if x.TokenUsage != nil {
		cp.TokenUsage = make(map[string]ModelUsage, len(x.TokenUsage))
		for k, v := range x.TokenUsage {
			cp.TokenUsage[k] = v
		}
	}
	if x.Nodes != nil {
		cp.Nodes = make(map[string]*NodeRecord, len(x.Nodes))
		for id, rec := range x.Nodes {
			r := *rec
			r.ResolvedInputs = copyMap(rec.ResolvedInputs)
			r.Outputs = copyMap(rec.Outputs)
			cp.Nodes[id] = &r
		}
	}
	if x.CompletedAt != nil {
		t := *x.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// TransitionScope distinguishes run-level from node-level transitions.
type TransitionScope string

const (
	ScopeRun  TransitionScope = "run"
	ScopeNode TransitionScope = "node"
)

// Transition is one status change in a run's history. The tuple
// (RunID, Scope, NodeID, Attempt, To) identifies a transition; recording
// the same tuple twice is a no-op for conforming sinks.
type Transition struct {
	RunID   string          `json:"run_id"`
	Scope   TransitionScope `json:"scope"`
	NodeID  string          `json:"node_id,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
	From    Status          `json:"from"`
	To      Status          `json:"to"`
	Error   string          `json:"error,omitempty"`
	At      time.Time       `json:"at"`
	Seq     uint64          `json:"seq"`
}

// RecordSink persists a run's history. Implementations must be safe for
// concurrent use and idempotent on duplicate transitions; the engine keeps
// running when a sink write fails, so sinks should log their own errors
// rather than panic.
type RecordSink interface {
	// RecordTransition appends one status change to the run's history.
	RecordTransition(ctx context.Context, t Transition) error

	// RecordSnapshot upserts the current state of the execution record.
	RecordSnapshot(ctx context.Context, exec *Execution) error
}

// DiscardSink drops everything. Used when no persistence is configured.
type DiscardSink struct{}

func (DiscardSink) RecordTransition(context.Context, Transition) error { return nil }
func (DiscardSink) RecordSnapshot(context.Context, *Execution) error   { return nil }

var _ RecordSink = DiscardSink{}
