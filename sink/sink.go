// Package sink persists run histories: append-only status transitions plus
// upserted execution snapshots. Sinks are idempotent on duplicate
// transitions so a re-delivered record never duplicates history.
package sink

import (
	"context"
	"errors"

	"github.com/prompthouse/flowkit/engine"
)

// ErrExecutionNotFound indicates no execution record exists for a run id.
var ErrExecutionNotFound = errors.New("execution not found")

// History reads back what a sink recorded. Both provided sinks implement
// it alongside engine.RecordSink.
type History interface {
	// Transitions returns a run's status changes in recording order.
	Transitions(ctx context.Context, runID string) ([]engine.Transition, error)

	// Execution returns the latest snapshot for a run.
	Execution(ctx context.Context, runID string) (*engine.Execution, error)

	// ListExecutions returns snapshots newest first, optionally filtered
	// by flow id. limit <= 0 means no limit.
	ListExecutions(ctx context.Context, flowID string, limit int) ([]*engine.Execution, error)
}

// transitionKey identifies a transition for idempotency checks.
type transitionKey struct {
	runID   string
	scope   engine.TransitionScope
	nodeID  string
	attempt int
	to      engine.Status
}

func keyOf(t engine.Transition) transitionKey {
	return transitionKey{
		runID:   t.RunID,
		scope:   t.Scope,
		nodeID:  t.NodeID,
		attempt: t.Attempt,
		to:      t.To,
	}
}
