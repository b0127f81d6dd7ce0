// Package engine executes flow definitions: it plans the graph, routes
// data between nodes, schedules ready nodes onto a bounded worker pool,
// and maintains the run's execution record.
package engine

import (
	"sync/atomic"
	"time"

	"github.com/prompthouse/flowkit/flow"
)

// EventKind identifies the type of event emitted during a run.
type EventKind string

const (
	// EventRunStarted is emitted when a run begins executing.
	EventRunStarted EventKind = "run.started"

	// EventNodeStarted is emitted when a node attempt begins.
	EventNodeStarted EventKind = "node.started"

	// EventNodeRetrying is emitted before a retry attempt of a node that
	// failed transiently.
	EventNodeRetrying EventKind = "node.retrying"

	// EventNodeFinished is emitted when a node completes successfully.
	EventNodeFinished EventKind = "node.finished"

	// EventNodeFailed is emitted when a node exhausts its attempts or
	// fails fatally.
	EventNodeFailed EventKind = "node.failed"

	// EventNodeCancelled is emitted for nodes interrupted or never
	// started because the run stopped early.
	EventNodeCancelled EventKind = "node.cancelled"

	// EventRunFinished is emitted when a run reaches a terminal status.
	EventRunFinished EventKind = "run.finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what happened during a run.
// Events are kept small; full node outputs live in the execution record.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID identifies the run.
	RunID string

	// NodeID is the node that produced this event (empty for run-level events).
	NodeID string

	// NodeKind is the kind of node (empty for run-level events).
	NodeKind flow.NodeKind

	// Time is when the event occurred.
	Time time.Time

	// Attempt is the attempt number (1-indexed) for retry scenarios.
	Attempt int

	// Elapsed is the duration since the run started.
	Elapsed time.Duration

	// Payload contains event-specific data. Keep it small.
	Payload map[string]any

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Attempt: 1,
		Payload: make(map[string]any),
	}
}

// WithNode sets the node information on the event.
func (e Event) WithNode(nodeID string, nodeKind flow.NodeKind) Event {
	e.NodeID = nodeID
	e.NodeKind = nodeKind
	return e
}

// WithAttempt sets the attempt number on the event.
func (e Event) WithAttempt(attempt int) Event {
	e.Attempt = attempt
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventHandler receives events during execution. Handlers may be invoked
// from multiple goroutines and must be safe for concurrent use.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// seqGen produces monotonically increasing sequence numbers for one run.
type seqGen struct {
	counter atomic.Uint64
}

// Next returns the next sequence number (1-indexed).
func (s *seqGen) Next() uint64 {
	return s.counter.Add(1)
}
