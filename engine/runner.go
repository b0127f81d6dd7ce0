package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/prompthouse/flowkit/flow"
)

// Runner errors.
var ErrRunNotFound = errors.New("run not found")

// Runner is the run trigger surface: it starts runs asynchronously, serves
// point-in-time snapshots of their state, and cancels them cooperatively.
// Finished runs stay readable for the process lifetime; durable history
// lives in the engine's record sink.
type Runner struct {
	engine *Engine
	log    *slog.Logger

	mu   sync.RWMutex
	runs map[string]*trackedRun
}

type trackedRun struct {
	cancel context.CancelFunc
	latest atomic.Pointer[Execution]
	done   chan struct{}
}

// NewRunner creates a runner over the given engine.
func NewRunner(engine *Engine, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		engine: engine,
		log:    logger,
		runs:   make(map[string]*trackedRun),
	}
}

// Start validates def, assigns a run id, and launches the run in the
// background. The returned id is immediately queryable via Get; an error
// means the definition failed validation and nothing was started.
func (r *Runner) Start(def *flow.FlowDefinition, inputs map[string]any, handler EventHandler) (string, error) {
	// Plan up front so an invalid definition is rejected synchronously.
	if _, err := flow.NewPlan(def); err != nil {
		return "", err
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	tracked := &trackedRun{cancel: cancel, done: make(chan struct{})}
	tracked.latest.Store(&Execution{
		ID:          runID,
		FlowID:      def.ID,
		FlowVersion: def.Version,
		Status:      StatusPending,
		Inputs:      inputs,
	})

	r.mu.Lock()
	r.runs[runID] = tracked
	r.mu.Unlock()

	go func() {
		defer cancel()
		defer close(tracked.done)
		_, err := r.engine.Execute(runCtx, def, inputs, RunOptions{
			RunID:        runID,
			EventHandler: handler,
			Observer: func(snapshot *Execution) {
				tracked.latest.Store(snapshot)
			},
		})
		if err != nil && !errors.Is(err, ErrRunCancelled) {
			r.log.Warn("run finished with error", "run_id", runID, "flow_id", def.ID, "error", err)
		}
	}()

	return runID, nil
}

// Get returns a snapshot of the run's current state.
func (r *Runner) Get(runID string) (*Execution, error) {
	r.mu.RLock()
	tracked, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return tracked.latest.Load(), nil
}

// Cancel requests cooperative cancellation of a run. Cancelling a run that
// already reached a terminal status is a no-op; only an unknown id errors.
func (r *Runner) Cancel(runID string) error {
	r.mu.RLock()
	tracked, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return ErrRunNotFound
	}
	tracked.cancel()
	return nil
}

// Wait blocks until the run reaches a terminal status or ctx expires, then
// returns the final snapshot.
func (r *Runner) Wait(ctx context.Context, runID string) (*Execution, error) {
	r.mu.RLock()
	tracked, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	select {
	case <-tracked.done:
		return tracked.latest.Load(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// List returns snapshots of all tracked runs, newest first.
func (r *Runner) List() []*Execution {
	r.mu.RLock()
	snapshots := make([]*Execution, 0, len(r.runs))
	for _, tracked := range r.runs {
		snapshots = append(snapshots, tracked.latest.Load())
	}
	r.mu.RUnlock()

	sort.Slice(snapshots, func(i, j int) bool {
		if !snapshots[i].StartedAt.Equal(snapshots[j].StartedAt) {
			return snapshots[i].StartedAt.After(snapshots[j].StartedAt)
		}
		return snapshots[i].ID < snapshots[j].ID
	})
	return snapshots
}
