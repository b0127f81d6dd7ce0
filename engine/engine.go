package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prompthouse/flowkit/flow"
	"github.com/prompthouse/flowkit/node"
)

// Engine errors.
var (
	ErrRunCancelled  = errors.New("run was cancelled")
	ErrNodeExecution = errors.New("node execution failed")
)

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	// Concurrency sets the worker pool size (default: 4).
	Concurrency int

	// MaxAttempts bounds attempts per node for retriable failures
	// (default: 3). Fatal failures never retry.
	MaxAttempts int

	// RetryBackoff is the base delay before the first retry; it doubles
	// per attempt (default: 500ms).
	RetryBackoff time.Duration

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time

	// Logger receives engine diagnostics. If nil, slog.Default is used.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// RunOptions customizes a single Execute call.
type RunOptions struct {
	// RunID identifies the run. If empty a UUID is generated.
	RunID string

	// EventHandler receives events during execution. It may be invoked
	// from multiple goroutines.
	EventHandler EventHandler

	// Observer receives a deep-copied snapshot of the execution record
	// after every state change. Called from a single goroutine.
	Observer func(*Execution)
}

// Engine runs flow definitions to completion. It is stateless across runs
// and safe for concurrent Execute calls.
type Engine struct {
	registry *node.Registry
	sink     RecordSink
	opts     Options
}

// New creates an engine over the given executor registry and record sink.
// A nil sink discards history.
func New(registry *node.Registry, sink RecordSink, opts Options) *Engine {
	if sink == nil {
		sink = DiscardSink{}
	}
	return &Engine{
		registry: registry,
		sink:     sink,
		opts:     opts.withDefaults(),
	}
}

// nodeTask is one unit of work dispatched to the pool: a node with its
// inputs fully resolved.
type nodeTask struct {
	spec   flow.NodeSpec
	inputs map[string]any
}

// nodeResult is a finished task. err is nil on success; attempts counts
// all tries including the successful one.
type nodeResult struct {
	nodeID   string
	outputs  map[string]any
	usage    *node.Usage
	attempts int
	err      error
	started  time.Time
	finished time.Time
}

// Execute runs def with the given external inputs and blocks until the run
// reaches a terminal status. The returned Execution always reflects that
// terminal state; the error is non-nil for failed and cancelled runs.
func (e *Engine) Execute(ctx context.Context, def *flow.FlowDefinition, inputs map[string]any, ro RunOptions) (*Execution, error) {
	plan, err := flow.NewPlan(def)
	if err != nil {
		return nil, fmt.Errorf("planning flow %s: %w", def.ID, err)
	}

	runID := ro.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	st := newRunState(e, plan, def, runID, inputs, ro)
	return st.run(ctx)
}

// runState holds everything one run needs. All mutation of exec happens on
// the scheduling loop goroutine; workers only execute tasks and emit.
type runState struct {
	engine *Engine
	plan   *flow.Plan
	def    *flow.FlowDefinition
	exec   *Execution
	ro     RunOptions
	seq    *seqGen
	log    *slog.Logger

	published map[string]map[string]any // nodeID -> output ports
	scheduled map[string]bool
	done      map[string]bool
	queue     []nodeTask // ready, waiting for a free worker, plan order
	inFlight  int

	firstFatal error // first fatal node failure, wins the run error
	stopping   bool  // no further scheduling once set
	cancelled  bool
}

func newRunState(e *Engine, plan *flow.Plan, def *flow.FlowDefinition, runID string, inputs map[string]any, ro RunOptions) *runState {
	now := e.opts.Now()
	exec := &Execution{
		ID:          runID,
		FlowID:      def.ID,
		FlowVersion: def.Version,
		Status:      StatusPending,
		Inputs:      inputs,
		TokenUsage:  make(map[string]ModelUsage),
		Nodes:       make(map[string]*NodeRecord, len(def.Nodes)),
		StartedAt:   now,
	}
	for _, spec := range def.Nodes {
		exec.Nodes[spec.ID] = &NodeRecord{NodeID: spec.ID, Kind: spec.Kind, Status: StatusPending}
	}
	return &runState{
		engine:    e,
		plan:      plan,
		def:       def,
		exec:      exec,
		ro:        ro,
		seq:       &seqGen{},
		log:       e.opts.Logger.With("run_id", runID, "flow_id", def.ID),
		published: make(map[string]map[string]any),
		scheduled: make(map[string]bool),
		done:      make(map[string]bool),
	}
}

func (s *runState) run(ctx context.Context) (*Execution, error) {
	opts := s.engine.opts

	// workCh is unbuffered: a completed send means a worker owns the task.
	// Ready nodes beyond the pool size wait in s.queue, in plan order.
	workCh := make(chan nodeTask)
	resultCh := make(chan nodeResult, opts.Concurrency)

	// Workers run on a context detached from run cancellation: a fatal
	// failure or a user cancel stops new dispatch but never preempts an
	// executor call already in flight. Per-node timeouts, applied inside
	// the executors, remain the only interrupt. stopCh only suppresses
	// further retry attempts.
	execCtx := context.WithoutCancel(ctx)
	stopCh := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopCh) }) }
	defer stop()

	for i := 0; i < opts.Concurrency; i++ {
		go s.worker(execCtx, stopCh, workCh, resultCh)
	}

	s.transitionRun(ctx, StatusPending, StatusRunning, "")
	s.emit(NewEvent(EventRunStarted, s.exec.ID).WithPayload("flow_version", s.def.Version))
	s.observe()

	s.enqueueReady(ctx)

	for s.inFlight > 0 || (!s.stopping && len(s.queue) > 0) {
		var dispatchCh chan<- nodeTask
		var next nodeTask
		if !s.stopping && len(s.queue) > 0 {
			next = s.queue[0]
			dispatchCh = workCh
		}

		var cancelCh <-chan struct{}
		if !s.stopping {
			cancelCh = ctx.Done()
		}

		select {
		case <-cancelCh:
			s.stopping = true
			s.cancelled = true
			stop()

		case dispatchCh <- next:
			s.queue = s.queue[1:]
			s.startNode(ctx, next)

		case res := <-resultCh:
			s.inFlight--
			s.applyResult(ctx, res)
			if s.stopping {
				stop()
			} else {
				s.enqueueReady(ctx)
			}
			s.observe()
		}
	}
	close(workCh)

	if ctx.Err() != nil && !s.cancelled && s.firstFatal == nil {
		s.stopping = true
		s.cancelled = true
	}
	return s.finalize(ctx)
}

// enqueueReady queues every node whose dependencies have all completed.
// Input resolution happens here, on the loop goroutine, so the published
// map needs no locking.
func (s *runState) enqueueReady(ctx context.Context) {
	for _, layer := range s.plan.Layers {
		for _, nodeID := range layer {
			if s.stopping {
				return
			}
			if s.scheduled[nodeID] || !s.dependenciesDone(nodeID) {
				continue
			}
			spec, _ := s.def.NodeByID(nodeID)
			inputs, err := resolveInputs(s.plan, spec, s.published)
			if err != nil {
				s.failNodeLocal(ctx, nodeID, err)
				continue
			}

			s.scheduled[nodeID] = true
			s.queue = append(s.queue, nodeTask{spec: spec, inputs: inputs})
		}
	}
}

// startNode marks a node running once a worker has accepted its task.
func (s *runState) startNode(ctx context.Context, task nodeTask) {
	nodeID := task.spec.ID
	rec := s.exec.Nodes[nodeID]
	now := s.engine.opts.Now()
	rec.Status = StatusRunning
	rec.StartedAt = &now
	rec.ResolvedInputs = task.inputs
	s.transitionNode(ctx, nodeID, 1, StatusPending, StatusRunning, "")
	s.emit(NewEvent(EventNodeStarted, s.exec.ID).WithNode(nodeID, task.spec.Kind))
	s.inFlight++
}

func (s *runState) dependenciesDone(nodeID string) bool {
	for _, pred := range s.plan.Predecessors(nodeID) {
		if !s.done[pred] || s.published[pred] == nil {
			return false
		}
	}
	return true
}

// failNodeLocal handles errors raised before a node ever reaches the pool,
// such as a routing invariant violation.
func (s *runState) failNodeLocal(ctx context.Context, nodeID string, err error) {
	s.scheduled[nodeID] = true
	s.done[nodeID] = true
	rec := s.exec.Nodes[nodeID]
	now := s.engine.opts.Now()
	rec.Status = StatusFailed
	rec.Error = err.Error()
	rec.FinishedAt = &now
	s.transitionNode(ctx, nodeID, 1, StatusPending, StatusFailed, err.Error())
	s.emit(NewEvent(EventNodeFailed, s.exec.ID).WithNode(nodeID, rec.Kind).WithPayload("error", err.Error()))
	s.noteFatal(nodeID, err)
}

func (s *runState) noteFatal(nodeID string, err error) {
	if s.firstFatal == nil {
		s.firstFatal = fmt.Errorf("%w: node %s: %w", ErrNodeExecution, nodeID, err)
	}
	s.stopping = true
}

// worker executes tasks, retrying transient failures with exponential
// backoff. It mutates no run state; outcomes flow back over resultCh.
// ctx is detached from run cancellation: an attempt already started runs
// until it returns. A closed stopCh forbids starting further attempts.
func (s *runState) worker(ctx context.Context, stopCh <-chan struct{}, workCh <-chan nodeTask, resultCh chan<- nodeResult) {
	opts := s.engine.opts
	for task := range workCh {
		started := opts.Now()
		res := nodeResult{nodeID: task.spec.ID, started: started}

		executor, err := s.engine.registry.Resolve(task.spec.Kind)
		if err != nil {
			res.attempts = 1
			res.err = err
			res.finished = opts.Now()
			resultCh <- res
			continue
		}

		req := node.Request{Spec: task.spec, Inputs: task.inputs, RunInputs: s.exec.Inputs}
		var lastErr error
		for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
			res.attempts = attempt
			if attempt > 1 {
				s.transitionNode(ctx, task.spec.ID, attempt, StatusRunning, StatusRunning, lastErr.Error())
				s.emit(NewEvent(EventNodeRetrying, s.exec.ID).
					WithNode(task.spec.ID, task.spec.Kind).
					WithAttempt(attempt).
					WithPayload("error", lastErr.Error()))
			}

			out, execErr := executor.Execute(ctx, req)
			if execErr == nil {
				res.outputs = out.Outputs
				res.usage = out.Usage
				lastErr = nil
				break
			}
			lastErr = execErr
			if !node.IsRetriable(execErr) || stopped(stopCh) {
				break
			}
			if attempt < opts.MaxAttempts {
				backoff := opts.RetryBackoff << (attempt - 1)
				select {
				case <-stopCh:
				case <-time.After(backoff):
				}
				if stopped(stopCh) {
					break
				}
			}
		}

		res.err = lastErr
		res.finished = opts.Now()
		resultCh <- res
	}
}

func stopped(stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

// applyResult folds one finished task into the run, on the loop goroutine.
func (s *runState) applyResult(ctx context.Context, res nodeResult) {
	s.done[res.nodeID] = true
	rec := s.exec.Nodes[res.nodeID]
	rec.Attempts = res.attempts
	finished := res.finished
	rec.FinishedAt = &finished

	spec, _ := s.def.NodeByID(res.nodeID)

	switch {
	case res.err == nil:
		rec.Status = StatusCompleted
		rec.Outputs = res.outputs
		// Late successes during shutdown are recorded but never feed
		// further scheduling.
		s.published[res.nodeID] = res.outputs
		if res.usage != nil {
			u := s.exec.TokenUsage[res.usage.Model]
			u.PromptTokens += res.usage.PromptTokens
			u.CompletionTokens += res.usage.CompletionTokens
			s.exec.TokenUsage[res.usage.Model] = u
		}
		s.transitionNode(ctx, res.nodeID, res.attempts, StatusRunning, StatusCompleted, "")
		s.emit(NewEvent(EventNodeFinished, s.exec.ID).WithNode(res.nodeID, spec.Kind).WithAttempt(res.attempts))

	case s.cancelled || errors.Is(res.err, context.Canceled):
		rec.Status = StatusCancelled
		rec.Error = res.err.Error()
		s.transitionNode(ctx, res.nodeID, res.attempts, StatusRunning, StatusCancelled, res.err.Error())
		s.emit(NewEvent(EventNodeCancelled, s.exec.ID).WithNode(res.nodeID, spec.Kind))

	default:
		rec.Status = StatusFailed
		rec.Error = res.err.Error()
		s.transitionNode(ctx, res.nodeID, res.attempts, StatusRunning, StatusFailed, res.err.Error())
		s.emit(NewEvent(EventNodeFailed, s.exec.ID).
			WithNode(res.nodeID, spec.Kind).
			WithAttempt(res.attempts).
			WithPayload("error", res.err.Error()))
		s.noteFatal(res.nodeID, res.err)
	}
}

// finalize settles never-started nodes, collects outputs, and records the
// run's terminal transition.
func (s *runState) finalize(ctx context.Context) (*Execution, error) {
	now := s.engine.opts.Now()

	var status Status
	var runErr error
	switch {
	case s.cancelled:
		status = StatusCancelled
		runErr = ErrRunCancelled
	case s.firstFatal != nil:
		status = StatusFailed
		runErr = s.firstFatal
	default:
		status = StatusCompleted
	}

	if status != StatusCompleted {
		for _, nodeID := range s.plan.NodeIDs() {
			rec := s.exec.Nodes[nodeID]
			if rec.Status == StatusPending {
				rec.Status = StatusCancelled
				s.transitionNode(ctx, nodeID, 0, StatusPending, StatusCancelled, "")
				s.emit(NewEvent(EventNodeCancelled, s.exec.ID).WithNode(nodeID, rec.Kind))
			}
		}
	}

	// Failed runs keep the partial outputs of branches that completed
	// before the fatal failure; only cancelled runs discard them.
	if status != StatusCancelled {
		outputs := make(map[string]any)
		for _, spec := range s.def.OutputNodes() {
			name := spec.ConfigString("name", spec.ID)
			if ports, ok := s.published[spec.ID]; ok {
				outputs[name] = ports[flow.DefaultOutputPort]
			}
		}
		s.exec.Outputs = outputs
	}

	s.exec.Status = status
	s.exec.CompletedAt = &now
	s.exec.ExecutionTimeMs = now.Sub(s.exec.StartedAt).Milliseconds()
	if runErr != nil {
		s.exec.ErrorMessage = runErr.Error()
	}

	s.transitionRun(ctx, StatusRunning, status, s.exec.ErrorMessage)
	s.emit(NewEvent(EventRunFinished, s.exec.ID).
		WithPayload("status", string(status)).
		WithPayload("execution_time_ms", s.exec.ExecutionTimeMs))

	if err := s.engine.sink.RecordSnapshot(ctx, s.exec.Clone()); err != nil {
		s.log.Warn("record snapshot failed", "error", err)
	}
	s.observe()

	return s.exec, runErr
}

func (s *runState) emit(e Event) {
	e.Seq = s.seq.Next()
	e.Elapsed = s.engine.opts.Now().Sub(s.exec.StartedAt)
	if s.ro.EventHandler != nil {
		s.ro.EventHandler(e)
	}
}

func (s *runState) observe() {
	if s.ro.Observer != nil {
		s.ro.Observer(s.exec.Clone())
	}
}

func (s *runState) transitionRun(ctx context.Context, from, to Status, errMsg string) {
	s.recordTransition(ctx, Transition{
		RunID: s.exec.ID,
		Scope: ScopeRun,
		From:  from,
		To:    to,
		Error: errMsg,
	})
}

func (s *runState) transitionNode(ctx context.Context, nodeID string, attempt int, from, to Status, errMsg string) {
	s.recordTransition(ctx, Transition{
		RunID:   s.exec.ID,
		Scope:   ScopeNode,
		NodeID:  nodeID,
		Attempt: attempt,
		From:    from,
		To:      to,
		Error:   errMsg,
	})
}

func (s *runState) recordTransition(ctx context.Context, t Transition) {
	t.At = s.engine.opts.Now()
	t.Seq = s.seq.Next()
	if err := s.engine.sink.RecordTransition(context.WithoutCancel(ctx), t); err != nil {
		s.log.Warn("record transition failed", "scope", string(t.Scope), "node_id", t.NodeID, "error", err)
	}
}
