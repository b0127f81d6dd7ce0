package node

import (
	"context"
	"errors"
	"time"

	"github.com/prompthouse/flowkit/flow"
)

// DefaultSandboxTimeout bounds a sandbox run when the node does not
// configure its own timeout.
const DefaultSandboxTimeout = 30 * time.Second

// SandboxLimits constrains a sandboxed code run.
type SandboxLimits struct {
	// Timeout is the wall-clock limit for the run.
	Timeout time.Duration

	// MemoryMB caps the sandbox memory, in megabytes. Zero means the
	// runner's default.
	MemoryMB int
}

// SandboxRunner executes untrusted user code in isolation and returns the
// value the code produced. Implementations talk to an external sandbox
// service; they must honor ctx and the given limits.
type SandboxRunner interface {
	Run(ctx context.Context, code string, inputs map[string]any, limits SandboxLimits) (any, error)
}

// PythonExecutor runs a node's user-supplied Python code through a
// SandboxRunner. Sandbox faults are never retried: user code is not
// assumed idempotent, so a failed run fails the node outright.
type PythonExecutor struct {
	runner SandboxRunner
}

// NewPythonExecutor creates the python-kind executor backed by runner.
func NewPythonExecutor(runner SandboxRunner) *PythonExecutor {
	return &PythonExecutor{runner: runner}
}

// Kind returns flow.NodeKindPython.
func (e *PythonExecutor) Kind() flow.NodeKind {
	return flow.NodeKindPython
}

// Execute runs the configured code with the resolved inputs bound as the
// sandbox's input namespace.
func (e *PythonExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	if e.runner == nil {
		return Result{}, Fatal(FailureInvalidConfig, "python node %q has no sandbox runner", req.Spec.ID)
	}

	code := req.Spec.ConfigString("code", "")
	if code == "" {
		return Result{}, Fatal(FailureInvalidConfig, "python node %q has no code", req.Spec.ID)
	}

	limits := SandboxLimits{Timeout: DefaultSandboxTimeout}
	if s := req.Spec.ConfigString("timeout", ""); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return Result{}, Fatal(FailureInvalidConfig, "python node %q: invalid timeout %q", req.Spec.ID, s)
		}
		limits.Timeout = d
	}
	if raw, ok := req.Spec.Config["memory_mb"]; ok {
		mb, err := toInt(raw)
		if err != nil {
			return Result{}, Fatal(FailureInvalidConfig, "python node %q: memory_mb: %v", req.Spec.ID, err)
		}
		limits.MemoryMB = mb
	}

	runCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	value, err := e.runner.Run(runCtx, code, req.Inputs, limits)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, &Failure{
				Kind:    FailureTimeout,
				Message: "sandbox run exceeded " + limits.Timeout.String(),
				Cause:   err,
			}
		}
		return Result{}, &Failure{Kind: FailureSandboxFault, Message: err.Error(), Cause: err}
	}
	return Single(value), nil
}

var _ Executor = (*PythonExecutor)(nil)
