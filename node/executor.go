// Package node provides the capability-indexed node executors for the flow
// engine.
//
// Each node kind has one Executor implementing a uniform execution
// contract over a node's configuration and resolved inputs. New kinds
// register in a Registry without touching the orchestrator.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/prompthouse/flowkit/flow"
)

// Registry errors.
var (
	ErrUnknownKind       = errors.New("no executor registered for node kind")
	ErrDuplicateExecutor = errors.New("executor already registered for node kind")
)

// FailureKind classifies an executor failure for the orchestrator's retry
// and propagation policy.
type FailureKind string

const (
	FailureMissingRunInput    FailureKind = "missing_run_input"
	FailureUnresolvedVariable FailureKind = "unresolved_variable"
	FailureInvalidConfig      FailureKind = "invalid_config"
	FailureProvider           FailureKind = "provider_error"
	FailureSandboxFault       FailureKind = "sandbox_fault"
	FailureTimeout            FailureKind = "timeout"
)

// Failure is a classified node execution failure. Only retriable failures
// are eligible for the orchestrator's retry policy; everything else
// propagates to run-level failed status immediately.
type Failure struct {
	Kind      FailureKind
	Message   string
	Retriable bool
	Cause     error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Message != "" {
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	}
	return string(f.Kind)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (f *Failure) Unwrap() error {
	return f.Cause
}

// Fatal builds a non-retriable failure.
func Fatal(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Retriable builds a retriable failure.
func Retriable(kind FailureKind, cause error) *Failure {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Failure{Kind: kind, Message: msg, Retriable: true, Cause: cause}
}

// IsRetriable reports whether err is a Failure marked retriable.
func IsRetriable(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Retriable
}

// ClassifyKind returns the failure kind behind err, or empty when err is
// not a Failure.
func ClassifyKind(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// Usage is the token consumption reported by one model call. The engine
// aggregates it per model name across a run's llm nodes.
type Usage struct {
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Request carries everything an executor may consume: the node's spec,
// its resolved inputs from the data router, and the run's external inputs
// (only the input executor reads the latter).
type Request struct {
	Spec      flow.NodeSpec
	Inputs    map[string]any
	RunInputs map[string]any
}

// Input returns a resolved input by port name.
func (r Request) Input(name string) (any, bool) {
	v, ok := r.Inputs[name]
	return v, ok
}

// Result is a successful execution outcome: named output ports (most
// executors publish a single "output" port) plus optional token usage.
type Result struct {
	Outputs map[string]any
	Usage   *Usage
}

// Single wraps one value as the default output port.
func Single(value any) Result {
	return Result{Outputs: map[string]any{flow.DefaultOutputPort: value}}
}

// Executor performs one node kind's work given resolved inputs. Execute
// must honor ctx cancellation and deadlines for any external call; purely
// local executors may ignore ctx.
type Executor interface {
	Kind() flow.NodeKind
	Execute(ctx context.Context, req Request) (Result, error)
}
