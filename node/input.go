package node

import (
	"context"

	"github.com/prompthouse/flowkit/flow"
)

// InputExecutor copies one of the run's external inputs into the node's
// output. The key is the node's declared variable name (config "name"),
// falling back to the node id. Identity work: never retried, never
// suspends.
type InputExecutor struct{}

// NewInputExecutor creates the input-kind executor.
func NewInputExecutor() *InputExecutor {
	return &InputExecutor{}
}

// Kind returns flow.NodeKindInput.
func (e *InputExecutor) Kind() flow.NodeKind {
	return flow.NodeKindInput
}

// Execute binds the run input under the node's declared name.
func (e *InputExecutor) Execute(_ context.Context, req Request) (Result, error) {
	name := req.Spec.ConfigString("name", req.Spec.ID)

	value, ok := req.RunInputs[name]
	if !ok {
		return Result{}, Fatal(FailureMissingRunInput, "run did not supply required input %q", name)
	}
	return Single(value), nil
}

var _ Executor = (*InputExecutor)(nil)
