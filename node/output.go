package node

import (
	"context"

	"github.com/prompthouse/flowkit/flow"
)

// OutputExecutor surfaces the value flowing into a terminal node as one of
// the run's named results. It expects exactly one resolved input; the
// validator rejects output nodes with anything else.
type OutputExecutor struct{}

// NewOutputExecutor creates the output-kind executor.
func NewOutputExecutor() *OutputExecutor {
	return &OutputExecutor{}
}

// Kind returns flow.NodeKindOutput.
func (e *OutputExecutor) Kind() flow.NodeKind {
	return flow.NodeKindOutput
}

// Execute passes its single input through unchanged.
func (e *OutputExecutor) Execute(_ context.Context, req Request) (Result, error) {
	if len(req.Inputs) != 1 {
		return Result{}, Fatal(FailureInvalidConfig,
			"output node %q expects exactly one input, got %d", req.Spec.ID, len(req.Inputs))
	}
	for _, value := range req.Inputs {
		return Single(value), nil
	}
	return Result{}, nil // unreachable
}

var _ Executor = (*OutputExecutor)(nil)
