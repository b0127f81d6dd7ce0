package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/prompthouse/flowkit/engine"
)

// MetricsHandler records counters and histograms for node executions,
// retries, failures and run durations.
type MetricsHandler struct {
	nodeExecutions metric.Int64Counter
	nodeRetries    metric.Int64Counter
	nodeFailures   metric.Int64Counter
	runsFinished   metric.Int64Counter
	runDuration    metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter
// to create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	nodeExec, err := meter.Int64Counter("flowkit.node.executions",
		metric.WithDescription("Number of successful node executions"),
	)
	if err != nil {
		return nil, err
	}

	nodeRetries, err := meter.Int64Counter("flowkit.node.retries",
		metric.WithDescription("Number of node retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	nodeFail, err := meter.Int64Counter("flowkit.node.failures",
		metric.WithDescription("Number of node failures"),
	)
	if err != nil {
		return nil, err
	}

	runsFinished, err := meter.Int64Counter("flowkit.run.finished",
		metric.WithDescription("Number of finished runs by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("flowkit.run.duration",
		metric.WithDescription("Duration of a flow run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions: nodeExec,
		nodeRetries:    nodeRetries,
		nodeFailures:   nodeFail,
		runsFinished:   runsFinished,
		runDuration:    runDur,
	}, nil
}

// Handle records the metrics for one engine event. It is safe for
// concurrent use and can be passed directly as an engine.EventHandler.
func (h *MetricsHandler) Handle(e engine.Event) {
	ctx := context.Background()
	nodeAttrs := metric.WithAttributes(
		attribute.String("node_kind", string(e.NodeKind)),
		attribute.String("node_id", e.NodeID),
	)

	switch e.Kind {
	case engine.EventNodeFinished:
		h.nodeExecutions.Add(ctx, 1, nodeAttrs)
	case engine.EventNodeRetrying:
		h.nodeRetries.Add(ctx, 1, nodeAttrs)
	case engine.EventNodeFailed:
		h.nodeFailures.Add(ctx, 1, nodeAttrs)
	case engine.EventRunFinished:
		statusAttrs := metric.WithAttributes(
			attribute.String("status", payloadString(e, "status", "")),
		)
		h.runsFinished.Add(ctx, 1, statusAttrs)
		h.runDuration.Record(ctx, e.Elapsed.Seconds(), statusAttrs)
	}
}
