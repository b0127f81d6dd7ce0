// Package otel translates engine events into OpenTelemetry signals: a
// span per run with child spans per node, plus counters and histograms
// for executions, retries and durations.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/prompthouse/flowkit/engine"
)

// TracingHandler maintains maps of active run and node spans, creating
// and ending them based on event kind.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span
	runCtxs   map[string]context.Context
	nodeSpans map[string]trace.Span
}

// NewTracingHandler creates a TracingHandler that uses the given tracer
// to create spans from engine events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		nodeSpans: make(map[string]trace.Span),
	}
}

// Handle processes an engine event and creates or ends spans
// accordingly. It is safe for concurrent use and can be passed directly
// as an engine.EventHandler.
func (h *TracingHandler) Handle(e engine.Event) {
	switch e.Kind {
	case engine.EventRunStarted:
		h.handleRunStarted(e)
	case engine.EventNodeStarted:
		h.handleNodeStarted(e)
	case engine.EventNodeRetrying:
		h.handleNodeRetrying(e)
	case engine.EventNodeFinished:
		h.handleNodeEnd(e, codes.Ok, "")
	case engine.EventNodeFailed:
		h.handleNodeEnd(e, codes.Error, payloadString(e, "error", "node failed"))
	case engine.EventNodeCancelled:
		h.handleNodeEnd(e, codes.Unset, "")
	case engine.EventRunFinished:
		h.handleRunFinished(e)
	}
}

func (h *TracingHandler) handleRunStarted(e engine.Event) {
	ctx, span := h.tracer.Start(context.Background(), "run:"+e.RunID,
		trace.WithAttributes(
			attribute.String("flowkit.run_id", e.RunID),
		),
		trace.WithTimestamp(e.Time),
	)
	if version := payloadString(e, "flow_version", ""); version != "" {
		span.SetAttributes(attribute.String("flowkit.flow_version", version))
	}

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleNodeStarted(e engine.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "node:"+e.NodeID,
		trace.WithAttributes(
			attribute.String("flowkit.run_id", e.RunID),
			attribute.String("flowkit.node_id", e.NodeID),
			attribute.String("flowkit.node_kind", string(e.NodeKind)),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.nodeSpans[e.RunID+":"+e.NodeID] = span
	h.mu.Unlock()
}

func (h *TracingHandler) handleNodeRetrying(e engine.Event) {
	h.mu.RLock()
	span, ok := h.nodeSpans[e.RunID+":"+e.NodeID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	span.AddEvent("retry",
		trace.WithTimestamp(e.Time),
		trace.WithAttributes(
			attribute.Int("flowkit.attempt", e.Attempt),
			attribute.String("flowkit.error", payloadString(e, "error", "")),
		),
	)
}

func (h *TracingHandler) handleNodeEnd(e engine.Event, status codes.Code, errMsg string) {
	key := e.RunID + ":" + e.NodeID

	h.mu.Lock()
	span, ok := h.nodeSpans[key]
	if ok {
		delete(h.nodeSpans, key)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if e.Attempt > 1 {
		span.SetAttributes(attribute.Int("flowkit.attempts", e.Attempt))
	}
	if status == codes.Error {
		span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	}
	span.SetStatus(status, errMsg)
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleRunFinished(e engine.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	status := payloadString(e, "status", "")
	span.SetAttributes(
		attribute.String("flowkit.status", status),
		attribute.String("flowkit.duration", e.Elapsed.String()),
	)
	if status == string(engine.StatusFailed) {
		span.SetStatus(codes.Error, payloadString(e, "error", "run failed"))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the SpanContext for the active node span, or
// an empty SpanContext when none exists.
func (h *TracingHandler) ActiveSpanContext(runID, nodeID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.nodeSpans[runID+":"+nodeID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the SpanContext for the active run span,
// or an empty SpanContext when none exists.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func payloadString(e engine.Event, key, fallback string) string {
	if v, ok := e.Payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

type spanError string

func (e spanError) Error() string { return string(e) }
