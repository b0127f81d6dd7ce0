package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/prompthouse/flowkit/engine"
	"github.com/prompthouse/flowkit/flow"
	flowotel "github.com/prompthouse/flowkit/otel"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func TestTracingHandler_RunSpanLifecycle(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(engine.Event{
		Kind:    engine.EventRunStarted,
		RunID:   "run-1",
		Time:    now,
		Payload: map[string]any{"flow_version": "3"},
	})

	if !h.ActiveRunSpanContext("run-1").IsValid() {
		t.Fatal("expected valid run span context after run.started")
	}

	h.Handle(engine.Event{
		Kind:    engine.EventRunFinished,
		RunID:   "run-1",
		Time:    now.Add(100 * time.Millisecond),
		Elapsed: 100 * time.Millisecond,
		Payload: map[string]any{"status": "completed"},
	})

	if h.ActiveRunSpanContext("run-1").IsValid() {
		t.Error("run span should be released after run.finished")
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	runSpan := spans[0]
	if runSpan.Name != "run:run-1" {
		t.Errorf("span name = %q, want %q", runSpan.Name, "run:run-1")
	}
	if runSpan.Status.Code != otelcodes.Ok {
		t.Errorf("span status = %v, want Ok", runSpan.Status.Code)
	}

	foundRunID := false
	for _, attr := range runSpan.Attributes {
		if string(attr.Key) == "flowkit.run_id" && attr.Value.AsString() == "run-1" {
			foundRunID = true
		}
	}
	if !foundRunID {
		t.Error("expected flowkit.run_id attribute on run span")
	}
}

func TestTracingHandler_NodeSpanIsChildOfRunSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(engine.Event{Kind: engine.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(engine.Event{
		Kind:     engine.EventNodeStarted,
		RunID:    "run-1",
		NodeID:   "compose",
		NodeKind: flow.NodeKindPrompt,
		Time:     now,
	})

	runSC := h.ActiveRunSpanContext("run-1")
	nodeSC := h.ActiveSpanContext("run-1", "compose")
	if !nodeSC.IsValid() {
		t.Fatal("expected valid node span context after node.started")
	}
	if nodeSC.TraceID() != runSC.TraceID() {
		t.Error("node span should share the run span's trace")
	}

	h.Handle(engine.Event{
		Kind:   engine.EventNodeFinished,
		RunID:  "run-1",
		NodeID: "compose",
		Time:   now.Add(20 * time.Millisecond),
	})
	h.Handle(engine.Event{
		Kind:    engine.EventRunFinished,
		RunID:   "run-1",
		Time:    now.Add(30 * time.Millisecond),
		Payload: map[string]any{"status": "completed"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	// Node span ends first, so it is exported first.
	if spans[0].Name != "node:compose" {
		t.Errorf("first exported span = %q, want %q", spans[0].Name, "node:compose")
	}
	if spans[0].Parent.SpanID() != runSC.SpanID() {
		t.Error("node span parent should be the run span")
	}
}

func TestTracingHandler_FailedNodeRecordsError(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(engine.Event{Kind: engine.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(engine.Event{
		Kind:     engine.EventNodeStarted,
		RunID:    "run-1",
		NodeID:   "ask",
		NodeKind: flow.NodeKindLLM,
		Time:     now,
	})
	h.Handle(engine.Event{
		Kind:    engine.EventNodeRetrying,
		RunID:   "run-1",
		NodeID:  "ask",
		Attempt: 2,
		Time:    now.Add(10 * time.Millisecond),
		Payload: map[string]any{"error": "provider unavailable"},
	})
	h.Handle(engine.Event{
		Kind:    engine.EventNodeFailed,
		RunID:   "run-1",
		NodeID:  "ask",
		Attempt: 3,
		Time:    now.Add(20 * time.Millisecond),
		Payload: map[string]any{"error": "provider unavailable"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	nodeSpan := spans[0]
	if nodeSpan.Status.Code != otelcodes.Error {
		t.Errorf("span status = %v, want Error", nodeSpan.Status.Code)
	}
	if nodeSpan.Status.Description != "provider unavailable" {
		t.Errorf("span status description = %q", nodeSpan.Status.Description)
	}

	foundRetry := false
	for _, ev := range nodeSpan.Events {
		if ev.Name == "retry" {
			foundRetry = true
		}
	}
	if !foundRetry {
		t.Error("expected a retry span event")
	}
}

func TestTracingHandler_IgnoresUnknownNode(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(engine.Event{
		Kind:   engine.EventNodeFinished,
		RunID:  "run-x",
		NodeID: "never-started",
		Time:   time.Now(),
	})

	if got := len(exporter.GetSpans()); got != 0 {
		t.Fatalf("got %d spans, want 0", got)
	}
}
