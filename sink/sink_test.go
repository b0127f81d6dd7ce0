package sink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prompthouse/flowkit/engine"
)

func sampleTransition(runID string, seq uint64) engine.Transition {
	return engine.Transition{
		RunID:   runID,
		Scope:   engine.ScopeNode,
		NodeID:  "answer",
		Attempt: 1,
		From:    engine.StatusPending,
		To:      engine.StatusRunning,
		At:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Seq:     seq,
	}
}

func sampleExecution(runID, flowID string, started time.Time) *engine.Execution {
	return &engine.Execution{
		ID:          runID,
		FlowID:      flowID,
		FlowVersion: "2",
		Status:      engine.StatusRunning,
		Inputs:      map[string]any{"question": "q"},
		TokenUsage:  map[string]engine.ModelUsage{"gpt-4o": {PromptTokens: 4, CompletionTokens: 2}},
		Nodes: map[string]*engine.NodeRecord{
			"answer": {NodeID: "answer", Status: engine.StatusRunning, Attempts: 1},
		},
		StartedAt: started,
	}
}

func testSinks(t *testing.T) map[string]interface {
	engine.RecordSink
	History
} {
	t.Helper()
	sqlite, err := NewSQLite(SQLiteConfig{DSN: filepath.Join(t.TempDir(), "sink.db")})
	if err != nil {
		t.Fatalf("open sqlite sink: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]interface {
		engine.RecordSink
		History
	}{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestSink_TransitionIdempotency(t *testing.T) {
	for name, s := range testSinks(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr := sampleTransition("run-1", 1)
			if err := s.RecordTransition(ctx, tr); err != nil {
				t.Fatalf("record: %v", err)
			}
			// Same transition again: must not duplicate.
			if err := s.RecordTransition(ctx, tr); err != nil {
				t.Fatalf("re-record: %v", err)
			}
			// A different attempt of the same node is a new transition.
			tr2 := tr
			tr2.Attempt = 2
			tr2.Seq = 2
			if err := s.RecordTransition(ctx, tr2); err != nil {
				t.Fatalf("record second attempt: %v", err)
			}

			got, err := s.Transitions(ctx, "run-1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("expected 2 transitions, got %d", len(got))
			}
			if got[0].Attempt != 1 || got[1].Attempt != 2 {
				t.Errorf("unexpected order: %+v", got)
			}
		})
	}
}

func TestSink_SnapshotUpsert(t *testing.T) {
	for name, s := range testSinks(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			exec := sampleExecution("run-1", "qa-flow", started)
			if err := s.RecordSnapshot(ctx, exec); err != nil {
				t.Fatalf("snapshot: %v", err)
			}

			// Second snapshot with terminal state replaces the first.
			done := started.Add(3 * time.Second)
			exec2 := sampleExecution("run-1", "qa-flow", started)
			exec2.Status = engine.StatusCompleted
			exec2.Outputs = map[string]any{"answer": "42"}
			exec2.CompletedAt = &done
			exec2.ExecutionTimeMs = 3000
			if err := s.RecordSnapshot(ctx, exec2); err != nil {
				t.Fatalf("second snapshot: %v", err)
			}

			got, err := s.Execution(ctx, "run-1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != engine.StatusCompleted {
				t.Errorf("expected completed snapshot, got %s", got.Status)
			}
			if got.Outputs["answer"] != "42" {
				t.Errorf("unexpected outputs: %v", got.Outputs)
			}
			if got.TokenUsage["gpt-4o"].PromptTokens != 4 {
				t.Errorf("unexpected usage: %+v", got.TokenUsage)
			}
			if got.Nodes["answer"] == nil {
				t.Error("expected node record to round-trip")
			}
		})
	}
}

func TestSink_ExecutionNotFound(t *testing.T) {
	for name, s := range testSinks(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Execution(context.Background(), "missing"); err != ErrExecutionNotFound {
				t.Errorf("expected ErrExecutionNotFound, got %v", err)
			}
		})
	}
}

func TestSink_ListExecutions(t *testing.T) {
	for name, s := range testSinks(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			for i, spec := range []struct {
				runID, flowID string
			}{
				{"run-a", "flow-1"},
				{"run-b", "flow-1"},
				{"run-c", "flow-2"},
			} {
				exec := sampleExecution(spec.runID, spec.flowID, base.Add(time.Duration(i)*time.Minute))
				if err := s.RecordSnapshot(ctx, exec); err != nil {
					t.Fatalf("snapshot %s: %v", spec.runID, err)
				}
			}

			all, err := s.ListExecutions(ctx, "", 0)
			if err != nil {
				t.Fatalf("list all: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("expected 3 executions, got %d", len(all))
			}
			if all[0].ID != "run-c" {
				t.Errorf("expected newest first, got %s", all[0].ID)
			}

			flow1, err := s.ListExecutions(ctx, "flow-1", 1)
			if err != nil {
				t.Fatalf("list flow-1: %v", err)
			}
			if len(flow1) != 1 || flow1[0].ID != "run-b" {
				t.Errorf("unexpected filtered list: %+v", flow1)
			}
		})
	}
}
