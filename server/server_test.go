package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prompthouse/flowkit/engine"
	"github.com/prompthouse/flowkit/flow"
	"github.com/prompthouse/flowkit/node"
	"github.com/prompthouse/flowkit/sink"
	"github.com/prompthouse/flowkit/store"
)

type testEnv struct {
	server    *Server
	flows     store.FlowStore
	schedules ScheduleStore
	runner    *engine.Runner
	history   *sink.Memory
}

// newTestEnv creates a Server with in-memory stores and the built-in
// executors, enough to run prompt-only flows end to end.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	flows := store.NewMemory()
	schedules := NewMemoryScheduleStore()
	history := sink.NewMemory()
	eng := engine.New(node.Builtin(), history, engine.Options{})
	runner := engine.NewRunner(eng, nil)

	srv := New(Config{
		Store:         flows,
		ScheduleStore: schedules,
		Runner:        runner,
		History:       history,
	})
	return &testEnv{
		server:    srv,
		flows:     flows,
		schedules: schedules,
		runner:    runner,
		history:   history,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}
	r := httptest.NewRequest(method, path, buf)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, r)
	return w
}

func greetingFlow(id string) *flow.FlowDefinition {
	return &flow.FlowDefinition{
		ID: id,
		Nodes: []flow.NodeSpec{
			{ID: "question", Kind: flow.NodeKindInput},
			{ID: "compose", Kind: flow.NodeKindPrompt, Config: map[string]any{
				"template": "You asked: {question}",
			}},
			{ID: "result", Kind: flow.NodeKindOutput, Config: map[string]any{
				"name": "answer",
			}},
		},
		Edges: []flow.EdgeSpec{
			{Source: "question", Target: "compose"},
			{Source: "compose", Target: "result"},
		},
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("got status %q, want %q", body["status"], "ok")
	}
}

func TestCORSHeaders(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("CORS origin = %q, want %q", got, "*")
	}
}

func TestFlowLifecycle(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/flows", greetingFlow("greet"))
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got status %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	var created flow.FlowDefinition
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal created: %v", err)
	}
	if created.Version != "1" {
		t.Errorf("created version = %q, want %q", created.Version, "1")
	}

	// Duplicate create conflicts.
	if w := env.do(t, http.MethodPost, "/api/flows", greetingFlow("greet")); w.Code != http.StatusConflict {
		t.Errorf("duplicate create: got status %d, want %d", w.Code, http.StatusConflict)
	}

	if w := env.do(t, http.MethodGet, "/api/flows/greet", nil); w.Code != http.StatusOK {
		t.Errorf("get: got status %d, want %d", w.Code, http.StatusOK)
	}

	// Update becomes version 2.
	updated := greetingFlow("greet")
	updated.Name = "greeting flow"
	w = env.do(t, http.MethodPut, "/api/flows/greet", updated)
	if w.Code != http.StatusOK {
		t.Fatalf("update: got status %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var v2 flow.FlowDefinition
	if err := json.Unmarshal(w.Body.Bytes(), &v2); err != nil {
		t.Fatalf("unmarshal updated: %v", err)
	}
	if v2.Version != "2" {
		t.Errorf("updated version = %q, want %q", v2.Version, "2")
	}

	// Explicit snapshot becomes version 3.
	snapshot := greetingFlow("greet")
	snapshot.Name = "greeting flow v3"
	w = env.do(t, http.MethodPost, "/api/flows/greet/versions", snapshot)
	if w.Code != http.StatusCreated {
		t.Fatalf("create version: got status %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	var v3 flow.FlowDefinition
	if err := json.Unmarshal(w.Body.Bytes(), &v3); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if v3.Version != "3" {
		t.Errorf("snapshot version = %q, want %q", v3.Version, "3")
	}

	w = env.do(t, http.MethodGet, "/api/flows/greet/versions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list versions: got status %d, want %d", w.Code, http.StatusOK)
	}
	var versions []flow.FlowDefinition
	if err := json.Unmarshal(w.Body.Bytes(), &versions); err != nil {
		t.Fatalf("unmarshal versions: %v", err)
	}
	if len(versions) != 3 {
		t.Errorf("got %d versions, want 3", len(versions))
	}

	if w := env.do(t, http.MethodGet, "/api/flows/greet/versions/1", nil); w.Code != http.StatusOK {
		t.Errorf("get version 1: got status %d, want %d", w.Code, http.StatusOK)
	}
	if w := env.do(t, http.MethodGet, "/api/flows/greet/versions/9", nil); w.Code != http.StatusNotFound {
		t.Errorf("get missing version: got status %d, want %d", w.Code, http.StatusNotFound)
	}

	w = env.do(t, http.MethodPost, "/api/flows/greet/validate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("validate: got status %d, want %d", w.Code, http.StatusOK)
	}
	var verdict struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("unmarshal verdict: %v", err)
	}
	if !verdict.Valid {
		t.Errorf("validate: flow reported invalid")
	}

	if w := env.do(t, http.MethodDelete, "/api/flows/greet", nil); w.Code != http.StatusNoContent {
		t.Errorf("delete: got status %d, want %d", w.Code, http.StatusNoContent)
	}
	if w := env.do(t, http.MethodGet, "/api/flows/greet", nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete: got status %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestCreateFlowRejectsInvalidDefinition(t *testing.T) {
	env := newTestEnv(t)

	def := greetingFlow("broken")
	def.Edges = append(def.Edges, flow.EdgeSpec{Source: "result", Target: "question"})

	w := env.do(t, http.MethodPost, "/api/flows", def)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got status %d, want %d: %s", w.Code, http.StatusUnprocessableEntity, w.Body.String())
	}
	var body apiError
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if body.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("error code = %q, want VALIDATION_ERROR", body.Error.Code)
	}
}

func TestRunFlowEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodPost, "/api/flows", greetingFlow("greet")); w.Code != http.StatusCreated {
		t.Fatalf("create: got status %d: %s", w.Code, w.Body.String())
	}

	w := env.do(t, http.MethodPost, "/api/flows/greet/run", runRequest{
		Inputs: map[string]any{"question": "why is the sky blue"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("run: got status %d, want %d: %s", w.Code, http.StatusAccepted, w.Body.String())
	}
	var started runStartedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &started); err != nil {
		t.Fatalf("unmarshal run response: %v", err)
	}
	if started.RunID == "" {
		t.Fatal("run response missing run_id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := env.runner.Wait(ctx, started.RunID); err != nil {
		t.Fatalf("wait for run: %v", err)
	}

	w = env.do(t, http.MethodGet, "/api/runs/"+started.RunID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get run: got status %d: %s", w.Code, w.Body.String())
	}
	var exec engine.Execution
	if err := json.Unmarshal(w.Body.Bytes(), &exec); err != nil {
		t.Fatalf("unmarshal execution: %v", err)
	}
	if exec.Status != engine.StatusCompleted {
		t.Fatalf("run status = %q, want %q (error: %s)", exec.Status, engine.StatusCompleted, exec.ErrorMessage)
	}
	if got := exec.Outputs["answer"]; got != "You asked: why is the sky blue" {
		t.Errorf("output answer = %v", got)
	}

	// The run shows up in listings and its transitions are recorded.
	w = env.do(t, http.MethodGet, "/api/runs?flow_id=greet", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list runs: got status %d", w.Code)
	}
	var runs []engine.Execution
	if err := json.Unmarshal(w.Body.Bytes(), &runs); err != nil {
		t.Fatalf("unmarshal runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != started.RunID {
		t.Errorf("list runs = %d entries", len(runs))
	}

	w = env.do(t, http.MethodGet, "/api/runs/"+started.RunID+"/transitions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("transitions: got status %d", w.Code)
	}
	var transitions []engine.Transition
	if err := json.Unmarshal(w.Body.Bytes(), &transitions); err != nil {
		t.Fatalf("unmarshal transitions: %v", err)
	}
	if len(transitions) == 0 {
		t.Error("expected recorded transitions")
	}
}

func TestRunFlowMissingFlow(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/flows/nope/run", runRequest{})
	if w.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/runs/nope/cancel", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestScheduleLifecycle(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodPost, "/api/flows", greetingFlow("greet")); w.Code != http.StatusCreated {
		t.Fatalf("create flow: got status %d", w.Code)
	}

	w := env.do(t, http.MethodPost, "/api/flows/greet/schedules", scheduleRequest{
		Cron:   "*/5 * * * *",
		Inputs: map[string]any{"question": "scheduled"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create schedule: got status %d: %s", w.Code, w.Body.String())
	}
	var created FlowSchedule
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal schedule: %v", err)
	}
	if !created.Enabled {
		t.Error("schedule should default to enabled")
	}
	if created.NextRunAt.IsZero() {
		t.Error("schedule should have a computed next_run_at")
	}

	path := "/api/flows/greet/schedules/" + created.ID
	if w := env.do(t, http.MethodGet, path, nil); w.Code != http.StatusOK {
		t.Errorf("get schedule: got status %d", w.Code)
	}

	disabled := false
	w = env.do(t, http.MethodPut, path, scheduleRequest{Enabled: &disabled})
	if w.Code != http.StatusOK {
		t.Fatalf("update schedule: got status %d: %s", w.Code, w.Body.String())
	}
	var updated FlowSchedule
	if err := json.Unmarshal(w.Body.Bytes(), &updated); err != nil {
		t.Fatalf("unmarshal updated schedule: %v", err)
	}
	if updated.Enabled {
		t.Error("schedule should be disabled after update")
	}

	if w := env.do(t, http.MethodDelete, path, nil); w.Code != http.StatusNoContent {
		t.Errorf("delete schedule: got status %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, path, nil); w.Code != http.StatusNotFound {
		t.Errorf("get deleted schedule: got status %d", w.Code)
	}
}

func TestScheduleRejectsBadCron(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, http.MethodPost, "/api/flows", greetingFlow("greet")); w.Code != http.StatusCreated {
		t.Fatalf("create flow: got status %d", w.Code)
	}

	for _, expr := range []string{"", "not a cron", "CRON_TZ=America/New_York * * * * *"} {
		w := env.do(t, http.MethodPost, "/api/flows/greet/schedules", scheduleRequest{Cron: expr})
		if w.Code != http.StatusBadRequest {
			t.Errorf("cron %q: got status %d, want %d", expr, w.Code, http.StatusBadRequest)
		}
	}
}

func TestSchedulerRunsDueSchedule(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.flows.Create(ctx, greetingFlow("greet")); err != nil {
		t.Fatalf("create flow: %v", err)
	}

	past := time.Now().UTC().Add(-time.Minute)
	schedule := FlowSchedule{
		ID:        "sched-1",
		FlowID:    "greet",
		Cron:      "*/5 * * * *",
		Enabled:   true,
		Inputs:    map[string]any{"question": "on schedule"},
		NextRunAt: past,
	}
	if err := env.schedules.CreateSchedule(ctx, schedule); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	scheduler, err := NewScheduler(SchedulerConfig{
		Flows:     env.flows,
		Schedules: env.schedules,
		Runner:    env.runner,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if err := scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		latest, found, err := env.schedules.GetSchedule(ctx, "greet", "sched-1")
		if err != nil {
			t.Fatalf("get schedule: %v", err)
		}
		if !found {
			t.Fatal("schedule vanished")
		}
		if latest.LastStatus == ScheduleRunStatusCompleted {
			if latest.LastRunID == "" {
				t.Error("completed schedule missing last_run_id")
			}
			if !latest.NextRunAt.After(past) {
				t.Error("next_run_at was not advanced")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("schedule never completed: status=%q error=%q", latest.LastStatus, latest.LastError)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScheduleNextRun(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 2, 0, 0, time.UTC)
	sched := FlowSchedule{Cron: "*/5 * * * *"}
	next, err := sched.NextRun(now)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	for _, expr := range []string{"", "TZ=UTC * * * * *", "CRON_TZ=America/New_York 0 * * * *", "61 * * * *", "* * * * * *"} {
		sched := FlowSchedule{Cron: expr}
		if _, err := sched.NextRun(now); !errors.Is(err, ErrInvalidCron) {
			t.Errorf("cron %q: expected ErrInvalidCron, got %v", expr, err)
		}
	}
}

func TestBodyTooLarge(t *testing.T) {
	env := newTestEnv(t)

	big := greetingFlow("big")
	// fmt caps padding widths at 1e6, so build the >1MB payload directly.
	big.Description = strings.Repeat("0", 2<<20)
	w := env.do(t, http.MethodPost, "/api/flows", big)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
}
