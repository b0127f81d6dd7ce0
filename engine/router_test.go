package engine

import (
	"errors"
	"reflect"
	"testing"

	"github.com/prompthouse/flowkit/flow"
)

func mustPlan(t *testing.T, def *flow.FlowDefinition) *flow.Plan {
	t.Helper()
	p, err := flow.NewPlan(def)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	return p
}

func TestResolveInputs_DefaultPorts(t *testing.T) {
	def := &flow.FlowDefinition{
		ID: "f", Version: "1",
		Nodes: []flow.NodeSpec{
			{ID: "in", Kind: flow.NodeKindInput},
			{ID: "out", Kind: flow.NodeKindOutput},
		},
		Edges: []flow.EdgeSpec{{Source: "in", Target: "out"}},
	}
	p := mustPlan(t, def)
	spec, _ := def.NodeByID("out")

	inputs, err := resolveInputs(p, spec, map[string]map[string]any{
		"in": {flow.DefaultOutputPort: "hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Default target port is the upstream node id.
	if inputs["in"] != "hello" {
		t.Errorf("unexpected inputs: %v", inputs)
	}
}

func TestResolveInputs_NamedTargetPort(t *testing.T) {
	def := &flow.FlowDefinition{
		ID: "f", Version: "1",
		Nodes: []flow.NodeSpec{
			{ID: "in", Kind: flow.NodeKindInput},
			{ID: "p", Kind: flow.NodeKindPrompt, Config: map[string]any{"template": "{question}"}},
			{ID: "out", Kind: flow.NodeKindOutput},
		},
		Edges: []flow.EdgeSpec{
			{Source: "in", Target: "p", TargetPort: "question"},
			{Source: "p", Target: "out"},
		},
	}
	p := mustPlan(t, def)
	spec, _ := def.NodeByID("p")

	inputs, err := resolveInputs(p, spec, map[string]map[string]any{
		"in": {flow.DefaultOutputPort: "why?"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inputs["question"] != "why?" {
		t.Errorf("expected binding under target port, got %v", inputs)
	}
}

func TestResolveInputs_MissingUpstream(t *testing.T) {
	def := &flow.FlowDefinition{
		ID: "f", Version: "1",
		Nodes: []flow.NodeSpec{
			{ID: "in", Kind: flow.NodeKindInput},
			{ID: "out", Kind: flow.NodeKindOutput},
		},
		Edges: []flow.EdgeSpec{{Source: "in", Target: "out"}},
	}
	p := mustPlan(t, def)
	spec, _ := def.NodeByID("out")

	_, err := resolveInputs(p, spec, map[string]map[string]any{})
	if !errors.Is(err, ErrUnresolvedDependency) {
		t.Errorf("expected ErrUnresolvedDependency, got %v", err)
	}
}

func fanInDef(policy string) *flow.FlowDefinition {
	return &flow.FlowDefinition{
		ID: "f", Version: "1",
		Nodes: []flow.NodeSpec{
			{ID: "in", Kind: flow.NodeKindInput},
			{ID: "a", Kind: flow.NodeKindPrompt, Config: map[string]any{"template": "a:{in}"}},
			{ID: "b", Kind: flow.NodeKindPrompt, Config: map[string]any{"template": "b:{in}"}},
			{ID: "merge", Kind: flow.NodeKindPrompt, Config: map[string]any{
				"template": "{texts}",
				"fan_in":   policy,
			}},
			{ID: "out", Kind: flow.NodeKindOutput},
		},
		Edges: []flow.EdgeSpec{
			{Source: "in", Target: "a"},
			{Source: "in", Target: "b"},
			{Source: "a", Target: "merge", TargetPort: "texts"},
			{Source: "b", Target: "merge", TargetPort: "texts"},
			{Source: "merge", Target: "out"},
		},
	}
}

func TestResolveInputs_FanInCollect(t *testing.T) {
	def := fanInDef("collect")
	p := mustPlan(t, def)
	spec, _ := def.NodeByID("merge")

	inputs, err := resolveInputs(p, spec, map[string]map[string]any{
		"a": {flow.DefaultOutputPort: "from-a"},
		"b": {flow.DefaultOutputPort: "from-b"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []any{"from-a", "from-b"}
	if !reflect.DeepEqual(inputs["texts"], want) {
		t.Errorf("expected plan-ordered collection %v, got %v", want, inputs["texts"])
	}
}

func TestResolveInputs_FanInLastWriter(t *testing.T) {
	def := fanInDef("last")
	p := mustPlan(t, def)
	spec, _ := def.NodeByID("merge")

	inputs, err := resolveInputs(p, spec, map[string]map[string]any{
		"a": {flow.DefaultOutputPort: "from-a"},
		"b": {flow.DefaultOutputPort: "from-b"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inputs["texts"] != "from-b" {
		t.Errorf("expected last-writer value from-b, got %v", inputs["texts"])
	}
}
