package loader

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prompthouse/flowkit/flow"
)

const yamlFlow = `
id: qa-flow
version: "2"
name: Question answering
nodes:
  - id: question
    kind: input
  - id: compose
    kind: prompt
    config:
      template: "Answer briefly: {question}"
  - id: answer
    kind: llm
    config:
      model: gpt-4o
      prompt: "{compose}"
  - id: result
    kind: output
edges:
  - source: question
    target: compose
    targetPort: question
  - source: compose
    target: answer
    targetPort: compose
  - source: answer
    target: result
`

const jsonFlow = `{
  "id": "mini",
  "version": "1",
  "nodes": [
    {"id": "in", "kind": "input"},
    {"id": "out", "kind": "output"}
  ],
  "edges": [
    {"source": "in", "target": "out"}
  ]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefinition_YAML(t *testing.T) {
	def, err := LoadDefinition(writeFile(t, "qa.yaml", yamlFlow))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if def.ID != "qa-flow" || def.Version != "2" {
		t.Errorf("unexpected identity: %s@%s", def.ID, def.Version)
	}
	if len(def.Nodes) != 4 || len(def.Edges) != 3 {
		t.Errorf("unexpected shape: %d nodes, %d edges", len(def.Nodes), len(def.Edges))
	}
	spec, ok := def.NodeByID("answer")
	if !ok || spec.Kind != flow.NodeKindLLM {
		t.Errorf("llm node did not load: %+v", spec)
	}
	if spec.ConfigString("model", "") != "gpt-4o" {
		t.Errorf("config did not load: %v", spec.Config)
	}
}

func TestLoadDefinition_JSON(t *testing.T) {
	def, err := LoadDefinition(writeFile(t, "mini.json", jsonFlow))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if def.ID != "mini" {
		t.Errorf("unexpected id: %s", def.ID)
	}
}

func TestLoadDefinition_DefaultsIdentityFromFilename(t *testing.T) {
	content := `{"nodes":[{"id":"in","kind":"input"},{"id":"out","kind":"output"}],"edges":[{"source":"in","target":"out"}]}`
	def, err := LoadDefinition(writeFile(t, "my-flow.json", content))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if def.ID != "my-flow" {
		t.Errorf("id should default to filename, got %q", def.ID)
	}
	if def.Version != "1" {
		t.Errorf("version should default to 1, got %q", def.Version)
	}
}

func TestLoadDefinition_ValidationFailure(t *testing.T) {
	content := `{"id":"bad","version":"1","nodes":[{"id":"a","kind":"input"}],"edges":[{"source":"a","target":"ghost"}]}`
	_, err := LoadDefinition(writeFile(t, "bad.json", content))
	if err == nil {
		t.Fatal("expected validation error")
	}
	var diagErr *DiagnosticError
	if !errors.As(err, &diagErr) {
		t.Fatalf("expected DiagnosticError, got %T", err)
	}
	if len(flow.Errors(diagErr.Diagnostics)) == 0 {
		t.Error("expected at least one error diagnostic")
	}
}

func TestLoadDefinition_MissingFile(t *testing.T) {
	if _, err := LoadDefinition(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
