package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// newTestRoot creates a fresh cobra root command wired to all subcommands.
// Each test gets an isolated command tree to avoid shared state.
func newTestRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "flowkit",
		SilenceUsage: true,
	}
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewValidateCmd())
	return root
}

// executeCommand runs a cobra command with the given args and captures stdout/stderr.
func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeTestFile creates a temporary file with the given content and returns its path.
func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validFlowJSON = `{
  "id": "greet",
  "nodes": [
    {"id": "question", "kind": "input"},
    {"id": "compose", "kind": "prompt", "config": {"template": "You asked: {question}"}},
    {"id": "result", "kind": "output", "config": {"name": "answer"}}
  ],
  "edges": [
    {"source": "question", "target": "compose"},
    {"source": "compose", "target": "result"}
  ]
}`

const validFlowYAML = `id: greet
nodes:
  - id: question
    kind: input
  - id: compose
    kind: prompt
    config:
      template: "You asked: {question}"
  - id: result
    kind: output
    config:
      name: answer
edges:
  - source: question
    target: compose
  - source: compose
    target: result
`

const cyclicFlowJSON = `{
  "id": "broken",
  "nodes": [
    {"id": "a", "kind": "prompt", "config": {"template": "x"}},
    {"id": "b", "kind": "prompt", "config": {"template": "y"}},
    {"id": "out", "kind": "output"}
  ],
  "edges": [
    {"source": "a", "target": "b"},
    {"source": "b", "target": "a"},
    {"source": "b", "target": "out"}
  ]
}`

func TestValidate_ValidFlow(t *testing.T) {
	path := writeTestFile(t, "flow.json", validFlowJSON)
	stdout, _, err := executeCommand(newTestRoot(), "validate", path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(stdout, "valid") {
		t.Errorf("expected 'valid' in output, got: %q", stdout)
	}
}

func TestValidate_ValidFlowYAML(t *testing.T) {
	path := writeTestFile(t, "flow.yaml", validFlowYAML)
	if _, _, err := executeCommand(newTestRoot(), "validate", path); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_InvalidFlow(t *testing.T) {
	path := writeTestFile(t, "flow.json", cyclicFlowJSON)
	stdout, _, err := executeCommand(newTestRoot(), "validate", path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitValidation {
		t.Fatalf("expected exit code %d, got %v", exitValidation, err)
	}
	if !strings.Contains(stdout, "error") {
		t.Errorf("expected diagnostics in output, got: %q", stdout)
	}
}

func TestValidate_JSONFormat(t *testing.T) {
	path := writeTestFile(t, "flow.json", validFlowJSON)
	stdout, _, err := executeCommand(newTestRoot(), "validate", path, "--format", "json")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	var report struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if !report.Valid {
		t.Error("expected valid=true")
	}
}

func TestValidate_MissingFile(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(), "validate", "/does/not/exist.json")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitFileNotFound {
		t.Fatalf("expected exit code %d, got %v", exitFileNotFound, err)
	}
}

func TestRun_PromptFlow(t *testing.T) {
	path := writeTestFile(t, "flow.json", validFlowJSON)
	stdout, _, err := executeCommand(newTestRoot(), "run", path,
		"--input", `{"question": "why"}`, "--format", "json")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	var exec struct {
		Status  string         `json:"status"`
		Outputs map[string]any `json:"outputs"`
	}
	if err := json.Unmarshal([]byte(stdout), &exec); err != nil {
		t.Fatalf("output is not JSON: %v (output %q)", err, stdout)
	}
	if exec.Status != "completed" {
		t.Fatalf("run status = %q, want completed", exec.Status)
	}
	if got := exec.Outputs["answer"]; got != "You asked: why" {
		t.Errorf("answer = %v", got)
	}
}

func TestRun_InputFile(t *testing.T) {
	flowPath := writeTestFile(t, "flow.json", validFlowJSON)
	inputPath := writeTestFile(t, "inputs.yaml", "question: from a file\n")
	stdout, _, err := executeCommand(newTestRoot(), "run", flowPath,
		"--input-file", inputPath, "--format", "json")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(stdout, "from a file") {
		t.Errorf("expected rendered input in output, got: %q", stdout)
	}
}

func TestRun_MissingRunInputFails(t *testing.T) {
	path := writeTestFile(t, "flow.json", validFlowJSON)
	_, _, err := executeCommand(newTestRoot(), "run", path)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitRuntime {
		t.Fatalf("expected exit code %d, got %v", exitRuntime, err)
	}
}

func TestRun_DryRun(t *testing.T) {
	path := writeTestFile(t, "flow.json", validFlowJSON)
	stdout, _, err := executeCommand(newTestRoot(), "run", path, "--dry-run")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(stdout, "successful") {
		t.Errorf("unexpected dry-run output: %q", stdout)
	}
}

func TestRun_InvalidFlowFails(t *testing.T) {
	path := writeTestFile(t, "flow.json", cyclicFlowJSON)
	_, _, err := executeCommand(newTestRoot(), "run", path)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitValidation {
		t.Fatalf("expected exit code %d, got %v", exitValidation, err)
	}
}

func TestRun_ConflictingInputFlags(t *testing.T) {
	path := writeTestFile(t, "flow.json", validFlowJSON)
	_, _, err := executeCommand(newTestRoot(), "run", path,
		"--input", "{}", "--input-file", "whatever.json")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitInputParse {
		t.Fatalf("expected exit code %d, got %v", exitInputParse, err)
	}
}

func TestApplyProviderFlags(t *testing.T) {
	cfg := Config{}
	if err := applyProviderFlags(&cfg, []string{"anthropic=sk-123", "OpenAI=sk-456"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Providers["anthropic"] != "sk-123" {
		t.Errorf("anthropic key = %q", cfg.Providers["anthropic"])
	}
	if cfg.Providers["openai"] != "sk-456" {
		t.Errorf("openai key = %q", cfg.Providers["openai"])
	}
	if err := applyProviderFlags(&cfg, []string{"missing-equals"}); err == nil {
		t.Error("expected error for malformed flag")
	}
}

func TestLoadConfig_ExplicitFile(t *testing.T) {
	path := writeTestFile(t, "flowkit.yaml", `
default_provider: openai
providers:
  openai: sk-test
sandbox:
  endpoint: http://localhost:9000
sqlite_path: /tmp/flows.db
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultProvider != "openai" {
		t.Errorf("default provider = %q", cfg.DefaultProvider)
	}
	if cfg.Providers["openai"] != "sk-test" {
		t.Errorf("openai key = %q", cfg.Providers["openai"])
	}
	if cfg.Sandbox.Endpoint != "http://localhost:9000" {
		t.Errorf("sandbox endpoint = %q", cfg.Sandbox.Endpoint)
	}
	if cfg.SQLitePath != "/tmp/flows.db" {
		t.Errorf("sqlite path = %q", cfg.SQLitePath)
	}
}

func TestLoadConfig_MissingExplicitFileErrors(t *testing.T) {
	if _, err := LoadConfig("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestResolveAPIKeyEnvFallback(t *testing.T) {
	t.Setenv("TESTPROV_API_KEY", "sk-from-env")
	cfg := Config{}
	if got := cfg.resolveAPIKey("testprov"); got != "sk-from-env" {
		t.Errorf("api key = %q, want env value", got)
	}

	cfg.Providers = map[string]string{"testprov": "sk-from-config"}
	if got := cfg.resolveAPIKey("testprov"); got != "sk-from-config" {
		t.Errorf("api key = %q, config should win", got)
	}
}
