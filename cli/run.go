package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/prompthouse/flowkit/engine"
	"github.com/prompthouse/flowkit/flow"
	"github.com/prompthouse/flowkit/llmprovider"
	"github.com/prompthouse/flowkit/loader"
	"github.com/prompthouse/flowkit/node"
	"github.com/prompthouse/flowkit/sandbox"
	"github.com/prompthouse/flowkit/sink"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a flow file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().StringP("input", "i", "", "Run inputs as inline JSON object")
	cmd.Flags().StringP("input-file", "f", "", "Run inputs from a JSON or YAML file")
	cmd.Flags().StringP("output", "o", "", "Write the execution record to file (default: stdout)")
	cmd.Flags().String("format", "pretty", "Output format: json | pretty")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout")
	cmd.Flags().Bool("dry-run", false, "Validate and plan only, do not execute")
	cmd.Flags().String("provider", "", "LLM provider for llm nodes (default: config, then anthropic)")
	cmd.Flags().StringArray("provider-key", nil, "Set provider API key (repeatable, e.g. --provider-key anthropic=sk-...)")
	cmd.Flags().String("sandbox-endpoint", "", "Python sandbox service URL")
	cmd.Flags().String("config", "", "Path to flowkit.yaml")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	def, err := loadFlowFile(cmd, filePath)
	if err != nil {
		return err
	}

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		if _, err := flow.NewPlan(def); err != nil {
			return exitError(exitValidation, "planning failed: %v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Validation and planning successful.")
		return nil
	}

	inputs, err := buildRunInputs(cmd)
	if err != nil {
		return err
	}

	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	registry, err := registryForFlow(cmd, cfg, def)
	if err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx := cmd.Context()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	eng := engine.New(registry, sink.NewMemory(), engine.Options{})
	exec, err := eng.Execute(ctx, def, inputs, engine.RunOptions{})
	if err != nil && exec == nil {
		return exitError(exitRuntime, "run failed: %v", err)
	}

	if werr := writeExecution(cmd, exec); werr != nil {
		return werr
	}

	switch exec.Status {
	case engine.StatusCompleted:
		return nil
	case engine.StatusCancelled:
		if timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return exitError(exitTimeout, "run timed out after %s", timeout)
		}
		return exitError(exitRuntime, "run cancelled")
	default:
		return exitError(exitRuntime, "run failed: %s", exec.ErrorMessage)
	}
}

func loadFlowFile(cmd *cobra.Command, filePath string) (*flow.FlowDefinition, error) {
	def, err := loader.LoadDefinition(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		var diagErr *loader.DiagnosticError
		if errors.As(err, &diagErr) {
			printDiagnosticsText(cmd.ErrOrStderr(), diagErr.Diagnostics)
			return nil, exitError(exitValidation, "validation failed")
		}
		return nil, exitError(exitValidation, "%v", err)
	}
	return def, nil
}

// buildRunInputs parses --input / --input-file into the run input map.
func buildRunInputs(cmd *cobra.Command) (map[string]any, error) {
	inline, _ := cmd.Flags().GetString("input")
	fromFile, _ := cmd.Flags().GetString("input-file")
	if inline != "" && fromFile != "" {
		return nil, exitError(exitInputParse, "--input and --input-file are mutually exclusive")
	}

	var data []byte
	isYAML := false
	switch {
	case inline != "":
		data = []byte(inline)
	case fromFile != "":
		read, err := os.ReadFile(fromFile) // #nosec G304 -- path from flag
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, exitError(exitFileNotFound, "input file not found: %s", fromFile)
			}
			return nil, exitError(exitInputParse, "reading input file: %v", err)
		}
		data = read
		ext := strings.ToLower(fromFile)
		isYAML = strings.HasSuffix(ext, ".yaml") || strings.HasSuffix(ext, ".yml")
	default:
		return map[string]any{}, nil
	}

	inputs := map[string]any{}
	if isYAML {
		if err := yaml.Unmarshal(data, &inputs); err != nil {
			return nil, exitError(exitInputParse, "parsing inputs: %v", err)
		}
		return inputs, nil
	}
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, exitError(exitInputParse, "parsing inputs: %v", err)
	}
	return inputs, nil
}

func resolveConfig(cmd *cobra.Command) (Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return cfg, exitError(exitRuntime, "%v", err)
	}
	providerFlags, _ := cmd.Flags().GetStringArray("provider-key")
	if err := applyProviderFlags(&cfg, providerFlags); err != nil {
		return cfg, exitError(exitProvider, "%v", err)
	}
	if endpoint, _ := cmd.Flags().GetString("sandbox-endpoint"); endpoint != "" {
		cfg.Sandbox.Endpoint = endpoint
	}
	return cfg, nil
}

// registryForFlow registers the built-in executors plus, when the flow
// actually uses them, an llm executor bound to the selected provider and
// a python executor bound to the sandbox service.
func registryForFlow(cmd *cobra.Command, cfg Config, def *flow.FlowDefinition) (*node.Registry, error) {
	registry := node.Builtin()

	if flowUsesKind(def, flow.NodeKindLLM) {
		providerFlag, _ := cmd.Flags().GetString("provider")
		provider := cfg.providerName(providerFlag)
		client, err := llmprovider.NewClient(provider, llmprovider.Config{
			APIKey: cfg.resolveAPIKey(provider),
		})
		if err != nil {
			return nil, exitError(exitProvider, "resolving provider %q: %v", provider, err)
		}
		if err := registry.Register(node.NewLLMExecutor(client)); err != nil {
			return nil, exitError(exitRuntime, "%v", err)
		}
	}

	if flowUsesKind(def, flow.NodeKindPython) {
		runner, err := sandbox.NewHTTPRunner(cfg.Sandbox)
		if err != nil {
			return nil, exitError(exitRuntime, "flow has python nodes but no sandbox endpoint is configured")
		}
		if err := registry.Register(node.NewPythonExecutor(runner)); err != nil {
			return nil, exitError(exitRuntime, "%v", err)
		}
	}

	return registry, nil
}

func flowUsesKind(def *flow.FlowDefinition, kind flow.NodeKind) bool {
	for _, n := range def.Nodes {
		if n.Kind == kind {
			return true
		}
	}
	return false
}

// writeExecution renders the final execution record to --output or stdout.
func writeExecution(cmd *cobra.Command, exec *engine.Execution) error {
	format, _ := cmd.Flags().GetString("format")
	outPath, _ := cmd.Flags().GetString("output")

	var out io.Writer = cmd.OutOrStdout()
	if outPath != "" {
		f, err := os.Create(outPath) // #nosec G304 -- path from flag
		if err != nil {
			return exitError(exitRuntime, "creating output file: %v", err)
		}
		defer f.Close()
		out = f
	}

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		return enc.Encode(exec)
	case "pretty", "":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(exec)
	default:
		return exitError(exitInputParse, "unknown format %q", format)
	}
}
