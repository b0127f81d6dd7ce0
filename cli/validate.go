package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/prompthouse/flowkit/flow"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a flow file without executing",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	out := cmd.OutOrStdout()

	data, err := os.ReadFile(filePath) // #nosec G304 -- path from caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return fmt.Errorf("reading file: %w", err)
	}

	diags, parseErr := collectDiagnostics(data, filePath)
	if parseErr != nil {
		return exitError(exitValidation, "%v", parseErr)
	}

	printValidateDiagnostics(out, diags, format)

	hasErrs := flow.HasErrors(diags)
	hasWarns := len(flow.Warnings(diags)) > 0
	if hasErrs || (strict && hasWarns) {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

// collectDiagnostics parses the file and runs the full structural
// validator, keeping warnings that a load-and-run path would swallow.
func collectDiagnostics(data []byte, filePath string) ([]flow.Diagnostic, error) {
	raw := data
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext == ".yaml" || ext == ".yml" {
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
		jsonData, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = jsonData
	}

	var def flow.FlowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parsing flow definition: %w", err)
	}
	return def.Validate(), nil
}

func printValidateDiagnostics(out io.Writer, diags []flow.Diagnostic, format string) {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{
			"valid":       !flow.HasErrors(diags),
			"diagnostics": diags,
		})
		return
	}

	if len(diags) == 0 {
		fmt.Fprintln(out, "Flow is valid.")
		return
	}
	printDiagnosticsText(out, diags)
}

func printDiagnosticsText(out io.Writer, diags []flow.Diagnostic) {
	for _, d := range diags {
		if d.Path != "" {
			fmt.Fprintf(out, "%s [%s] %s (%s)\n", d.Severity, d.Code, d.Message, d.Path)
			continue
		}
		fmt.Fprintf(out, "%s [%s] %s\n", d.Severity, d.Code, d.Message)
	}
}
