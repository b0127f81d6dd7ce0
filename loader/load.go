// Package loader reads flow definition files in JSON or YAML form and
// validates them before handing them to the engine or a store.
package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/prompthouse/flowkit/flow"
)

// LoadDefinition loads a flow definition file, converting YAML to JSON as
// needed, and validates it. Validation failures come back as a
// *DiagnosticError carrying every diagnostic.
func LoadDefinition(path string) (*flow.FlowDefinition, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return ParseDefinition(data, path)
}

// ParseDefinition parses and validates definition bytes. The path is only
// consulted for its extension to pick the parse format.
func ParseDefinition(data []byte, path string) (*flow.FlowDefinition, error) {
	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}

	var def flow.FlowDefinition
	if err := json.Unmarshal(jsonData, &def); err != nil {
		return nil, fmt.Errorf("parsing flow definition: %w", err)
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if def.Version == "" {
		def.Version = "1"
	}

	diags := def.Validate()
	if flow.HasErrors(diags) {
		return nil, &DiagnosticError{Diagnostics: diags}
	}
	return &def, nil
}

// isYAML returns true if the file path has a YAML extension.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// toJSON converts data to JSON bytes, handling YAML conversion if the path
// indicates a YAML file.
func toJSON(data []byte, path string) ([]byte, error) {
	if !isYAML(path) {
		return data, nil
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return json.Marshal(raw)
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []flow.Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := flow.Errors(e.Diagnostics)
	if len(errs) == 1 {
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}
