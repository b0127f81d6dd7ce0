package node

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/prompthouse/flowkit/flow"
)

// placeholderPattern matches {variable} references in prompt templates.
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// PromptExecutor renders a template string by substituting {variable}
// placeholders from the node's resolved inputs. Rendering is deterministic
// and local: it never calls external services and is never retried.
type PromptExecutor struct{}

// NewPromptExecutor creates the prompt-kind executor.
func NewPromptExecutor() *PromptExecutor {
	return &PromptExecutor{}
}

// Kind returns flow.NodeKindPrompt.
func (e *PromptExecutor) Kind() flow.NodeKind {
	return flow.NodeKindPrompt
}

// Execute renders the configured template against the resolved inputs.
func (e *PromptExecutor) Execute(_ context.Context, req Request) (Result, error) {
	template := req.Spec.ConfigString("template", "")
	if template == "" {
		return Result{}, Fatal(FailureInvalidConfig, "prompt node %q has no template", req.Spec.ID)
	}

	rendered, err := RenderTemplate(template, req.Inputs)
	if err != nil {
		return Result{}, err
	}
	return Single(rendered), nil
}

// RenderTemplate substitutes every {variable} placeholder in template with
// the stringified binding from vars. A referenced variable with no binding
// is an unresolved-variable failure.
func RenderTemplate(template string, vars map[string]any) (string, error) {
	var missing []string
	rendered := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return Stringify(value)
	})

	if len(missing) > 0 {
		return "", Fatal(FailureUnresolvedVariable,
			"template references unbound variable(s): %s", strings.Join(missing, ", "))
	}
	return rendered, nil
}

// Stringify converts a bound value to its template representation.
func Stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", v)
	}
}

var _ Executor = (*PromptExecutor)(nil)
