package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prompthouse/flowkit/flow"
)

// DefaultLLMTimeout bounds a single model invocation when the node does
// not configure its own timeout.
const DefaultLLMTimeout = 60 * time.Second

// ModelConfig carries the generation parameters for a model invocation.
type ModelConfig struct {
	// Model is the model identifier (e.g., "gpt-4o", "claude-sonnet-4").
	Model string

	// System is the system prompt, if any.
	System string

	// Temperature controls randomness. Nil leaves the provider default.
	Temperature *float64

	// MaxTokens limits the completion length. Nil leaves the provider default.
	MaxTokens *int
}

// Completion is the result of a single model invocation.
type Completion struct {
	// Text is the completion text.
	Text string

	// Model is the model that actually served the request.
	Model string

	// PromptTokens and CompletionTokens report billed usage.
	PromptTokens     int
	CompletionTokens int
}

// ModelClient invokes a language model. Implementations wrap a concrete
// provider; transient failures should be reported via ProviderError with
// Retriable set so the caller can distinguish them from permanent ones.
type ModelClient interface {
	// Name identifies the client for diagnostics.
	Name() string

	// Invoke sends the prompt to the model and returns its completion.
	Invoke(ctx context.Context, prompt string, cfg ModelConfig) (Completion, error)
}

// ProviderError is a failure reported by a model provider.
type ProviderError struct {
	Provider  string
	Message   string
	Retriable bool
	Cause     error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// LLMExecutor invokes a language model with a prompt assembled from the
// node's resolved inputs.
type LLMExecutor struct {
	client ModelClient
}

// NewLLMExecutor creates the llm-kind executor backed by client.
func NewLLMExecutor(client ModelClient) *LLMExecutor {
	return &LLMExecutor{client: client}
}

// Kind returns flow.NodeKindLLM.
func (e *LLMExecutor) Kind() flow.NodeKind {
	return flow.NodeKindLLM
}

// Execute builds the prompt, calls the model, and reports usage. Provider
// failures marked transient and timeouts come back as retriable failures;
// everything else is fatal.
func (e *LLMExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	if e.client == nil {
		return Result{}, Fatal(FailureInvalidConfig, "llm node %q has no model client", req.Spec.ID)
	}

	cfg, err := modelConfigFromSpec(req.Spec)
	if err != nil {
		return Result{}, err
	}

	prompt, err := e.buildPrompt(req)
	if err != nil {
		return Result{}, err
	}

	timeout := DefaultLLMTimeout
	if s := req.Spec.ConfigString("timeout", ""); s != "" {
		d, perr := time.ParseDuration(s)
		if perr != nil {
			return Result{}, Fatal(FailureInvalidConfig, "llm node %q: invalid timeout %q", req.Spec.ID, s)
		}
		timeout = d
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	completion, err := e.client.Invoke(callCtx, prompt, cfg)
	if err != nil {
		return Result{}, classifyInvokeError(err, ctx)
	}

	model := completion.Model
	if model == "" {
		model = cfg.Model
	}

	result := Single(completion.Text)
	result.Usage = &Usage{
		Model:            model,
		PromptTokens:     completion.PromptTokens,
		CompletionTokens: completion.CompletionTokens,
	}
	return result, nil
}

// buildPrompt renders the configured template against the resolved inputs,
// or concatenates the inputs in sorted order when no template is set.
func (e *LLMExecutor) buildPrompt(req Request) (string, error) {
	if template := req.Spec.ConfigString("prompt", ""); template != "" {
		return RenderTemplate(template, req.Inputs)
	}

	names := make([]string, 0, len(req.Inputs))
	for name := range req.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, Stringify(req.Inputs[name]))
	}
	return strings.Join(parts, "\n"), nil
}

func modelConfigFromSpec(spec flow.NodeSpec) (ModelConfig, error) {
	cfg := ModelConfig{
		Model:  spec.ConfigString("model", ""),
		System: spec.ConfigString("system", ""),
	}
	if cfg.Model == "" {
		return ModelConfig{}, Fatal(FailureInvalidConfig, "llm node %q has no model", spec.ID)
	}

	if raw, ok := spec.Config["temperature"]; ok {
		t, err := toFloat(raw)
		if err != nil {
			return ModelConfig{}, Fatal(FailureInvalidConfig, "llm node %q: temperature: %v", spec.ID, err)
		}
		cfg.Temperature = &t
	}
	if raw, ok := spec.Config["max_tokens"]; ok {
		n, err := toInt(raw)
		if err != nil {
			return ModelConfig{}, Fatal(FailureInvalidConfig, "llm node %q: max_tokens: %v", spec.ID, err)
		}
		cfg.MaxTokens = &n
	}
	return cfg, nil
}

// classifyInvokeError maps an Invoke error onto the failure taxonomy.
// A cancelled run context is passed through untouched so the caller can
// tell cancellation apart from node failure.
func classifyInvokeError(err error, runCtx context.Context) error {
	if runCtx.Err() != nil {
		return runCtx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retriable(FailureTimeout, err)
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		if perr.Retriable {
			return Retriable(FailureProvider, err)
		}
		return &Failure{Kind: FailureProvider, Message: perr.Error(), Cause: err}
	}
	return Retriable(FailureProvider, err)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

var _ Executor = (*LLMExecutor)(nil)
