// Package llmprovider bridges iris LLM providers to the node.ModelClient
// interface the engine's llm executor consumes.
package llmprovider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	iriscore "github.com/petal-labs/iris/core"
	"github.com/petal-labs/iris/providers"
	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"

	"github.com/prompthouse/flowkit/node"
)

// Config holds the credentials for one provider.
type Config struct {
	APIKey string `json:"api_key" yaml:"api_key"`
}

// NewClient creates a node.ModelClient for the named provider. It delegates
// to the iris provider registry to instantiate the underlying provider.
func NewClient(name string, cfg Config) (node.ModelClient, error) {
	provider, err := providers.Create(name, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", name, err)
	}
	return &irisClient{name: name, provider: provider}, nil
}

// irisClient wraps an iris Provider as a ModelClient.
type irisClient struct {
	name     string
	provider iriscore.Provider
}

// Name returns the provider name.
func (c *irisClient) Name() string {
	return c.name
}

// Invoke sends the prompt as a single-turn chat request.
func (c *irisClient) Invoke(ctx context.Context, prompt string, cfg node.ModelConfig) (node.Completion, error) {
	messages := make([]iriscore.Message, 0, 2)
	if cfg.System != "" {
		messages = append(messages, iriscore.Message{
			Role:    iriscore.RoleSystem,
			Content: cfg.System,
		})
	}
	messages = append(messages, iriscore.Message{
		Role:    iriscore.RoleUser,
		Content: prompt,
	})

	req := &iriscore.ChatRequest{
		Model:    iriscore.ModelID(cfg.Model),
		Messages: messages,
	}
	if cfg.Temperature != nil {
		temp := float32(*cfg.Temperature)
		req.Temperature = &temp
	}
	if cfg.MaxTokens != nil {
		req.MaxTokens = cfg.MaxTokens
	}

	resp, err := c.provider.Chat(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return node.Completion{}, ctx.Err()
		}
		return node.Completion{}, &node.ProviderError{
			Provider:  c.name,
			Message:   "chat request failed",
			Retriable: retriableChatError(err),
			Cause:     err,
		}
	}

	return node.Completion{
		Text:             resp.Output,
		Model:            string(resp.Model),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// permanentErrorMarkers flag provider failures that retrying cannot fix.
var permanentErrorMarkers = []string{
	"invalid api key",
	"unauthorized",
	"forbidden",
	"bad request",
	"not found",
	"status 400",
	"status 401",
	"status 403",
	"status 404",
}

// retriableChatError reports whether a provider failure is worth retrying.
// Rate limits, overload, and transport errors are transient; auth and
// request-shape errors are not.
func retriableChatError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentErrorMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	return true
}

var _ node.ModelClient = (*irisClient)(nil)
