// Package sandbox runs untrusted user code through an external isolation
// service. The engine's python executor consumes the Runner interface;
// this package provides the HTTP-backed implementation.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prompthouse/flowkit/node"
)

// ErrSandboxUnavailable indicates no sandbox endpoint is configured.
var ErrSandboxUnavailable = errors.New("sandbox endpoint not configured")

// HTTPConfig configures the HTTP sandbox runner.
type HTTPConfig struct {
	// Endpoint is the sandbox service URL. Requests POST to
	// <endpoint>/execute.
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// HTTPRunner executes code by POSTing it to a sandbox service. The service
// is trusted to enforce the given limits; the runner additionally honors
// ctx so a cancelled run abandons the request.
type HTTPRunner struct {
	endpoint string
	client   *http.Client
}

// NewHTTPRunner creates a runner for the given sandbox service.
func NewHTTPRunner(cfg HTTPConfig) (*HTTPRunner, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, ErrSandboxUnavailable
	}
	return &HTTPRunner{
		endpoint: strings.TrimRight(endpoint, "/"),
		// Per-request deadlines come from ctx; no client-level timeout.
		client: &http.Client{},
	}, nil
}

type executeRequest struct {
	Code           string         `json:"code"`
	Inputs         map[string]any `json:"inputs"`
	TimeoutSeconds float64        `json:"timeout_seconds"`
	MemoryMB       int            `json:"memory_mb,omitempty"`
}

type executeResponse struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// Run submits the code and returns the value it produced. Any service or
// user-code failure comes back as a plain error; the python executor
// classifies it as a non-retriable sandbox fault.
func (r *HTTPRunner) Run(ctx context.Context, code string, inputs map[string]any, limits node.SandboxLimits) (any, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	body, err := json.Marshal(executeRequest{
		Code:           code,
		Inputs:         inputs,
		TimeoutSeconds: limits.Timeout.Seconds(),
		MemoryMB:       limits.MemoryMB,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sandbox: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("sandbox: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		message := strings.TrimSpace(string(respBody))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("sandbox: service returned status %d: %s", resp.StatusCode, message)
	}

	var decoded executeResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("sandbox: decode response: %w", err)
	}
	if decoded.Error != "" {
		if decoded.Stderr != "" {
			return nil, fmt.Errorf("sandbox: %s\n%s", decoded.Error, decoded.Stderr)
		}
		return nil, fmt.Errorf("sandbox: %s", decoded.Error)
	}
	return decoded.Result, nil
}

var _ node.SandboxRunner = (*HTTPRunner)(nil)
