// ABOUTME: Generic chat-completion HTTP client implementing Provider
// ABOUTME: POSTs {messages, tools} and expects a {text | tool_call | abstain} JSON reply

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProvider calls a chat-completion-shaped HTTP endpoint. It is the
// fallback for any GATEWAY_LLM_PROVIDER value other than "mock" — no
// provider SDK appears anywhere in the reference corpus this implementation
// is grounded on, so a minimal JSON-over-HTTP client is used directly
// instead of inventing a dependency (see DESIGN.md).
type HTTPProvider struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

// NewHTTPProvider builds an HTTPProvider with a bounded-timeout client.
func NewHTTPProvider(endpoint, apiKey string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Messages []Message        `json:"messages"`
	Tools    []ToolDescriptor `json:"tools,omitempty"`
}

type chatResponse struct {
	Text     string   `json:"text,omitempty"`
	ToolCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"tool_call,omitempty"`
	Abstain bool `json:"abstain,omitempty"`
}

// Plan implements Provider by POSTing the conversation and parsing the
// strictly-typed response body into the Plan sum type.
func (p *HTTPProvider) Plan(ctx context.Context, history []Message, tools []ToolDescriptor) (Plan, error) {
	body, err := json.Marshal(chatRequest{Messages: history, Tools: tools})
	if err != nil {
		return Plan{}, fmt.Errorf("llm: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Plan{}, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return Plan{}, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Plan{}, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Plan{}, fmt.Errorf("llm: provider returned status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Plan{}, fmt.Errorf("llm: decode response: %w", err)
	}

	switch {
	case parsed.ToolCall != nil:
		return PlanTool(ToolCall{Name: parsed.ToolCall.Name, Args: parsed.ToolCall.Args}), nil
	case parsed.Abstain:
		return PlanAbstain(), nil
	default:
		return PlanText(parsed.Text), nil
	}
}
