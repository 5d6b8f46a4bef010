package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

const (
	AnthropicBaseURL    = "https://api.anthropic.com/v1"
	AnthropicModel      = "claude-3-5-haiku-20241022"
	AnthropicAPIVersion = "2023-06-01"
	defaultMaxTokens    = 4096
)

// Anthropic calls the Messages API and forces a single tool call whose input
// schema is the requested response schema.
type Anthropic struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

type anthContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthMessage struct {
	Role    string        `json:"role"`
	Content []anthContent `json:"content"`
}

type anthTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type anthRequest struct {
	Model      string          `json:"model"`
	MaxTokens  int             `json:"max_tokens"`
	System     string          `json:"system,omitempty"`
	Messages   []anthMessage   `json:"messages"`
	Tools      []anthTool      `json:"tools,omitempty"`
	ToolChoice *anthToolChoice `json:"tool_choice,omitempty"`
}

type anthResponse struct {
	Content    []anthContent `json:"content"`
	StopReason string        `json:"stop_reason"`
}

// NewAnthropic creates an Anthropic provider. The key falls back to ANTHROPIC_API_KEY.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	model := cfg.Model
	if model == "" {
		model = AnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = AnthropicBaseURL
	}
	return &Anthropic{
		apiKey:     apiKey,
		model:      model,
		maxTokens:  maxTokens,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: newHTTPClient(cfg.Timeout),
	}, nil
}

// Name implements Provider.
func (c *Anthropic) Name() string { return "anthropic" }

// Complete implements Provider.
func (c *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	body := anthRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    req.System,
		Messages: []anthMessage{{
			Role:    "user",
			Content: []anthContent{{Type: "text", Text: req.Prompt}},
		}},
	}
	if req.Schema != nil {
		body.Tools = []anthTool{{
			Name:        req.SchemaName,
			Description: "Record the structured answer.",
			InputSchema: req.Schema,
		}}
		body.ToolChoice = &anthToolChoice{Type: "tool", Name: req.SchemaName}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", AnthropicAPIVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", transportError(c.Name(), err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", transportError(c.Name(), err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", &StatusError{Provider: c.Name(), StatusCode: httpResp.StatusCode, Body: string(data)}
	}

	var resp anthResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrSchemaMismatch, err)
	}

	if req.Schema == nil {
		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		return text.String(), nil
	}
	for _, block := range resp.Content {
		if block.Type == "tool_use" && block.Name == req.SchemaName && len(block.Input) > 0 {
			return string(block.Input), nil
		}
	}
	return "", fmt.Errorf("%w: no %s tool call (stop reason %q)", ErrSchemaMismatch, req.SchemaName, resp.StopReason)
}
