package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// AnthropicProvider talks to the Anthropic Messages API
type AnthropicProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// AnthropicRequest represents a request to Anthropic's Messages API
type AnthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []AnthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
}

// AnthropicMessage represents a message in Anthropic format
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicResponse represents a response from Anthropic's API
type AnthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []AnthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      AnthropicUsage          `json:"usage"`
}

// AnthropicContentBlock represents a content block
type AnthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AnthropicUsage represents token usage
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NewAnthropicProvider creates an Anthropic adapter for one API key
func NewAnthropicProvider(apiKey string, opts Options) *AnthropicProvider {
	base := opts.BaseURL
	if base == "" {
		base = anthropicBaseURL
	}
	return &AnthropicProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: defaultHTTPClient(opts.HTTPClient),
	}
}

func (p *AnthropicProvider) Provider() string { return "anthropic" }

func (p *AnthropicProvider) DefaultModels() []string {
	return []string{"claude-3-5-haiku-20241022", "claude-3-5-sonnet-20241022"}
}

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}
}

// Complete calls the Messages API
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) *Response {
	return withModelFallback(req, p.DefaultModels(), func(model string) *Response {
		return p.messages(ctx, model, req)
	})
}

func (p *AnthropicProvider) messages(ctx context.Context, model string, req CompletionRequest) *Response {
	start := time.Now()
	status, header, body, err := postJSON(ctx, p.httpClient, p.baseURL+"/messages", p.headers(), convertAnthropicRequest(model, req))
	if err != nil {
		return transportFailure(ctx, model, start, err)
	}
	if status != http.StatusOK {
		return statusFailure(model, start, status, body, header)
	}

	var anthropicResp AnthropicResponse
	if err := json.Unmarshal(body, &anthropicResp); err != nil {
		return failure(model, start, status, fmt.Sprintf("failed to parse response: %v", err))
	}
	return convertAnthropicResponse(anthropicResp, model, start)
}

// convertAnthropicRequest is shared with the Bedrock adapter, which speaks the same message schema
func convertAnthropicRequest(model string, req CompletionRequest) AnthropicRequest {
	system, msgs := splitSystem(req.Messages)
	if req.JSONMode {
		hint := "Respond only with a valid JSON object."
		if system != "" {
			system += "\n\n" + hint
		} else {
			system = hint
		}
	}
	out := AnthropicRequest{
		Model:       model,
		Messages:    make([]AnthropicMessage, 0, len(msgs)),
		MaxTokens:   maxTokens(req.MaxTokens),
		Temperature: req.Temperature,
		System:      system,
	}
	for _, m := range msgs {
		out.Messages = append(out.Messages, AnthropicMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func convertAnthropicResponse(resp AnthropicResponse, model string, start time.Time) *Response {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	if content.Len() == 0 && resp.StopReason == "refusal" {
		return failure(model, start, http.StatusOK, "response blocked by content filter")
	}
	served := resp.Model
	if served == "" {
		served = model
	}
	return &Response{
		Success:   true,
		Content:   content.String(),
		Model:     served,
		TokensIn:  resp.Usage.InputTokens,
		TokensOut: resp.Usage.OutputTokens,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

// ValidateCredential lists models with the key
func (p *AnthropicProvider) ValidateCredential(ctx context.Context) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return false, err.Error()
	}
	for k, v := range p.headers() {
		req.Header.Set(k, v)
	}
	return validateStatus(do(p.httpClient, req))
}
