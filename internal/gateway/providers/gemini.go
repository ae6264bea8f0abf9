package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider talks to the Google Generative Language API
type GeminiProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// GeminiRequest represents a request to Gemini's API
type GeminiRequest struct {
	Contents          []GeminiContent         `json:"contents"`
	SystemInstruction *GeminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GeminiGenerationConfig `json:"generationConfig,omitempty"`
}

// GeminiContent represents content in Gemini format
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart represents a part of the content
type GeminiPart struct {
	Text string `json:"text"`
}

// GeminiGenerationConfig represents generation parameters
type GeminiGenerationConfig struct {
	Temperature      *float32 `json:"temperature,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

// GeminiResponse represents a response from Gemini API
type GeminiResponse struct {
	Candidates     []GeminiCandidate `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	UsageMetadata GeminiUsage `json:"usageMetadata"`
}

// GeminiCandidate represents a candidate response
type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

// GeminiUsage represents token usage
type GeminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

// NewGeminiProvider creates a Gemini adapter for one API key
func NewGeminiProvider(apiKey string, opts Options) *GeminiProvider {
	base := opts.BaseURL
	if base == "" {
		base = geminiBaseURL
	}
	return &GeminiProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: defaultHTTPClient(opts.HTTPClient),
	}
}

func (p *GeminiProvider) Provider() string { return "gemini" }

func (p *GeminiProvider) DefaultModels() []string {
	return []string{"gemini-2.5-flash", "gemini-2.0-flash-lite", "gemini-2.5-pro"}
}

// Complete calls generateContent
func (p *GeminiProvider) Complete(ctx context.Context, req CompletionRequest) *Response {
	return withModelFallback(req, p.DefaultModels(), func(model string) *Response {
		return p.generate(ctx, model, req)
	})
}

func (p *GeminiProvider) generate(ctx context.Context, model string, req CompletionRequest) *Response {
	start := time.Now()
	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, model)

	status, header, body, err := postJSON(ctx, p.httpClient, url,
		map[string]string{"x-goog-api-key": p.apiKey}, p.convertRequest(req))
	if err != nil {
		return transportFailure(ctx, model, start, err)
	}
	if status != http.StatusOK {
		return statusFailure(model, start, status, body, header)
	}

	var geminiResp GeminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return failure(model, start, status, fmt.Sprintf("failed to parse response: %v", err))
	}
	return p.convertResponse(geminiResp, model, start)
}

func (p *GeminiProvider) convertRequest(req CompletionRequest) GeminiRequest {
	system, msgs := splitSystem(req.Messages)
	geminiReq := GeminiRequest{Contents: make([]GeminiContent, 0, len(msgs))}
	if system != "" {
		geminiReq.SystemInstruction = &GeminiContent{Parts: []GeminiPart{{Text: system}}}
	}

	for _, msg := range msgs {
		role := msg.Role
		if role == RoleAssistant {
			role = "model"
		}
		geminiReq.Contents = append(geminiReq.Contents, GeminiContent{
			Role:  role,
			Parts: []GeminiPart{{Text: msg.Content}},
		})
	}

	cfg := &GeminiGenerationConfig{
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxTokens,
	}
	if req.JSONMode {
		cfg.ResponseMimeType = "application/json"
	}
	geminiReq.GenerationConfig = cfg
	return geminiReq
}

func (p *GeminiProvider) convertResponse(resp GeminiResponse, model string, start time.Time) *Response {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return failure(model, start, http.StatusOK,
			fmt.Sprintf("prompt blocked by safety filter (%s)", resp.PromptFeedback.BlockReason))
	}
	if len(resp.Candidates) == 0 {
		return failure(model, start, http.StatusOK, "empty response from model")
	}

	candidate := resp.Candidates[0]
	var content strings.Builder
	for _, part := range candidate.Content.Parts {
		content.WriteString(part.Text)
	}
	if content.Len() == 0 && candidate.FinishReason == "SAFETY" {
		return failure(model, start, http.StatusOK, "response blocked by safety filter")
	}

	return &Response{
		Success:   true,
		Content:   content.String(),
		Model:     model,
		TokensIn:  resp.UsageMetadata.PromptTokenCount,
		TokensOut: resp.UsageMetadata.CandidatesTokenCount,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

// ValidateCredential lists models with the key
func (p *GeminiProvider) ValidateCredential(ctx context.Context) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("x-goog-api-key", p.apiKey)
	return validateStatus(do(p.httpClient, req))
}

// validateStatus turns a probe round trip into (valid, message)
func validateStatus(status int, _ http.Header, body []byte, err error) (bool, string) {
	if err != nil {
		return false, fmt.Sprintf("request failed: %v", err)
	}
	switch {
	case status >= 200 && status < 300:
		return true, "credential is valid"
	case status == http.StatusTooManyRequests:
		// the key authenticated; it is just out of capacity
		return true, "credential is valid (rate limited)"
	case status == http.StatusBadRequest, status == http.StatusUnauthorized, status == http.StatusForbidden:
		return false, fmt.Sprintf("invalid api key (status %d)", status)
	}
	detail := string(body)
	if len(detail) > maxErrorBody {
		detail = detail[:maxErrorBody]
	}
	return false, fmt.Sprintf("API error (status %d): %s", status, detail)
}
