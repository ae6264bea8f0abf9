package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider handles OpenAI API requests through the go-openai SDK
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates an OpenAI adapter for one API key
func NewOpenAIProvider(apiKey string, opts Options) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	cfg.HTTPClient = defaultHTTPClient(opts.HTTPClient)
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAIProvider) Provider() string { return "openai" }

func (p *OpenAIProvider) DefaultModels() []string {
	return []string{"gpt-4o-mini", "gpt-4o", "gpt-3.5-turbo"}
}

// Complete makes a chat completion request
func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) *Response {
	return withModelFallback(req, p.DefaultModels(), func(model string) *Response {
		return p.chat(ctx, model, req)
	})
}

func (p *OpenAIProvider) chat(ctx context.Context, model string, req CompletionRequest) *Response {
	start := time.Now()

	openaiReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
		MaxTokens: req.MaxTokens,
	}
	for _, m := range req.Messages {
		openaiReq.Messages = append(openaiReq.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if req.Temperature != nil {
		openaiReq.Temperature = *req.Temperature
	}
	if req.JSONMode {
		openaiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, openaiReq)
	if err != nil {
		return openAIFailure(ctx, model, start, err)
	}
	if len(resp.Choices) == 0 {
		return failure(model, start, http.StatusOK, "empty response from model")
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter && choice.Message.Content == "" {
		return failure(model, start, http.StatusOK, "response blocked by content filter")
	}
	served := resp.Model
	if served == "" {
		served = model
	}
	return &Response{
		Success:   true,
		Content:   choice.Message.Content,
		Model:     served,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

// openAIFailure maps SDK errors onto the status-code conventions of the other adapters
func openAIFailure(ctx context.Context, model string, start time.Time, err error) *Response {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return statusFailure(model, start, apiErr.HTTPStatusCode, []byte(apiErr.Message), nil)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return statusFailure(model, start, reqErr.HTTPStatusCode, []byte(fmt.Sprint(reqErr.Err)), nil)
	}
	return transportFailure(ctx, model, start, err)
}

// ValidateCredential lists models with the key
func (p *OpenAIProvider) ValidateCredential(ctx context.Context) (bool, string) {
	_, err := p.client.ListModels(ctx)
	if err == nil {
		return true, "credential is valid"
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return validateStatus(apiErr.HTTPStatusCode, nil, []byte(apiErr.Message), nil)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return validateStatus(reqErr.HTTPStatusCode, nil, []byte(fmt.Sprint(reqErr.Err)), nil)
	}
	return false, fmt.Sprintf("request failed: %v", err)
}
