package providers

import (
	"context"
	"net/http"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is what the dispatch loop sends to an adapter
type CompletionRequest struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature *float32
	JSONMode    bool
}

// Response is the normalized outcome of one adapter call.
// Failures are reported in the response, never as a Go error.
type Response struct {
	Success   bool
	Content   string
	Model     string
	TokensIn  int
	TokensOut int
	LatencyMs int64

	Error      string
	StatusCode int
	// RetryAfterSeconds is the provider's Retry-After hint (0 = none)
	RetryAfterSeconds int
}

// Adapter owns one provider's wire protocol
type Adapter interface {
	Provider() string
	// DefaultModels is the adapter's own fallback list, tried in order on 404
	DefaultModels() []string
	Complete(ctx context.Context, req CompletionRequest) *Response
	ValidateCredential(ctx context.Context) (bool, string)
}

// Options configures an adapter instance
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// Region is the default AWS region for bedrock
	Region string
}
