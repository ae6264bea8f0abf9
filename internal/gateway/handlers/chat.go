package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/dispatch"
	gwerrors "github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/errors"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/selector"
)

// Completer runs one completion through the gateway
type Completer interface {
	Complete(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

type ChatHandler struct {
	dispatcher Completer
	logger     *zap.Logger
	now        func() time.Time
}

func NewChatHandler(dispatcher Completer, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// CompleteRequest is the body of POST /v1/complete
type CompleteRequest struct {
	Messages             []providers.Message `json:"messages"`
	MaxTokens            int                 `json:"max_tokens,omitempty"`
	Temperature          *float32            `json:"temperature,omitempty"`
	PreferredProvider    string              `json:"preferred_provider,omitempty"`
	PreferredModel       string              `json:"preferred_model,omitempty"`
	RequiredCapabilities []string            `json:"required_capabilities,omitempty"`
	QualityTier          string              `json:"quality_tier,omitempty"`
	RequestType          string              `json:"request_type,omitempty"`
}

// CompleteResponse is the body returned by POST /v1/complete
type CompleteResponse struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Provider   string  `json:"provider"`
	Model      string  `json:"model"`
	TokensIn   int     `json:"tokens_in"`
	TokensOut  int     `json:"tokens_out"`
	LatencyMs  int64   `json:"latency_ms"`
	Cached     bool    `json:"cached"`
	CostUSD    string  `json:"cost_usd"`
	Confidence float64 `json:"confidence,omitempty"`
	Warning    string  `json:"warning,omitempty"`
}

// HandleComplete handles POST /v1/complete
func (h *ChatHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.InvalidRequest("invalid request body: %v", err))
		return
	}

	res, err := h.dispatcher.Complete(r.Context(), dispatch.Request{
		UserID:               UserID(r.Context()),
		Messages:             req.Messages,
		MaxTokens:            req.MaxTokens,
		Temperature:          req.Temperature,
		PreferredProvider:    req.PreferredProvider,
		PreferredModel:       req.PreferredModel,
		RequiredCapabilities: req.RequiredCapabilities,
		QualityTier:          req.QualityTier,
		RequestType:          req.RequestType,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	setResultHeaders(w, res)
	writeJSON(w, http.StatusOK, CompleteResponse{
		ID:         res.RequestID,
		Content:    res.Content,
		Provider:   res.Provider,
		Model:      res.Model,
		TokensIn:   res.TokensIn,
		TokensOut:  res.TokensOut,
		LatencyMs:  res.LatencyMs,
		Cached:     res.Cached,
		CostUSD:    res.CostUSD.StringFixed(6),
		Confidence: res.Confidence,
		Warning:    res.Warning,
	})
}

// HandleChatCompletion handles POST /v1/chat/completions (OpenAI-compatible, non-streaming)
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.InvalidRequest("invalid request body: %v", err))
		return
	}
	if req.Stream {
		writeError(w, gwerrors.InvalidRequest("streaming is not supported"))
		return
	}

	dreq := dispatch.Request{
		UserID:         UserID(r.Context()),
		PreferredModel: req.Model,
		MaxTokens:      req.MaxTokens,
	}
	if req.MaxCompletionTokens > 0 {
		dreq.MaxTokens = req.MaxCompletionTokens
	}
	if req.Temperature != 0 {
		t := req.Temperature
		dreq.Temperature = &t
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == openai.ChatCompletionResponseFormatTypeJSONObject {
		dreq.RequestType = selector.RequestTypeJSON
	}
	for i, m := range req.Messages {
		content, err := messageText(m)
		if err != nil {
			writeError(w, gwerrors.InvalidRequest("messages[%d]: %v", i, err))
			return
		}
		dreq.Messages = append(dreq.Messages, providers.Message{Role: m.Role, Content: content})
	}

	res, err := h.dispatcher.Complete(r.Context(), dreq)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	setResultHeaders(w, res)
	writeJSON(w, http.StatusOK, openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + res.RequestID,
		Object:  "chat.completion",
		Created: h.now().Unix(),
		Model:   res.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: res.Content,
			},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{
			PromptTokens:     res.TokensIn,
			CompletionTokens: res.TokensOut,
			TotalTokens:      res.TokensIn + res.TokensOut,
		},
	})
}

// messageText flattens the text parts of a multi-part message; adapters carry text only
func messageText(m openai.ChatCompletionMessage) (string, error) {
	if len(m.MultiContent) == 0 {
		return m.Content, nil
	}
	parts := make([]string, 0, len(m.MultiContent))
	for _, p := range m.MultiContent {
		if p.Type != openai.ChatMessagePartTypeText {
			return "", fmt.Errorf("content part type %q is not supported", p.Type)
		}
		parts = append(parts, p.Text)
	}
	return strings.Join(parts, "\n"), nil
}

func (h *ChatHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	ge := gwerrors.AsGatewayError(err)
	fields := []zap.Field{
		zap.String("user_id", UserID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Int("status", ge.StatusCode),
		zap.Error(err),
	}
	if ge.StatusCode >= http.StatusInternalServerError {
		h.logger.Error("completion failed", fields...)
	} else {
		h.logger.Info("completion rejected", fields...)
	}
	writeError(w, ge)
}

func setResultHeaders(w http.ResponseWriter, res *dispatch.Result) {
	w.Header().Set("X-Cache-Hit", fmt.Sprintf("%v", res.Cached))
	w.Header().Set("X-Cost-USD", res.CostUSD.StringFixed(6))
	w.Header().Set("X-Provider", res.Provider)
	w.Header().Set("X-Latency-Ms", fmt.Sprintf("%d", res.LatencyMs))
	if res.Attempts > 1 {
		w.Header().Set("X-Failover", "true")
	}
}

// ErrorBody is the JSON error envelope
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Retryable bool   `json:"retryable"`
}

func writeError(w http.ResponseWriter, err error) {
	ge := gwerrors.AsGatewayError(err)
	msg := ge.Message
	if ge.Kind == gwerrors.KindInvalidRequest && msg == "" {
		msg = "invalid request"
	}
	if ge.Kind == gwerrors.KindAllProvidersExhausted && ge.Last != nil {
		msg = ge.Message + ": " + strings.TrimSpace(ge.Last.Error())
	}
	if ge.StatusCode == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, ge.StatusCode, ErrorBody{Error: ErrorDetail{
		Message:   msg,
		Type:      string(ge.Kind),
		Retryable: ge.Retryable,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
