package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatReq(model string) CompletionRequest {
	return CompletionRequest{
		Model: model,
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "hello"},
		},
		MaxTokens: 64,
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, parseRetryAfter("", now))
	assert.Equal(t, 30, parseRetryAfter("30", now))
	assert.Equal(t, 0, parseRetryAfter("-5", now))
	assert.Equal(t, 120, parseRetryAfter(now.Add(2*time.Minute).Format(http.TimeFormat), now))
	assert.Equal(t, 0, parseRetryAfter("soon", now))
}

func TestStatusFailureMessages(t *testing.T) {
	start := time.Now()
	h := http.Header{}
	h.Set("Retry-After", "17")

	r := statusFailure("m", start, 429, []byte("slow down"), h)
	assert.False(t, r.Success)
	assert.Equal(t, "quota exceeded (status 429): slow down", r.Error)
	assert.Equal(t, 17, r.RetryAfterSeconds)

	r = statusFailure("m", start, 404, nil, nil)
	assert.Equal(t, "model not found (status 404)", r.Error)

	r = statusFailure("m", start, 503, []byte(strings.Repeat("x", 2000)), nil)
	assert.True(t, strings.HasPrefix(r.Error, "API error (status 503): "))
	assert.LessOrEqual(t, len(r.Error), len("API error (status 503): ")+maxErrorBody)
}

func TestGemini_Complete(t *testing.T) {
	var got GeminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"hi "},{"text":"there"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":3}}`)
	}))
	defer srv.Close()

	p := NewGeminiProvider("g-key", Options{BaseURL: srv.URL})
	resp := p.Complete(context.Background(), chatReq("gemini-2.5-flash"))
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, 7, resp.TokensIn)
	assert.Equal(t, 3, resp.TokensOut)
	assert.Equal(t, "gemini-2.5-flash", resp.Model)

	require.NotNil(t, got.SystemInstruction)
	assert.Equal(t, "be brief", got.SystemInstruction.Parts[0].Text)
	require.Len(t, got.Contents, 1)
	assert.Equal(t, "user", got.Contents[0].Role)
	assert.Equal(t, 64, got.GenerationConfig.MaxOutputTokens)
}

func TestGemini_QuotaWithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "45")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	resp := NewGeminiProvider("k", Options{BaseURL: srv.URL}).Complete(context.Background(), chatReq("gemini-2.5-flash"))
	assert.False(t, resp.Success)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, 45, resp.RetryAfterSeconds)
	assert.Contains(t, resp.Error, "quota exceeded (status 429)")
}

func TestGemini_NotFoundTriesNextModel(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if strings.Contains(r.URL.Path, "gemini-9-ultra") || strings.Contains(r.URL.Path, "gemini-2.5-flash") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`)
	}))
	defer srv.Close()

	resp := NewGeminiProvider("k", Options{BaseURL: srv.URL}).Complete(context.Background(), chatReq("gemini-9-ultra"))
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "gemini-2.0-flash-lite", resp.Model)
	assert.Equal(t, []string{
		"/models/gemini-9-ultra:generateContent",
		"/models/gemini-2.5-flash:generateContent",
		"/models/gemini-2.0-flash-lite:generateContent",
	}, paths)
}

func TestGemini_AllModelsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	resp := NewGeminiProvider("k", Options{BaseURL: srv.URL}).Complete(context.Background(), chatReq("gemini-2.5-pro"))
	assert.False(t, resp.Success)
	assert.Equal(t, "gemini-2.5-pro", resp.Model, "the original failure is surfaced")
	assert.Equal(t, "model not found (status 404)", resp.Error)
}

func TestGemini_SafetyBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"promptFeedback":{"blockReason":"SAFETY"}}`)
	}))
	defer srv.Close()

	resp := NewGeminiProvider("k", Options{BaseURL: srv.URL}).Complete(context.Background(), chatReq("gemini-2.5-flash"))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "blocked by safety")
}

func TestGemini_ValidateCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "good" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"models":[]}`)
	}))
	defer srv.Close()

	ok, _ := NewGeminiProvider("good", Options{BaseURL: srv.URL}).ValidateCredential(context.Background())
	assert.True(t, ok)
	ok, msg := NewGeminiProvider("bad", Options{BaseURL: srv.URL}).ValidateCredential(context.Background())
	assert.False(t, ok)
	assert.Contains(t, msg, "invalid api key")
}

func TestAnthropic_Complete(t *testing.T) {
	var got AnthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "a-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"id":"msg_1","model":"claude-3-5-haiku-20241022","content":[{"type":"text","text":"hello!"}],
			"stop_reason":"end_turn","usage":{"input_tokens":12,"output_tokens":4}}`)
	}))
	defer srv.Close()

	req := chatReq("claude-3-5-haiku-20241022")
	req.JSONMode = true
	resp := NewAnthropicProvider("a-key", Options{BaseURL: srv.URL}).Complete(context.Background(), req)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "hello!", resp.Content)
	assert.Equal(t, 12, resp.TokensIn)
	assert.Equal(t, 4, resp.TokensOut)

	assert.True(t, strings.HasPrefix(got.System, "be brief"))
	assert.Contains(t, got.System, "JSON")
	require.Len(t, got.Messages, 1)
	assert.Equal(t, 64, got.MaxTokens)
}

func TestAnthropic_ServerErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	}))
	defer srv.Close()

	resp := NewAnthropicProvider("k", Options{BaseURL: srv.URL}).Complete(context.Background(), chatReq("claude-3-5-haiku-20241022"))
	assert.False(t, resp.Success)
	assert.Equal(t, 529, resp.StatusCode)
	assert.Contains(t, resp.Error, "API error (status 529)")
	assert.Contains(t, resp.Error, "overloaded")
}

func TestAnthropic_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp := NewAnthropicProvider("k", Options{BaseURL: srv.URL}).Complete(ctx, chatReq("claude-3-5-haiku-20241022"))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "timeout")
}

func TestOpenAI_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer o-key", r.Header.Get("Authorization"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","model":"gpt-4o-mini-2024-07-18",
			"choices":[{"index":0,"message":{"role":"assistant","content":"yo"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":5,"completion_tokens":1,"total_tokens":6}}`)
	}))
	defer srv.Close()

	resp := NewOpenAIProvider("o-key", Options{BaseURL: srv.URL + "/v1"}).Complete(context.Background(), chatReq("gpt-4o-mini"))
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "yo", resp.Content)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", resp.Model)
	assert.Equal(t, 5, resp.TokensIn)
	assert.Equal(t, 1, resp.TokensOut)
}

func TestOpenAI_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("bad", Options{BaseURL: srv.URL + "/v1"})
	resp := p.Complete(context.Background(), chatReq("gpt-4o-mini"))
	assert.False(t, resp.Success)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Error, "Incorrect API key")

	ok, msg := p.ValidateCredential(context.Background())
	assert.False(t, ok)
	assert.Contains(t, msg, "invalid api key")
}

func TestBedrock_ParseSecret(t *testing.T) {
	ak, sk, region, err := ParseBedrockSecret("AKIA:secret/with+chars:eu-west-1")
	require.NoError(t, err)
	assert.Equal(t, "AKIA", ak)
	assert.Equal(t, "secret/with+chars", sk)
	assert.Equal(t, "eu-west-1", region)

	_, _, region, err = ParseBedrockSecret("AKIA:secret")
	require.NoError(t, err)
	assert.Empty(t, region)

	_, _, _, err = ParseBedrockSecret("just-a-key")
	assert.Error(t, err)
}

func TestBedrock_Complete(t *testing.T) {
	var got bedrockRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/model/"), r.URL.Path)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/invoke"), r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Authorization"), "requests are SigV4 signed")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","content":[{"type":"text","text":"from bedrock"}],
			"stop_reason":"end_turn","usage":{"input_tokens":9,"output_tokens":2}}`)
	}))
	defer srv.Close()

	p, err := NewBedrockProvider(context.Background(), "AKIA:secret:us-west-2", Options{BaseURL: srv.URL})
	require.NoError(t, err)
	resp := p.Complete(context.Background(), chatReq("anthropic.claude-3-haiku-20240307-v1:0"))
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "from bedrock", resp.Content)
	assert.Equal(t, "anthropic.claude-3-haiku-20240307-v1:0", resp.Model)
	assert.Equal(t, 9, resp.TokensIn)

	assert.Equal(t, bedrockAnthropicVersion, got.AnthropicVersion)
	assert.Equal(t, "be brief", got.System)
}

func TestBedrock_Throttled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Amzn-ErrorType", "ThrottlingException")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"message":"Too many requests"}`)
	}))
	defer srv.Close()

	p, err := NewBedrockProvider(context.Background(), "AKIA:secret", Options{BaseURL: srv.URL, Region: "us-east-1"})
	require.NoError(t, err)
	resp := p.Complete(context.Background(), chatReq("anthropic.claude-3-haiku-20240307-v1:0"))
	assert.False(t, resp.Success)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, resp.Error, "quota exceeded (status 429)")
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry(map[string]Options{"gemini": {BaseURL: "http://gemini.local"}})
	assert.Equal(t, []string{"anthropic", "bedrock", "gemini", "openai"}, r.Providers())
	assert.True(t, r.Supports("openai"))
	assert.False(t, r.Supports("mistral"))

	a, err := r.New(context.Background(), "gemini", "k")
	require.NoError(t, err)
	assert.Equal(t, "gemini", a.Provider())
	assert.Equal(t, "http://gemini.local", a.(*GeminiProvider).baseURL)

	_, err = r.New(context.Background(), "mistral", "k")
	assert.Error(t, err)

	_, err = r.New(context.Background(), "bedrock", "malformed")
	assert.Error(t, err)
}
