package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultMaxTokens = 1024
	maxErrorBody     = 512
)

func defaultHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: defaultTimeout}
}

// failure builds an unsuccessful response
func failure(model string, start time.Time, status int, msg string) *Response {
	return &Response{
		Model:      model,
		LatencyMs:  time.Since(start).Milliseconds(),
		StatusCode: status,
		Error:      msg,
	}
}

// statusFailure normalizes a non-2xx upstream reply
func statusFailure(model string, start time.Time, status int, body []byte, header http.Header) *Response {
	detail := strings.TrimSpace(string(body))
	if len(detail) > maxErrorBody {
		detail = detail[:maxErrorBody]
	}

	var msg string
	switch status {
	case http.StatusTooManyRequests:
		msg = fmt.Sprintf("quota exceeded (status %d)", status)
	case http.StatusNotFound:
		msg = fmt.Sprintf("model not found (status %d)", status)
	default:
		msg = fmt.Sprintf("API error (status %d)", status)
	}
	if detail != "" {
		msg += ": " + detail
	}

	resp := failure(model, start, status, msg)
	if status == http.StatusTooManyRequests && header != nil {
		resp.RetryAfterSeconds = parseRetryAfter(header.Get("Retry-After"), time.Now())
	}
	return resp
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(v string, now time.Time) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0
		}
		return n
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return int(d.Round(time.Second).Seconds())
		}
	}
	return 0
}

// transportFailure maps a failed round trip; deadline errors read as timeouts
func transportFailure(ctx context.Context, model string, start time.Time, err error) *Response {
	if ctx.Err() == context.DeadlineExceeded || strings.Contains(err.Error(), "Client.Timeout") {
		return failure(model, start, 0, fmt.Sprintf("request timeout: %v", err))
	}
	return failure(model, start, 0, fmt.Sprintf("request failed: %v", err))
}

// postJSON sends body to url and returns status, headers and response body
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body interface{}) (int, http.Header, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return do(client, req)
}

func do(client *http.Client, req *http.Request) (int, http.Header, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, resp.Header, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, resp.Header, data, nil
}

// withModelFallback calls the requested model and, on 404, walks the adapter's
// default list (skipping models already tried) before surfacing the failure.
func withModelFallback(req CompletionRequest, defaults []string, call func(model string) *Response) *Response {
	model := req.Model
	if model == "" && len(defaults) > 0 {
		model = defaults[0]
	}
	tried := map[string]bool{model: true}
	resp := call(model)
	if resp.Success || resp.StatusCode != http.StatusNotFound {
		return resp
	}
	for _, alt := range defaults {
		if tried[alt] {
			continue
		}
		tried[alt] = true
		next := call(alt)
		if next.Success || next.StatusCode != http.StatusNotFound {
			return next
		}
	}
	return resp
}

// splitSystem pulls system turns out of the conversation for APIs that take them separately
func splitSystem(msgs []Message) (string, []Message) {
	var system []string
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		out = append(out, m)
	}
	return strings.Join(system, "\n\n"), out
}

func maxTokens(n int) int {
	if n <= 0 {
		return defaultMaxTokens
	}
	return n
}
