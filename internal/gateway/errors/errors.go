// Package errors holds the gateway's error taxonomy: the failure classes the
// outcome recorder applies policy to, the single substring classification
// table, and the error returned to callers.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Class is the classification of one upstream failure
type Class string

const (
	ClassQuotaExceeded Class = "QUOTA_EXCEEDED"
	ClassRateLimited   Class = "RATE_LIMITED"
	ClassInvalidKey    Class = "INVALID_KEY"
	ClassModelNotFound Class = "MODEL_NOT_FOUND"
	ClassContentFilter Class = "CONTENT_FILTER"
	ClassTimeout       Class = "TIMEOUT"
	ClassServerError   Class = "SERVER_ERROR"
	ClassUnknown       Class = "UNKNOWN"
)

// Recoverable reports whether advancing the fallback chain can recover from this class
func (c Class) Recoverable() bool {
	return c != ClassInvalidKey && c != ClassModelNotFound
}

// Systemic reports whether the failure says something about the provider as a whole
// (and therefore feeds the provider's circuit breaker)
func (c Class) Systemic() bool {
	switch c {
	case ClassTimeout, ClassServerError, ClassUnknown:
		return true
	}
	return false
}

// CapacityRelated reports whether the failure means "no capacity right now"
func (c Class) CapacityRelated() bool {
	return c == ClassQuotaExceeded || c == ClassRateLimited
}

type pattern struct {
	class Class
	// codes match the structured code exactly
	codes []string
	// needles match anywhere in the lowercased message
	needles []string
}

// classification table, first match wins.
// Bare status numbers are only compared against the code: a provider body
// routinely carries token counts and limits that would otherwise collide.
var patterns = []pattern{
	{ClassQuotaExceeded, []string{"429"}, []string{"(status 429)", "quota", "resource exhausted", "resource_exhausted", "insufficient_quota"}},
	{ClassRateLimited, nil, []string{"rate limit", "rate_limit", "too many requests"}},
	{ClassInvalidKey, []string{"401", "403"}, []string{"(status 401)", "(status 403)", "invalid api key", "invalid_api_key", "api key not valid", "incorrect api key", "unauthorized", "permission denied", "unrecognizedclient", "invalid credential"}},
	{ClassModelNotFound, []string{"404"}, []string{"(status 404)", "model not found", "model_not_found", "does not exist", "not supported for"}},
	{ClassContentFilter, nil, []string{"blocked", "safety", "content filter", "content_filter", "content_policy"}},
	{ClassTimeout, nil, []string{"timeout", "timed out", "deadline exceeded"}},
	{ClassServerError, []string{"500", "502", "503", "504", "529"}, []string{"(status 500)", "(status 502)", "(status 503)", "(status 504)", "(status 529)", "unavailable", "internal server error", "internal error", "overloaded", "bad gateway"}},
}

// Classify maps an error message and optional code onto a Class.
// This is the only place that inspects provider error text.
func Classify(message, code string) Class {
	code = strings.ToLower(strings.TrimSpace(code))
	msg := strings.ToLower(message)
	for _, p := range patterns {
		for _, c := range p.codes {
			if code == c {
				return p.class
			}
		}
		for _, n := range p.needles {
			if strings.Contains(msg, n) {
				return p.class
			}
		}
	}
	return ClassUnknown
}

// Kind is the caller-visible error category
type Kind string

const (
	KindInvalidRequest        Kind = "invalid_request"
	KindAllProvidersExhausted Kind = "all_providers_exhausted"
	KindInternal              Kind = "internal"
)

var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrAllProvidersExhausted = errors.New("no provider available")
)

// GatewayError is the only error the dispatch loop returns to callers
type GatewayError struct {
	Kind       Kind
	Message    string
	StatusCode int
	Retryable  bool
	// Class of the last candidate failure (exhaustion only)
	Class Class
	// Last is the last error observed across the chain
	Last error
}

func (e *GatewayError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("%s: %s (last error: %v)", e.Kind, e.Message, e.Last)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case KindInvalidRequest:
		sentinel = ErrInvalidRequest
	case KindAllProvidersExhausted:
		sentinel = ErrAllProvidersExhausted
	}
	out := make([]error, 0, 2)
	if sentinel != nil {
		out = append(out, sentinel)
	}
	if e.Last != nil {
		out = append(out, e.Last)
	}
	return out
}

// InvalidRequest builds a 400 error
func InvalidRequest(format string, args ...interface{}) *GatewayError {
	return &GatewayError{
		Kind:       KindInvalidRequest,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: http.StatusBadRequest,
	}
}

// AllProvidersExhausted builds the terminal error. Capacity-related exhaustion
// (or an empty chain) is a 429, anything else a 503.
func AllProvidersExhausted(last error, class Class, capacity bool) *GatewayError {
	status := http.StatusServiceUnavailable
	if capacity || class.CapacityRelated() {
		status = http.StatusTooManyRequests
	}
	return &GatewayError{
		Kind:       KindAllProvidersExhausted,
		Message:    "no provider available",
		StatusCode: status,
		Retryable:  class != ClassInvalidKey,
		Class:      class,
		Last:       last,
	}
}

// Internal wraps an unexpected failure as a 500
func Internal(err error) *GatewayError {
	return &GatewayError{
		Kind:       KindInternal,
		Message:    "internal error",
		StatusCode: http.StatusInternalServerError,
		Retryable:  true,
		Last:       err,
	}
}

// AsGatewayError extracts a GatewayError, wrapping anything else as internal
func AsGatewayError(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return Internal(err)
}

// UpstreamError is a normalized adapter failure carried between dispatch and the recorder
type UpstreamError struct {
	Provider          string
	Model             string
	Message           string
	StatusCode        int
	RetryAfterSeconds int
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s/%s: %s (status %d)", e.Provider, e.Model, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s/%s: %s", e.Provider, e.Model, e.Message)
}

// Code returns the status code as classification input ("" when unknown)
func (e *UpstreamError) Code() string {
	if e.StatusCode == 0 {
		return ""
	}
	return fmt.Sprintf("%d", e.StatusCode)
}

// Class classifies the failure
func (e *UpstreamError) Class() Class {
	return Classify(e.Message, e.Code())
}

// permanentNeedles abort the retry loop for a candidate immediately
var permanentNeedles = []string{"invalid", "quota", "rate limit", "not found", "unauthorized", "permission denied"}

// IsPermanent reports whether retrying the same candidate is pointless.
// 401/403/404/429 and quota/credential/model messages are permanent; timeouts,
// 5xx, 408 and connection failures are retryable.
func IsPermanent(statusCode int, message string) bool {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusTooManyRequests, http.StatusBadRequest:
		return true
	case http.StatusRequestTimeout:
		return false
	}
	if statusCode >= 500 {
		return false
	}
	msg := strings.ToLower(message)
	for _, n := range permanentNeedles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}
