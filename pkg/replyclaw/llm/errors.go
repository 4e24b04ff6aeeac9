package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies provider failures.
type ErrorKind int

const (
	ErrorRetryable  ErrorKind = iota // generic transient (5xx)
	ErrorRateLimit                   // 429
	ErrorOverloaded                  // 529 or "overloaded" in body
	ErrorTimeout                     // request timeout / deadline exceeded
	ErrorAuth                        // 401, 403
	ErrorBilling                     // 402 or quota exhausted
	ErrorContext                     // context_length_exceeded
	ErrorBadRequest                  // 400
	ErrorNetwork                     // transport failure before a response
	ErrorEmpty                       // provider answered with no usable text
	ErrorFatal                       // everything else
)

// String returns a label suitable for logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorOverloaded:
		return "overloaded"
	case ErrorTimeout:
		return "timeout"
	case ErrorAuth:
		return "auth"
	case ErrorBilling:
		return "billing"
	case ErrorContext:
		return "context"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorNetwork:
		return "network"
	case ErrorEmpty:
		return "empty"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrProvider matches every *ProviderError with errors.Is.
var ErrProvider = errors.New("completion provider error")

// ProviderError is returned for any failed provider call.
type ProviderError struct {
	Op         string // "chat", "completion", "transcription"
	Kind       ErrorKind
	StatusCode int    // 0 when no HTTP response was received
	Body       string // truncated response body
	RetryAfter int    // seconds, from Retry-After on 429
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": API returned %d", e.StatusCode)
		if e.Body != "" {
			fmt.Fprintf(&b, ": %s", truncate(e.Body, 200))
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// classifyAPIError determines the error kind from status code and body.
func classifyAPIError(statusCode int, body string) ErrorKind {
	bodyLower := strings.ToLower(body)

	if strings.Contains(bodyLower, "context_length_exceeded") ||
		strings.Contains(bodyLower, "maximum context length") {
		return ErrorContext
	}

	if statusCode == 402 ||
		strings.Contains(bodyLower, "billing") ||
		strings.Contains(bodyLower, "insufficient_quota") ||
		strings.Contains(bodyLower, "payment required") {
		return ErrorBilling
	}

	if statusCode == 429 ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "rate limit") ||
		strings.Contains(bodyLower, "too many requests") {
		return ErrorRateLimit
	}

	if statusCode == 529 || strings.Contains(bodyLower, "overloaded") {
		return ErrorOverloaded
	}

	if strings.Contains(bodyLower, "timeout") || strings.Contains(bodyLower, "timed out") {
		return ErrorTimeout
	}

	switch statusCode {
	case 400:
		return ErrorBadRequest
	case 401, 403:
		return ErrorAuth
	default:
		if statusCode >= 500 {
			return ErrorRetryable
		}
		return ErrorFatal
	}
}

// classifyTransportError maps a failed http.Client.Do to a kind.
func classifyTransportError(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	return ErrorNetwork
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
