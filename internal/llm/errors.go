package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sony/gobreaker/v2"
)

// ErrFatalAPI indicates a non-recoverable API error (billing, auth, bad request).
var ErrFatalAPI = errors.New("fatal API error")

// ErrRequestRejected marks a provider refusing a single request, for example
// a prompt it cannot process. Other requests of the same job may still pass.
var ErrRequestRejected = errors.New("request rejected by provider")

// accountPatterns are substrings of provider errors about the account or
// model setup. They will not go away on retry and affect every request.
var accountPatterns = []string{
	"credit balance",
	"quota exceeded",
	"insufficient_quota",
	"billing",
	"invalid api key",
	"invalid_api_key",
	"invalid x-api-key",
	"authentication",
	"unauthorized",
	"permission denied",
	"401",
	"403",
	"model not found",
}

// requestPatterns mark a provider refusing one request.
var requestPatterns = []string{
	"invalid_request_error",
	"400 bad request",
}

// rateLimitPatterns mark provider throttling.
var rateLimitPatterns = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"429",
	"resource_exhausted",
	"resource exhausted",
	"throttl",
	"overloaded",
	"529",
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// isFatalAPIError checks if an error is a non-recoverable API error.
// Throttling is never fatal even when the message mentions a quota.
func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFatalAPI) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if containsAny(msg, rateLimitPatterns) {
		return false
	}
	return containsAny(msg, accountPatterns) || containsAny(msg, requestPatterns)
}

// isRequestRejection reports whether err is fatal for this request only.
// Account problems are reported under invalid_request_error by some
// providers, so they take precedence.
func isRequestRejection(err error) bool {
	if err == nil || !isFatalAPIError(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return containsAny(msg, requestPatterns) && !containsAny(msg, accountPatterns)
}

// isRateLimitError checks if the provider asked us to slow down.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(strings.ToLower(err.Error()), rateLimitPatterns)
}

// wrapFatalError wraps an error with ErrFatalAPI if it's a fatal API error.
func wrapFatalError(err error) error {
	if err == nil {
		return nil
	}
	if isFatalAPIError(err) && !errors.Is(err, ErrFatalAPI) {
		return fmt.Errorf("%w: %v", ErrFatalAPI, err)
	}
	return err
}

// retryReason names why a failed call may be retried. The second result is
// false when the call must not be retried.
func retryReason(err error) (string, bool) {
	switch {
	case isFatalAPIError(err):
		return "", false
	case isRateLimitError(err):
		return "rate_limit", true
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open", true
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", true
	default:
		return "transient", true
	}
}
