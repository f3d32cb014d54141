package llm

import (
	"context"
	"errors"
	"net"
)

// Invocation errors, grouped by how the retry loop treats them.
var (
	// ErrUnknownProvider indicates a route names a provider that was never registered.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrAuth indicates the provider rejected the request's credentials.
	ErrAuth = errors.New("authentication rejected")
	// ErrBadRequest indicates the provider rejected the request shape.
	ErrBadRequest = errors.New("request rejected")
	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("rate limited")
	// ErrUpstream indicates a provider-side failure (5xx, 408).
	ErrUpstream = errors.New("upstream unavailable")
	// ErrEmptyResponse indicates the provider returned no usable content.
	ErrEmptyResponse = errors.New("empty response")
	// ErrResponseInvalid indicates the provider response could not be decoded.
	ErrResponseInvalid = errors.New("response not decodable")
	// ErrTruncated indicates output was cut off before completion.
	ErrTruncated = errors.New("response truncated")
	// ErrRetryBudget indicates the attempt budget was exhausted.
	ErrRetryBudget = errors.New("retry budget exhausted")
)

// Transient reports whether err is retryable with backoff: throttling,
// provider-side failures, and network timeouts.
func Transient(err error) bool {
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstream) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Permanent reports whether err must never be retried. These surface to the
// orchestrator for dead-lettering.
func Permanent(err error) bool {
	return errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrBadRequest) ||
		errors.Is(err, ErrUnknownProvider)
}
