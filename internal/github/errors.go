package github

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error kinds returned by the issue source. Match them with errors.Is.
var (
	// ErrNotFound means the repository does not exist or is not accessible.
	ErrNotFound = errors.New("repository not found")
	// ErrRateLimited means GitHub rejected the request because of rate limits.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient covers network failures and 5xx responses.
	ErrTransient = errors.New("transient failure")
	// ErrFatal covers authentication and configuration failures. Polling
	// must not continue until an operator fixes the cause.
	ErrFatal = errors.New("fatal github failure")
)

// APIError is a classified failure from the GitHub API.
type APIError struct {
	Kind       error
	StatusCode int
	Message    string
	// RetryAfter is how long GitHub asked us to wait, when known.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("github: %v: %s (HTTP %d)", e.Kind, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("github: %v: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Kind
}

// classify maps any error from a GitHub call onto one of the error kinds.
// Context errors are returned unchanged so callers can tell shutdown apart
// from failures.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Per-request timeout from the HTTP client.
		return &APIError{Kind: ErrTransient, Message: err.Error()}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "could not resolve to a repository"):
		return &APIError{Kind: ErrNotFound, Message: msg}
	case strings.Contains(lower, "rate limit"):
		return &APIError{Kind: ErrRateLimited, Message: msg}
	case strings.Contains(lower, "bad credentials"):
		return &APIError{Kind: ErrFatal, Message: msg}
	default:
		return &APIError{Kind: ErrTransient, Message: msg}
	}
}

// retryable reports whether a classified error is worth another attempt
// within the configured wait budget.
func retryable(err error, maxWait time.Duration) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Kind {
	case ErrTransient:
		return true
	case ErrRateLimited:
		return apiErr.RetryAfter <= maxWait
	default:
		return false
	}
}
