package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRateLimitExhausted is returned when a request is still throttled after
	// the configured number of attempts.
	ErrRateLimitExhausted = errors.New("rate limit retries exhausted")

	// ErrUpstreamUnavailable marks failures where the upstream could not serve
	// a request (non-success status, exhausted throttling, transport failure).
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrContextCancelled is returned when the context is cancelled during backoff.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassUpstream represents any other non-success HTTP status.
	ErrorClassUpstream ErrorClass = "upstream"

	// ErrorClassNetwork represents transport errors and timeouts.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassParse represents responses that do not match the expected schema.
	ErrorClassParse ErrorClass = "parse"
)

// UpstreamError carries the status and classification of a failed upstream call.
type UpstreamError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is reports rate limit, upstream and network failures as ErrUpstreamUnavailable.
func (e *UpstreamError) Is(target error) bool {
	if target != ErrUpstreamUnavailable {
		return false
	}
	switch e.Class {
	case ErrorClassRateLimit, ErrorClassUpstream, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// ClassOf returns the ErrorClass of err, or "" if it carries none.
func ClassOf(err error) ErrorClass {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Class
	}
	return ""
}

// IsUpstreamUnavailable reports whether err means the upstream could not serve
// the request.
func IsUpstreamUnavailable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}
