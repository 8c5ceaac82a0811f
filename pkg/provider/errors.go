package provider

import (
	"errors"
	"fmt"
)

// ErrMalformedResponse marks upstream payloads that do not match the expected
// record shape.
var ErrMalformedResponse = errors.New("malformed provider response")

// ParseError describes which part of a provider response could not be decoded.
type ParseError struct {
	// Endpoint is the provider operation, e.g. "getNFTsForCollection".
	Endpoint string

	// Index is the position of the offending item, or -1 for the envelope.
	Index int

	// Reason explains what was missing or invalid.
	Reason string

	// Err is the underlying decode error, if any.
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	where := e.Endpoint
	if e.Index >= 0 {
		where = fmt.Sprintf("%s item %d", e.Endpoint, e.Index)
	}
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", where, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s: %s", where, e.Reason)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is makes every ParseError match ErrMalformedResponse.
func (e *ParseError) Is(target error) bool {
	return target == ErrMalformedResponse
}
