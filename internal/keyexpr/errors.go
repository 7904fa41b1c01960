package keyexpr

import (
	"errors"
	"fmt"
)

// Sentinel errors for key expression parsing.
var (
	// ErrInvalidTopic is returned when a topic string is empty, has empty
	// segments, or contains wildcard tokens.
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrMalformedPattern is returned when a pattern string cannot be parsed.
	ErrMalformedPattern = errors.New("malformed pattern")
)

// ParseError describes why a key expression was rejected.
type ParseError struct {
	// Input is the string that failed to parse.
	Input string

	// Reason is a short human-readable explanation.
	Reason string

	// Err is ErrInvalidTopic or ErrMalformedPattern.
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("%v %q: %s", e.Err, e.Input, e.Reason)
}

// Unwrap returns the sentinel error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

func topicError(input, reason string) error {
	return &ParseError{Input: input, Reason: reason, Err: ErrInvalidTopic}
}

func patternError(input, reason string) error {
	return &ParseError{Input: input, Reason: reason, Err: ErrMalformedPattern}
}
