package node

import (
	"errors"
	"fmt"
)

// Sentinel errors for node operations.
var (
	// ErrPublishFailed is returned when a sample could not be handed to the substrate.
	ErrPublishFailed = errors.New("publish failed")

	// ErrQueryFailed is returned when a query could not be issued.
	ErrQueryFailed = errors.New("query failed")

	// ErrHandlerPanic matches every PanicError.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrNodeClosed is returned for declarations and queries on a closed node.
	ErrNodeClosed = errors.New("node is closed")

	// ErrUndeclared is returned when reading from an undeclared subscriber.
	ErrUndeclared = errors.New("declaration was undeclared")
)

// OpError records a failed node operation on a key.
type OpError struct {
	// Op is the operation name, e.g. "put" or "get".
	Op string

	// Key is the topic or pattern the operation addressed.
	Key string

	// Kind is ErrPublishFailed or ErrQueryFailed.
	Kind error

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Key, e.Kind, e.Err)
}

// Unwrap returns both the kind and the cause so errors.Is matches either.
func (e *OpError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// PanicError wraps a recovered handler panic.
type PanicError struct {
	// Pattern is the key expression of the queryable whose handler panicked.
	Pattern string

	// Key is the query key being handled.
	Key string

	// Value is the value passed to panic().
	Value any

	// Stack is the stack trace at the time of the panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic in queryable %s on %s: %v", e.Pattern, e.Key, e.Value)
}

// Is implements error matching for PanicError.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanic
}
