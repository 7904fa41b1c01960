package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/keymesh/internal/message"
)

// Handler answers one query. It replies through the query and returns once it
// is done; the caller finishes the query afterwards.
type Handler interface {
	Handle(ctx context.Context, q *message.Query) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, q *message.Query) error

// Handle calls f(ctx, q).
func (f HandlerFunc) Handle(ctx context.Context, q *message.Query) error {
	return f(ctx, q)
}

// Result represents the outcome of a handler execution.
type Result struct {
	// Success is true if the handler completed without error or panic.
	Success bool

	// Error is the error returned by the handler, if any.
	Error error

	// Panicked is true if the handler panicked.
	Panicked bool

	// PanicValue is the value passed to panic(), if Panicked is true.
	PanicValue any

	// PanicStack is the stack trace at the point of panic.
	PanicStack []byte

	// Duration is how long the handler took to execute.
	Duration time.Duration

	// Skipped is true if the handler was not executed because the context was
	// already done.
	Skipped bool
}

// IsSuccess returns true if the result indicates successful execution.
func (r Result) IsSuccess() bool {
	return r.Success && !r.Panicked && r.Error == nil
}

// IsError returns true if the result indicates an error (not panic).
func (r Result) IsError() bool {
	return r.Error != nil && !r.Panicked
}

// IsPanic returns true if the result indicates a panic.
func (r Result) IsPanic() bool {
	return r.Panicked
}

// TimedOut reports whether the handler failed because its deadline passed.
func (r Result) TimedOut() bool {
	return errors.Is(r.Error, context.DeadlineExceeded)
}

// PanicHandler is called when a handler panics. It receives the query being
// handled, the panic value and the stack trace.
type PanicHandler func(q *message.Query, panicValue any, stack []byte)

func defaultPanicHandler(*message.Query, any, []byte) {}
