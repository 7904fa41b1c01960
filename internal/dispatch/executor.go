package dispatch

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/dshills/keymesh/internal/message"
)

// Executor runs handlers with panic recovery and timing.
type Executor struct {
	panicHandler PanicHandler
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorPanicHandler sets the panic handler for the executor.
func WithExecutorPanicHandler(h PanicHandler) ExecutorOption {
	return func(e *Executor) {
		e.panicHandler = h
	}
}

// NewExecutor creates a new executor with the given options.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		panicHandler: defaultPanicHandler,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs handler for q and returns the result.
func (e *Executor) Execute(ctx context.Context, q *message.Query, handler Handler) (result Result) {
	select {
	case <-ctx.Done():
		return Result{Error: ctx.Err(), Skipped: true}
	default:
	}

	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)

		if r := recover(); r != nil {
			stack := debug.Stack()

			result.Success = false
			result.Error = nil
			result.Panicked = true
			result.PanicValue = r
			result.PanicStack = stack

			if e.panicHandler != nil {
				func() {
					// A panicking panic handler is ignored.
					defer func() { _ = recover() }()
					e.panicHandler(q, r, stack)
				}()
			}
		}
	}()

	if err := handler.Handle(ctx, q); err != nil {
		result.Error = err
		return result
	}
	result.Success = true
	return result
}

// ExecuteWithTimeout runs handler with a deadline. The handler must observe
// ctx for the deadline to take effect.
func (e *Executor) ExecuteWithTimeout(ctx context.Context, q *message.Query, handler Handler, timeout time.Duration) Result {
	if timeout <= 0 {
		return e.Execute(ctx, q, handler)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return e.Execute(ctx, q, handler)
}
