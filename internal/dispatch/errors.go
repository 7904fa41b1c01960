package dispatch

import "errors"

// Sentinel errors for the dispatch package.
var (
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("dispatch pool is closed")

	// ErrNilHandler is returned when a nil handler is submitted.
	ErrNilHandler = errors.New("handler cannot be nil")
)
