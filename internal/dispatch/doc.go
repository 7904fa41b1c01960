// Package dispatch runs query handlers with panic recovery and bounded
// concurrency.
//
// # Executor
//
// An Executor invokes one Handler for one Query and reports the outcome as a
// Result. A panicking handler never unwinds past the executor; the panic value
// and stack are captured in the Result and passed to the configured
// PanicHandler.
//
// # Pool
//
// A Pool limits how many handlers run at once. Submit blocks until a slot is
// free, then runs the handler on its own goroutine so a slow query never delays
// the ones behind it. Wait blocks until every submitted handler returned.
//
//	pool := dispatch.NewPool(
//	    dispatch.WithMaxInFlight(64),
//	    dispatch.WithPanicHandler(func(q *message.Query, v any, stack []byte) {
//	        log.Error().Interface("panic", v).Str("key", q.Key().String()).Msg("handler panicked")
//	    }),
//	)
//	err := pool.Submit(ctx, query, handler, func(r dispatch.Result) { ... })
package dispatch
