package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/keymesh/internal/dispatch"
	"github.com/dshills/keymesh/internal/keyexpr"
	"github.com/dshills/keymesh/internal/message"
	"github.com/dshills/keymesh/internal/metrics"
	"github.com/dshills/keymesh/internal/substrate"
)

// State is the lifecycle state of a queryable.
type State int32

const (
	// StateRegistered means the declaration exists but its loop has not started.
	StateRegistered State = iota

	// StateRunning means queries are being accepted and handled.
	StateRunning

	// StateDraining means no new queries are accepted; in-flight ones finish.
	StateDraining

	// StateClosed means every query finished and the declaration is released.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// internalErrorReply is the error reply sent when a handler panics.
const internalErrorReply = "internal error"

// Queryable serves queries whose key matches its pattern. Each query runs on
// its own goroutine, bounded by the max-in-flight limit.
type Queryable struct {
	id      string
	node    *Node
	pattern keyexpr.Pattern
	handler Handler
	stream  substrate.QueryStream
	pool    *dispatch.Pool
	created time.Time

	state        atomic.Int32
	acceptCtx    context.Context
	acceptCancel context.CancelFunc
	loopDone     chan struct{}
	once         sync.Once
	err          error
}

// DeclareQueryable registers h for queries matching pattern and starts serving.
func (n *Node) DeclareQueryable(ctx context.Context, pattern string, h Handler, opts ...QueryableOption) (*Queryable, error) {
	p, err := keyexpr.ParsePattern(pattern)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, dispatch.ErrNilHandler
	}
	if n.Closed() {
		return nil, ErrNodeClosed
	}

	qo := queryableOptions{
		maxInFlight:    n.settings.maxInFlight,
		queue:          n.settings.queryQueue,
		handlerTimeout: n.settings.handlerTimeout,
	}
	for _, opt := range opts {
		opt(&qo)
	}

	stream, err := n.session.DeclareQueryable(ctx, p, qo.queue)
	if err != nil {
		return nil, fmt.Errorf("declaring queryable %s: %w", pattern, err)
	}

	q := &Queryable{
		id:       uuid.NewString(),
		node:     n,
		pattern:  p,
		handler:  h,
		stream:   stream,
		created:  time.Now(),
		loopDone: make(chan struct{}),
	}
	q.acceptCtx, q.acceptCancel = context.WithCancel(n.ctx)
	q.pool = dispatch.NewPool(
		dispatch.WithMaxInFlight(qo.maxInFlight),
		dispatch.WithHandlerTimeout(qo.handlerTimeout),
		dispatch.WithPanicHandler(q.onPanic),
	)
	if err := n.track(q.id, q); err != nil {
		q.acceptCancel()
		_ = stream.Undeclare()
		return nil, err
	}
	n.metrics.Declared(metrics.KindQueryable, 1)
	n.logger.Debug().Str("pattern", pattern).Int("max_in_flight", qo.maxInFlight).Msg("queryable declared")

	q.state.Store(int32(StateRunning))
	go q.loop()
	return q, nil
}

// Pattern returns the queryable pattern.
func (q *Queryable) Pattern() keyexpr.Pattern {
	return q.pattern
}

// State returns the current lifecycle state.
func (q *Queryable) State() State {
	return State(q.state.Load())
}

// InFlight returns the number of queries being handled now.
func (q *Queryable) InFlight() int {
	return q.pool.InFlight()
}

// Stats returns handler execution statistics.
func (q *Queryable) Stats() dispatch.PoolStats {
	return q.pool.Stats()
}

func (q *Queryable) loop() {
	defer close(q.loopDone)

	pattern := q.pattern.String()
	for query := range q.stream.Queries() {
		q.node.metrics.QueryReceived(pattern)
		if q.State() != StateRunning {
			query.Finish()
			continue
		}
		if err := q.pool.Submit(q.acceptCtx, query, q.handler, q.completion(query)); err != nil {
			query.Finish()
		}
	}
}

// completion turns a handler result into error replies and finishes the query.
func (q *Queryable) completion(query *message.Query) func(dispatch.Result) {
	return func(r dispatch.Result) {
		pattern := q.pattern.String()
		sent := query.ReplyCount()
		defer query.Finish()

		ctx, cancel := context.WithTimeout(context.Background(), q.node.settings.queryTimeout)
		defer cancel()

		switch {
		case r.Panicked:
			q.node.metrics.HandlerPanicked(pattern)
			if err := query.ReplyError(ctx, []byte(internalErrorReply)); err == nil {
				q.node.metrics.RepliesSent(pattern, "error", 1)
			}
		case r.Error != nil && !r.Skipped && !errors.Is(r.Error, message.ErrQueryFinished):
			q.node.logger.Debug().
				Err(r.Error).
				Str("pattern", pattern).
				Str("key", query.Key().String()).
				Msg("query handler failed")
			if err := query.ReplyError(ctx, []byte(r.Error.Error())); err == nil {
				q.node.metrics.RepliesSent(pattern, "error", 1)
			}
		}
		q.node.metrics.RepliesSent(pattern, "ok", sent)
	}
}

func (q *Queryable) onPanic(query *message.Query, value any, stack []byte) {
	perr := &PanicError{
		Pattern: q.pattern.String(),
		Key:     query.Key().String(),
		Value:   value,
		Stack:   string(stack),
	}
	q.node.logger.Error().
		Err(perr).
		Str("query_id", query.ID()).
		Str("stack", perr.Stack).
		Msg("query handler panicked")
}

// Undeclare withdraws the queryable and drains it. Queries not yet started are
// finished without replies; in-flight queries run to completion. If ctx ends
// first, running handlers are cancelled and ctx.Err() is returned.
func (q *Queryable) Undeclare(ctx context.Context) error {
	q.once.Do(func() {
		q.state.Store(int32(StateDraining))
		q.acceptCancel()

		if err := q.stream.Undeclare(); err != nil {
			q.err = fmt.Errorf("withdrawing queryable %s: %w", q.pattern, err)
		}
		<-q.loopDone

		q.pool.Close()
		if err := q.pool.Wait(ctx); err != nil {
			q.pool.Cancel()
			q.err = errors.Join(q.err, fmt.Errorf("draining queryable %s: %w", q.pattern, err))
		}

		q.state.Store(int32(StateClosed))
		q.node.forget(q.id)
		q.node.metrics.Declared(metrics.KindQueryable, -1)
		q.node.logger.Debug().Str("pattern", q.pattern.String()).Msg("queryable closed")
	})
	return q.err
}

func (q *Queryable) describe() Declaration {
	return Declaration{ID: q.id, Kind: metrics.KindQueryable, Key: q.pattern.String(), State: q.State().String(), Created: q.created}
}
