package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/keymesh/internal/keyexpr"
	"github.com/dshills/keymesh/internal/message"
	"github.com/dshills/keymesh/internal/substrate"
)

// endReason records why a reply stream ended.
type endReason int

const (
	endComplete endReason = iota
	endTimeout
	endClosed
	endCancelled
)

// ReplyStream yields the replies to one Get in arrival order. It ends when
// every matched queryable finished, on timeout, on Close, or when the Get
// context is cancelled.
type ReplyStream struct {
	node    *Node
	key     keyexpr.Topic
	inner   substrate.ReplyStream
	started time.Time

	out       chan message.Reply
	done      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
	timedOut  atomic.Bool
	err       atomic.Pointer[error]
}

// Get sends a query on target to every matching queryable and returns the
// merged reply stream. The timeout covers handing the query to queryables as
// well as waiting for replies; a queryable whose queue stays full until then
// gets no query. With no matching queryable the stream is empty: on the local
// substrate it is already closed, on NATS it closes once the discovery window
// elapsed without a responder.
func (n *Node) Get(ctx context.Context, target string, opts ...GetOption) (*ReplyStream, error) {
	key, err := keyexpr.ParseTopic(target)
	if err != nil {
		return nil, err
	}
	if n.Closed() {
		return nil, ErrNodeClosed
	}

	o := getOptions{
		timeout:    n.settings.queryTimeout,
		lateWindow: n.settings.lateWindow,
	}
	for _, opt := range opts {
		opt(&o)
	}

	started := time.Now()
	deadline := started.Add(o.timeout)

	// Handing the query to a saturated queryable blocks, so the fan-out is
	// bounded by the same deadline as the stream and ends when the node closes.
	qctx, cancel := context.WithDeadline(ctx, deadline)
	stop := context.AfterFunc(n.ctx, cancel)
	inner, err := n.session.Query(qctx, key, o.payload, o.hasPayload)
	stop()
	expired := ctx.Err() == nil && errors.Is(qctx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		return nil, &OpError{Op: "get", Key: target, Kind: ErrQueryFailed, Err: err}
	}

	rs := &ReplyStream{
		node:     n,
		key:      key,
		inner:    inner,
		started:  started,
		out:      make(chan message.Reply),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	rs.timedOut.Store(expired)
	err = n.Go("get "+target, func(nodeCtx context.Context) {
		rs.run(ctx, nodeCtx, deadline, o)
	})
	if err != nil {
		_ = inner.Close()
		return nil, err
	}
	return rs, nil
}

func (rs *ReplyStream) run(ctx, nodeCtx context.Context, deadline time.Time, o getOptions) {
	defer close(rs.finished)
	defer func() { _ = rs.inner.Close() }()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	in := rs.inner.Replies()
	reason, pending := rs.collect(ctx, nodeCtx, in, timer.C)

	key := rs.key.String()
	switch reason {
	case endTimeout:
		rs.timedOut.Store(true)
	case endCancelled:
		err := ctx.Err()
		if err == nil {
			err = ErrNodeClosed
		}
		rs.err.Store(&err)
	}
	close(rs.out)
	rs.node.metrics.GetFinished(key, time.Since(rs.started), rs.TimedOut())

	if reason != endTimeout || o.late == nil {
		return
	}
	if pending != nil {
		rs.late(o.late, *pending)
	}

	window := time.NewTimer(o.lateWindow)
	defer window.Stop()
	for {
		select {
		case r, ok := <-in:
			if !ok {
				return
			}
			rs.node.metrics.GetReply(key, r.Status.String())
			rs.late(o.late, r)
		case <-window.C:
			return
		case <-rs.done:
			return
		case <-nodeCtx.Done():
			return
		}
	}
}

// collect forwards replies until the stream ends. A reply read but not yet
// handed to the consumer when the timeout fires is returned as pending.
func (rs *ReplyStream) collect(ctx, nodeCtx context.Context, in <-chan message.Reply, timeout <-chan time.Time) (endReason, *message.Reply) {
	key := rs.key.String()
	for {
		select {
		case r, ok := <-in:
			if !ok {
				return endComplete, nil
			}
			rs.node.metrics.GetReply(key, r.Status.String())
			select {
			case rs.out <- r:
			case <-timeout:
				return endTimeout, &r
			case <-rs.done:
				return endClosed, nil
			case <-ctx.Done():
				return endCancelled, nil
			case <-nodeCtx.Done():
				return endCancelled, nil
			}
		case <-timeout:
			return endTimeout, nil
		case <-rs.done:
			return endClosed, nil
		case <-ctx.Done():
			return endCancelled, nil
		case <-nodeCtx.Done():
			return endCancelled, nil
		}
	}
}

func (rs *ReplyStream) late(fn func(message.Reply), r message.Reply) {
	defer func() {
		if v := recover(); v != nil {
			rs.node.logger.Error().
				Str("key", rs.key.String()).
				Interface("panic", v).
				Msg("late reply callback panicked")
		}
	}()
	fn(r)
}

// Key returns the queried topic.
func (rs *ReplyStream) Key() keyexpr.Topic {
	return rs.key
}

// Replies returns the reply channel. It is closed when the stream ends.
func (rs *ReplyStream) Replies() <-chan message.Reply {
	return rs.out
}

// Next returns the next reply, or io.EOF once the stream ended.
func (rs *ReplyStream) Next(ctx context.Context) (message.Reply, error) {
	select {
	case r, ok := <-rs.out:
		if !ok {
			return message.Reply{}, io.EOF
		}
		return r, nil
	case <-ctx.Done():
		return message.Reply{}, ctx.Err()
	}
}

// Collect drains the stream and returns every reply. The error is non-nil only
// when ctx ends first or the Get itself was cancelled.
func (rs *ReplyStream) Collect(ctx context.Context) ([]message.Reply, error) {
	var replies []message.Reply
	for {
		r, err := rs.Next(ctx)
		if err == io.EOF {
			return replies, rs.Err()
		}
		if err != nil {
			return replies, fmt.Errorf("collecting replies for %s: %w", rs.key, err)
		}
		replies = append(replies, r)
	}
}

// Close stops the stream and releases its substrate resources. Replies not yet
// received are discarded. Close waits for the collector to stop.
func (rs *ReplyStream) Close() error {
	rs.closeOnce.Do(func() { close(rs.done) })
	<-rs.finished
	return nil
}

// Done is closed once the stream and any late-reply handling finished.
func (rs *ReplyStream) Done() <-chan struct{} {
	return rs.finished
}

// TimedOut reports whether the stream ended because the timeout elapsed.
// It is meaningful once Replies is closed.
func (rs *ReplyStream) TimedOut() bool {
	return rs.timedOut.Load()
}

// Err returns the cancellation cause when the Get context ended the stream.
func (rs *ReplyStream) Err() error {
	if p := rs.err.Load(); p != nil {
		return *p
	}
	return nil
}
