package local

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dshills/keymesh/internal/keyexpr"
	"github.com/dshills/keymesh/internal/message"
	"github.com/dshills/keymesh/internal/substrate"
)

// publisher routes samples for one key through the router.
type publisher struct {
	id      string
	key     keyexpr.Topic
	session *Session
	closed  atomic.Bool
}

func (p *publisher) Put(ctx context.Context, s message.Sample) error {
	if p.closed.Load() || p.session.isClosed() {
		return substrate.ErrClosed
	}
	for _, sub := range p.session.router.subs.Match(s.Key) {
		if err := sub.deliver(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (p *publisher) Undeclare() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.session.forget(p.id)
	return nil
}

// subscriber is one inbound sample channel.
type subscriber struct {
	id       string
	pattern  keyexpr.Pattern
	session  *Session
	overflow substrate.Overflow
	onDrop   func(message.Sample)

	mu     sync.RWMutex // held for reading while delivering
	closed bool
	ch     chan message.Sample
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) Samples() <-chan message.Sample {
	return s.ch
}

// deliver hands a sample to the subscriber. A delivery blocked on a full
// buffer is released by Undeclare.
func (s *subscriber) deliver(ctx context.Context, sample message.Sample) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil
	}

	if s.overflow == substrate.OverflowDropNewest {
		select {
		case s.ch <- sample:
		default:
			if s.onDrop != nil {
				s.onDrop(sample)
			}
		}
		return nil
	}

	select {
	case s.ch <- sample:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscriber) Undeclare() error {
	s.once.Do(func() {
		s.session.router.subs.Delete(s.pattern, s.id)
		close(s.done)

		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()

		s.session.forget(s.id)
	})
	return nil
}

// queryable is one inbound query channel.
type queryable struct {
	id      string
	pattern keyexpr.Pattern
	session *Session

	mu     sync.RWMutex
	closed bool
	ch     chan *message.Query
	done   chan struct{}
	once   sync.Once
}

func (q *queryable) Queries() <-chan *message.Query {
	return q.ch
}

// enqueue reports whether the query was handed over. Callers finish queries
// that were not.
func (q *queryable) enqueue(ctx context.Context, query *message.Query) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return false
	}
	select {
	case q.ch <- query:
		return true
	case <-q.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Undeclare withdraws the queryable. Queries still buffered are finished
// without replies so requesters are not left waiting.
func (q *queryable) Undeclare() error {
	q.once.Do(func() {
		q.session.router.queryables.Delete(q.pattern, q.id)
		close(q.done)

		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()

		for pending := range q.ch {
			pending.Finish()
		}
		q.session.forget(q.id)
	})
	return nil
}

// replyStream merges replies from every query created for one request.
type replyStream struct {
	out       chan message.Reply
	done      chan struct{}
	closeOnce sync.Once
	pending   atomic.Int64
}

func newReplyStream(targets int) *replyStream {
	rs := &replyStream{
		out:  make(chan message.Reply, replyBuffer),
		done: make(chan struct{}),
	}
	rs.pending.Store(int64(targets))
	if targets == 0 {
		close(rs.out)
	}
	return rs
}

func (rs *replyStream) Replies() <-chan message.Reply {
	return rs.out
}

func (rs *replyStream) Close() error {
	rs.closeOnce.Do(func() { close(rs.done) })
	return nil
}

// finish is called once per query; the last one closes the output.
func (rs *replyStream) finish() {
	if rs.pending.Add(-1) == 0 {
		close(rs.out)
	}
}

// replySink is the per-query side of a replyStream.
type replySink struct {
	stream *replyStream
}

func (s *replySink) Send(ctx context.Context, r message.Reply) error {
	select {
	case <-s.stream.done:
		return substrate.ErrClosed
	default:
	}
	select {
	case s.stream.out <- r:
		return nil
	case <-s.stream.done:
		return substrate.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *replySink) Finish() {
	s.stream.finish()
}
