package natsbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dshills/keymesh/internal/keyexpr"
	"github.com/dshills/keymesh/internal/message"
	"github.com/dshills/keymesh/internal/substrate"
)

type publisher struct {
	id      string
	session *Session
	subject string
	closed  atomic.Bool
}

func (p *publisher) Put(_ context.Context, s message.Sample) error {
	if p.closed.Load() || p.session.isClosed() {
		return substrate.ErrClosed
	}
	if err := p.session.publish(p.subject, "", sampleEnvelope(s)); err != nil {
		return fmt.Errorf("publishing %s: %w", s.Key, err)
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

type subscriber struct {
	id      string
	session *Session
	pattern keyexpr.Pattern
	opts    substrate.SubscriberOptions
	subs    []*nats.Subscription

	mu     sync.RWMutex
	closed bool
	ch     chan message.Sample
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) Samples() <-chan message.Sample {
	return s.ch
}

func (s *subscriber) onMsg(msg *nats.Msg) {
	env, err := decode(msg.Data)
	if err != nil || env.Kind != kindSample {
		s.session.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed sample")
		return
	}
	sample, err := env.sample()
	if err != nil {
		s.session.logger.Warn().Err(err).Str("subject", msg.Subject).Str("key", env.Key).Msg("dropping malformed sample")
		return
	}
	// Subjects for a non-trailing ** are wider than the pattern.
	if !keyexpr.Matches(s.pattern, sample.Key) {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	if s.opts.Overflow == substrate.OverflowDropNewest {
		select {
		case s.ch <- sample:
		default:
			if s.opts.OnDrop != nil {
				s.opts.OnDrop(sample)
			}
		}
		return
	}

	select {
	case s.ch <- sample:
	case <-s.done:
	}
}

func (s *subscriber) Undeclare() error {
	var err error
	s.once.Do(func() {
		for _, ns := range s.subs {
			if uerr := ns.Unsubscribe(); uerr != nil && err == nil && uerr != nats.ErrConnectionClosed {
				err = fmt.Errorf("unsubscribing %s: %w", ns.Subject, uerr)
			}
		}
		close(s.done)

		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()

		s.session.forget(s.id)
	})
	return err
}

type queryable struct {
	id      string
	session *Session
	pattern keyexpr.Pattern
	subs    []*nats.Subscription

	mu     sync.RWMutex
	closed bool
	ch     chan *message.Query
	done   chan struct{}
	once   sync.Once
}

func (q *queryable) Queries() <-chan *message.Query {
	return q.ch
}

func (q *queryable) onMsg(msg *nats.Msg) {
	env, err := decode(msg.Data)
	if err != nil || env.Kind != kindQuery || msg.Reply == "" {
		q.session.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed query")
		return
	}
	key, err := keyexpr.ParseTopic(env.Key)
	if err != nil {
		q.session.logger.Warn().Err(err).Str("subject", msg.Subject).Str("key", env.Key).Msg("dropping malformed query")
		return
	}
	if !keyexpr.Matches(q.pattern, key) {
		return
	}

	sink := &replySink{session: q.session, inbox: msg.Reply, responder: q.id}
	if err := q.session.publish(msg.Reply, "", envelope{Kind: kindBegin, QueryID: env.QueryID, Responder: q.id}); err != nil {
		q.session.logger.Warn().Err(err).Str("key", env.Key).Msg("announcing query responder")
		return
	}

	query := message.NewQuery(env.QueryID, key, env.Payload, env.HasPayload, sink)
	if !q.enqueue(query) {
		query.Finish()
	}
}

func (q *queryable) enqueue(query *message.Query) bool {
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
	}
}

func (q *queryable) Undeclare() error {
	var err error
	q.once.Do(func() {
		for _, ns := range q.subs {
			if uerr := ns.Unsubscribe(); uerr != nil && err == nil && uerr != nats.ErrConnectionClosed {
				err = fmt.Errorf("unsubscribing %s: %w", ns.Subject, uerr)
			}
		}
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
	return err
}

// replySink publishes the replies of one query to the requester's inbox.
type replySink struct {
	session   *Session
	inbox     string
	responder string
}

func (s *replySink) Send(ctx context.Context, r message.Reply) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.session.publish(s.inbox, "", replyEnvelope(s.responder, r)); err != nil {
		return fmt.Errorf("publishing reply: %w", err)
	}
	return nil
}

func (s *replySink) Finish() {
	env := envelope{Kind: kindFinish, Responder: s.responder}
	if err := s.session.publish(s.inbox, "", env); err != nil {
		s.session.logger.Debug().Err(err).Msg("publishing query finish")
	}
}

// replyStream collects the frames arriving on one query inbox.
type replyStream struct {
	session *Session
	sub     *nats.Subscription

	in      chan envelope
	out     chan message.Reply
	done    chan struct{} // closed by Close
	stopped chan struct{} // closed by the collector on exit
	once    sync.Once
}

func (rs *replyStream) Replies() <-chan message.Reply {
	return rs.out
}

func (rs *replyStream) Close() error {
	rs.once.Do(func() { close(rs.done) })
	return nil
}

func (rs *replyStream) onMsg(msg *nats.Msg) {
	env, err := decode(msg.Data)
	if err != nil {
		return
	}
	select {
	case rs.in <- env:
	case <-rs.stopped:
	}
}

// collect ends the stream once the discovery window has passed and every
// responder that announced itself has finished, or when Close is called.
func (rs *replyStream) collect(window time.Duration) {
	defer func() {
		close(rs.stopped)
		_ = rs.sub.Unsubscribe()
		close(rs.out)
	}()

	began := make(map[string]bool)
	open := 0
	discovered := false

	timer := time.NewTimer(window)
	defer timer.Stop()

	for {
		if discovered && open == 0 {
			return
		}
		select {
		case env := <-rs.in:
			switch env.Kind {
			case kindBegin:
				if !began[env.Responder] {
					began[env.Responder] = true
					open++
				}
			case kindFinish:
				if began[env.Responder] {
					began[env.Responder] = false
					open--
				}
			case kindReply:
				r, err := env.reply()
				if err != nil {
					continue
				}
				select {
				case rs.out <- r:
				case <-rs.done:
					return
				}
			}
		case <-timer.C:
			discovered = true
		case <-rs.done:
			return
		}
	}
}
