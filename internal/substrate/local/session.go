package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/keymesh/internal/keyexpr"
	"github.com/dshills/keymesh/internal/message"
	"github.com/dshills/keymesh/internal/substrate"
)

// Default channel capacities.
const (
	DefaultSubscriberCapacity = 256
	DefaultQueryableCapacity  = 256
	replyBuffer               = 32
)

type undeclarer interface {
	Undeclare() error
}

// Session is one participant attached to a Router.
type Session struct {
	id     string
	name   string
	router *Router

	mu     sync.Mutex
	closed bool
	decls  map[string]undeclarer
}

var _ substrate.Session = (*Session)(nil)

// Name returns the session name given at Open.
func (s *Session) Name() string {
	return s.name
}

func (s *Session) track(id string, d undeclarer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return substrate.ErrClosed
	}
	s.decls[id] = d
	return nil
}

func (s *Session) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.decls, id)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// DeclarePublisher binds a publisher to key.
func (s *Session) DeclarePublisher(_ context.Context, key keyexpr.Topic) (substrate.Publisher, error) {
	if key.IsEmpty() {
		return nil, keyexpr.ErrInvalidTopic
	}
	p := &publisher{id: uuid.NewString(), key: key, session: s}
	if err := s.track(p.id, p); err != nil {
		return nil, err
	}
	return p, nil
}

// DeclareSubscriber registers a subscriber for pattern.
func (s *Session) DeclareSubscriber(_ context.Context, pattern keyexpr.Pattern, opts substrate.SubscriberOptions) (substrate.SampleStream, error) {
	if pattern.IsZero() {
		return nil, keyexpr.ErrMalformedPattern
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultSubscriberCapacity
	}

	sub := &subscriber{
		id:       uuid.NewString(),
		pattern:  pattern,
		session:  s,
		ch:       make(chan message.Sample, capacity),
		done:     make(chan struct{}),
		overflow: opts.Overflow,
		onDrop:   opts.OnDrop,
	}
	if err := s.track(sub.id, sub); err != nil {
		return nil, err
	}
	s.router.subs.Insert(pattern, sub.id, sub)
	return sub, nil
}

// DeclareQueryable registers a queryable for pattern.
func (s *Session) DeclareQueryable(_ context.Context, pattern keyexpr.Pattern, capacity int) (substrate.QueryStream, error) {
	if pattern.IsZero() {
		return nil, keyexpr.ErrMalformedPattern
	}
	if capacity <= 0 {
		capacity = DefaultQueryableCapacity
	}

	q := &queryable{
		id:      uuid.NewString(),
		pattern: pattern,
		session: s,
		ch:      make(chan *message.Query, capacity),
		done:    make(chan struct{}),
	}
	if err := s.track(q.id, q); err != nil {
		return nil, err
	}
	s.router.queryables.Insert(pattern, q.id, q)
	return q, nil
}

// Query creates one query per queryable whose pattern matches key and returns
// the merged reply stream. With no match the stream is already closed.
func (s *Session) Query(ctx context.Context, key keyexpr.Topic, payload []byte, hasPayload bool) (substrate.ReplyStream, error) {
	if s.isClosed() {
		return nil, substrate.ErrClosed
	}
	if key.IsEmpty() {
		return nil, keyexpr.ErrInvalidTopic
	}

	targets := s.router.queryables.Match(key)
	rs := newReplyStream(len(targets))
	if len(targets) == 0 {
		return rs, nil
	}

	id := uuid.NewString()
	for _, target := range targets {
		q := message.NewQuery(id, key, payload, hasPayload, &replySink{stream: rs})
		if !target.enqueue(ctx, q) {
			q.Finish()
		}
	}
	return rs, nil
}

// Close undeclares everything declared through the session.
func (s *Session) Close(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	decls := make([]undeclarer, 0, len(s.decls))
	for _, d := range s.decls {
		decls = append(decls, d)
	}
	s.mu.Unlock()

	var firstErr error
	for _, d := range decls {
		if err := d.Undeclare(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing session %s: %w", s.name, err)
		}
	}
	s.router.detach(s)
	return firstErr
}
